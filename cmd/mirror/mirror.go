// Package mirror implements the `mirror` command, which runs one
// synchronization pass against the upstream index.
package mirror

import (
	"github.com/spf13/cobra"

	"github.com/pypimirror/pypimirror/cmd/util"
)

// New creates a new `mirror` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Synchronize the local replica with the upstream index.",
		Long: "Synchronize the local replica with the upstream index.\n\n" +
			"The first run copies every package the filters admit. Subsequent\n" +
			"runs only process the packages the upstream changelog reports as\n" +
			"changed since the last successful run. An interrupted run resumes\n" +
			"where it left off.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", util.DefaultConfigPath,
		"Path to the mirror config file.")
	return cmd
}

func run(configPath string) error {
	m, cfg, err := util.BuildMirror(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := util.RunContext(cfg)
	defer cancel()
	return m.Run(ctx)
}
