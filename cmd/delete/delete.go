// Package delete implements the `delete` command, which removes packages
// from the replica.
package delete

import (
	"github.com/spf13/cobra"

	"github.com/pypimirror/pypimirror/cmd/util"
)

// New creates a new `delete` command.
func New() *cobra.Command {
	var configPath string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "delete PACKAGE...",
		Short: "Remove packages from the replica.",
		Long: "Remove the given packages from the replica: their index pages,\n" +
			"metadata documents, and release files. The packages are looked up\n" +
			"by normalized name. Note that the next sync run will re-add a\n" +
			"deleted package unless the filters exclude it.",
		Args: cobra.MinimumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(configPath, args, dryRun); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", util.DefaultConfigPath,
		"Path to the mirror config file.")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"Report what would be deleted without changing anything.")
	return cmd
}

func run(configPath string, names []string, dryRun bool) error {
	m, cfg, err := util.BuildMirror(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := util.RunContext(cfg)
	defer cancel()
	return m.DeletePackages(ctx, names, dryRun)
}
