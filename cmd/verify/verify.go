// Package verify implements the `verify` command, which audits and repairs
// the replica.
package verify

import (
	"github.com/spf13/cobra"

	"github.com/pypimirror/pypimirror/cmd/util"
	"github.com/pypimirror/pypimirror/pkg/mirror"
)

// New creates a new `verify` command.
func New() *cobra.Command {
	var configPath string
	var dryRun, deleteUnowned bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Audit the replica against the upstream and repair it.",
		Long: "Audit the replica against the upstream and repair it.\n\n" +
			"Every stored package is re-checked against fresh upstream\n" +
			"metadata: missing or corrupt release files are re-downloaded,\n" +
			"index pages are regenerated, and packages deleted upstream are\n" +
			"removed locally.",
		Run: func(_ *cobra.Command, _ []string) {
			opts := mirror.VerifyOptions{
				DryRun:        dryRun,
				DeleteUnowned: deleteUnowned,
			}
			if err := run(configPath, opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", util.DefaultConfigPath,
		"Path to the mirror config file.")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"Report what would be repaired without changing anything.")
	cmd.Flags().BoolVar(&deleteUnowned, "delete-unowned", false,
		"Delete release files that no stored package references.")
	return cmd
}

func run(configPath string, opts mirror.VerifyOptions) error {
	m, cfg, err := util.BuildMirror(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := util.RunContext(cfg)
	defer cancel()
	return m.Verify(ctx, opts)
}
