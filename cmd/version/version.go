// Package version implements the `version` command.
package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pypimirror/pypimirror/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of pypimirror.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.Version)
		},
	}
}
