// Package cmd assembles the CLI.
package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	deleteCmd "github.com/pypimirror/pypimirror/cmd/delete"
	mirrorCmd "github.com/pypimirror/pypimirror/cmd/mirror"
	"github.com/pypimirror/pypimirror/cmd/util"
	"github.com/pypimirror/pypimirror/cmd/verify"
	"github.com/pypimirror/pypimirror/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "PYPIMIRROR_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "pypimirror",
		Short:        "Maintain an incremental mirror of a Python package index.",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		deleteCmd.New(),
		mirrorCmd.New(),
		verify.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
