package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/danielberg/mirror/cmd/daemon"
	syncCmd "github.com/danielberg/mirror/cmd/sync"
	"github.com/danielberg/mirror/cmd/util"
	"github.com/danielberg/mirror/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose
// logging. When it's set to `true`, Debug events are logged, rather
// than just Info and above.
const verboseLogKey = "MIRROR_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "mirror",
		Short:        "Keep a local directory tree in sync with a remote peer.",
		SilenceUsage: true,

		// HandleFatalError prints the error Execute returns, so we
		// silence cobra's own printing to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		daemon.New(),
		syncCmd.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
