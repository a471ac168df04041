// Package version implements `mirror version`.
package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielberg/mirror/cmd/util"
	"github.com/danielberg/mirror/pkg/errors"
	"github.com/danielberg/mirror/pkg/version"
	"github.com/danielberg/mirror/pkg/wire"
)

// New creates a new `version` command.
func New() *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the local (and optionally a remote daemon's) version of mirror.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(remote); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "Also print the version of the daemon at this address")
	return cmd
}

func run(remote string) error {
	fmt.Printf("local version:  %s\n", version.Version)
	if remote == "" {
		return nil
	}

	peer, err := wire.Dial(remote)
	if err != nil {
		return errors.WithContext(err, "connect to daemon")
	}
	defer func() {
		_ = peer.Close()
	}()

	peerVersion, err := peer.Handshake()
	if err != nil {
		return errors.WithContext(err, "handshake")
	}
	fmt.Printf("daemon version: %s\n", peerVersion)
	return nil
}
