// Package sync implements `mirror sync`, the connecting side of a sync
// pair.
package sync

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/danielberg/mirror/cmd/util"
	"github.com/danielberg/mirror/pkg/config"
	"github.com/danielberg/mirror/pkg/errors"
	"github.com/danielberg/mirror/pkg/fs"
	"github.com/danielberg/mirror/pkg/session"
	"github.com/danielberg/mirror/pkg/wire"
)

// New creates a new `sync` command.
func New() *cobra.Command {
	var configPath, root, remote string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Connect to a remote daemon and keep a local root in sync with it.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath, root, remote); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the mirror config file")
	cmd.Flags().StringVar(&root, "root", "", "Directory to sync (overrides the config file)")
	cmd.Flags().StringVar(&remote, "remote", "", "Address of the remote daemon (overrides the config file)")
	return cmd
}

func run(configPath, root, remote string) error {
	cfg, err := loadConfig(configPath, root, remote)
	if err != nil {
		return err
	}

	peer, err := wire.Dial(cfg.Remote)
	if err != nil {
		return errors.WithContext(err, "connect to daemon")
	}
	peerVersion, err := peer.Handshake()
	if err != nil {
		return errors.WithContext(err, "handshake")
	}
	log.WithField("remote", cfg.Remote).WithField("version", peerVersion).Info("Connected")

	sess := session.New(fs.NewAdapter(cfg.Root), peer, cfg.Excludes, cfg.Includes)
	if err := sess.Start(); err != nil {
		return errors.WithContext(err, "start session")
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("Shutting down")
		sess.Stop()
	}()

	return sess.Wait()
}

func loadConfig(configPath, root, remote string) (config.Config, error) {
	cfg, err := config.Parse(configPath)
	if err != nil {
		if _, ok := errors.RootCause(err).(errors.FileNotFound); !ok || root == "" {
			return config.Config{}, err
		}
		cfg = config.Config{}
	}
	if root != "" {
		cfg.Root = root
	}
	if remote != "" {
		cfg.Remote = remote
	}
	if cfg.Root == "" {
		return config.Config{}, errors.MissingFieldError{Field: "root"}
	}
	if cfg.Remote == "" {
		return config.Config{}, errors.MissingFieldError{Field: "remote"}
	}
	return cfg, nil
}
