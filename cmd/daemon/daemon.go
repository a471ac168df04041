// Package daemon implements `mirror daemon`, the serving side of a
// sync pair.
package daemon

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/danielberg/mirror/cmd/util"
	"github.com/danielberg/mirror/pkg/config"
	"github.com/danielberg/mirror/pkg/errors"
	"github.com/danielberg/mirror/pkg/fs"
	"github.com/danielberg/mirror/pkg/session"
	"github.com/danielberg/mirror/pkg/wire"
)

// New creates a new `daemon` command.
func New() *cobra.Command {
	var configPath, root, listen string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Serve a sync root and accept peer connections.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath, root, listen); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the mirror config file")
	cmd.Flags().StringVar(&root, "root", "", "Directory to serve (overrides the config file)")
	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on (overrides the config file)")
	return cmd
}

func run(configPath, root, listen string) error {
	cfg, err := loadConfig(configPath, root, listen)
	if err != nil {
		return err
	}
	if cfg.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.WithContext(err, "listen")
	}
	log.WithField("address", cfg.Listen).WithField("root", cfg.Root).Info("Serving sync root")

	d := &daemon{cfg: cfg}
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		defer util.HandlePanic()
		return d.serve(lis)
	})
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sig:
			log.Info("Shutting down")
		case <-ctx.Done():
		}
		d.shutdown()
		return lis.Close()
	})
	return g.Wait()
}

type daemon struct {
	cfg config.Config

	mu      sync.Mutex
	current *session.Session
}

func (d *daemon) setCurrent(sess *session.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = sess
}

// serve accepts peers one at a time; each accepted connection gets a
// full session against the configured root.
func (d *daemon) serve(lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			// Closing the listener is how shutdown interrupts Accept.
			return nil
		}

		peer := wire.NewPeer(conn)
		peerVersion, err := peer.Handshake()
		if err != nil {
			log.WithError(err).Warn("Rejected peer")
			_ = peer.Close()
			continue
		}
		log.WithField("peer", conn.RemoteAddr().String()).
			WithField("version", peerVersion).Info("Peer connected")

		sess := session.New(fs.NewAdapter(d.cfg.Root), peer, d.cfg.Excludes, d.cfg.Includes)
		if err := sess.Start(); err != nil {
			log.WithError(err).Error("Failed to start session")
			_ = peer.Close()
			continue
		}
		d.setCurrent(sess)
		if err := sess.Wait(); err != nil {
			log.WithError(err).Warn("Session ended")
		} else {
			log.Info("Session ended")
		}
		d.setCurrent(nil)
	}
}

func (d *daemon) shutdown() {
	d.mu.Lock()
	sess := d.current
	d.mu.Unlock()
	if sess != nil {
		sess.Stop()
	}
}

// loadConfig merges the config file with flag overrides. The file is
// optional as long as the flags cover the required fields.
func loadConfig(configPath, root, listen string) (config.Config, error) {
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
	if listen != "" {
		cfg.Listen = listen
	}
	if cfg.Root == "" {
		return config.Config{}, errors.MissingFieldError{Field: "root"}
	}
	if cfg.Listen == "" {
		return config.Config{}, errors.MissingFieldError{Field: "listen"}
	}
	return cfg, nil
}
