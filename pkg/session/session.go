// Package session wires a sync session together: the five workers
// (local scanner, local watcher, remote reader, remote writer,
// filesystem writer) around one reconciler, the initial-scan
// handshake, and the all-or-nothing teardown when any worker fails.
package session

import (
	"sync"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/danielberg/mirror/pkg/errors"
	"github.com/danielberg/mirror/pkg/fs"
	"github.com/danielberg/mirror/pkg/mirror"
	"github.com/danielberg/mirror/pkg/mirror/tasks"
	"github.com/danielberg/mirror/pkg/wire"
)

// Session is one live sync between a local root and a connected peer.
type Session struct {
	adapter  *fs.Adapter
	peer     *wire.Peer
	queues   *mirror.Queues
	factory  tasks.Factory
	clock    clockwork.Clock
	excludes []string
	includes []string

	handles []tasks.Handle

	stopOnce sync.Once

	// stopping closes at the start of teardown so producers blocked on
	// a full inbox can't hold up their own join; done closes once every
	// worker has stopped.
	stopping chan struct{}
	done     chan struct{}

	errOnce sync.Once
	err     error
}

// New creates a session for the given root and peer connection. The
// peer handshake must have completed already. When exclude/include
// overrides are given they replace the compiled-in defaults.
func New(adapter *fs.Adapter, peer *wire.Peer, excludes, includes []string) *Session {
	return &Session{
		adapter:  adapter,
		peer:     peer,
		queues:   mirror.NewQueues(),
		factory:  tasks.NewFactory(),
		clock:    clockwork.NewRealClock(),
		excludes: excludes,
		includes: includes,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start spins up the workers. The watcher starts before the scanner so
// that changes racing the scan are still observed; a duplicate update
// just re-marks the node dirty.
func (s *Session) Start() error {
	watcher, err := fs.NewWatcher(s.adapter, func(u *mirror.Update) {
		select {
		case s.queues.Incoming <- mirror.Received{Side: mirror.Local, Update: u}:
		case <-s.stopping:
		}
	})
	if err != nil {
		return errors.WithContext(err, "start watcher")
	}

	tree := mirror.NewUpdateTree()
	if len(s.excludes) > 0 || len(s.includes) > 0 {
		tree = mirror.NewUpdateTreeWithRules(
			mirror.NewPathRules(s.excludes...),
			mirror.NewPathRules(s.includes...))
	}
	logic := mirror.NewSyncLogic(tree, s.queues, s.adapter, s.clock)

	workers := []tasks.Logic{
		logic,
		watcher,
		&scanner{adapter: s.adapter, queues: s.queues},
		wire.NewReader(s.peer, s.queues),
		wire.NewWriter(s.peer, s.queues),
		&fsWriter{adapter: s.adapter, queues: s.queues},
	}
	for _, worker := range workers {
		worker := worker
		handle := s.factory.RunTask(worker, func() {
			s.fail(errors.New("task " + worker.Name() + " failed"))
		})
		s.handles = append(s.handles, handle)
	}
	return nil
}

// Wait blocks until the session ends and returns the first failure, if
// any.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Stop tears the session down cleanly.
func (s *Session) Stop() {
	s.teardown()
}

func (s *Session) fail(err error) {
	s.errOnce.Do(func() {
		s.err = err
	})
	// Teardown can't run on the failing task's own goroutine: stopping
	// a task joins it.
	go s.teardown()
}

func (s *Session) teardown() {
	s.stopOnce.Do(func() {
		close(s.stopping)
		// Closing the connection wakes any worker blocked in network
		// I/O.
		if err := s.peer.Close(); err != nil {
			log.WithError(err).Debug("Failed to close peer connection")
		}
		for _, handle := range s.handles {
			handle.Stop()
		}
		close(s.done)
	})
}

// scanner is the local-scanner worker: it walks the filesystem once,
// feeding the reconciler's inbox and streaming the same metadata to the
// peer, then delivers the scan-done sentinel to both.
type scanner struct {
	adapter *fs.Adapter
	queues  *mirror.Queues
}

func (s *scanner) Name() string {
	return "local-scanner"
}

var errStopped = errors.New("stopped")

func (s *scanner) Run(stop <-chan struct{}) error {
	err := s.adapter.List(func(u *mirror.Update) error {
		select {
		case s.queues.Incoming <- mirror.Received{Side: mirror.Local, Update: u}:
		case <-stop:
			return errStopped
		}
		select {
		case s.queues.ToRemote <- mirror.Received{Update: u.Clone()}:
		case <-stop:
			return errStopped
		}
		return nil
	})
	if err != nil {
		if errors.RootCause(err) == errStopped {
			return nil
		}
		return errors.WithContext(err, "initial scan")
	}

	select {
	case s.queues.Incoming <- mirror.Received{Side: mirror.Local, ScanDone: true}:
	case <-stop:
		return nil
	}
	select {
	case s.queues.ToRemote <- mirror.Received{ScanDone: true}:
	case <-stop:
	}
	return nil
}

// fsWriter is the filesystem-writer worker. All local mutations funnel
// through it, serializing path creation and deletion. A failed write is
// reported back to the reconciler, which keeps the node dirty for a
// retry; only the reconciler may touch the tree.
type fsWriter struct {
	adapter *fs.Adapter
	queues  *mirror.Queues
}

func (w *fsWriter) Name() string {
	return "fs-writer"
}

func (w *fsWriter) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case u := <-w.queues.ToWrite:
			if err := w.adapter.Apply(u); err != nil {
				log.WithError(err).WithField("path", u.Path).Warn(
					"Failed to apply update to filesystem, will retry")
				w.queues.WriteFailures <- u
			}
		}
	}
}
