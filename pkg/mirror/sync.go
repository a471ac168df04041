package mirror

import (
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// DataReader reads local file contents for outbound updates.
type DataReader interface {
	ReadFile(path string) ([]byte, error)
}

const (
	// maxDrain bounds how many queued updates we fold into one batch
	// before walking the dirty tree.
	maxDrain = 256

	// retryInterval is how often nodes that hit a transient filesystem
	// fault are retried.
	retryInterval = 15 * time.Second
)

// SyncLogic is the single-threaded reconciler. It owns the UpdateTree:
// every tree mutation happens on its goroutine, which is the tree's
// only thread-safety mechanism.
//
// Its inbox merges three producers (initial scans, the filesystem
// watcher, and the network reader). Each batch of inbox records is
// applied to the tree, then the dirty subset is walked to emit outbound
// updates and filesystem commands.
type SyncLogic struct {
	tree   *UpdateTree
	queues *Queues
	reader DataReader
	clock  clockwork.Clock

	localScanDone  bool
	remoteScanDone bool

	// started flips once both initial-scan sentinels have arrived. No
	// emission happens before that.
	started bool

	// flushNow is set when a batch contains a .gitignore update, since
	// the ignore rules for pending decisions may have changed.
	flushNow bool

	// retries are nodes whose decision hit a transient fault; they're
	// re-marked dirty on the next retry tick.
	retries []*Node

	// stop is the task's stop signal, so emissions can't block forever
	// against a consumer that's already being torn down.
	stop <-chan struct{}
}

// NewSyncLogic creates a reconciler around the given tree.
func NewSyncLogic(tree *UpdateTree, queues *Queues, reader DataReader, clock clockwork.Clock) *SyncLogic {
	return &SyncLogic{
		tree:   tree,
		queues: queues,
		reader: reader,
		clock:  clock,
	}
}

// Name implements tasks.Logic.
func (s *SyncLogic) Name() string {
	return "sync-logic"
}

// Run consumes the inbox until stopped. Any returned error is a
// programming or protocol fault and tears down the session.
func (s *SyncLogic) Run(stop <-chan struct{}) error {
	s.stop = stop
	ticker := s.clock.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case r, ok := <-s.queues.Incoming:
			if !ok {
				return nil
			}
			if err := s.handle(r); err != nil {
				return err
			}
			if err := s.drain(); err != nil {
				return err
			}
			s.flush()
		case u := <-s.queues.WriteFailures:
			s.handleWriteFailed(u)
		case <-ticker.Chan():
			s.retryFailed()
		}
	}
}

// drain folds queued records into the current batch until the inbox is
// idle, the batch limit is hit, or an ignore-rule change forces an
// immediate flush.
func (s *SyncLogic) drain() error {
	for i := 0; i < maxDrain && !s.flushNow; i++ {
		select {
		case r, ok := <-s.queues.Incoming:
			if !ok {
				return nil
			}
			if err := s.handle(r); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

func (s *SyncLogic) handle(r Received) error {
	if r.ScanDone {
		return s.handleScanDone(r.Side)
	}
	if r.Update == nil {
		return nil
	}

	var err error
	if r.Side == Local {
		err = s.tree.AddLocal(r.Update)
	} else {
		err = s.tree.AddRemote(r.Update)
	}
	if err != nil {
		return err
	}

	// A changed .gitignore can flip the ignore status of updates we've
	// already queued, so decide on what we have before reading further.
	if s.started && r.Update.Path != "" && nameOf(r.Update.Path) == GitIgnoreFile {
		s.flushNow = true
	}
	return nil
}

func (s *SyncLogic) handleScanDone(side Side) error {
	if side == Local {
		s.localScanDone = true
	} else {
		s.remoteScanDone = true
	}
	if !s.localScanDone || !s.remoteScanDone || s.started {
		return nil
	}

	s.started = true
	log.WithField("tree", "ready").Debug("Both initial scans complete, emitting union diff")
	// Everything the scans reported is dirty at this point, so decide
	// over the entire tree, then reset the dirty tracking it built up.
	s.tree.Visit(s.decide)
	s.tree.VisitDirty(func(*Node) {})
	return nil
}

// handleWriteFailed reverts the node's local slot to "stale" so the
// remote side wins again on the next pass, and schedules a retry. The
// failed update still carries its payload, so it's restored to the
// remote slot for the next attempt.
func (s *SyncLogic) handleWriteFailed(u *Update) {
	n := s.tree.Find(u.Path)
	n.remote = u.Clone()
	if n.local != nil && n.local.ModTime >= u.ModTime {
		stale := n.local.Clone()
		stale.ModTime = u.ModTime - 1
		n.local = stale
	}
	s.retries = append(s.retries, n)
}

func (s *SyncLogic) flush() {
	s.flushNow = false
	if !s.started {
		return
	}
	s.tree.VisitDirty(s.decide)
}

func (s *SyncLogic) retryFailed() {
	if len(s.retries) == 0 || !s.started {
		return
	}
	retries := s.retries
	s.retries = nil
	for _, n := range retries {
		n.markDirty()
	}
	s.flush()
}

// decide is the per-node reconcile decision: given a dirty node that
// isn't ignored, pick the authoritative side and emit the update or
// filesystem command that converges the other side to it.
func (s *SyncLogic) decide(n *Node) {
	if n.ShouldIgnore() {
		return
	}
	switch n.State() {
	case StateUnknown, StateTombstoneBoth:
		// Nothing to converge.
	case StateAgreed:
		if !metadataEqual(n.local, n.remote) {
			log.WithField("path", n.path).Warn(
				"Sides report the same modtime but different metadata; leaving both as-is")
		}
	case StateLocalOnly, StateDiffLocalNewer:
		s.sendToRemote(n)
	case StateRemoteOnly, StateDiffRemoteNewer:
		s.applyToLocal(n)
	case StateTypeConflict:
		if n.IsLocalNewer() {
			// The peer's version of the path has to go before the new
			// type can be created there.
			if !n.local.Delete {
				s.emitRemote(Received{Update: &Update{
					Path: n.path, Delete: true, ModTime: n.local.ModTime}})
			}
			s.sendToRemote(n)
		} else if n.IsRemoteNewer() {
			s.applyToLocal(n)
		}
	}
}

// sendToRemote ships the node's local state to the peer, reading the
// content payload for regular files, and records the peer as converged.
func (s *SyncLogic) sendToRemote(n *Node) {
	u := n.local.Clone()
	if u.IsFile() && !u.Delete {
		data, err := s.reader.ReadFile(u.Path)
		if err != nil {
			log.WithError(err).WithField("path", n.path).Warn(
				"Failed to read file for outbound sync, will retry")
			s.retries = append(s.retries, n)
			return
		}
		u.Data = data
	}
	s.emitRemote(Received{Update: u})
	n.remote = n.local.withoutData()
}

// applyToLocal dispatches the node's remote state to the filesystem
// writer and records the local side as converged. The payload is
// dropped from the tree as soon as it's handed off.
//
// A newer remote file with no payload is only priming the tree: the
// peer's own reconciler will decide "send content" for it and the
// data-carrying update is still in flight. Nothing converges until it
// lands.
func (s *SyncLogic) applyToLocal(n *Node) {
	u := n.remote
	if u.IsFile() && !u.Delete && u.Data == nil && u.IgnoreString == "" {
		return
	}
	if n.local != nil && !n.local.Delete && !u.Delete && !n.IsSameType() {
		// The old local type has to go before the new one can be
		// created; deleting a directory cascades to its subtree.
		s.emitWrite(&Update{Path: u.Path, Delete: true, ModTime: u.ModTime})
	}
	locallyGone := n.local == nil || n.local.Delete
	if !u.Delete || !locallyGone {
		s.emitWrite(u.Clone())
	}
	n.local = u.withoutData()
	n.ClearData()
}

// emitRemote queues an outbound record unless the session is already
// stopping.
func (s *SyncLogic) emitRemote(r Received) {
	select {
	case s.queues.ToRemote <- r:
	case <-s.stop:
	}
}

// emitWrite queues a filesystem command unless the session is already
// stopping.
func (s *SyncLogic) emitWrite(u *Update) {
	select {
	case s.queues.ToWrite <- u:
	case <-s.stop:
	}
}

func nameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
