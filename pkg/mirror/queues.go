package mirror

// Side identifies which machine an update describes.
type Side int

const (
	// Local is this machine.
	Local Side = iota
	// Remote is the peer.
	Remote
)

func (s Side) String() string {
	if s == Remote {
		return "remote"
	}
	return "local"
}

// Received is one inbox record for SyncLogic: either an update tagged
// with the side it came from, or an end-of-initial-scan sentinel for
// that side.
type Received struct {
	Side   Side
	Update *Update

	// ScanDone marks the end of Side's initial scan. It carries no
	// update.
	ScanDone bool
}

// Queues are the channels that connect the session's workers to the
// reconciler. They're the only shared mutable state between workers;
// everything else is owned by exactly one goroutine.
type Queues struct {
	// Incoming merges the initial scans, the filesystem watcher, and
	// the network reader into SyncLogic's inbox.
	Incoming chan Received

	// ToRemote carries outbound records to the network writer: scan
	// metadata and reconcile decisions, plus this side's scan-done
	// marker. Sharing one channel keeps the marker ordered after every
	// scan update.
	ToRemote chan Received

	// ToWrite carries filesystem mutations to the filesystem writer.
	ToWrite chan *Update

	// WriteFailures carries updates the filesystem writer couldn't
	// apply back to the reconciler, which keeps their nodes dirty for a
	// retry. It's a separate channel, sized past ToWrite's buffer, so a
	// writer reporting failures can never deadlock against a reconciler
	// blocked on a full ToWrite.
	WriteFailures chan *Update
}

// NewQueues creates the session's channels. The buffers provide
// backpressure: a slow reconciler slows the producers instead of
// queueing unboundedly.
func NewQueues() *Queues {
	return &Queues{
		Incoming:      make(chan Received, 1024),
		ToRemote:      make(chan Received, 256),
		ToWrite:       make(chan *Update, 256),
		WriteFailures: make(chan *Update, 512),
	}
}
