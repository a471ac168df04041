package wire

import (
	"bufio"
	"net"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/danielberg/mirror/pkg/errors"
	"github.com/danielberg/mirror/pkg/mirror"
	"github.com/danielberg/mirror/pkg/version"
)

const dialTimeout = 5 * time.Second

// Peer is one side of a sync connection. The reader task owns the read
// half and the writer task owns the write half; Close interrupts both,
// which is how blocked I/O gets interrupted at session teardown.
type Peer struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Dial connects to a remote daemon.
func Dial(addr string) (*Peer, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, errors.WithContext(err, "dial")
	}
	return NewPeer(conn), nil
}

// NewPeer wraps an established connection.
func NewPeer(conn net.Conn) *Peer {
	return &Peer{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// Handshake exchanges hello messages and rejects peers older than we
// can talk to. Both sides send first and then read, so neither blocks
// on the other. It returns the peer's version.
func (p *Peer) Handshake() (string, error) {
	hello := Message{Type: MessageHello, Version: version.Version}
	if err := WriteMessage(p.w, hello); err != nil {
		return "", errors.WithContext(err, "send hello")
	}
	if err := p.w.Flush(); err != nil {
		return "", errors.WithContext(err, "send hello")
	}

	msg, err := ReadMessage(p.r)
	if err != nil {
		return "", errors.WithContext(err, "read hello")
	}
	if msg.Type != MessageHello {
		return "", errors.ProtocolViolation{Reason: "expected hello"}
	}
	return msg.Version, checkPeerVersion(msg.Version)
}

// checkPeerVersion enforces the minimum compatible peer version.
// Unstamped builds (unit tests, `go run`) skip the check.
func checkPeerVersion(peerVersion string) error {
	if peerVersion == version.EmptyValue || version.Version == version.EmptyValue {
		return nil
	}

	peer, err := goversion.NewVersion(peerVersion)
	if err != nil {
		return errors.ProtocolViolation{Reason: "unparseable peer version " + peerVersion}
	}
	minimum, err := goversion.NewVersion(version.MinimumPeerVersion)
	if err != nil {
		return errors.WithContext(err, "parse minimum version")
	}
	if peer.LessThan(minimum) {
		return errors.ProtocolViolation{
			Reason: "peer version " + peerVersion + " is older than " + version.MinimumPeerVersion,
		}
	}
	return nil
}

// Close tears the connection down, waking any task blocked on it.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// Reader pumps inbound frames into the reconciler's inbox.
type Reader struct {
	peer   *Peer
	queues *mirror.Queues
}

// NewReader creates the remote-reader task for a session.
func NewReader(peer *Peer, queues *mirror.Queues) *Reader {
	return &Reader{peer: peer, queues: queues}
}

// Name implements tasks.Logic.
func (r *Reader) Name() string {
	return "remote-reader"
}

// Run reads frames until the connection closes. The peer going away is
// a producer failure: the session can't stay consistent without it.
func (r *Reader) Run(stop <-chan struct{}) error {
	for {
		msg, err := ReadMessage(r.peer.r)
		if err != nil {
			return errors.WithContext(err, "read from peer")
		}

		var received mirror.Received
		switch msg.Type {
		case MessageUpdate:
			if msg.Update == nil || msg.Update.Path == "" {
				return errors.ProtocolViolation{Reason: "update without a path"}
			}
			received = mirror.Received{Side: mirror.Remote, Update: msg.Update}
		case MessageScanDone:
			received = mirror.Received{Side: mirror.Remote, ScanDone: true}
		default:
			return errors.ProtocolViolation{Reason: "unexpected message after handshake"}
		}

		select {
		case r.queues.Incoming <- received:
		case <-stop:
			return nil
		}
	}
}

// Writer drains the outbound queue onto the connection, dropping
// payloads as soon as they're dispatched.
type Writer struct {
	peer   *Peer
	queues *mirror.Queues
}

// NewWriter creates the remote-writer task for a session.
func NewWriter(peer *Peer, queues *mirror.Queues) *Writer {
	return &Writer{peer: peer, queues: queues}
}

// Name implements tasks.Logic.
func (w *Writer) Name() string {
	return "remote-writer"
}

// Run consumes outbound records until stopped.
func (w *Writer) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case r := <-w.queues.ToRemote:
			if err := w.send(r); err != nil {
				return err
			}
		}
	}
}

func (w *Writer) send(r mirror.Received) error {
	msg := Message{Type: MessageUpdate, Update: r.Update}
	if r.ScanDone {
		msg = Message{Type: MessageScanDone}
	}
	if err := WriteMessage(w.peer.w, msg); err != nil {
		return errors.WithContext(err, "write to peer")
	}
	if r.Update != nil {
		// The tree keeps metadata only; the payload was for this send.
		r.Update.Data = nil
	}

	// Only pay the flush when the queue has gone idle.
	if len(w.queues.ToRemote) == 0 {
		if err := w.peer.w.Flush(); err != nil {
			return errors.WithContext(err, "flush to peer")
		}
	}
	return nil
}
