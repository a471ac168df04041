package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielberg/mirror/pkg/errors"
	"github.com/danielberg/mirror/pkg/mirror"
	"github.com/danielberg/mirror/pkg/version"
)

// tcpPair returns two connected peers over loopback TCP.
func tcpPair(t *testing.T) (*Peer, *Peer) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := lis.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	dialed, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)

	select {
	case conn := <-accepted:
		return NewPeer(dialed), NewPeer(conn)
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
		return nil, nil
	}
}

func setVersion(t *testing.T, v string) {
	old := version.Version
	version.Version = v
	t.Cleanup(func() {
		version.Version = old
	})
}

func TestHandshake(t *testing.T) {
	setVersion(t, "1.0.0")
	a, b := tcpPair(t)
	defer a.Close()
	defer b.Close()

	errs := make(chan error, 1)
	versions := make(chan string, 1)
	go func() {
		v, err := b.Handshake()
		versions <- v
		errs <- err
	}()

	peerVersion, err := a.Handshake()
	assert.NoError(t, err)
	assert.Equal(t, "1.0.0", peerVersion)
	assert.NoError(t, <-errs)
	assert.Equal(t, "1.0.0", <-versions)
}

func TestHandshakeRejectsOldPeer(t *testing.T) {
	setVersion(t, "1.0.0")
	a, b := tcpPair(t)
	defer a.Close()
	defer b.Close()

	go func() {
		// A peer that predates the minimum supported version.
		_ = WriteMessage(b.conn, Message{Type: MessageHello, Version: "0.0.1"})
	}()

	_, err := a.Handshake()
	require.Error(t, err)
	assert.IsType(t, errors.ProtocolViolation{}, errors.RootCause(err))
}

func TestHandshakeSkipsCheckForUnstampedBuilds(t *testing.T) {
	setVersion(t, version.EmptyValue)
	a, b := tcpPair(t)
	defer a.Close()
	defer b.Close()

	go func() {
		_ = WriteMessage(b.conn, Message{Type: MessageHello, Version: "0.0.1"})
	}()

	peerVersion, err := a.Handshake()
	assert.NoError(t, err)
	assert.Equal(t, "0.0.1", peerVersion)
}

func TestWriterToReader(t *testing.T) {
	a, b := tcpPair(t)
	defer a.Close()
	defer b.Close()

	queuesA := mirror.NewQueues()
	queuesB := mirror.NewQueues()
	writer := NewWriter(a, queuesA)
	reader := NewReader(b, queuesB)

	stop := make(chan struct{})
	readerDone := make(chan error, 1)
	go func() {
		readerDone <- reader.Run(stop)
	}()

	update := &mirror.Update{Path: "a.txt", ModTime: 100, Data: []byte("contents")}
	queuesA.ToRemote <- mirror.Received{Update: update}
	queuesA.ToRemote <- mirror.Received{ScanDone: true}
	writerStop := make(chan struct{})
	go func() {
		_ = writer.Run(writerStop)
	}()

	got := <-queuesB.Incoming
	require.NotNil(t, got.Update)
	assert.Equal(t, mirror.Remote, got.Side)
	assert.Equal(t, "a.txt", got.Update.Path)
	assert.Equal(t, []byte("contents"), got.Update.Data)

	got = <-queuesB.Incoming
	assert.True(t, got.ScanDone)
	assert.Equal(t, mirror.Remote, got.Side)

	// The writer drops payloads once they're on the wire.
	assert.Nil(t, update.Data)

	// Closing the connection interrupts the blocked reader.
	close(writerStop)
	require.NoError(t, a.Close())
	select {
	case err := <-readerDone:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("reader did not exit after the connection closed")
	}
	close(stop)
}

func TestReaderRejectsPathlessUpdate(t *testing.T) {
	a, b := tcpPair(t)
	defer a.Close()
	defer b.Close()

	go func() {
		_ = WriteMessage(b.conn, Message{Type: MessageUpdate, Update: &mirror.Update{}})
	}()

	reader := NewReader(a, mirror.NewQueues())
	err := reader.Run(make(chan struct{}))
	assert.IsType(t, errors.ProtocolViolation{}, err)
}
