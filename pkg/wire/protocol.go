// Package wire carries Updates between peers over a TCP connection:
// a length-prefixed big-endian binary framing, zstd compression for
// content payloads, and a version handshake at session start.
//
// The encoding is bit-exact between peers; changing field order or
// widths breaks compatibility with older daemons.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/danielberg/mirror/pkg/errors"
	"github.com/danielberg/mirror/pkg/mirror"
)

// MessageType identifies what a frame carries.
type MessageType byte

const (
	// MessageHello opens a session and carries the sender's version.
	MessageHello MessageType = 0x01
	// MessageUpdate carries one Update.
	MessageUpdate MessageType = 0x02
	// MessageScanDone signals the end of the sender's initial scan.
	MessageScanDone MessageType = 0x03
)

const (
	// compressMin is the smallest payload worth compressing.
	compressMin = 512

	// maxStringLen bounds path/symlink/ignore strings; anything larger
	// is a malformed frame.
	maxStringLen = 1 << 20

	// maxDataLen bounds a single file payload.
	maxDataLen = 1 << 30
)

// Update flag bits.
const (
	flagDirectory byte = 1 << iota
	flagDelete
	flagCompressed

	// flagHasData distinguishes an empty file's payload from a
	// metadata-only update.
	flagHasData
)

// Message is one decoded frame.
type Message struct {
	Type MessageType

	// Version is set on hello messages.
	Version string

	// Update is set on update messages.
	Update *mirror.Update
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// WriteMessage encodes one frame. Payloads of compressMin bytes or more
// are zstd-compressed.
func WriteMessage(w io.Writer, msg Message) error {
	if _, err := w.Write([]byte{byte(msg.Type)}); err != nil {
		return err
	}

	switch msg.Type {
	case MessageHello:
		return writeString(w, msg.Version)
	case MessageScanDone:
		return nil
	case MessageUpdate:
		return writeUpdate(w, msg.Update)
	default:
		return errors.ProtocolViolation{Reason: "unknown outbound message type"}
	}
}

func writeUpdate(w io.Writer, u *mirror.Update) error {
	if err := writeString(w, u.Path); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, u.ModTime); err != nil {
		return err
	}

	data := u.Data
	var flags byte
	if u.Directory {
		flags |= flagDirectory
	}
	if u.Delete {
		flags |= flagDelete
	}
	if data != nil {
		flags |= flagHasData
	}
	if len(data) >= compressMin {
		flags |= flagCompressed
		data = zstdEncoder.EncodeAll(data, nil)
	}
	if _, err := w.Write([]byte{flags}); err != nil {
		return err
	}

	if err := writeString(w, u.Symlink); err != nil {
		return err
	}
	if err := writeString(w, u.IgnoreString); err != nil {
		return err
	}

	if err := binary.Write(w, binary.BigEndian, uint64(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadMessage decodes one frame. Malformed frames surface as
// ProtocolViolation, which is session-fatal.
func ReadMessage(r io.Reader) (Message, error) {
	var msg Message

	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, typeBuf); err != nil {
		return msg, err
	}
	msg.Type = MessageType(typeBuf[0])

	switch msg.Type {
	case MessageHello:
		version, err := readString(r)
		if err != nil {
			return msg, err
		}
		msg.Version = version
		return msg, nil
	case MessageScanDone:
		return msg, nil
	case MessageUpdate:
		update, err := readUpdate(r)
		if err != nil {
			return msg, err
		}
		msg.Update = update
		return msg, nil
	default:
		return msg, errors.ProtocolViolation{Reason: "unknown message type"}
	}
}

func readUpdate(r io.Reader) (*mirror.Update, error) {
	u := &mirror.Update{}

	var err error
	if u.Path, err = readString(r); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &u.ModTime); err != nil {
		return nil, err
	}

	flagBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, flagBuf); err != nil {
		return nil, err
	}
	flags := flagBuf[0]
	u.Directory = flags&flagDirectory != 0
	u.Delete = flags&flagDelete != 0

	if u.Symlink, err = readString(r); err != nil {
		return nil, err
	}
	if u.IgnoreString, err = readString(r); err != nil {
		return nil, err
	}

	var dataLen uint64
	if err := binary.Read(r, binary.BigEndian, &dataLen); err != nil {
		return nil, err
	}
	if dataLen > maxDataLen {
		return nil, errors.ProtocolViolation{Reason: "payload too large"}
	}
	if flags&flagHasData != 0 {
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		if flags&flagCompressed != 0 {
			if data, err = zstdDecoder.DecodeAll(data, nil); err != nil {
				return nil, errors.ProtocolViolation{Reason: "corrupt compressed payload"}
			}
		}
		u.Data = data
	} else if dataLen > 0 {
		return nil, errors.ProtocolViolation{Reason: "payload without data flag"}
	}
	return u, nil
}

func writeString(w io.Writer, s string) error {
	b := []byte(s)
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readString(r io.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}
	if length > maxStringLen {
		return "", errors.ProtocolViolation{Reason: "string field too large"}
	}

	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
