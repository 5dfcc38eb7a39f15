// Package codec frames Input records for transport through consensus.
//
// The wire form is deterministic and length-prefixed:
//
//	tag(1) | id(8, big-endian) | uuid(16) | content length(4, big-endian) | content
//
// The frame is opaque to external observers but stable across versions of
// the same cluster: Encode's output is the byte payload fed to Coordinate
// and returned by Instance.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/statewise/go-rsm/internal/interfaces"
)

// ContentRaw is the only content type currently framed. The tag exists so
// a decided slot written by an incompatible peer is detected instead of
// misparsed.
const ContentRaw byte = 0x01

const (
	tagOffset     = 0
	idOffset      = 1
	uuidOffset    = 9
	lenOffset     = 25
	contentOffset = 29

	headerSize = contentOffset
)

// FrameError reports a malformed or unrecognized frame.
type FrameError string

func (e FrameError) Error() string {
	return string(e)
}

const (
	ErrShortFrame         FrameError = "frame shorter than fixed header"
	ErrTruncatedContent   FrameError = "content length exceeds remaining bytes"
	ErrTrailingBytes      FrameError = "unexpected bytes after content"
	ErrUnknownContentType FrameError = "unknown content type"
	ErrNegativeID         FrameError = "negative instance id"
)

// Encode serializes in. Round-trip law: Decode(Encode(in)) == in.
func Encode(in interfaces.Input) ([]byte, error) {
	if in.ID < 0 {
		return nil, ErrNegativeID
	}

	buf := make([]byte, headerSize+len(in.Content))
	buf[tagOffset] = ContentRaw
	binary.BigEndian.PutUint64(buf[idOffset:uuidOffset], uint64(in.ID))
	copy(buf[uuidOffset:lenOffset], in.UUID[:])
	binary.BigEndian.PutUint32(buf[lenOffset:contentOffset], uint32(len(in.Content)))
	copy(buf[contentOffset:], in.Content)

	return buf, nil
}

// Decode reconstructs an Input from a decided slot payload. A FrameError
// here in the apply path is fatal to the caller: a decided value the
// driver cannot parse means irrecoverable divergence from the cluster's
// view of the slot.
func Decode(data []byte) (interfaces.Input, error) {
	var in interfaces.Input

	if len(data) < headerSize {
		return in, fmt.Errorf("decoding %d byte frame: %w", len(data), ErrShortFrame)
	}
	if data[tagOffset] != ContentRaw {
		return in, fmt.Errorf("content type 0x%02x: %w", data[tagOffset], ErrUnknownContentType)
	}

	id := binary.BigEndian.Uint64(data[idOffset:uuidOffset])
	if id > 1<<63-1 {
		return in, ErrNegativeID
	}

	length := binary.BigEndian.Uint32(data[lenOffset:contentOffset])
	if uint64(length) > uint64(len(data)-headerSize) {
		return in, fmt.Errorf("content length %d with %d bytes remaining: %w",
			length, len(data)-headerSize, ErrTruncatedContent)
	}
	if int(length) != len(data)-headerSize {
		return in, ErrTrailingBytes
	}

	in.ID = int64(id)
	in.UUID = uuid.UUID(data[uuidOffset:lenOffset])
	in.Content = make([]byte, length)
	copy(in.Content, data[contentOffset:])

	return in, nil
}
