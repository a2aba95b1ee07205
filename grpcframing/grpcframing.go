// Package grpcframing implements the grpc length-prefixed message framing
// carried inside DATA frames: [compressed:u8][length:u32 big-endian][bytes].
package grpcframing

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ozontech/wireline/consts"
)

const PrefixLen = consts.MessagePrefixLen

var ErrMessageTooLarge = errors.New("grpcframing: message exceeds limit")

// EncodePrefix fills the 5-byte message prefix.
func EncodePrefix(prefix *[PrefixLen]byte, compressed bool, length int) {
	if compressed {
		prefix[0] = 1
	} else {
		prefix[0] = 0
	}
	binary.BigEndian.PutUint32(prefix[1:], uint32(length))
}

// AppendMessage appends a complete framed message to dst.
func AppendMessage(dst []byte, compressed bool, payload []byte) []byte {
	var prefix [PrefixLen]byte
	EncodePrefix(&prefix, compressed, len(payload))
	dst = append(dst, prefix[:]...)
	return append(dst, payload...)
}

// Message is one reassembled length-delimited message. Zero-length
// messages are legal and distinct from "no message".
type Message struct {
	Compressed bool
	Payload    []byte
}

// Assembler reassembles messages across DATA frame boundaries.
type Assembler struct {
	buf      []byte
	maxRecv  int
	delivered int
}

// NewAssembler bounds a single message to maxRecv bytes; maxRecv <= 0
// means unbounded.
func NewAssembler(maxRecv int) *Assembler {
	return &Assembler{maxRecv: maxRecv}
}

// Write appends a DATA payload fragment.
func (a *Assembler) Write(p []byte) {
	a.buf = append(a.buf, p...)
}

// Next pops the next complete message, if one has fully arrived.
func (a *Assembler) Next() (Message, bool, error) {
	if len(a.buf) < PrefixLen {
		return Message{}, false, nil
	}
	length := int(binary.BigEndian.Uint32(a.buf[1:PrefixLen]))
	if a.maxRecv > 0 && length > a.maxRecv {
		return Message{}, false, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, a.maxRecv)
	}
	if len(a.buf) < PrefixLen+length {
		return Message{}, false, nil
	}

	// пустой пейлоад остается не-nil: "пустое сообщение" и
	// "сообщения нет" — разные вещи
	payload := make([]byte, length)
	copy(payload, a.buf[PrefixLen:])
	m := Message{
		Compressed: a.buf[0] == 1,
		Payload:    payload,
	}
	a.buf = a.buf[PrefixLen+length:]
	a.delivered++
	return m, true, nil
}

// Pending reports whether a partial message remains buffered.
func (a *Assembler) Pending() bool { return len(a.buf) != 0 }

// Delivered counts complete messages popped so far.
func (a *Assembler) Delivered() int { return a.delivered }
