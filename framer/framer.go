// Package framer reads and writes http2 frames over a byte stream. The
// write path serializes whole frames under a mutex so concurrent writers
// never interleave inside a frame; the read path blocks until a full
// header and payload have arrived.
package framer

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"

	"github.com/ozontech/wireline/consts"
	"github.com/ozontech/wireline/frameheader"
)

// ErrFrameTooLarge — принятый фрейм больше анонсированного MAX_FRAME_SIZE.
var ErrFrameTooLarge = errors.New("framer: frame exceeds max frame size")

type Framer struct {
	r io.Reader
	w io.Writer

	wmu     sync.Mutex
	header  frameheader.FrameHeader // буфер заголовка на запись, под wmu
	readHdr frameheader.FrameHeader // буфер заголовка на чтение, только reader loop

	maxReadFrameSize  atomic.Uint32
	maxWriteFrameSize atomic.Uint32

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

func New(r io.Reader, w io.Writer) *Framer {
	f := &Framer{
		r:       r,
		w:       w,
		header:  frameheader.New(),
		readHdr: frameheader.New(),
	}
	f.maxReadFrameSize.Store(consts.DefaultMaxFrameSize)
	f.maxWriteFrameSize.Store(consts.DefaultMaxFrameSize)
	return f
}

// SetMaxReadFrameSize adjusts the limit we advertised in SETTINGS.
func (f *Framer) SetMaxReadFrameSize(n uint32) { f.maxReadFrameSize.Store(n) }

// SetMaxWriteFrameSize adjusts the limit the peer advertised.
func (f *Framer) SetMaxWriteFrameSize(n uint32) { f.maxWriteFrameSize.Store(n) }

func (f *Framer) MaxWriteFrameSize() int { return int(f.maxWriteFrameSize.Load()) }

func (f *Framer) BytesRead() uint64    { return f.bytesRead.Load() }
func (f *Framer) BytesWritten() uint64 { return f.bytesWritten.Load() }

// ReadFrame blocks until a complete frame arrives. The returned header is
// reused on the next call; the payload is freshly allocated and may be
// retained.
//
// A clean EOF on a frame boundary surfaces as io.EOF; a short read inside a
// frame surfaces as io.ErrUnexpectedEOF.
func (f *Framer) ReadFrame() (frameheader.FrameHeader, []byte, error) {
	if _, err := io.ReadFull(f.r, f.readHdr); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("read frame header: %w", err)
	}
	f.bytesRead.Add(frameheader.Len)

	length := f.readHdr.Length()
	if length > int(f.maxReadFrameSize.Load()) {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, fmt.Errorf("read frame payload: %w", err)
	}
	f.bytesRead.Add(uint64(length))
	return f.readHdr, payload, nil
}

// WriteFrame emits one frame. Chunks are concatenated into the payload;
// the whole frame goes out under the write lock.
func (f *Framer) WriteFrame(t http2.FrameType, flags http2.Flags, streamID uint32, chunks ...[]byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return f.writeFrameLocked(t, flags, streamID, chunks...)
}

func (f *Framer) writeFrameLocked(t http2.FrameType, flags http2.Flags, streamID uint32, chunks ...[]byte) error {
	var length int
	for _, c := range chunks {
		length += len(c)
	}
	f.header.Fill(length, t, flags, streamID)
	if err := f.writeAll(f.header); err != nil {
		return err
	}
	for _, c := range chunks {
		if err := f.writeAll(c); err != nil {
			return err
		}
	}
	return nil
}

func (f *Framer) writeAll(b []byte) error {
	n, err := f.w.Write(b)
	f.bytesWritten.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (f *Framer) WriteSettings(settings ...http2.Setting) error {
	payload := make([]byte, 0, len(settings)*6)
	for _, s := range settings {
		payload = append(payload,
			byte(s.ID>>8), byte(s.ID),
			byte(s.Val>>24), byte(s.Val>>16), byte(s.Val>>8), byte(s.Val),
		)
	}
	return f.WriteFrame(http2.FrameSettings, 0, 0, payload)
}

func (f *Framer) WriteSettingsAck() error {
	return f.WriteFrame(http2.FrameSettings, http2.FlagSettingsAck, 0)
}

func (f *Framer) WritePing(ack bool, payload [8]byte) error {
	var flags http2.Flags
	if ack {
		flags = http2.FlagPingAck
	}
	return f.WriteFrame(http2.FramePing, flags, 0, payload[:])
}

func (f *Framer) WriteWindowUpdate(streamID, increment uint32) error {
	payload := []byte{
		byte(increment >> 24 & 0x7f),
		byte(increment >> 16),
		byte(increment >> 8),
		byte(increment),
	}
	return f.WriteFrame(http2.FrameWindowUpdate, 0, streamID, payload)
}

func (f *Framer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	payload := []byte{
		byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code),
	}
	return f.WriteFrame(http2.FrameRSTStream, 0, streamID, payload)
}

func (f *Framer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debug []byte) error {
	payload := make([]byte, 8, 8+len(debug))
	payload[0] = byte(lastStreamID >> 24 & 0x7f)
	payload[1] = byte(lastStreamID >> 16)
	payload[2] = byte(lastStreamID >> 8)
	payload[3] = byte(lastStreamID)
	payload[4] = byte(code >> 24)
	payload[5] = byte(code >> 16)
	payload[6] = byte(code >> 8)
	payload[7] = byte(code)
	payload = append(payload, debug...)
	return f.WriteFrame(http2.FrameGoAway, 0, 0, payload)
}

// WriteHeaders emits a header block as HEADERS plus CONTINUATION frames.
// Вся последовательность уходит под одним захватом write lock: между
// HEADERS и CONTINUATION пир не должен видеть чужих фреймов.
func (f *Framer) WriteHeaders(streamID uint32, endStream bool, block []byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()

	maxLen := int(f.maxWriteFrameSize.Load())
	first := true
	for {
		chunk := block
		if len(chunk) > maxLen {
			chunk = chunk[:maxLen]
		}
		block = block[len(chunk):]
		last := len(block) == 0

		var t http2.FrameType
		var flags http2.Flags
		if first {
			t = http2.FrameHeaders
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
		} else {
			t = http2.FrameContinuation
		}
		if last {
			flags |= http2.FlagHeadersEndHeaders
		}

		if err := f.writeFrameLocked(t, flags, streamID, chunk); err != nil {
			return err
		}
		if last {
			return nil
		}
		first = false
	}
}

// WriteData emits a single DATA frame. Flow-control chunking is the
// caller's job; payload chunks must already fit the peer's max frame size.
func (f *Framer) WriteData(streamID uint32, endStream bool, chunks ...[]byte) error {
	var flags http2.Flags
	if endStream {
		flags = http2.FlagDataEndStream
	}
	return f.WriteFrame(http2.FrameData, flags, streamID, chunks...)
}
