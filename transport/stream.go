package transport

import (
	"fmt"
	"sync"

	"golang.org/x/net/http2"

	"github.com/ozontech/wireline/flowcontrol"
	"github.com/ozontech/wireline/grpcframing"
	"github.com/ozontech/wireline/metadata"
	"github.com/ozontech/wireline/status"
)

// Stream is one http2 stream and its call-facing state. It lives only
// while its connection is alive; the owning call destroys it.
type Stream struct {
	id   uint32
	conn *Conn

	fcSend *flowcontrol.SendWindow
	fcRecv *flowcontrol.RecvWindow

	mu           sync.Mutex
	handler      StreamHandler
	asm          *grpcframing.Assembler
	headerBlocks int
	recvEncoding string
	sendClosed   bool
	recvClosed   bool
	done         bool
}

func newStream(c *Conn, id uint32, sendWindow, recvWindow uint32, maxRecv int) *Stream {
	return &Stream{
		id:     id,
		conn:   c,
		fcSend: flowcontrol.NewSendWindow(sendWindow),
		fcRecv: flowcontrol.NewRecvWindow(recvWindow),
		asm:    grpcframing.NewAssembler(maxRecv),
	}
}

func (s *Stream) ID() uint32  { return s.id }
func (s *Stream) Conn() *Conn { return s.conn }

// RecvEncoding returns the grpc-encoding the peer declared for its
// messages, empty for identity.
func (s *Stream) RecvEncoding() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvEncoding
}

func (s *Stream) bind(h StreamHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// WriteMessage frames the payload with the 5-byte grpc prefix and emits it
// as DATA, blocking on stream and connection send windows. The prefix
// counts against flow control like any other DATA byte.
func (s *Stream) WriteMessage(payload []byte, compressed bool, endStream bool) error {
	var prefix [grpcframing.PrefixLen]byte
	grpcframing.EncodePrefix(&prefix, compressed, len(payload))

	pending := grpcframing.PrefixLen + len(payload)
	prefixLeft := grpcframing.PrefixLen
	for {
		maxFrame := s.conn.fr.MaxWriteFrameSize()
		want := pending
		if want > maxFrame {
			want = maxFrame
		}

		n, err := s.takeSendWindow(uint32(want))
		if err != nil {
			return err
		}

		var chunks [][]byte
		left := int(n)
		if prefixLeft > 0 {
			take := prefixLeft
			if take > left {
				take = left
			}
			chunks = append(chunks, prefix[grpcframing.PrefixLen-prefixLeft:][:take])
			prefixLeft -= take
			left -= take
		}
		if left > 0 {
			chunks = append(chunks, payload[:left])
			payload = payload[left:]
		}

		pending -= int(n)
		last := pending == 0
		if err := s.conn.fr.WriteData(s.id, last && endStream, chunks...); err != nil {
			return err
		}
		if last {
			if endStream {
				s.markSendClosed()
			}
			return nil
		}
	}
}

// takeSendWindow claims up to want bytes from the stream window, then the
// connection window, refunding the stream what the connection did not
// grant. Blocks until at least one byte is available at both scopes.
func (s *Stream) takeSendWindow(want uint32) (uint32, error) {
	for {
		n, ok := s.fcSend.Take(want)
		if !ok {
			return 0, errStreamDone
		}
		m, ok := s.conn.fcSend.Take(n)
		if !ok {
			s.fcSend.Refund(n)
			return 0, errConnDone
		}
		if m < n {
			s.fcSend.Refund(n - m)
		}
		if m > 0 {
			return m, nil
		}
	}
}

var (
	errStreamDone = fmt.Errorf("transport: stream closed for sending")
	errConnDone   = fmt.Errorf("transport: connection closed for sending")
)

// CloseSend half-closes the local side with an empty END_STREAM DATA frame.
func (s *Stream) CloseSend() error {
	s.markSendClosed()
	return s.conn.fr.WriteData(s.id, true)
}

func (s *Stream) markSendClosed() {
	s.mu.Lock()
	s.sendClosed = true
	s.mu.Unlock()
}

// Reset aborts the stream on the wire and deregisters it.
func (s *Stream) Reset(code http2.ErrCode) {
	s.fcSend.Disable()
	s.conn.removeStream(s.id)
	//nolint:errcheck // соединение может быть уже мертво, стриму уже все равно
	s.conn.fr.WriteRSTStream(s.id, code)
}

// Close releases the stream when the owning call is destroyed.
func (s *Stream) Close() {
	s.fcSend.Disable()
	s.conn.removeStream(s.id)
}

// onHeaders handles a decoded header block for an already-known stream
// (client role: response headers or trailers).
func (s *Stream) onHeaders(md metadata.Metadata, endStream bool) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.headerBlocks++
	block := s.headerBlocks
	handler := s.handler

	trailers := block > 1
	if block == 1 {
		if _, hasStatus := md.Get("grpc-status"); hasStatus && endStream {
			trailers = true // Trailers-Only ответ
		}
	}
	if !trailers {
		if enc, ok := md.GetString("grpc-encoding"); ok {
			s.recvEncoding = enc
		}
	}
	if endStream {
		s.recvClosed = true
	}
	s.mu.Unlock()

	if handler == nil {
		return
	}

	if !trailers {
		handler.OnInitialMetadata(filterReserved(md))
		if endStream {
			handler.OnRecvHalfClose()
		}
		return
	}

	st, trailing := extractStatus(md)
	handler.OnRecvHalfClose()
	handler.OnTrailingMetadata(trailing, st)
}

// onData appends a DATA payload, emitting stream-scope WINDOW_UPDATE per
// the flow controller, and delivers completed messages.
func (s *Stream) onData(payload []byte, endStream bool) error {
	inc, err := s.fcRecv.Consume(uint32(len(payload)))
	if err != nil {
		return err
	}
	if inc > 0 && !endStream {
		if err := s.conn.fr.WriteWindowUpdate(s.id, inc); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	handler := s.handler
	s.asm.Write(payload)
	var msgs []grpcframing.Message
	for {
		m, ok, err := s.asm.Next()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if !ok {
			break
		}
		msgs = append(msgs, m)
	}
	truncated := endStream && s.asm.Pending()
	if endStream {
		s.recvClosed = true
	}
	s.mu.Unlock()

	if handler != nil {
		for _, m := range msgs {
			handler.OnMessage(m.Payload, m.Compressed)
		}
	}
	if truncated {
		s.Reset(http2.ErrCodeProtocol)
		if handler != nil {
			handler.OnReset(status.New(status.Internal, "truncated message at end of stream"))
		}
		return nil
	}
	if endStream && handler != nil {
		handler.OnRecvHalfClose()
	}
	return nil
}

// onReset finishes the stream abnormally. Idempotent: только первый
// терминальный исход доходит до колла.
func (s *Stream) onReset(st status.Status) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	handler := s.handler
	s.mu.Unlock()

	s.fcSend.Disable()
	if handler != nil {
		handler.OnReset(st)
	}
}

// reserved headers never surface as application metadata.
func filterReserved(md metadata.Metadata) metadata.Metadata {
	out := metadata.New(len(md))
	for _, p := range md {
		if len(p.Key) > 0 && p.Key[0] == ':' {
			continue
		}
		switch p.Key {
		case "content-type", "te", "grpc-timeout", "grpc-encoding",
			"grpc-status", "grpc-message":
			continue
		}
		out = append(out, p)
	}
	return out
}

func extractStatus(md metadata.Metadata) (status.Status, metadata.Metadata) {
	st := status.New(status.Unknown, "missing grpc-status")
	if v, ok := md.GetString("grpc-status"); ok {
		if code, valid := status.ParseCode(v); valid {
			st = status.New(code, "")
		}
	}
	if msg, ok := md.GetString("grpc-message"); ok {
		st.Message = status.DecodeMessage(msg)
	}
	return st, filterReserved(md)
}
