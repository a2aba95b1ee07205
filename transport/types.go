// Package transport drives one http2 connection: preface and SETTINGS
// exchange, the frame dispatch loop, per-stream state and flow control.
package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/ozontech/wireline/consts"
	"github.com/ozontech/wireline/metadata"
	"github.com/ozontech/wireline/status"
)

type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// StreamHandler is the per-stream sink the transport delivers into. Calls
// implement it; the dispatch loop takes the call lock only briefly while
// handing off decoded frames.
type StreamHandler interface {
	// OnInitialMetadata delivers the first header block (reserved headers
	// already filtered out).
	OnInitialMetadata(md metadata.Metadata)
	// OnMessage delivers one reassembled length-delimited message.
	OnMessage(payload []byte, compressed bool)
	// OnRecvHalfClose — пир закрыл свою половину стрима (END_STREAM).
	OnRecvHalfClose()
	// OnTrailingMetadata delivers the trailer block with the derived status.
	OnTrailingMetadata(md metadata.Metadata, st status.Status)
	// OnReset terminates the stream abnormally: RST_STREAM, GOAWAY past the
	// stream id, or connection failure.
	OnReset(st status.Status)
}

// AcceptInfo describes an incoming request HEADERS block on a server
// connection.
type AcceptInfo struct {
	Method     string // :path
	Authority  string
	Timeout    time.Duration
	HasTimeout bool
	Encoding   string // grpc-encoding, if present
	Metadata   metadata.Metadata
}

// Acceptor materializes a handler for a client-initiated stream. Returning
// nil refuses the stream.
type Acceptor interface {
	AcceptStream(s *Stream, info AcceptInfo) StreamHandler
}

// Options configure one connection.
type Options struct {
	Log    *zap.Logger
	Scheme string // "http" либо "https", для псевдохедеров запроса

	// MaxFrameSize and InitialWindowSize are advertised to the peer in our
	// SETTINGS; MaxConcurrentStreams is advertised on the server side.
	MaxFrameSize         uint32
	InitialWindowSize    uint32
	MaxConcurrentStreams uint32
	MaxRecvMessageSize   int
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Scheme == "" {
		o.Scheme = "http"
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = consts.DefaultMaxFrameSize
	}
	if o.InitialWindowSize == 0 {
		o.InitialWindowSize = consts.InitialWindowSize
	}
	if o.MaxConcurrentStreams == 0 {
		o.MaxConcurrentStreams = consts.DefaultMaxConcurrentStreams
	}
	return o
}
