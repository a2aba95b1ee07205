// Package channel implements the client-side handle for one target. The
// connection is opened lazily by the first call; a failed dial poisons the
// channel, so later calls complete as UNAVAILABLE until it is destroyed.
package channel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ozontech/wireline/call"
	"github.com/ozontech/wireline/completion"
	"github.com/ozontech/wireline/config"
	"github.com/ozontech/wireline/credentials"
	"github.com/ozontech/wireline/deadline"
	"github.com/ozontech/wireline/status"
	"github.com/ozontech/wireline/transport"
)

type Option interface{ apply(*Channel) }

type optionFunc func(*Channel)

func (f optionFunc) apply(ch *Channel) { f(ch) }

func WithLogger(log *zap.Logger) Option {
	return optionFunc(func(ch *Channel) { ch.log = log })
}

func WithClock(clk clock.Clock) Option {
	return optionFunc(func(ch *Channel) { ch.clk = clk })
}

func WithConfig(conf config.Config) Option {
	return optionFunc(func(ch *Channel) { ch.conf = conf })
}

type Channel struct {
	target string
	creds  *credentials.Client
	conf   config.Config
	clk    clock.Clock
	log    *zap.Logger

	mu      sync.Mutex
	conn    *transport.Conn
	dq      *deadline.Queue
	dialErr error
	cancel  context.CancelFunc
	runDone chan struct{}
	closed  bool
}

// New binds the target and credentials; no I/O happens until the first
// call. creds == nil means an insecure channel.
func New(target string, creds *credentials.Client, opts ...Option) *Channel {
	ch := &Channel{
		target: target,
		creds:  creds,
		conf:   config.Default(),
		clk:    clock.New(),
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o.apply(ch)
	}
	ch.log = ch.log.Named("channel").With(zap.String("target", target))
	return ch
}

func (ch *Channel) Target() string { return ch.target }

// CreateCall creates a client call. The first call dials the target,
// performs the TLS handshake when credentials are set and runs the
// preface/SETTINGS exchange. Returns nil on invalid arguments or a
// destroyed channel.
func (ch *Channel) CreateCall(cq completion.Pusher, method, authority string, dl time.Time) *call.Call {
	if cq == nil || method == "" {
		return nil
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return nil
	}
	if authority == "" {
		authority = ch.target
	}

	if err := ch.ensureConnLocked(); err != nil {
		ch.log.Warn("channel is unusable", zap.Error(err))
		return call.NewFailed(cq, method,
			status.New(status.Unavailable, "channel dial failed: "+err.Error()), ch.log)
	}
	return call.NewClient(cq, ch.conn, ch.dq, ch.clk, method, authority, dl, ch.log)
}

// CreateServerStreamingCall is CreateCall: the allowed op sequences define
// the streaming shape, not the constructor.
func (ch *Channel) CreateServerStreamingCall(cq completion.Pusher, method, authority string, dl time.Time) *call.Call {
	return ch.CreateCall(cq, method, authority, dl)
}

func (ch *Channel) CreateClientStreamingCall(cq completion.Pusher, method, authority string, dl time.Time) *call.Call {
	return ch.CreateCall(cq, method, authority, dl)
}

func (ch *Channel) CreateBidiStreamingCall(cq completion.Pusher, method, authority string, dl time.Time) *call.Call {
	return ch.CreateCall(cq, method, authority, dl)
}

func (ch *Channel) ensureConnLocked() error {
	if ch.conn != nil {
		return nil
	}
	if ch.dialErr != nil {
		// канал отравлен до самого destroy
		return ch.dialErr
	}

	conn, err := ch.dial()
	if err != nil {
		ch.dialErr = err
		return err
	}
	ch.conn = conn
	ch.dq = deadline.NewQueue(ch.clk)

	ctx, cancel := context.WithCancel(context.Background())
	ch.cancel = cancel
	ch.runDone = make(chan struct{})
	go func() {
		defer close(ch.runDone)
		if err := conn.Run(ctx); err != nil {
			ch.log.Warn("connection failed", zap.Error(err))
		}
	}()
	return nil
}

func (ch *Channel) dial() (*transport.Conn, error) {
	nc, err := net.DialTimeout("tcp", ch.target, ch.conf.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ch.target, err)
	}
	if err = nc.SetDeadline(time.Now().Add(ch.conf.HandshakeTimeout)); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	scheme := "http"
	if ch.creds != nil {
		tc, err := ch.creds.Handshake(nc, ch.target)
		if err != nil {
			_ = nc.Close()
			return nil, err
		}
		nc = tc
		scheme = "https"
	}

	conn, err := transport.NewClient(nc, transport.Options{
		Log:                  ch.log,
		Scheme:               scheme,
		MaxFrameSize:         ch.conf.MaxFrameSize,
		InitialWindowSize:    ch.conf.InitialWindowSize,
		MaxConcurrentStreams: ch.conf.MaxConcurrentStreams,
		MaxRecvMessageSize:   ch.conf.MaxRecvMessageSize,
	})
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return conn, nil
}

// Close destroys the channel: outstanding streams fail as UNAVAILABLE.
// Calls created afterwards return nil.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	conn, dq, cancel, runDone := ch.conn, ch.dq, ch.cancel, ch.runDone
	ch.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		err = multierr.Append(err, conn.Close())
	}
	if runDone != nil {
		<-runDone
	}
	if dq != nil {
		dq.Close()
	}
	return err
}
