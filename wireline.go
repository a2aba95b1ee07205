// Package wireline is an asynchronous grpc core runtime: calls multiplexed
// over one http2 connection per peer, completed through tag-based event
// queues.
//
// A Runtime instance replaces process-global init state: it owns the
// logger, the clock and the defaults its queues, channels and servers are
// created with.
package wireline

import (
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ozontech/wireline/channel"
	"github.com/ozontech/wireline/completion"
	"github.com/ozontech/wireline/config"
	"github.com/ozontech/wireline/credentials"
	"github.com/ozontech/wireline/server"
)

const Version = "1.1.0"

type Option interface{ apply(*Runtime) }

type optionFunc func(*Runtime)

func (f optionFunc) apply(r *Runtime) { f(r) }

func WithLogger(log *zap.Logger) Option {
	return optionFunc(func(r *Runtime) { r.log = log })
}

func WithClock(clk clock.Clock) Option {
	return optionFunc(func(r *Runtime) { r.clk = clk })
}

func WithConfig(conf config.Config) Option {
	return optionFunc(func(r *Runtime) { r.conf = conf })
}

// Runtime is a scoped library instance. Create with Init, release with
// Shutdown after all dependent objects are destroyed.
type Runtime struct {
	log  *zap.Logger
	clk  clock.Clock
	conf config.Config

	mu       sync.Mutex
	shutdown bool
}

func Init(opts ...Option) *Runtime {
	r := &Runtime{
		log:  zap.NewNop(),
		clk:  clock.New(),
		conf: config.Default(),
	}
	for _, o := range opts {
		o.apply(r)
	}
	return r
}

// Shutdown releases the runtime. Channels, servers and queues must already
// be destroyed.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return
	}
	r.shutdown = true
	//nolint:errcheck // бестэффорт, на выходе
	r.log.Sync()
}

func (r *Runtime) alive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		panic("assertion error: runtime used after shutdown")
	}
}

// NewCompletionQueue creates a NEXT-flavor queue.
func (r *Runtime) NewCompletionQueue() *completion.Queue {
	r.alive()
	return completion.New(r.clk, r.log)
}

// NewPluckQueue creates a PLUCK-flavor queue.
func (r *Runtime) NewPluckQueue() *completion.PluckQueue {
	r.alive()
	return completion.NewPluck(r.clk, r.log)
}

// NewInsecureChannel binds a plaintext target.
func (r *Runtime) NewInsecureChannel(target string) *channel.Channel {
	r.alive()
	return channel.New(target, nil,
		channel.WithLogger(r.log), channel.WithClock(r.clk), channel.WithConfig(r.conf))
}

// NewChannel binds a target with TLS credentials.
func (r *Runtime) NewChannel(target string, creds *credentials.Client) *channel.Channel {
	r.alive()
	return channel.New(target, creds,
		channel.WithLogger(r.log), channel.WithClock(r.clk), channel.WithConfig(r.conf))
}

// NewServer allocates a server bound to the runtime's defaults.
func (r *Runtime) NewServer() *server.Server {
	r.alive()
	return server.New(
		server.WithLogger(r.log), server.WithClock(r.clk), server.WithConfig(r.conf))
}
