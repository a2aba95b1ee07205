// Package server binds listeners, accepts http2 connections with a worker
// pool and materializes a server call for every client-initiated stream.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ozontech/wireline/call"
	"github.com/ozontech/wireline/completion"
	"github.com/ozontech/wireline/config"
	"github.com/ozontech/wireline/credentials"
	"github.com/ozontech/wireline/deadline"
	"github.com/ozontech/wireline/metadata"
	"github.com/ozontech/wireline/status"
	"github.com/ozontech/wireline/transport"
)

type Option interface{ apply(*Server) }

type optionFunc func(*Server)

func (f optionFunc) apply(s *Server) { f(s) }

func WithLogger(log *zap.Logger) Option {
	return optionFunc(func(s *Server) { s.log = log })
}

func WithClock(clk clock.Clock) Option {
	return optionFunc(func(s *Server) { s.clk = clk })
}

func WithConfig(conf config.Config) Option {
	return optionFunc(func(s *Server) { s.conf = conf })
}

// CallDetails describes an accepted call, filled by RequestCall.
type CallDetails struct {
	Method   string
	Host     string
	Deadline time.Time
	Metadata metadata.Metadata
}

type requestSlot struct {
	callDst **call.Call
	details *CallDetails
	cq      completion.Pusher
	tag     any
}

type backlogEntry struct {
	c       *call.Call
	details CallDetails
}

type port struct {
	ln    net.Listener
	creds *credentials.Server
}

type Server struct {
	conf config.Config
	clk  clock.Clock
	log  *zap.Logger

	mu        sync.Mutex
	ports     []*port
	cqs       []completion.Pusher
	dq        *deadline.Queue
	started   bool
	draining  bool
	destroyed bool
	pending   []requestSlot
	backlog   []backlogEntry
	conns     map[*transport.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New allocates server state; nothing is bound until ports are added and
// Start is called.
func New(opts ...Option) *Server {
	s := &Server{
		conf:  config.Default(),
		clk:   clock.New(),
		log:   zap.NewNop(),
		conns: make(map[*transport.Conn]struct{}),
	}
	for _, o := range opts {
		o.apply(s)
	}
	s.log = s.log.Named("server")
	return s
}

// AddInsecureHTTP2Port binds a plaintext listening socket. Returns the
// bound port, or 0 on failure.
func (s *Server) AddInsecureHTTP2Port(addr string) int {
	return s.addPort(addr, nil)
}

// AddSecureHTTP2Port binds a TLS listening socket; accepted connections
// handshake through the credentials before the http2 preface.
func (s *Server) AddSecureHTTP2Port(addr string, creds *credentials.Server) int {
	if creds == nil {
		return 0
	}
	return s.addPort(addr, creds)
}

func (s *Server) addPort(addr string, creds *credentials.Server) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.destroyed {
		return 0
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Warn("failed to bind", zap.String("addr", addr), zap.Error(err))
		return 0
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return 0
	}
	s.ports = append(s.ports, &port{ln: ln, creds: creds})
	s.log.Info("listening", zap.Stringer("addr", ln.Addr()), zap.Bool("secure", creds != nil))
	return tcpAddr.Port
}

// RegisterQueue associates a completion queue for new-call events. Must be
// called before Start.
func (s *Server) RegisterQueue(cq completion.Pusher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || cq == nil {
		return
	}
	s.cqs = append(s.cqs, cq)
}

// Start spawns the accept workers: each worker accepts a connection,
// completes the handshakes and drives its frame-dispatch loop.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.destroyed {
		return
	}
	s.started = true
	s.dq = deadline.NewQueue(s.clk)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	workers := s.conf.AcceptWorkers
	if workers <= 0 {
		workers = 1
	}
	for _, p := range s.ports {
		for i := 0; i < workers; i++ {
			s.wg.Add(1)
			go func(p *port) {
				defer s.wg.Done()
				s.acceptLoop(p)
			}(p)
		}
	}
}

func (s *Server) acceptLoop(p *port) {
	for {
		nc, err := p.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		s.serveConn(p, nc)
	}
}

func (s *Server) serveConn(p *port, nc net.Conn) {
	if err := nc.SetDeadline(time.Now().Add(s.conf.HandshakeTimeout)); err != nil {
		_ = nc.Close()
		return
	}

	scheme := "http"
	if p.creds != nil {
		tc, err := p.creds.Handshake(nc)
		if err != nil {
			s.log.Warn("tls handshake failed", zap.Error(err))
			_ = nc.Close()
			return
		}
		nc = tc
		scheme = "https"
	}

	conn, err := transport.NewServer(nc, s, transport.Options{
		Log:                  s.log,
		Scheme:               scheme,
		MaxFrameSize:         s.conf.MaxFrameSize,
		InitialWindowSize:    s.conf.InitialWindowSize,
		MaxConcurrentStreams: s.conf.MaxConcurrentStreams,
		MaxRecvMessageSize:   s.conf.MaxRecvMessageSize,
	})
	if err != nil {
		s.log.Warn("http2 handshake failed", zap.Error(err))
		_ = nc.Close()
		return
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	ctx := s.ctx
	s.mu.Unlock()

	if err := conn.Run(ctx); err != nil {
		s.log.Debug("connection finished", zap.Error(err))
	}

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// AcceptStream implements transport.Acceptor: a client-initiated HEADERS
// frame materializes a server call and completes a pending RequestCall, or
// joins the backlog until one arrives.
func (s *Server) AcceptStream(st *transport.Stream, info transport.AcceptInfo) transport.StreamHandler {
	s.mu.Lock()
	if s.draining || len(s.cqs) == 0 {
		s.mu.Unlock()
		return nil
	}
	cq := s.cqs[0]
	dq := s.dq
	s.mu.Unlock()

	c := call.NewServer(cq, st, dq, s.clk, info, s.log)
	details := CallDetails{
		Method:   c.Method(),
		Host:     c.Authority(),
		Deadline: c.Deadline(),
		Metadata: info.Metadata,
	}

	s.mu.Lock()
	if len(s.pending) > 0 {
		slot := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.deliver(slot, c, details)
		return c
	}
	s.backlog = append(s.backlog, backlogEntry{c: c, details: details})
	s.mu.Unlock()
	return c
}

func (s *Server) deliver(slot requestSlot, c *call.Call, details CallDetails) {
	c.SetQueue(slot.cq)
	if slot.callDst != nil {
		*slot.callDst = c
	}
	if slot.details != nil {
		*slot.details = details
	}
	slot.cq.Push(slot.tag, true)
}

// RequestCall asks for the next incoming call. The tag completes on cq
// with success=true once a call is bound, or success=false when the server
// shuts down first.
func (s *Server) RequestCall(callDst **call.Call, details *CallDetails, cq completion.Pusher, tag any) status.CallError {
	if callDst == nil || cq == nil {
		return status.ErrCall
	}

	s.mu.Lock()
	if !s.started || s.destroyed {
		s.mu.Unlock()
		return status.ErrNotInvoked
	}
	if !s.registeredLocked(cq) {
		s.mu.Unlock()
		return status.ErrCall
	}
	if s.draining {
		s.mu.Unlock()
		cq.Push(tag, false)
		return status.CallOK
	}
	if len(s.backlog) > 0 {
		e := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.mu.Unlock()
		s.deliver(requestSlot{callDst, details, cq, tag}, e.c, e.details)
		return status.CallOK
	}
	s.pending = append(s.pending, requestSlot{callDst, details, cq, tag})
	s.mu.Unlock()
	return status.CallOK
}

func (s *Server) registeredLocked(cq completion.Pusher) bool {
	for _, q := range s.cqs {
		if q == cq {
			return true
		}
	}
	return false
}

// ShutdownAndNotify marks the server draining, closes the listeners,
// waits for the workers to exit and then completes tag on cq.
func (s *Server) ShutdownAndNotify(cq completion.Pusher, tag any) {
	s.mu.Lock()
	if s.draining || !s.started {
		// не стартовал — нечего останавливать; повторный shutdown — ошибка
		ok := !s.started && !s.draining
		s.draining = true
		s.mu.Unlock()
		if cq != nil {
			cq.Push(tag, ok)
		}
		return
	}
	s.draining = true
	ports := s.ports
	pending := s.pending
	s.pending = nil
	conns := make([]*transport.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	cancel := s.cancel
	s.mu.Unlock()

	for _, p := range ports {
		if err := p.ln.Close(); err != nil {
			s.log.Warn("close listener", zap.Error(err))
		}
	}
	// невостребованные request_call завершаются неуспехом
	for _, slot := range pending {
		slot.cq.Push(slot.tag, false)
	}
	for _, conn := range conns {
		//nolint:errcheck // соединение может быть уже закрыто пиром
		conn.GoAway(http2.ErrCodeNo, nil)
	}

	go func() {
		cancel()
		s.wg.Wait()
		s.log.Info("server drained")
		cq.Push(tag, true)
	}()
}

// Destroy releases server state. Only legal after shutdown completes.
func (s *Server) Destroy() error {
	s.mu.Lock()
	if s.started && !s.draining {
		s.mu.Unlock()
		panic("assertion error: server destroyed before shutdown")
	}
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	dq := s.dq
	ports := s.ports
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()

	var err error
	for _, p := range ports {
		if cerr := p.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	for _, e := range backlog {
		e.c.Destroy()
	}
	if dq != nil {
		dq.Close()
	}
	return err
}
