package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/wireline/consts"
	"github.com/ozontech/wireline/flowcontrol"
	"github.com/ozontech/wireline/framer"
	"github.com/ozontech/wireline/hpackcodec"
	"github.com/ozontech/wireline/metadata"
	"github.com/ozontech/wireline/status"
	"github.com/ozontech/wireline/transport/store"
)

var clientPreface = []byte(http2.ClientPreface)

// ConnError is a fatal, connection-scoped protocol error. The connection
// is torn down and every stream on it fails as UNAVAILABLE.
type ConnError struct {
	Code   http2.ErrCode
	Reason string
}

func (e ConnError) Error() string {
	return "connection error (" + e.Code.String() + "): " + e.Reason
}

// GoAwayError reports a GOAWAY with a non-NO error code.
type GoAwayError struct {
	Code         http2.ErrCode
	LastStreamID uint32
	DebugData    []byte
}

func (e GoAwayError) Error() string {
	return "go away (" + e.Code.String() + "): " + string(e.DebugData)
}

var connID atomic.Uint32

// Conn multiplexes streams over one http2 connection. A single reader
// goroutine decodes and dispatches frames; writers share the framer's
// write lock.
type Conn struct {
	role Role
	nc   net.Conn
	fr   *framer.Framer
	opts Options
	log  *zap.Logger

	fcSend *flowcontrol.SendWindow
	fcRecv *flowcontrol.RecvWindow

	streams      *store.Sharded[*Stream]
	acceptor     Acceptor // только server role
	lastRemoteID uint32   // наибольший принятый id стрима пира

	// newStreamMu serializes id assignment with the HEADERS write: ids on
	// the wire must be strictly increasing.
	newStreamMu  sync.Mutex
	nextStreamID uint32

	peerMaxStreams    atomic.Uint32
	peerInitialWindow atomic.Uint32

	draining  atomic.Bool
	closeOnce sync.Once

	// state of an unfinished HEADERS + CONTINUATION sequence
	headerAcc struct {
		active    bool
		streamID  uint32
		endStream bool
		buf       []byte
	}
	sawSettings bool
}

func newConn(nc net.Conn, role Role, acceptor Acceptor, opts Options) *Conn {
	opts = opts.withDefaults()
	id := connID.Add(1)
	c := &Conn{
		role:     role,
		nc:       nc,
		fr:       framer.New(nc, nc),
		opts:     opts,
		log:      opts.Log.Named("conn").With(zap.Uint32("conn-id", id), zap.Stringer("role", role)),
		fcSend:   flowcontrol.NewSendWindow(consts.InitialWindowSize),
		fcRecv:   flowcontrol.NewRecvWindow(consts.InitialWindowSize),
		streams:  store.NewSharded[*Stream](16),
		acceptor: acceptor,
	}
	if role == RoleClient {
		c.nextStreamID = 1
	} else {
		c.nextStreamID = 2
	}
	c.peerMaxStreams.Store(consts.DefaultMaxConcurrentStreams)
	c.peerInitialWindow.Store(consts.InitialWindowSize)
	c.fr.SetMaxReadFrameSize(opts.MaxFrameSize)
	return c
}

func (c *Conn) localSettings() []http2.Setting {
	settings := []http2.Setting{
		{ID: http2.SettingHeaderTableSize, Val: consts.HeaderTableSize},
		{ID: http2.SettingMaxFrameSize, Val: c.opts.MaxFrameSize},
		{ID: http2.SettingInitialWindowSize, Val: c.opts.InitialWindowSize},
	}
	if c.role == RoleServer {
		settings = append(settings, http2.Setting{
			ID: http2.SettingMaxConcurrentStreams, Val: c.opts.MaxConcurrentStreams,
		})
	}
	return settings
}

// NewClient performs the client side of the connection setup: preface,
// SETTINGS exchange, ack. The caller is responsible for socket deadlines
// around the handshake.
func NewClient(nc net.Conn, opts Options) (*Conn, error) {
	c := newConn(nc, RoleClient, nil, opts)

	// we should not check n, because Write must return error on short write
	if _, err := nc.Write(clientPreface); err != nil {
		return nil, fmt.Errorf("write http2 preface: %w", err)
	}
	if err := c.fr.WriteSettings(c.localSettings()...); err != nil {
		return nil, fmt.Errorf("write settings frame: %w", err)
	}

	header, payload, err := c.fr.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read settings frame: %w", err)
	}
	if header.Type() != http2.FrameSettings || header.Flags().Has(http2.FlagSettingsAck) {
		return nil, errors.New("protocol error: first frame from server is not settings")
	}
	if err := c.applySettings(payload); err != nil {
		return nil, err
	}
	if err := c.fr.WriteSettingsAck(); err != nil {
		return nil, fmt.Errorf("write settings ack: %w", err)
	}
	c.sawSettings = true
	c.log.Debug("connection established",
		zap.Uint32("peer_max_frame_size", uint32(c.fr.MaxWriteFrameSize())),
		zap.String("peer_initial_window", humanize.IBytes(uint64(c.peerInitialWindow.Load()))),
	)
	return c, nil
}

// NewServer performs the server side: verify the 24-octet client preface,
// send our SETTINGS. Клиентский SETTINGS обрабатывается первым же фреймом
// в Run.
func NewServer(nc net.Conn, acceptor Acceptor, opts Options) (*Conn, error) {
	c := newConn(nc, RoleServer, acceptor, opts)

	preface := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(nc, preface); err != nil {
		return nil, fmt.Errorf("read http2 preface: %w", err)
	}
	if string(preface) != string(clientPreface) {
		return nil, errors.New("protocol error: bad http2 client preface")
	}
	if err := c.fr.WriteSettings(c.localSettings()...); err != nil {
		return nil, fmt.Errorf("write settings frame: %w", err)
	}
	return c, nil
}

// Run drives the reader loop until the connection dies or ctx is
// cancelled. On exit every remaining stream fails as UNAVAILABLE.
func (c *Conn) Run(ctx context.Context) error {
	if err := c.nc.SetDeadline(time.Time{}); err != nil {
		return err
	}
	defer c.log.Debug("run done")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		// соединение может быть уже закрыто teardown-ом
		_ = c.nc.SetReadDeadline(time.Now())
		return nil
	})
	g.Go(func() error {
		defer cancel()
		err := c.readLoop()
		c.teardown(err)
		if ctx.Err() != nil || errors.Is(err, io.EOF) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func (c *Conn) readLoop() error {
	for {
		header, payload, err := c.fr.ReadFrame()
		if err != nil {
			if errors.Is(err, framer.ErrFrameTooLarge) {
				c.abort(http2.ErrCodeFrameSize, err.Error())
			}
			return err
		}

		if c.role == RoleServer && !c.sawSettings {
			if header.Type() != http2.FrameSettings {
				c.abort(http2.ErrCodeProtocol, "first frame from client is not settings")
				return ConnError{http2.ErrCodeProtocol, "first frame from client is not settings"}
			}
			c.sawSettings = true
		}
		if c.headerAcc.active && header.Type() != http2.FrameContinuation {
			c.abort(http2.ErrCodeProtocol, "expected CONTINUATION")
			return ConnError{http2.ErrCodeProtocol, "expected CONTINUATION"}
		}

		if err := c.dispatch(header.Type(), header.Flags(), header.StreamID(), payload); err != nil {
			var ce ConnError
			if errors.As(err, &ce) {
				c.abort(ce.Code, ce.Reason)
			}
			return err
		}
	}
}

func (c *Conn) dispatch(t http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) error {
	switch t {
	case http2.FrameSettings:
		if flags.Has(http2.FlagSettingsAck) {
			return nil
		}
		if err := c.applySettings(payload); err != nil {
			return err
		}
		return c.fr.WriteSettingsAck()

	case http2.FramePing:
		if len(payload) != 8 {
			return ConnError{http2.ErrCodeFrameSize, "ping payload must be 8 bytes"}
		}
		if flags.Has(http2.FlagPingAck) {
			return nil
		}
		var p [8]byte
		copy(p[:], payload)
		return c.fr.WritePing(true, p)

	case http2.FrameWindowUpdate:
		return c.onWindowUpdate(streamID, payload)

	case http2.FrameHeaders:
		return c.onHeadersFrame(flags, streamID, payload)

	case http2.FrameContinuation:
		return c.onContinuation(flags, streamID, payload)

	case http2.FrameData:
		return c.onDataFrame(flags, streamID, payload)

	case http2.FrameRSTStream:
		return c.onRSTStream(streamID, payload)

	case http2.FrameGoAway:
		return c.onGoAway(payload)

	default:
		// неизвестные типы фреймов игнорируются (RFC 7540 §4.1)
		return nil
	}
}

func (c *Conn) applySettings(payload []byte) error {
	if len(payload)%6 != 0 {
		return ConnError{http2.ErrCodeFrameSize, "settings payload not a multiple of 6"}
	}
	for ; len(payload) > 0; payload = payload[6:] {
		id := http2.SettingID(uint16(payload[0])<<8 | uint16(payload[1]))
		val := uint32(payload[2])<<24 | uint32(payload[3])<<16 | uint32(payload[4])<<8 | uint32(payload[5])

		switch id {
		case http2.SettingMaxFrameSize:
			if val < consts.MinMaxFrameSize || val > consts.MaxMaxFrameSize {
				return ConnError{http2.ErrCodeProtocol, "max frame size out of range"}
			}
			c.fr.SetMaxWriteFrameSize(val)
		case http2.SettingInitialWindowSize:
			if val > consts.MaxWindowSize {
				return ConnError{http2.ErrCodeFlowControl, "initial window size beyond 2^31-1"}
			}
			// дельта применяется к окнам уже открытых стримов;
			// окно соединения SETTINGS не трогает
			delta := int64(val) - int64(c.peerInitialWindow.Swap(val))
			if delta != 0 {
				c.streams.Each(func(_ uint32, s *Stream) {
					s.fcSend.Adjust(delta)
				})
			}
		case http2.SettingMaxConcurrentStreams:
			c.peerMaxStreams.Store(val)
		case http2.SettingHeaderTableSize:
			// кодируем только литералами, размер таблицы пира не важен
		default:
			c.log.Debug("ignoring unsupported setting",
				zap.Stringer("setting", id), zap.Uint32("value", val))
		}
	}
	return nil
}

func (c *Conn) onWindowUpdate(streamID uint32, payload []byte) error {
	if len(payload) != 4 {
		return ConnError{http2.ErrCodeFrameSize, "window update payload must be 4 bytes"}
	}
	inc := uint32(payload[0]&0x7f)<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])

	if streamID == 0 {
		if err := c.fcSend.Add(inc); err != nil {
			return ConnError{http2.ErrCodeFlowControl, err.Error()}
		}
		return nil
	}

	s, ok := c.streams.Get(streamID)
	if !ok {
		return nil
	}
	if err := s.fcSend.Add(inc); err != nil {
		// ошибка окна изолируется на стриме
		s.Reset(http2.ErrCodeFlowControl)
		s.onReset(status.New(status.Internal, err.Error()))
	}
	return nil
}

func (c *Conn) onHeadersFrame(flags http2.Flags, streamID uint32, payload []byte) error {
	if streamID == 0 {
		return ConnError{http2.ErrCodeProtocol, "HEADERS on stream 0"}
	}

	var err error
	payload, err = stripPadding(flags.Has(http2.FlagHeadersPadded), payload)
	if err != nil {
		return err
	}
	if flags.Has(http2.FlagHeadersPriority) {
		if len(payload) < 5 {
			return ConnError{http2.ErrCodeFrameSize, "short priority section"}
		}
		payload = payload[5:]
	}

	c.headerAcc.active = true
	c.headerAcc.streamID = streamID
	c.headerAcc.endStream = flags.Has(http2.FlagHeadersEndStream)
	c.headerAcc.buf = append(c.headerAcc.buf[:0], payload...)

	if flags.Has(http2.FlagHeadersEndHeaders) {
		return c.finishHeaderBlock()
	}
	return nil
}

func (c *Conn) onContinuation(flags http2.Flags, streamID uint32, payload []byte) error {
	if !c.headerAcc.active || c.headerAcc.streamID != streamID {
		return ConnError{http2.ErrCodeProtocol, "unexpected CONTINUATION"}
	}
	c.headerAcc.buf = append(c.headerAcc.buf, payload...)
	if flags.Has(http2.FlagContinuationEndHeaders) {
		return c.finishHeaderBlock()
	}
	return nil
}

func (c *Conn) finishHeaderBlock() error {
	streamID := c.headerAcc.streamID
	endStream := c.headerAcc.endStream
	block := c.headerAcc.buf
	c.headerAcc.active = false

	md, err := hpackcodec.DecodeBlock(block)
	if err != nil {
		return ConnError{http2.ErrCodeCompression, err.Error()}
	}

	if s, ok := c.streams.Get(streamID); ok {
		s.onHeaders(md, endStream)
		return nil
	}

	if c.role == RoleClient {
		// стрим уже отменен и удален, блок никому не нужен
		return nil
	}
	return c.acceptRemoteStream(streamID, md, endStream)
}

func (c *Conn) acceptRemoteStream(streamID uint32, md metadata.Metadata, endStream bool) error {
	if streamID%2 == 0 {
		return ConnError{http2.ErrCodeProtocol, "even client stream id"}
	}
	if streamID <= c.lastRemoteID {
		// HEADERS на закрытом стриме: трейлеров от клиента не бывает
		return nil
	}
	c.lastRemoteID = streamID

	if c.draining.Load() {
		return c.fr.WriteRSTStream(streamID, http2.ErrCodeRefusedStream)
	}

	info := AcceptInfo{Metadata: filterReserved(md)}
	info.Method, _ = md.GetString(":path")
	info.Authority, _ = md.GetString(":authority")
	info.Encoding, _ = md.GetString("grpc-encoding")
	if v, ok := md.GetString("grpc-timeout"); ok {
		if d, err := status.ParseTimeout(v); err == nil {
			info.Timeout = d
			info.HasTimeout = true
		}
	}
	if m, ok := md.GetString(":method"); !ok || m != "POST" {
		return c.fr.WriteRSTStream(streamID, http2.ErrCodeProtocol)
	}

	s := newStream(c, streamID, c.peerInitialWindow.Load(), c.opts.InitialWindowSize, c.opts.MaxRecvMessageSize)
	s.recvEncoding = info.Encoding
	handler := c.acceptor.AcceptStream(s, info)
	if handler == nil {
		return c.fr.WriteRSTStream(streamID, http2.ErrCodeRefusedStream)
	}
	s.bind(handler)
	c.streams.Set(streamID, s)

	handler.OnInitialMetadata(info.Metadata)
	if endStream {
		s.mu.Lock()
		s.recvClosed = true
		s.mu.Unlock()
		handler.OnRecvHalfClose()
	}
	return nil
}

func (c *Conn) onDataFrame(flags http2.Flags, streamID uint32, payload []byte) error {
	if streamID == 0 {
		return ConnError{http2.ErrCodeProtocol, "DATA on stream 0"}
	}

	// окно соединения платит за весь пейлоад, включая паддинг
	inc, err := c.fcRecv.Consume(uint32(len(payload)))
	if err != nil {
		return ConnError{http2.ErrCodeFlowControl, err.Error()}
	}
	if inc > 0 {
		if err := c.fr.WriteWindowUpdate(0, inc); err != nil {
			return err
		}
	}

	data, err := stripPadding(flags.Has(http2.FlagDataPadded), payload)
	if err != nil {
		return err
	}

	s, ok := c.streams.Get(streamID)
	if !ok {
		return nil
	}
	if err := s.onData(data, flags.Has(http2.FlagDataEndStream)); err != nil {
		if errors.Is(err, flowcontrol.ErrWindowUnderflow) {
			return ConnError{http2.ErrCodeFlowControl, err.Error()}
		}
		s.Reset(http2.ErrCodeInternal)
		s.onReset(status.New(status.Internal, err.Error()))
	}
	return nil
}

func (c *Conn) onRSTStream(streamID uint32, payload []byte) error {
	if len(payload) != 4 || streamID == 0 {
		return ConnError{http2.ErrCodeFrameSize, "malformed RST_STREAM"}
	}
	code := http2.ErrCode(uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3]))

	s, ok := c.streams.GetAndDelete(streamID)
	if !ok {
		return nil
	}
	st := status.New(status.FromHTTP2ErrCode(code), "stream reset by peer ("+code.String()+")")
	if code == http2.ErrCodeCancel {
		st = status.New(status.Cancelled, "stream cancelled by peer")
	}
	s.onReset(st)
	return nil
}

func (c *Conn) onGoAway(payload []byte) error {
	if len(payload) < 8 {
		return ConnError{http2.ErrCodeFrameSize, "short GOAWAY"}
	}
	lastID := uint32(payload[0]&0x7f)<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	code := http2.ErrCode(uint32(payload[4])<<24 | uint32(payload[5])<<16 | uint32(payload[6])<<8 | uint32(payload[7]))
	debug := payload[8:]

	c.draining.Store(true)
	c.log.Info("got goaway",
		zap.Uint32("last_stream_id", lastID),
		zap.Stringer("code", code),
		zap.ByteString("debug_data", debug),
	)

	c.streams.Each(func(id uint32, s *Stream) {
		if id > lastID {
			c.streams.Delete(id)
			s.onReset(status.New(status.Unavailable, "connection draining (goaway)"))
		}
	})

	if code != http2.ErrCodeNo {
		return GoAwayError{Code: code, LastStreamID: lastID, DebugData: debug}
	}
	return nil
}

func stripPadding(padded bool, payload []byte) ([]byte, error) {
	if !padded {
		return payload, nil
	}
	if len(payload) < 1 {
		return nil, ConnError{http2.ErrCodeProtocol, "padded frame without pad length"}
	}
	padLen := int(payload[0])
	payload = payload[1:]
	if padLen > len(payload) {
		return nil, ConnError{http2.ErrCodeProtocol, "pad length beyond payload"}
	}
	return payload[:len(payload)-padLen], nil
}

// OpenStream assigns the next local stream id, registers the stream and
// writes the request HEADERS, all under the open lock so ids hit the wire
// in increasing order. Client role only.
func (c *Conn) OpenStream(
	h StreamHandler,
	method, authority string,
	md metadata.Metadata,
	timeout time.Duration,
	encoding string,
	endStream bool,
) (*Stream, error) {
	if c.role != RoleClient {
		panic("assertion error: OpenStream on server connection")
	}
	if c.draining.Load() {
		return nil, errors.New("connection is draining")
	}
	if uint32(c.streams.Len()) >= c.peerMaxStreams.Load() {
		return nil, errors.New("too many concurrent streams")
	}

	block := c.encodeRequestHeaders(method, authority, md, timeout, encoding)

	c.newStreamMu.Lock()
	defer c.newStreamMu.Unlock()

	id := c.nextStreamID
	c.nextStreamID += 2

	s := newStream(c, id, c.peerInitialWindow.Load(), c.opts.InitialWindowSize, c.opts.MaxRecvMessageSize)
	s.bind(h)
	c.streams.Set(id, s)

	if err := c.fr.WriteHeaders(id, endStream, block); err != nil {
		c.streams.Delete(id)
		return nil, err
	}
	return s, nil
}

func (c *Conn) encodeRequestHeaders(
	method, authority string,
	md metadata.Metadata,
	timeout time.Duration,
	encoding string,
) []byte {
	block := make([]byte, 0, 128)
	block = hpackcodec.AppendFieldString(block, ":method", "POST")
	block = hpackcodec.AppendFieldString(block, ":scheme", c.opts.Scheme)
	block = hpackcodec.AppendFieldString(block, ":path", method)
	if authority != "" {
		block = hpackcodec.AppendFieldString(block, ":authority", authority)
	}
	block = hpackcodec.AppendFieldString(block, "te", "trailers")
	block = hpackcodec.AppendFieldString(block, "content-type", "application/grpc")
	if timeout > 0 {
		block = hpackcodec.AppendFieldString(block, "grpc-timeout", status.EncodeTimeout(timeout))
	}
	if encoding != "" && encoding != "identity" {
		block = hpackcodec.AppendFieldString(block, "grpc-encoding", encoding)
	}
	for _, p := range md {
		if !allowedUserHeader(p.Key) {
			continue
		}
		block = hpackcodec.AppendField(block, p.Key, p.Value)
	}
	return block
}

// WriteResponseHeaders emits the server's initial metadata block.
func (c *Conn) WriteResponseHeaders(s *Stream, md metadata.Metadata, encoding string) error {
	block := make([]byte, 0, 64)
	block = hpackcodec.AppendFieldString(block, ":status", "200")
	block = hpackcodec.AppendFieldString(block, "content-type", "application/grpc")
	if encoding != "" && encoding != "identity" {
		block = hpackcodec.AppendFieldString(block, "grpc-encoding", encoding)
	}
	for _, p := range md {
		if !allowedUserHeader(p.Key) {
			continue
		}
		block = hpackcodec.AppendField(block, p.Key, p.Value)
	}
	return c.fr.WriteHeaders(s.id, false, block)
}

// WriteTrailers emits the status trailers and half-closes the stream.
func (c *Conn) WriteTrailers(s *Stream, st status.Status, md metadata.Metadata, sentHeaders bool) error {
	block := make([]byte, 0, 64)
	if !sentHeaders {
		// Trailers-Only: статус уезжает единственным блоком хедеров
		block = hpackcodec.AppendFieldString(block, ":status", "200")
		block = hpackcodec.AppendFieldString(block, "content-type", "application/grpc")
	}
	block = hpackcodec.AppendFieldString(block, "grpc-status", fmt.Sprintf("%d", st.Code))
	if st.Message != "" {
		block = hpackcodec.AppendFieldString(block, "grpc-message", status.EncodeMessage(st.Message))
	}
	for _, p := range md {
		if !allowedUserHeader(p.Key) {
			continue
		}
		block = hpackcodec.AppendField(block, p.Key, p.Value)
	}
	s.markSendClosed()
	return c.fr.WriteHeaders(s.id, true, block)
}

// псевдохедеры и зарезервированные хедеры пользовательской метой не
// считаются: стандартный клиент их тоже не пропускает
func allowedUserHeader(k string) bool {
	if !metadata.ValidKey(k) || k[0] == ':' {
		return false
	}
	switch k {
	case "content-type", "te", "grpc-timeout", "grpc-encoding", "grpc-status", "grpc-message":
		return false
	}
	return true
}

func (c *Conn) removeStream(id uint32) { c.streams.Delete(id) }

// GoAway marks the connection draining and tells the peer.
func (c *Conn) GoAway(code http2.ErrCode, debug []byte) error {
	c.draining.Store(true)
	return c.fr.WriteGoAway(c.lastAcceptedID(), code, debug)
}

func (c *Conn) lastAcceptedID() uint32 {
	if c.role == RoleServer {
		return c.lastRemoteID
	}
	return 0
}

func (c *Conn) abort(code http2.ErrCode, reason string) {
	//nolint:errcheck // соединение умирает, GOAWAY — вежливость
	c.fr.WriteGoAway(c.lastAcceptedID(), code, []byte(reason))
}

// teardown fails every stream still registered and closes the socket.
func (c *Conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		st := status.New(status.Unavailable, "transport closed")
		if cause != nil && !errors.Is(cause, io.EOF) {
			st = status.New(status.Unavailable, "transport failed: "+cause.Error())
		}
		c.fcSend.Disable()
		c.streams.Each(func(id uint32, s *Stream) {
			c.streams.Delete(id)
			s.onReset(st)
		})
		closeErr := c.nc.Close()
		c.log.Debug("connection closed",
			zap.String("rx", humanize.IBytes(c.fr.BytesRead())),
			zap.String("tx", humanize.IBytes(c.fr.BytesWritten())),
			zap.NamedError("close_error", closeErr),
			zap.Error(cause),
		)
	})
}

// Close tears the connection down; pending streams fail as UNAVAILABLE.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.fcSend.Disable()
		c.streams.Each(func(id uint32, s *Stream) {
			c.streams.Delete(id)
			s.onReset(status.New(status.Unavailable, "connection closed"))
		})
		err = multierr.Append(err, c.nc.Close())
	})
	return err
}
