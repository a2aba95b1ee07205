// Package call implements the RPC call state machine: batches of
// operations submitted with a tag, completed through the call's completion
// queue as wire events arrive.
package call

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ozontech/wireline/bytebuf"
	"github.com/ozontech/wireline/completion"
	"github.com/ozontech/wireline/compression"
	"github.com/ozontech/wireline/deadline"
	"github.com/ozontech/wireline/metadata"
	"github.com/ozontech/wireline/status"
	"github.com/ozontech/wireline/transport"
)

type Side uint8

const (
	SideClient Side = iota
	SideServer
)

// maximum distinct op kinds a single batch may carry
const maxBatchOps = 8

type batch struct {
	tag       any
	remaining int
	failed    bool
	hasSend   bool
	hasRecv   bool
}

type pendingOp struct {
	b  *batch
	op Op
}

type event struct {
	tag any
	ok  bool
}

type recvMsg struct {
	payload    []byte
	compressed bool
}

// Call is one RPC. It owns exactly one stream while active and pushes
// exactly one terminal status to its consumer.
type Call struct {
	side Side
	cq   completion.Pusher
	clk  clock.Clock
	log  *zap.Logger

	conn      *transport.Conn // nil для колла на мертвом канале
	method    string
	authority string
	deadline  time.Time

	mu             sync.Mutex
	pushMu         sync.Mutex
	stream         *transport.Stream
	cancelDeadline func()

	headersSent  bool
	sendClosed   bool
	finished     bool // терминальный статус доставлен потребителю
	cancelled    bool
	destroyed    bool
	sendEncoding string

	st         status.Status
	stSet      bool
	failStatus status.Status // статус для коллов без транспорта

	initialMD    metadata.Metadata
	initialMDSet bool
	msgs         []recvMsg
	recvDone     bool
	trailingMD   metadata.Metadata

	sendBatch *batch
	recvBatch *batch

	pendingInitialMD *pendingOp
	pendingMsg       *pendingOp
	pendingStatus    *pendingOp
	pendingClose     *pendingOp

	events []event
}

// NewClient creates a client call on an established connection. The stream
// materializes lazily on the first send batch.
func NewClient(
	cq completion.Pusher,
	conn *transport.Conn,
	dq *deadline.Queue,
	clk clock.Clock,
	method, authority string,
	dl time.Time,
	log *zap.Logger,
) *Call {
	c := &Call{
		side:      SideClient,
		cq:        cq,
		clk:       clk,
		log:       log,
		conn:      conn,
		method:    method,
		authority: authority,
		deadline:  dl,
	}
	c.armDeadline(dq, dl)
	return c
}

// NewFailed creates a call with no transport underneath: any batch
// touching the wire completes with success=false and the given status.
// Cancellation still wins if it strikes first; no deadline is armed on
// such a call.
func NewFailed(cq completion.Pusher, method string, st status.Status, log *zap.Logger) *Call {
	return &Call{
		side:       SideClient,
		cq:         cq,
		clk:        clock.New(),
		log:        log,
		method:     method,
		failStatus: st,
	}
}

// NewServer creates the server half of an incoming stream. The call is the
// stream's handler; the caller binds it.
func NewServer(
	cq completion.Pusher,
	s *transport.Stream,
	dq *deadline.Queue,
	clk clock.Clock,
	info transport.AcceptInfo,
	log *zap.Logger,
) *Call {
	c := &Call{
		side:      SideServer,
		cq:        cq,
		clk:       clk,
		log:       log,
		conn:      s.Conn(),
		method:    info.Method,
		authority: info.Authority,
		stream:    s,
	}
	if info.HasTimeout {
		c.deadline = clk.Now().Add(info.Timeout)
		c.armDeadline(dq, c.deadline)
	}
	return c
}

func (c *Call) armDeadline(dq *deadline.Queue, dl time.Time) {
	if dq == nil || dl.IsZero() {
		return
	}
	c.cancelDeadline = dq.Add(dl, c.expire)
}

func (c *Call) Method() string      { return c.method }
func (c *Call) Authority() string   { return c.authority }
func (c *Call) Deadline() time.Time { return c.deadline }
func (c *Call) Side() Side          { return c.side }

// SetQueue rebinds the call's completion queue. Only legal before the
// first batch; the server uses it when matching a pending RequestCall.
func (c *Call) SetQueue(cq completion.Pusher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cq = cq
}

// Status returns the terminal status, if set.
func (c *Call) Status() (status.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st, c.stSet
}

// StartBatch validates and submits a batch of operations. Validation is
// synchronous; op results arrive as one event with the given tag.
func (c *Call) StartBatch(ops []Op, tag any) status.CallError {
	if len(ops) == 0 || len(ops) > maxBatchOps {
		return status.ErrCall
	}

	c.mu.Lock()

	if c.destroyed || c.finished {
		c.mu.Unlock()
		return status.ErrAlreadyFinished
	}

	var seen [opCodes]bool
	var hasSend, hasRecv bool
	headersWillBeSent := c.headersSent
	for i := range ops {
		op := &ops[i]
		if op.Flags != 0 {
			c.mu.Unlock()
			return status.ErrInvalidFlags
		}
		if op.Code >= opCodes {
			c.mu.Unlock()
			return status.ErrCall
		}
		if seen[op.Code] {
			c.mu.Unlock()
			return status.ErrTooManyOps
		}
		seen[op.Code] = true

		if e := c.validateSideLocked(op.Code); e != status.CallOK {
			c.mu.Unlock()
			return e
		}

		switch op.Code {
		case OpSendInitialMetadata:
			if headersWillBeSent {
				c.mu.Unlock()
				return status.ErrAlreadyInvoked
			}
			headersWillBeSent = true
			hasSend = true
		case OpSendMessage, OpSendCloseFromClient:
			// DATA не может уйти раньше HEADERS
			if !headersWillBeSent {
				c.mu.Unlock()
				return status.ErrNotInvoked
			}
			if c.sendClosed {
				c.mu.Unlock()
				return status.ErrAlreadyInvoked
			}
			if op.Code == OpSendMessage && op.Message == nil {
				c.mu.Unlock()
				return status.ErrCall
			}
			hasSend = true
		case OpSendStatusFromServer:
			// трейлеры без начальной меты — это Trailers-Only ответ
			if c.sendClosed {
				c.mu.Unlock()
				return status.ErrAlreadyInvoked
			}
			hasSend = true
		default:
			hasRecv = true
		}
	}

	if hasSend && c.sendBatch != nil {
		c.mu.Unlock()
		return status.ErrTooManyOps
	}
	if hasRecv && c.recvBatch != nil {
		c.mu.Unlock()
		return status.ErrTooManyOps
	}

	b := &batch{tag: tag, remaining: len(ops), hasSend: hasSend, hasRecv: hasRecv}
	if hasSend {
		c.sendBatch = b
	}
	if hasRecv {
		c.recvBatch = b
	}

	var sendOps []Op
	for _, op := range ops {
		if op.Code.isSend() {
			sendOps = append(sendOps, op)
			continue
		}
		c.bindRecvLocked(b, op)
	}

	c.mu.Unlock()
	c.flush()

	if len(sendOps) > 0 {
		go c.runSends(b, sendOps)
	}
	return status.CallOK
}

func (c *Call) validateSideLocked(code OpCode) status.CallError {
	switch code {
	case OpSendCloseFromClient, OpRecvStatusOnClient:
		if c.side == SideServer {
			return status.ErrNotOnServer
		}
	case OpSendStatusFromServer, OpRecvCloseOnServer:
		if c.side == SideClient {
			return status.ErrNotOnClient
		}
	case OpRecvInitialMetadata:
		if c.side == SideServer {
			// серверу вся мета приходит вместе с коллом
			return status.ErrNotOnServer
		}
	}
	return status.CallOK
}

// bindRecvLocked either satisfies the receive immediately from buffered
// state or parks it in the receive pipeline.
func (c *Call) bindRecvLocked(b *batch, op Op) {
	switch op.Code {
	case OpRecvInitialMetadata:
		if c.initialMDSet || c.stSet {
			c.fillInitialMDLocked(b, op)
			return
		}
		c.pendingInitialMD = &pendingOp{b, op}

	case OpRecvMessage:
		if len(c.msgs) > 0 || c.recvDone || c.stSet {
			c.fillMessageLocked(b, op)
			return
		}
		c.pendingMsg = &pendingOp{b, op}

	case OpRecvStatusOnClient:
		if c.stSet && c.recvDone {
			c.fillStatusLocked(b, op)
			return
		}
		c.pendingStatus = &pendingOp{b, op}

	case OpRecvCloseOnServer:
		if c.recvDone || c.stSet {
			c.fillCloseLocked(b, op)
			return
		}
		c.pendingClose = &pendingOp{b, op}
	}
}

func (c *Call) fillInitialMDLocked(b *batch, op Op) {
	if op.RecvMetadata != nil {
		*op.RecvMetadata = c.initialMD
	}
	c.opDoneLocked(b, c.initialMDSet || c.stSet && c.st.OK())
}

func (c *Call) fillMessageLocked(b *batch, op Op) {
	if len(c.msgs) > 0 {
		m := c.msgs[0]
		c.msgs = c.msgs[1:]
		payload := m.payload
		if m.compressed {
			var err error
			payload, err = compression.Decompress(payload, c.recvEncodingLocked())
			if err != nil {
				c.log.Warn("failed to decompress message", zap.Error(err))
				c.setStatusLocked(status.New(status.Internal, "message decompression failed"))
				c.opDoneLocked(b, false)
				return
			}
		}
		if op.RecvMessage != nil {
			*op.RecvMessage = bytebuf.New(payload)
		}
		c.opDoneLocked(b, true)
		return
	}
	// сообщений больше не будет
	if op.RecvMessage != nil {
		*op.RecvMessage = nil
	}
	c.opDoneLocked(b, !c.stSet || c.st.OK())
}

func (c *Call) recvEncodingLocked() string {
	if c.stream != nil {
		return c.stream.RecvEncoding()
	}
	return ""
}

func (c *Call) fillStatusLocked(b *batch, op Op) {
	st := c.st
	if !c.stSet {
		st = status.New(status.Unknown, "call ended without status")
	}
	if op.RecvStatus != nil {
		*op.RecvStatus = st
	}
	if op.RecvTrailing != nil {
		*op.RecvTrailing = c.trailingMD
	}
	c.finished = true
	c.opDoneLocked(b, st.OK())
}

func (c *Call) fillCloseLocked(b *batch, op Op) {
	if op.RecvCancelled != nil {
		*op.RecvCancelled = c.cancelled || c.stSet && !c.st.OK()
	}
	ok := !c.cancelled && (!c.stSet || c.st.OK())
	c.opDoneLocked(b, ok)
}

func (c *Call) opDoneLocked(b *batch, ok bool) {
	if !ok {
		b.failed = true
	}
	b.remaining--
	if b.remaining > 0 {
		return
	}
	if b.hasSend && c.sendBatch == b {
		c.sendBatch = nil
	}
	if b.hasRecv && c.recvBatch == b {
		c.recvBatch = nil
	}
	c.events = append(c.events, event{tag: b.tag, ok: !b.failed})
}

// flush pushes completed-batch events outside the call lock. pushMu keeps
// concurrent flushers from reordering events of one call.
func (c *Call) flush() {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	c.mu.Lock()
	evs := c.events
	c.events = nil
	cq := c.cq
	c.mu.Unlock()
	for _, e := range evs {
		cq.Push(e.tag, e.ok)
	}
}

// runSends executes the send half of a batch in op order. Flow-control
// blocking happens here, off the submitter's thread.
func (c *Call) runSends(b *batch, ops []Op) {
	failed := false
	for _, op := range ops {
		ok := !failed && c.runSendOp(op)
		c.mu.Lock()
		c.opDoneLocked(b, ok)
		c.mu.Unlock()
		if !ok {
			failed = true
		}
	}
	c.flush()
}

func (c *Call) runSendOp(op Op) bool {
	c.mu.Lock()
	if c.cancelled || c.destroyed {
		c.mu.Unlock()
		return false
	}
	if c.conn == nil {
		st := c.failStatus
		if st.OK() {
			st.Code = status.Unavailable
		}
		if st.Message == "" {
			st.Message = "no transport"
		}
		c.setStatusLocked(st)
		c.failPendingRecvsLocked()
		c.mu.Unlock()
		c.flush()
		return false
	}
	stream := c.stream
	encoding := c.sendEncoding
	headersSent := c.headersSent
	c.mu.Unlock()

	switch op.Code {
	case OpSendInitialMetadata:
		if c.side == SideClient {
			var timeout time.Duration
			if !c.deadline.IsZero() {
				timeout = c.deadline.Sub(c.clk.Now())
				if timeout <= 0 {
					return false
				}
			}
			s, err := c.conn.OpenStream(c, c.method, c.authority, op.Metadata, timeout, op.Encoding, false)
			if err != nil {
				c.failTransport("open stream: " + err.Error())
				return false
			}
			c.mu.Lock()
			c.stream = s
			c.headersSent = true
			c.sendEncoding = op.Encoding
			cancelled := c.cancelled
			c.mu.Unlock()
			if cancelled {
				s.Reset(http2.ErrCodeCancel)
				return false
			}
			return true
		}
		if err := c.conn.WriteResponseHeaders(stream, op.Metadata, op.Encoding); err != nil {
			c.failTransport("write response headers: " + err.Error())
			return false
		}
		c.mu.Lock()
		c.headersSent = true
		c.sendEncoding = op.Encoding
		c.mu.Unlock()
		return true

	case OpSendMessage:
		if stream == nil {
			return false
		}
		payload := op.Message.Bytes()
		if op.Compressed {
			if encoding == "" || encoding == compression.Identity {
				c.log.Warn("compressed send without a declared grpc-encoding")
				return false
			}
			var err error
			payload, err = compression.Compress(payload, encoding)
			if err != nil {
				c.log.Warn("cannot compress message", zap.String("encoding", encoding), zap.Error(err))
				return false
			}
		}
		if err := stream.WriteMessage(payload, op.Compressed, false); err != nil {
			c.failTransport("write message: " + err.Error())
			return false
		}
		return true

	case OpSendCloseFromClient:
		if stream == nil {
			return false
		}
		if err := stream.CloseSend(); err != nil {
			c.failTransport("close send: " + err.Error())
			return false
		}
		c.mu.Lock()
		c.sendClosed = true
		c.mu.Unlock()
		return true

	case OpSendStatusFromServer:
		if stream == nil {
			return false
		}
		if err := c.conn.WriteTrailers(stream, op.Status, op.Trailing, headersSent); err != nil {
			c.failTransport("write trailers: " + err.Error())
			return false
		}
		c.mu.Lock()
		c.sendClosed = true
		c.headersSent = true
		c.setStatusLocked(op.Status)
		c.finished = true
		c.mu.Unlock()
		return true
	}
	return false
}

func (c *Call) failTransport(reason string) {
	c.mu.Lock()
	c.setStatusLocked(status.New(status.Unavailable, reason))
	c.failPendingRecvsLocked()
	c.mu.Unlock()
	c.flush()
}

// setStatusLocked records the first terminal status; later ones lose.
func (c *Call) setStatusLocked(st status.Status) {
	if c.stSet {
		return
	}
	c.st = st
	c.stSet = true
}

// failPendingRecvsLocked completes every parked receive with the terminal
// state.
func (c *Call) failPendingRecvsLocked() {
	c.recvDone = true
	if p := c.pendingInitialMD; p != nil {
		c.pendingInitialMD = nil
		c.fillInitialMDLocked(p.b, p.op)
	}
	if p := c.pendingMsg; p != nil {
		c.pendingMsg = nil
		c.fillMessageLocked(p.b, p.op)
	}
	if p := c.pendingClose; p != nil {
		c.pendingClose = nil
		c.fillCloseLocked(p.b, p.op)
	}
	if p := c.pendingStatus; p != nil {
		c.pendingStatus = nil
		c.fillStatusLocked(p.b, p.op)
	}
}

// Cancel terminates the call from any thread. Idempotent; a pending batch
// completes with success=false exactly once.
func (c *Call) Cancel() status.CallError {
	return c.cancelWith(status.New(status.Cancelled, "call cancelled"))
}

func (c *Call) expire() {
	c.cancelWith(status.New(status.DeadlineExceeded, "deadline exceeded"))
}

func (c *Call) cancelWith(st status.Status) status.CallError {
	c.mu.Lock()
	if c.finished || c.cancelled || c.destroyed {
		c.mu.Unlock()
		return status.CallOK
	}
	c.cancelled = true
	c.setStatusLocked(st)
	stream := c.stream
	c.failPendingRecvsLocked()
	c.mu.Unlock()

	if stream != nil {
		stream.Reset(http2.ErrCodeCancel)
	}
	if c.cancelDeadline != nil {
		c.cancelDeadline()
	}
	c.flush()
	return status.CallOK
}

// Destroy releases the call and its stream. Pending batches fail.
func (c *Call) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	if !c.stSet {
		c.setStatusLocked(status.New(status.Cancelled, "call destroyed"))
	}
	stream := c.stream
	c.failPendingRecvsLocked()
	c.mu.Unlock()

	if c.cancelDeadline != nil {
		c.cancelDeadline()
	}
	if stream != nil {
		stream.Close()
	}
	c.flush()
}

// --- transport.StreamHandler ---

func (c *Call) OnInitialMetadata(md metadata.Metadata) {
	c.mu.Lock()
	c.initialMD = md.Copy()
	c.initialMDSet = true
	if p := c.pendingInitialMD; p != nil {
		c.pendingInitialMD = nil
		c.fillInitialMDLocked(p.b, p.op)
	}
	c.mu.Unlock()
	c.flush()
}

func (c *Call) OnMessage(payload []byte, compressed bool) {
	c.mu.Lock()
	c.msgs = append(c.msgs, recvMsg{payload: payload, compressed: compressed})
	if p := c.pendingMsg; p != nil {
		c.pendingMsg = nil
		c.fillMessageLocked(p.b, p.op)
	}
	c.mu.Unlock()
	c.flush()
}

func (c *Call) OnRecvHalfClose() {
	c.mu.Lock()
	c.recvDone = true
	if p := c.pendingMsg; p != nil && len(c.msgs) == 0 {
		c.pendingMsg = nil
		c.fillMessageLocked(p.b, p.op)
	}
	if p := c.pendingClose; p != nil {
		c.pendingClose = nil
		c.fillCloseLocked(p.b, p.op)
	}
	c.mu.Unlock()
	c.flush()
}

func (c *Call) OnTrailingMetadata(md metadata.Metadata, st status.Status) {
	c.mu.Lock()
	c.trailingMD = md.Copy()
	c.setStatusLocked(st)
	c.recvDone = true
	if p := c.pendingInitialMD; p != nil {
		// Trailers-Only: блока начальной меты не было
		c.pendingInitialMD = nil
		c.fillInitialMDLocked(p.b, p.op)
	}
	if p := c.pendingMsg; p != nil && len(c.msgs) == 0 {
		c.pendingMsg = nil
		c.fillMessageLocked(p.b, p.op)
	}
	if p := c.pendingStatus; p != nil {
		c.pendingStatus = nil
		c.fillStatusLocked(p.b, p.op)
	}
	c.mu.Unlock()
	c.flush()

	if c.cancelDeadline != nil {
		c.cancelDeadline()
	}
}

func (c *Call) OnReset(st status.Status) {
	c.mu.Lock()
	c.cancelled = true
	c.setStatusLocked(st)
	c.failPendingRecvsLocked()
	c.mu.Unlock()
	c.flush()

	if c.cancelDeadline != nil {
		c.cancelDeadline()
	}
}
