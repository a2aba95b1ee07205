package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/wireline/bytebuf"
	"github.com/ozontech/wireline/completion"
	"github.com/ozontech/wireline/metadata"
	"github.com/ozontech/wireline/status"
)

func newDetachedClientCall(t *testing.T, cq completion.Pusher) *Call {
	t.Helper()
	return NewFailed(cq, "/echo.Echo/SayHello",
		status.New(status.Unavailable, "no transport"), zaptest.NewLogger(t))
}

func nextEvent(t *testing.T, cq *completion.Queue) completion.Event {
	t.Helper()
	ev := cq.Next(time.Now().Add(5 * time.Second))
	require.NotEqual(t, completion.QueueTimeout, ev.Kind, "no event before deadline")
	return ev
}

func TestBatchValidation(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cq := completion.New(nil, zaptest.NewLogger(t))
	c := newDetachedClientCall(t, cq)

	a.Equal(status.ErrCall, c.StartBatch(nil, "t"))

	// ненулевые флаги
	op := SendInitialMetadata(nil)
	op.Flags = 1
	a.Equal(status.ErrInvalidFlags, c.StartBatch([]Op{op}, "t"))

	// дубль операции в батче
	a.Equal(status.ErrTooManyOps, c.StartBatch([]Op{
		RecvInitialMetadata(nil), RecvInitialMetadata(nil),
	}, "t"))

	// серверные операции на клиентском колле
	a.Equal(status.ErrNotOnClient, c.StartBatch([]Op{
		SendStatusFromServer(status.New(status.OK, ""), nil),
	}, "t"))
	a.Equal(status.ErrNotOnClient, c.StartBatch([]Op{
		RecvCloseOnServer(nil),
	}, "t"))

	// отправка до SEND_INITIAL_METADATA
	a.Equal(status.ErrNotInvoked, c.StartBatch([]Op{
		SendMessage(bytebuf.New([]byte("x"))),
	}, "t"))

	// SEND_MESSAGE без сообщения
	a.Equal(status.ErrCall, c.StartBatch([]Op{
		SendInitialMetadata(nil), SendMessage(nil),
	}, "t"))
}

func TestServerSideValidation(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cq := completion.New(nil, zaptest.NewLogger(t))
	c := newDetachedClientCall(t, cq)
	c.side = SideServer

	a.Equal(status.ErrNotOnServer, c.StartBatch([]Op{SendCloseFromClient()}, "t"))
	a.Equal(status.ErrNotOnServer, c.StartBatch([]Op{RecvStatusOnClient(nil, nil)}, "t"))
	a.Equal(status.ErrNotOnServer, c.StartBatch([]Op{RecvInitialMetadata(nil)}, "t"))
}

func TestTooManyOpsOnOverlap(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cq := completion.New(nil, zaptest.NewLogger(t))
	c := newDetachedClientCall(t, cq)

	var msg *bytebuf.Buffer
	a.Equal(status.CallOK, c.StartBatch([]Op{RecvMessage(&msg)}, "r1"))
	// второй recv-батч при живом первом
	a.Equal(status.ErrTooManyOps, c.StartBatch([]Op{RecvMessage(&msg)}, "r2"))

	c.Cancel()
	ev := nextEvent(t, cq)
	a.Equal("r1", ev.Tag)
	a.False(ev.Success)
}

// отмена добивает зависший батч ровно одним неуспешным событием,
// статус колла — CANCELLED
func TestCancelFlushesPendingBatch(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cq := completion.New(nil, zaptest.NewLogger(t))
	c := newDetachedClientCall(t, cq)

	var st status.Status
	var trailing metadata.Metadata
	a.Equal(status.CallOK, c.StartBatch([]Op{RecvStatusOnClient(&st, &trailing)}, "tag"))

	a.Equal(status.CallOK, c.Cancel())
	a.Equal(status.CallOK, c.Cancel()) // идемпотентна

	ev := nextEvent(t, cq)
	a.Equal("tag", ev.Tag)
	a.False(ev.Success)
	a.Equal(status.Cancelled, st.Code)

	// терминальный статус наблюдается ровно один раз
	a.Equal(status.ErrAlreadyFinished, c.StartBatch([]Op{RecvStatusOnClient(&st, nil)}, "again"))
}

// батч с отправкой на канале без транспорта завершается UNAVAILABLE
func TestSendOnDeadTransport(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cq := completion.New(nil, zaptest.NewLogger(t))
	c := newDetachedClientCall(t, cq)

	var st status.Status
	a.Equal(status.CallOK, c.StartBatch([]Op{
		SendInitialMetadata(nil),
		RecvStatusOnClient(&st, nil),
	}, "tag"))

	ev := nextEvent(t, cq)
	a.Equal("tag", ev.Tag)
	a.False(ev.Success)
	a.Equal(status.Unavailable, st.Code)
}

func TestSendInitialMetadataTwice(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cq := completion.New(nil, zaptest.NewLogger(t))
	c := newDetachedClientCall(t, cq)

	a.Equal(status.ErrTooManyOps, c.StartBatch([]Op{
		SendInitialMetadata(nil),
		SendInitialMetadata(nil),
	}, "t"))
}

// входящие события, пришедшие до подписки, буферизуются
func TestBufferedDelivery(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cq := completion.New(nil, zaptest.NewLogger(t))
	c := newDetachedClientCall(t, cq)

	var srvMD metadata.Metadata
	srvMD.AddString("x-server", "v")
	c.OnInitialMetadata(srvMD)
	c.OnMessage([]byte("payload"), false)
	c.OnRecvHalfClose()
	c.OnTrailingMetadata(metadata.Metadata{{Key: "x-t", Value: []byte("1")}}, status.New(status.OK, "done"))

	var gotMD, gotTrailing metadata.Metadata
	var gotMsg *bytebuf.Buffer
	var st status.Status
	a.Equal(status.CallOK, c.StartBatch([]Op{
		RecvInitialMetadata(&gotMD),
		RecvMessage(&gotMsg),
		RecvStatusOnClient(&st, &gotTrailing),
	}, "tag"))

	ev := nextEvent(t, cq)
	a.Equal("tag", ev.Tag)
	a.True(ev.Success)

	a.Equal(srvMD, gotMD)
	require.NotNil(t, gotMsg)
	a.Equal([]byte("payload"), gotMsg.Bytes())
	a.Equal(status.OK, st.Code)
	a.Equal("done", st.Message)
	a.Equal(metadata.Metadata{{Key: "x-t", Value: []byte("1")}}, gotTrailing)
}

// не-OK статус проваливает recv-батч
func TestNonOKStatusFailsBatch(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cq := completion.New(nil, zaptest.NewLogger(t))
	c := newDetachedClientCall(t, cq)

	c.OnRecvHalfClose()
	c.OnTrailingMetadata(nil, status.New(status.NotFound, "nope"))

	var st status.Status
	a.Equal(status.CallOK, c.StartBatch([]Op{RecvStatusOnClient(&st, nil)}, "tag"))

	ev := nextEvent(t, cq)
	a.False(ev.Success)
	a.Equal(status.NotFound, st.Code)
	a.Equal("nope", st.Message)
}

// сообщений больше не будет: RECV_MESSAGE возвращает nil-буфер
func TestRecvMessageAfterHalfClose(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cq := completion.New(nil, zaptest.NewLogger(t))
	c := newDetachedClientCall(t, cq)

	c.OnRecvHalfClose()

	sentinel := bytebuf.New([]byte("old"))
	got := sentinel
	a.Equal(status.CallOK, c.StartBatch([]Op{RecvMessage(&got)}, "tag"))

	ev := nextEvent(t, cq)
	a.True(ev.Success)
	a.Nil(got)
}

func TestDestroyFailsPending(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cq := completion.New(nil, zaptest.NewLogger(t))
	c := newDetachedClientCall(t, cq)

	var msg *bytebuf.Buffer
	a.Equal(status.CallOK, c.StartBatch([]Op{RecvMessage(&msg)}, "tag"))

	c.Destroy()
	c.Destroy() // повторный — no-op

	ev := nextEvent(t, cq)
	a.Equal("tag", ev.Tag)
	a.False(ev.Success)
}

func TestRecvCloseOnServerReportsCancel(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cq := completion.New(nil, zaptest.NewLogger(t))
	c := newDetachedClientCall(t, cq)
	c.side = SideServer

	var cancelled bool
	a.Equal(status.CallOK, c.StartBatch([]Op{RecvCloseOnServer(&cancelled)}, "tag"))

	c.OnReset(status.New(status.Cancelled, "peer went away"))

	ev := nextEvent(t, cq)
	a.False(ev.Success)
	a.True(cancelled)
}
