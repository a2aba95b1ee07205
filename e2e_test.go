package wireline_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ozontech/wireline"
	"github.com/ozontech/wireline/bytebuf"
	"github.com/ozontech/wireline/call"
	"github.com/ozontech/wireline/completion"
	"github.com/ozontech/wireline/metadata"
	"github.com/ozontech/wireline/server"
	"github.com/ozontech/wireline/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	rt       *wireline.Runtime
	srv      *server.Server
	serverCQ *completion.Queue
	clientCQ *completion.Queue
	target   string
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)

	rt := wireline.Init(wireline.WithLogger(log))
	env := &testEnv{
		rt:       rt,
		srv:      rt.NewServer(),
		serverCQ: rt.NewCompletionQueue(),
		clientCQ: rt.NewCompletionQueue(),
	}

	port := env.srv.AddInsecureHTTP2Port("127.0.0.1:0")
	require.Positive(t, port)
	env.target = fmt.Sprintf("127.0.0.1:%d", port)
	env.srv.RegisterQueue(env.serverCQ)
	env.srv.Start()

	t.Cleanup(func() {
		env.srv.ShutdownAndNotify(env.serverCQ, "shutdown")
		for {
			ev := env.serverCQ.Next(time.Now().Add(5 * time.Second))
			if ev.Tag == "shutdown" || ev.Kind != completion.OpComplete {
				break
			}
		}
		require.NoError(t, env.srv.Destroy())

		env.serverCQ.Shutdown()
		drainCQ(t, env.serverCQ)
		env.serverCQ.Destroy()
		env.clientCQ.Shutdown()
		drainCQ(t, env.clientCQ)
		env.clientCQ.Destroy()
		rt.Shutdown()
	})
	return env
}

func drainCQ(t *testing.T, cq *completion.Queue) {
	t.Helper()
	for {
		ev := cq.Next(time.Now().Add(time.Second))
		switch ev.Kind {
		case completion.Shutdown:
			return
		case completion.QueueTimeout:
			t.Fatal("queue did not shut down")
		case completion.OpComplete:
		}
	}
}

func waitTag(t *testing.T, cq *completion.Queue, tag string) completion.Event {
	t.Helper()
	ev := cq.Next(time.Now().Add(5 * time.Second))
	require.Equal(t, completion.OpComplete, ev.Kind, "timed out waiting for %q", tag)
	require.Equal(t, tag, ev.Tag)
	return ev
}

func pingPayload() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(b, "ping")
}

func TestUnaryEcho(t *testing.T) {
	env := setupEnv(t)
	a := assert.New(t)

	ch := env.rt.NewInsecureChannel(env.target)
	defer func() { require.NoError(t, ch.Close()) }()

	var clientMD metadata.Metadata
	clientMD.AddString("x-client", "e2e")
	clientMD.Add("x-bin-data", []byte{0x01, 0x00, 0xfe})

	c := ch.CreateCall(env.clientCQ, "/echo.Echo/SayHello", "", time.Now().Add(5*time.Second))
	require.NotNil(t, c)
	defer c.Destroy()

	req := pingPayload()
	var (
		gotInitialMD metadata.Metadata
		gotTrailing  metadata.Metadata
		resp         *bytebuf.Buffer
		st           status.Status
	)
	require.Equal(t, status.CallOK, c.StartBatch([]call.Op{
		call.SendInitialMetadata(clientMD),
		call.SendMessage(bytebuf.New(req)),
		call.SendCloseFromClient(),
		call.RecvInitialMetadata(&gotInitialMD),
		call.RecvMessage(&resp),
		call.RecvStatusOnClient(&st, &gotTrailing),
	}, "T"))

	// серверная сторона: забираем колл
	var (
		sc      *call.Call
		details server.CallDetails
	)
	require.Equal(t, status.CallOK, env.srv.RequestCall(&sc, &details, env.serverCQ, "accept"))
	ev := waitTag(t, env.serverCQ, "accept")
	a.True(ev.Success)
	require.NotNil(t, sc)
	defer sc.Destroy()

	a.Equal("/echo.Echo/SayHello", details.Method)
	a.Equal(env.target, details.Host)
	a.WithinDuration(time.Now().Add(5*time.Second), details.Deadline, 2*time.Second)
	// мета доехала с сохранением порядка и бинарных значений
	a.Equal(metadata.Metadata{
		{Key: "x-client", Value: []byte("e2e")},
		{Key: "x-bin-data", Value: []byte{0x01, 0x00, 0xfe}},
	}, details.Metadata)

	var reqBuf *bytebuf.Buffer
	require.Equal(t, status.CallOK, sc.StartBatch([]call.Op{call.RecvMessage(&reqBuf)}, "r1"))
	ev = waitTag(t, env.serverCQ, "r1")
	a.True(ev.Success)
	require.NotNil(t, reqBuf)
	a.Equal(req, reqBuf.Bytes())

	var cancelled bool
	require.Equal(t, status.CallOK, sc.StartBatch([]call.Op{call.RecvCloseOnServer(&cancelled)}, "r2"))
	ev = waitTag(t, env.serverCQ, "r2")
	a.True(ev.Success)
	a.False(cancelled)

	var serverMD, trailing metadata.Metadata
	serverMD.AddString("x-server", "wireline")
	trailing.AddString("x-cost", "1")
	require.Equal(t, status.CallOK, sc.StartBatch([]call.Op{
		call.SendInitialMetadata(serverMD),
		call.SendMessage(bytebuf.New(reqBuf.Bytes())),
		call.SendStatusFromServer(status.New(status.OK, "done"), trailing),
	}, "s1"))
	ev = waitTag(t, env.serverCQ, "s1")
	a.True(ev.Success)

	// клиентский батч собрался целиком
	ev = waitTag(t, env.clientCQ, "T")
	a.True(ev.Success)
	a.Equal(metadata.Metadata{{Key: "x-server", Value: []byte("wireline")}}, gotInitialMD)
	require.NotNil(t, resp)
	a.Equal(req, resp.Bytes())
	a.Equal(status.OK, st.Code)
	a.Equal("done", st.Message)
	a.Equal(metadata.Metadata{{Key: "x-cost", Value: []byte("1")}}, gotTrailing)

	reqBuf.Release()
	resp.Release()
}

func TestServerStreaming(t *testing.T) {
	env := setupEnv(t)
	a := assert.New(t)

	ch := env.rt.NewInsecureChannel(env.target)
	defer func() { require.NoError(t, ch.Close()) }()

	c := ch.CreateServerStreamingCall(env.clientCQ, "/echo.Echo/Stream", "", time.Now().Add(5*time.Second))
	require.NotNil(t, c)
	defer c.Destroy()

	var gotInitialMD metadata.Metadata
	require.Equal(t, status.CallOK, c.StartBatch([]call.Op{
		call.SendInitialMetadata(nil),
		call.SendCloseFromClient(),
		call.RecvInitialMetadata(&gotInitialMD),
	}, "start"))

	var sc *call.Call
	require.Equal(t, status.CallOK, env.srv.RequestCall(&sc, nil, env.serverCQ, "accept"))
	waitTag(t, env.serverCQ, "accept")
	require.NotNil(t, sc)
	defer sc.Destroy()

	require.Equal(t, status.CallOK, sc.StartBatch([]call.Op{
		call.SendInitialMetadata(nil),
	}, "hdr"))
	waitTag(t, env.serverCQ, "hdr")
	waitTag(t, env.clientCQ, "start")

	// три сообщения подряд, потом статус
	const parts = 3
	for i := 0; i < parts; i++ {
		require.Equal(t, status.CallOK, sc.StartBatch([]call.Op{
			call.SendMessage(bytebuf.New([]byte(fmt.Sprintf("part-%d", i)))),
		}, "send"))
		waitTag(t, env.serverCQ, "send")

		var msg *bytebuf.Buffer
		require.Equal(t, status.CallOK, c.StartBatch([]call.Op{call.RecvMessage(&msg)}, "recv"))
		ev := waitTag(t, env.clientCQ, "recv")
		a.True(ev.Success)
		require.NotNil(t, msg)
		a.Equal([]byte(fmt.Sprintf("part-%d", i)), msg.Bytes())
		msg.Release()
	}

	require.Equal(t, status.CallOK, sc.StartBatch([]call.Op{
		call.SendStatusFromServer(status.New(status.OK, ""), nil),
	}, "fin"))
	waitTag(t, env.serverCQ, "fin")

	var st status.Status
	var lastMsg *bytebuf.Buffer
	require.Equal(t, status.CallOK, c.StartBatch([]call.Op{
		call.RecvMessage(&lastMsg),
		call.RecvStatusOnClient(&st, nil),
	}, "done"))
	ev := waitTag(t, env.clientCQ, "done")
	a.True(ev.Success)
	a.Nil(lastMsg) // сообщений больше нет — это не пустое сообщение
	a.Equal(status.OK, st.Code)
}

func TestCompressedMessage(t *testing.T) {
	env := setupEnv(t)
	a := assert.New(t)

	ch := env.rt.NewInsecureChannel(env.target)
	defer func() { require.NoError(t, ch.Close()) }()

	c := ch.CreateCall(env.clientCQ, "/echo.Echo/Gzip", "", time.Now().Add(5*time.Second))
	require.NotNil(t, c)
	defer c.Destroy()

	payload := []byte("a very compressible payload: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.Equal(t, status.CallOK, c.StartBatch([]call.Op{
		call.SendInitialMetadataEncoding(nil, "gzip"),
		call.SendCompressedMessage(bytebuf.New(payload)),
		call.SendCloseFromClient(),
	}, "send"))

	var sc *call.Call
	require.Equal(t, status.CallOK, env.srv.RequestCall(&sc, nil, env.serverCQ, "accept"))
	waitTag(t, env.serverCQ, "accept")
	require.NotNil(t, sc)
	defer sc.Destroy()

	waitTag(t, env.clientCQ, "send")

	// рантайм прозрачно разжимает сообщение
	var reqBuf *bytebuf.Buffer
	require.Equal(t, status.CallOK, sc.StartBatch([]call.Op{call.RecvMessage(&reqBuf)}, "recv"))
	ev := waitTag(t, env.serverCQ, "recv")
	a.True(ev.Success)
	require.NotNil(t, reqBuf)
	a.Equal(payload, reqBuf.Bytes())

	require.Equal(t, status.CallOK, sc.StartBatch([]call.Op{
		call.SendInitialMetadata(nil),
		call.SendStatusFromServer(status.New(status.OK, ""), nil),
	}, "fin"))
	waitTag(t, env.serverCQ, "fin")

	var st status.Status
	require.Equal(t, status.CallOK, c.StartBatch([]call.Op{
		call.RecvStatusOnClient(&st, nil),
	}, "st"))
	ev = waitTag(t, env.clientCQ, "st")
	a.True(ev.Success)
	a.Equal(status.OK, st.Code)
}

// живой сервер, который молчит: дедлайн колла срабатывает сам
func TestDeadlineExceededAgainstSilentServer(t *testing.T) {
	env := setupEnv(t)
	a := assert.New(t)

	ch := env.rt.NewInsecureChannel(env.target)
	defer func() { require.NoError(t, ch.Close()) }()

	c := ch.CreateCall(env.clientCQ, "/echo.Echo/Slow", "", time.Now().Add(150*time.Millisecond))
	require.NotNil(t, c)
	defer c.Destroy()

	var st status.Status
	require.Equal(t, status.CallOK, c.StartBatch([]call.Op{
		call.SendInitialMetadata(nil),
		call.SendCloseFromClient(),
		call.RecvStatusOnClient(&st, nil),
	}, "T"))

	ev := waitTag(t, env.clientCQ, "T")
	a.False(ev.Success)
	a.Equal(status.DeadlineExceeded, st.Code)
}

// жизненный цикл: создать и корректно разрушить все объекты
func TestLifecycle(t *testing.T) {
	log := zaptest.NewLogger(t)
	rt := wireline.Init(wireline.WithLogger(log))

	cq := rt.NewCompletionQueue()
	ch := rt.NewInsecureChannel("localhost:50051")

	c := ch.CreateCall(cq, "/echo.Echo/SayHello", "", time.Now().Add(5*time.Second))
	require.NotNil(t, c)
	c.Destroy()

	cq.Shutdown()
	drainCQ(t, cq)
	cq.Destroy()

	require.NoError(t, ch.Close())
	rt.Shutdown()
}
