package framer

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

// фреймы нашего врайтера должны разбираться стандартным фреймером x/net
func TestWriteReadableByNetHTTP2(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var buf bytes.Buffer
	f := New(&buf, &buf)

	require.NoError(t, f.WriteSettings(http2.Setting{ID: http2.SettingMaxFrameSize, Val: 16384}))
	require.NoError(t, f.WriteSettingsAck())
	require.NoError(t, f.WritePing(false, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, f.WriteWindowUpdate(0, 1000))
	require.NoError(t, f.WriteRSTStream(5, http2.ErrCodeCancel))
	require.NoError(t, f.WriteGoAway(7, http2.ErrCodeNo, []byte("bye")))
	require.NoError(t, f.WriteData(9, true, []byte("he"), []byte("llo")))

	fr := http2.NewFramer(io.Discard, &buf)

	sf, err := fr.ReadFrame()
	require.NoError(t, err)
	settings := sf.(*http2.SettingsFrame)
	val, ok := settings.Value(http2.SettingMaxFrameSize)
	a.True(ok)
	a.Equal(uint32(16384), val)

	ack, err := fr.ReadFrame()
	require.NoError(t, err)
	a.True(ack.(*http2.SettingsFrame).IsAck())

	ping, err := fr.ReadFrame()
	require.NoError(t, err)
	a.Equal([8]byte{1, 2, 3, 4, 5, 6, 7, 8}, ping.(*http2.PingFrame).Data)

	wu, err := fr.ReadFrame()
	require.NoError(t, err)
	a.Equal(uint32(1000), wu.(*http2.WindowUpdateFrame).Increment)

	rst, err := fr.ReadFrame()
	require.NoError(t, err)
	a.Equal(http2.ErrCodeCancel, rst.(*http2.RSTStreamFrame).ErrCode)

	ga, err := fr.ReadFrame()
	require.NoError(t, err)
	goAway := ga.(*http2.GoAwayFrame)
	a.Equal(uint32(7), goAway.LastStreamID)
	a.Equal([]byte("bye"), goAway.DebugData())

	df, err := fr.ReadFrame()
	require.NoError(t, err)
	data := df.(*http2.DataFrame)
	a.Equal(uint32(9), data.StreamID)
	a.True(data.StreamEnded())
	a.Equal([]byte("hello"), data.Data())
}

func TestReadFramesFromNetHTTP2(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var buf bytes.Buffer
	fr := http2.NewFramer(&buf, nil)
	require.NoError(t, fr.WriteData(3, false, []byte("payload")))
	require.NoError(t, fr.WriteRSTStream(3, http2.ErrCodeProtocol))

	f := New(&buf, io.Discard)

	header, payload, err := f.ReadFrame()
	require.NoError(t, err)
	a.Equal(http2.FrameData, header.Type())
	a.Equal(uint32(3), header.StreamID())
	a.Equal([]byte("payload"), payload)

	header, payload, err = f.ReadFrame()
	require.NoError(t, err)
	a.Equal(http2.FrameRSTStream, header.Type())
	a.Equal([]byte{0, 0, 0, 1}, payload)

	_, _, err = f.ReadFrame()
	a.ErrorIs(err, io.EOF)
}

func TestShortReadMidFrame(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var buf bytes.Buffer
	src := New(&buf, &buf)
	require.NoError(t, src.WriteData(1, false, []byte("0123456789")))

	// обрываем пейлоад на середине
	truncated := bytes.NewBuffer(buf.Bytes()[:12])
	f := New(truncated, io.Discard)
	_, _, err := f.ReadFrame()
	a.ErrorIs(err, io.ErrUnexpectedEOF)

	// обрываем заголовок
	truncated = bytes.NewBuffer(buf.Bytes()[:4])
	f = New(truncated, io.Discard)
	_, _, err = f.ReadFrame()
	a.ErrorIs(err, io.ErrUnexpectedEOF)
}

func TestMaxReadFrameSize(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var buf bytes.Buffer
	src := New(&buf, &buf)
	require.NoError(t, src.WriteData(1, false, make([]byte, 100)))

	f := New(&buf, io.Discard)
	f.SetMaxReadFrameSize(64)
	_, _, err := f.ReadFrame()
	a.ErrorIs(err, ErrFrameTooLarge)
}

func TestWriteHeadersSplitsContinuations(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var buf bytes.Buffer
	f := New(&buf, &buf)
	f.SetMaxWriteFrameSize(16) // заставляем резать блок

	block := make([]byte, 40)
	for i := range block {
		block[i] = byte(i)
	}
	require.NoError(t, f.WriteHeaders(11, true, block))

	fr := http2.NewFramer(io.Discard, &buf)

	first, err := fr.ReadFrame()
	require.NoError(t, err)
	hf := first.(*http2.HeadersFrame)
	a.True(hf.StreamEnded())
	a.False(hf.HeadersEnded())
	a.Len(hf.HeaderBlockFragment(), 16)

	var rest []byte
	rest = append(rest, hf.HeaderBlockFragment()...)
	for {
		frame, err := fr.ReadFrame()
		require.NoError(t, err)
		cf := frame.(*http2.ContinuationFrame)
		rest = append(rest, cf.HeaderBlockFragment()...)
		if cf.HeadersEnded() {
			break
		}
	}
	a.Equal(block, rest)
}

func TestByteCounters(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var buf bytes.Buffer
	f := New(&buf, &buf)
	require.NoError(t, f.WriteData(1, false, []byte("abcd")))
	a.Equal(uint64(9+4), f.BytesWritten())

	_, _, err := f.ReadFrame()
	require.NoError(t, err)
	a.Equal(uint64(9+4), f.BytesRead())
}
