package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c := Default()
	a.Equal(4, c.AcceptWorkers)
	a.Equal(uint32(16_384), c.MaxFrameSize)
	a.Equal(uint32(65_535), c.InitialWindowSize)
	a.Equal(uint32(100), c.MaxConcurrentStreams)
	a.Equal(10*time.Second, c.HandshakeTimeout)
}

func TestLoadFromEnv(t *testing.T) { //nolint:paralleltest // мутирует окружение
	t.Setenv("WIRELINE_ACCEPT_WORKERS", "8")
	t.Setenv("WIRELINE_MAX_FRAME_SIZE", "32768")
	t.Setenv("WIRELINE_HANDSHAKE_TIMEOUT", "3s")

	c, err := Load()
	require.NoError(t, err)

	a := assert.New(t)
	a.Equal(8, c.AcceptWorkers)
	a.Equal(uint32(32_768), c.MaxFrameSize)
	a.Equal(3*time.Second, c.HandshakeTimeout)
	// незатронутые поля остаются дефолтными
	a.Equal(uint32(100), c.MaxConcurrentStreams)
}

func TestLoadRejectsGarbage(t *testing.T) { //nolint:paralleltest // мутирует окружение
	t.Setenv("WIRELINE_ACCEPT_WORKERS", "not a number")

	_, err := Load()
	assert.Error(t, err)
}
