// Package config carries runtime tunables, read from the environment with
// the WIRELINE prefix.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "wireline"

type Config struct {
	AcceptWorkers        int           `envconfig:"ACCEPT_WORKERS" default:"4"`
	MaxFrameSize         uint32        `envconfig:"MAX_FRAME_SIZE" default:"16384"`
	InitialWindowSize    uint32        `envconfig:"INITIAL_WINDOW_SIZE" default:"65535"`
	MaxConcurrentStreams uint32        `envconfig:"MAX_CONCURRENT_STREAMS" default:"100"`
	MaxRecvMessageSize   int           `envconfig:"MAX_RECV_MESSAGE_SIZE" default:"0"` // 0 means unbounded
	HandshakeTimeout     time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`
	DialTimeout          time.Duration `envconfig:"DIAL_TIMEOUT" default:"20s"`
}

// Load reads an optional .env file, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load() // отсутствие .env — не ошибка

	var c Config
	if err := envconfig.Process(envPrefix, &c); err != nil {
		return Config{}, fmt.Errorf("process env config: %w", err)
	}
	return c, nil
}

// Default returns the built-in defaults without touching the environment.
func Default() Config {
	return Config{
		AcceptWorkers:        4,
		MaxFrameSize:         16_384,
		InitialWindowSize:    65_535,
		MaxConcurrentStreams: 100,
		HandshakeTimeout:     10 * time.Second,
		DialTimeout:          20 * time.Second,
	}
}
