package consts

import "time"

const (
	// InitialWindowSize — стартовое окно flow control соединения и каждого
	// стрима (RFC 7540 §6.9.2). SETTINGS_INITIAL_WINDOW_SIZE окно соединения
	// не меняет.
	InitialWindowSize = 65_535
	// MaxWindowSize — окно не может превышать 2^31-1, инкремент сверх лимита
	// является protocol error.
	MaxWindowSize = 1<<31 - 1

	DefaultMaxFrameSize = 16_384 // максимальная длина пейлоада фрейма в grpc. У http2 ограничение больше.
	MinMaxFrameSize     = 16_384
	MaxMaxFrameSize     = 1<<24 - 1

	DefaultMaxConcurrentStreams = 100
	// HeaderTableSize — анонсируем нулевую динамическую таблицу hpack,
	// чтобы пир не слал индексы, которые мы не храним.
	HeaderTableSize = 0

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDialTimeout      = 20 * time.Second
	DefaultAcceptWorkers    = 4

	MessagePrefixLen = 5 // [compressed:u8][length:u32 big-endian]
)
