// Package hpackcodec implements the hpack subset the runtime speaks:
// integer coding with configurable prefixes, literal header fields without
// indexing, and static-table lookups. The dynamic table is never used and
// the encoder never Huffman-codes; Huffman-coded literals from interop
// peers are still decoded.
package hpackcodec

import (
	"fmt"

	"golang.org/x/net/http2/hpack"

	"github.com/ozontech/wireline/metadata"
)

// AppendField encodes one header field as "literal without indexing, new
// name" (RFC 7541 §6.2.2): representation octet 0x00, then length-prefixed
// name and value.
func AppendField(dst []byte, name string, value []byte) []byte {
	dst = append(dst, 0x00)
	dst = appendString(dst, name)
	return appendString(dst, string(value))
}

func appendString(dst []byte, s string) []byte {
	// длина строки с 7-битным префиксом, H-бит = 0
	dst, _ = AppendInteger(dst, uint32(len(s)), 7)
	return append(dst, s...)
}

// AppendBlock encodes metadata as a header block, preserving order.
func AppendBlock(dst []byte, md metadata.Metadata) []byte {
	for _, p := range md {
		dst = AppendField(dst, p.Key, p.Value)
	}
	return dst
}

// AppendFieldString is AppendField for string values.
func AppendFieldString(dst []byte, name, value string) []byte {
	dst = append(dst, 0x00)
	dst = appendString(dst, name)
	return appendString(dst, value)
}

// DecodeBlock decodes a complete header block into metadata, preserving
// field order. Indexed fields resolve against the static table only;
// dynamic-table references are malformed by construction, since our
// SETTINGS advertise a zero-size table.
func DecodeBlock(src []byte) (metadata.Metadata, error) {
	md := metadata.New(8)
	for len(src) > 0 {
		n, err := decodeField(src, &md)
		if err != nil {
			return nil, err
		}
		src = src[n:]
	}
	return md, nil
}

func decodeField(src []byte, md *metadata.Metadata) (int, error) {
	b := src[0]
	switch {
	case b&0x80 != 0: // indexed field
		index, n, err := DecodeInteger(src, 7)
		if err != nil {
			return 0, err
		}
		name, value, ok := LookupStatic(index)
		if !ok {
			return 0, fmt.Errorf("%w: index %d beyond static table", ErrMalformed, index)
		}
		md.AddString(name, value)
		return n, nil

	case b&0xc0 == 0x40: // literal with incremental indexing; запись в таблицу не ведем
		return decodeLiteral(src, md, 6)

	case b&0xe0 == 0x20: // dynamic table size update — таблица нулевая, принимаем только 0
		size, n, err := DecodeInteger(src, 5)
		if err != nil {
			return 0, err
		}
		if size != 0 {
			return 0, fmt.Errorf("%w: dynamic table size %d", ErrMalformed, size)
		}
		return n, nil

	default: // 0x00 без индексации, 0x10 never-indexed: оба с 4-битным префиксом
		return decodeLiteral(src, md, 4)
	}
}

func decodeLiteral(src []byte, md *metadata.Metadata, prefixBits uint8) (int, error) {
	index, n, err := DecodeInteger(src, prefixBits)
	if err != nil {
		return 0, err
	}
	pos := n

	var name string
	if index == 0 {
		name, n, err = decodeString(src[pos:])
		if err != nil {
			return 0, err
		}
		pos += n
	} else {
		var ok bool
		name, _, ok = LookupStatic(index)
		if !ok {
			return 0, fmt.Errorf("%w: name index %d beyond static table", ErrMalformed, index)
		}
	}

	value, n, err := decodeString(src[pos:])
	if err != nil {
		return 0, err
	}
	pos += n

	md.Add(name, []byte(value))
	return pos, nil
}

func decodeString(src []byte) (string, int, error) {
	if len(src) == 0 {
		return "", 0, ErrMalformed
	}
	huffman := src[0]&0x80 != 0
	length, n, err := DecodeInteger(src, 7)
	if err != nil {
		return "", 0, err
	}
	end := n + int(length)
	if end > len(src) || end < n {
		return "", 0, fmt.Errorf("%w: declared length %d beyond input", ErrMalformed, length)
	}
	raw := src[n:end]
	if !huffman {
		return string(raw), end, nil
	}
	s, err := hpack.HuffmanDecodeToString(raw)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s, end, nil
}
