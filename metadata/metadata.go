// Package metadata holds call metadata as an ordered list of key/value
// pairs. Values are opaque byte sequences: binary metadata is permitted and
// insertion order is preserved on the wire.
package metadata

type Pair struct {
	Key   string
	Value []byte
}

type Metadata []Pair

// New returns metadata with room for n pairs.
func New(n int) Metadata { return make(Metadata, 0, n) }

func (md *Metadata) Add(key string, value []byte) {
	*md = append(*md, Pair{Key: key, Value: value})
}

func (md *Metadata) AddString(key, value string) {
	*md = append(*md, Pair{Key: key, Value: []byte(value)})
}

// Get returns the value of the first pair with the given key.
func (md Metadata) Get(key string) ([]byte, bool) {
	for _, p := range md {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

func (md Metadata) GetString(key string) (string, bool) {
	v, ok := md.Get(key)
	return string(v), ok
}

func (md Metadata) Len() int { return len(md) }

// Copy deep-copies pairs: значения не шарятся с буфером декодера.
func (md Metadata) Copy() Metadata {
	if md == nil {
		return nil
	}
	out := make(Metadata, len(md))
	for i, p := range md {
		v := make([]byte, len(p.Value))
		copy(v, p.Value)
		out[i] = Pair{Key: p.Key, Value: v}
	}
	return out
}

// ValidKey reports whether the key is legal on the wire: non-empty ascii,
// upper-case forbidden (header field names are lower-cased in http2).
func ValidKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c < 0x21 || c > 0x7e || (c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}
