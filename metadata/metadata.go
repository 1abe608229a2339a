// Package metadata implements the ordered key/value metadata that
// accompanies RPC headers and trailers.
//
// Keys are ASCII and compared case-insensitively. A key ending in the
// reserved "-bin" suffix holds an opaque binary value; all other values
// must be printable ASCII to be transmitted (see the transport codec).
package metadata

import "strings"

// BinarySuffix is the reserved key suffix marking binary-valued entries.
const BinarySuffix = "-bin"

// IsBinaryKey reports whether the key names a binary-valued entry.
func IsBinaryKey(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), BinarySuffix)
}

// Pair is a single metadata entry. Values are raw bytes; for non-binary
// keys they are conventionally ASCII text.
type Pair struct {
	Key   string
	Value []byte
}

// MD is an ordered sequence of metadata pairs. Unlike a map, it preserves
// insertion order and permits repeated keys, which the wire format
// requires. The zero value is an empty MD ready for use.
type MD struct {
	pairs []Pair
}

// Pairs builds an MD from alternating key, value strings. It panics if
// given an odd number of arguments.
func Pairs(kv ...string) *MD {
	if len(kv)%2 != 0 {
		panic("metadata: Pairs got odd number of arguments")
	}
	md := &MD{pairs: make([]Pair, 0, len(kv)/2)}
	for i := 0; i < len(kv); i += 2 {
		md.Append(kv[i], []byte(kv[i+1]))
	}
	return md
}

// Append adds an entry at the end, preserving the order of earlier entries.
func (md *MD) Append(key string, value []byte) {
	md.pairs = append(md.pairs, Pair{Key: key, Value: value})
}

// Get returns the first value for key, comparing keys case-insensitively.
func (md *MD) Get(key string) ([]byte, bool) {
	for _, p := range md.pairs {
		if strings.EqualFold(p.Key, key) {
			return p.Value, true
		}
	}
	return nil, false
}

// GetAll returns every value for key in order.
func (md *MD) GetAll(key string) [][]byte {
	var vs [][]byte
	for _, p := range md.pairs {
		if strings.EqualFold(p.Key, key) {
			vs = append(vs, p.Value)
		}
	}
	return vs
}

// Len returns the number of entries.
func (md *MD) Len() int {
	if md == nil {
		return 0
	}
	return len(md.pairs)
}

// All returns the entries in order. The returned slice is shared with md
// and must not be modified.
func (md *MD) All() []Pair {
	if md == nil {
		return nil
	}
	return md.pairs
}

// Copy returns a deep copy of md.
func (md *MD) Copy() *MD {
	if md == nil {
		return nil
	}
	out := &MD{pairs: make([]Pair, len(md.pairs))}
	for i, p := range md.pairs {
		v := make([]byte, len(p.Value))
		copy(v, p.Value)
		out.pairs[i] = Pair{Key: p.Key, Value: v}
	}
	return out
}

// Equal reports whether md and other hold the same entries in the same
// order, comparing keys case-insensitively and values byte-for-byte.
func (md *MD) Equal(other *MD) bool {
	if md.Len() != other.Len() {
		return false
	}
	for i, p := range md.All() {
		q := other.All()[i]
		if !strings.EqualFold(p.Key, q.Key) || string(p.Value) != string(q.Value) {
			return false
		}
	}
	return true
}
