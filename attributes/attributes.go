// Package attributes provides an immutable bag of typed key/value pairs
// used to attach balancer- and resolver-private data to subchannels and
// resolved addresses.
package attributes

// Key identifies an attribute. Identity is pointer identity: two Keys are
// the same attribute only if they are the same *Key, regardless of debug
// name. Declare keys as package-level variables.
type Key struct {
	name string
}

// NewKey returns a new, unique attribute key. The name is used only for
// debugging output.
func NewKey(name string) *Key {
	return &Key{name: name}
}

func (k *Key) String() string { return k.name }

// Attributes is an immutable collection of attribute values. The zero
// value of *Attributes (nil) is an empty collection.
type Attributes struct {
	m map[*Key]interface{}
}

// New returns Attributes containing the given alternating key, value
// arguments.
func New(kv ...interface{}) *Attributes {
	if len(kv)%2 != 0 {
		panic("attributes: New got odd number of arguments")
	}
	a := &Attributes{m: make(map[*Key]interface{}, len(kv)/2)}
	for i := 0; i < len(kv); i += 2 {
		a.m[kv[i].(*Key)] = kv[i+1]
	}
	return a
}

// WithValue returns a copy of a with the given key set. The receiver is
// unchanged.
func (a *Attributes) WithValue(k *Key, v interface{}) *Attributes {
	n := &Attributes{m: make(map[*Key]interface{}, a.Len()+1)}
	if a != nil {
		for key, val := range a.m {
			n.m[key] = val
		}
	}
	n.m[k] = v
	return n
}

// Value returns the value for k, or nil if absent.
func (a *Attributes) Value(k *Key) interface{} {
	if a == nil {
		return nil
	}
	return a.m[k]
}

// Len returns the number of attributes present.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.m)
}
