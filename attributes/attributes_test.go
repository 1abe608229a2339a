package attributes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyIdentity(t *testing.T) {
	k1 := NewKey("same-name")
	k2 := NewKey("same-name")
	a := New(k1, "v1")
	assert.Equal(t, "v1", a.Value(k1))
	assert.Nil(t, a.Value(k2), "distinct keys with the same name must not collide")
}

func TestWithValueDoesNotMutate(t *testing.T) {
	k1 := NewKey("k1")
	k2 := NewKey("k2")
	a := New(k1, 1)
	b := a.WithValue(k2, 2)
	assert.Nil(t, a.Value(k2))
	assert.Equal(t, 1, b.Value(k1))
	assert.Equal(t, 2, b.Value(k2))
}

func TestNilAttributes(t *testing.T) {
	var a *Attributes
	assert.Nil(t, a.Value(NewKey("k")))
	assert.Zero(t, a.Len())
}
