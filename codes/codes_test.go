package codes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	assert.Equal(t, "OK", OK.String())
	assert.Equal(t, "CANCELLED", Canceled.String())
	assert.Equal(t, "UNAUTHENTICATED", Unauthenticated.String())
	assert.Equal(t, "CODE(99)", Code(99).String())
}

func TestValid(t *testing.T) {
	for c := OK; c <= Unauthenticated; c++ {
		assert.True(t, c.Valid(), "code %d", c)
	}
	assert.False(t, Code(17).Valid())
	assert.False(t, Code(255).Valid())
}
