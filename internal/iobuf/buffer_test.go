package iobuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceIsZeroCopy(t *testing.T) {
	backing := []byte("hello world")
	b := New(backing)
	s := b.Slice(6, 11)

	assert.Equal(t, "world", string(s.Data()))

	backing[6] = 'W'
	assert.Equal(t, "World", string(s.Data()))
}

func TestConcatProducesOwnedCopy(t *testing.T) {
	a := New([]byte("foo"))
	b := New([]byte("bar"))
	c := a.Concat(b)

	assert.Equal(t, "foobar", string(c.Data()))

	a.Data()[0] = 'x'
	assert.Equal(t, "foobar", string(c.Data()))
}

func TestSliceOutOfRangePanics(t *testing.T) {
	b := New([]byte("abc"))
	assert.Panics(t, func() { b.Slice(1, 5) })
}

func TestEmptyBuffer(t *testing.T) {
	var b Buffer
	assert.True(t, b.IsEmpty())
	assert.Nil(t, b.Data())
}
