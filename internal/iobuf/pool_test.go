package iobuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetScratchReturnsExactRequestedLength(t *testing.T) {
	for _, size := range []int{1, 100, size4k, size4k + 1, size16k, size64k, size256k, size256k + 1} {
		buf := GetScratch(size)
		assert.Len(t, buf, size)
	}
}

func TestPutScratchRoundTripsThroughPool(t *testing.T) {
	buf := GetScratch(size4k)
	for i := range buf {
		buf[i] = 0xAA
	}
	PutScratch(buf)

	reused := GetScratch(size4k)
	assert.Len(t, reused, size4k)
}

func TestPutScratchDropsOddSizedBuffer(t *testing.T) {
	// A slice whose capacity doesn't match any bucket (e.g. grown by the
	// caller) is simply dropped rather than corrupting a pool's bucket.
	buf := make([]byte, 123)
	PutScratch(buf) // must not panic
}
