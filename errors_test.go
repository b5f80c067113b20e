package vsm

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := New("stream", "Read", KindClosedStream, "stream is closed")
	assert.Equal(t, "vsm: stream.Read: stream is closed", err.Error())

	bare := New("", "Cancel_timer", KindInvalidOp, "")
	assert.Equal(t, "vsm: Cancel_timer: invalid_op", bare.Error())
}

func TestErrorIsMatchesByKind(t *testing.T) {
	a := New("ucs", "Handshake", KindInvalidState, "bad version")
	b := New("mavlink", "Decode", KindInvalidState, "short frame")
	c := New("ucs", "Handshake", KindParse, "bad version")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
	assert.True(t, Is(a, KindInvalidState))
	assert.False(t, Is(a, KindParse))
}

func TestWrapMapsErrno(t *testing.T) {
	wrapped := Wrap("stream", "Open", syscall.ENOENT)
	assert.Equal(t, KindNotFound, wrapped.Kind)
	assert.Equal(t, syscall.ENOENT, wrapped.Errno)

	wrapped = Wrap("stream", "Lock", syscall.EBUSY)
	assert.Equal(t, KindAlreadyOpened, wrapped.Kind)
}

func TestWrapPreservesInnerVSMError(t *testing.T) {
	inner := New("kernel", "Submit", KindInvalidOp, "not pending")
	wrapped := Wrap("timer", "Schedule", inner)
	assert.Equal(t, KindInvalidOp, wrapped.Kind)
	assert.Equal(t, "timer", wrapped.Component)
}

func TestIOResultString(t *testing.T) {
	assert.Equal(t, "OK", ResultOK.String())
	assert.Equal(t, "CANCELED", ResultCanceled.String())
	assert.Equal(t, "OTHER_FAILURE", IOResult(999).String())
}
