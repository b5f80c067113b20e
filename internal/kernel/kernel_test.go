package kernel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestCompletionDeliveredExactlyOnce(t *testing.T) {
	waiter := NewWaiter()
	proc := NewContainer("proc", RoleProcessor, waiter)
	comp := NewContainer("comp", RoleCompletion, waiter)
	worker := NewWorker("w", waiter, proc, comp)
	defer worker.Stop()

	var calls int32
	r := NewRequest()
	require.NoError(t, r.SetProcessingHandler(func(r *Request) {
		_ = r.Complete(ResultOK)
	}))
	require.NoError(t, r.SetCompletionHandler(comp, func(r *Request) {
		atomic.AddInt32(&calls, 1)
	}))

	proc.Submit(r)
	r.WaitDone(false)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, r.IsDone())
}

func TestRequestAbortedBeforeDispatchNeverDeliversCompletion(t *testing.T) {
	waiter := NewWaiter()
	proc := NewContainer("proc", RoleProcessor, waiter)
	comp := NewContainer("comp", RoleCompletion, waiter)
	worker := NewWorker("w", waiter, proc, comp)
	defer worker.Stop()

	var calls int32
	r := NewRequest()
	require.NoError(t, r.SetProcessingHandler(func(r *Request) {
		time.Sleep(50 * time.Millisecond)
		_ = r.Complete(ResultOK)
	}))
	require.NoError(t, r.SetCompletionHandler(comp, func(r *Request) {
		atomic.AddInt32(&calls, 1)
	}))

	r.Abort()
	r.WaitDone(false)

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assert.Equal(t, StatusAborted, r.Status())
}

func TestContainerDisableDrainsQueue(t *testing.T) {
	waiter := NewWaiter()
	proc := NewContainer("proc", RoleProcessor, waiter)
	comp := NewContainer("comp", RoleCompletion, waiter)
	proc.Enable()
	comp.Enable()

	block := make(chan struct{})
	r1 := NewRequest()
	require.NoError(t, r1.SetProcessingHandler(func(r *Request) {
		<-block
		_ = r.Complete(ResultOK)
	}))
	r2 := NewRequest()
	require.NoError(t, r2.SetProcessingHandler(func(r *Request) {}))

	// r2 is queued but never dequeued by a worker goroutine in this test;
	// Disable must still drain and abort it directly from the queue.
	proc.Submit(r2)
	close(block)

	proc.Disable()
	assert.Equal(t, 0, proc.len())
	assert.True(t, r2.IsDone())
}

func TestSetHandlerRejectedAfterPending(t *testing.T) {
	r := NewRequest()
	require.NoError(t, r.SetProcessingHandler(func(r *Request) {}))
	r.Cancel() // PENDING -> CANCELLATION_PENDING
	err := r.SetCancellationHandler(func(r *Request) {})
	assert.Error(t, err)
}
