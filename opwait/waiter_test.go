package opwait

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensyn-robotics/vsm-go/internal/kernel"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

func TestWaitBlocksUntilRequestDone(t *testing.T) {
	wh := timer.NewWheel()
	defer wh.Close()

	waiter := kernel.NewWaiter()
	proc := kernel.NewContainer("proc", kernel.RoleProcessor, waiter)
	comp := kernel.NewContainer("comp", kernel.RoleCompletion, waiter)
	worker := kernel.NewWorker("w", waiter, proc, comp)
	defer worker.Stop()

	req := kernel.NewRequest()
	require.NoError(t, req.SetProcessingHandler(func(r *kernel.Request) {
		time.Sleep(10 * time.Millisecond)
		_ = r.Complete(kernel.ResultOK)
	}))
	require.NoError(t, req.SetCompletionHandler(comp, func(r *kernel.Request) {}))

	w := New(req, wh)
	proc.Submit(req)
	w.Wait(false, 0)

	assert.True(t, w.IsDone())
	assert.Equal(t, kernel.ResultOK, w.Result())
}

func TestTimeoutFiresAndCancelsRequest(t *testing.T) {
	wh := timer.NewWheel()
	defer wh.Close()

	waiter := kernel.NewWaiter()
	proc := kernel.NewContainer("proc", kernel.RoleProcessor, waiter)
	comp := kernel.NewContainer("comp", kernel.RoleCompletion, waiter)
	worker := kernel.NewWorker("w", waiter, proc, comp)
	defer worker.Stop()

	block := make(chan struct{})
	req := kernel.NewRequest()
	require.NoError(t, req.SetProcessingHandler(func(r *kernel.Request) {
		<-block
		_ = r.Complete(kernel.ResultOK)
	}))
	var cancelCalls int32
	require.NoError(t, req.SetCancellationHandler(func(r *kernel.Request) {
		atomic.AddInt32(&cancelCalls, 1)
		close(block)
	}))
	require.NoError(t, req.SetCompletionHandler(comp, func(r *kernel.Request) {}))

	w := New(req, wh)
	var fired int32
	w.Timeout(20*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	}, true, nil)

	proc.Submit(req)
	w.Wait(false, time.Second)

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	assert.Equal(t, int32(1), atomic.LoadInt32(&cancelCalls))
}

func TestTimeoutCancelledWhenRequestCompletesFirst(t *testing.T) {
	wh := timer.NewWheel()
	defer wh.Close()

	waiter := kernel.NewWaiter()
	proc := kernel.NewContainer("proc", kernel.RoleProcessor, waiter)
	comp := kernel.NewContainer("comp", kernel.RoleCompletion, waiter)
	worker := kernel.NewWorker("w", waiter, proc, comp)
	defer worker.Stop()

	req := kernel.NewRequest()
	require.NoError(t, req.SetProcessingHandler(func(r *kernel.Request) {
		_ = r.Complete(kernel.ResultOK)
	}))
	require.NoError(t, req.SetCompletionHandler(comp, func(r *kernel.Request) {}))

	w := New(req, wh)
	var fired int32
	w.Timeout(200*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	}, true, nil)

	proc.Submit(req)
	w.Wait(false, time.Second)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}
