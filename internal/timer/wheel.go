// Package timer implements the single-thread timer wheel that backs
// operation timeouts and periodic handlers throughout the VSM runtime.
// The wheel is a map from fire-tick (milliseconds, monotonic) to a Timer;
// multiple timers sharing a tick form an attached chain so the map key
// stays unique.
package timer

import (
	"sort"
	"sync"
	"time"

	"github.com/sensyn-robotics/vsm-go/internal/kernel"
)

// Callback returns true to re-arm the timer for another interval, false
// to let it stop.
type Callback func() bool

// Timer is a single entry in the wheel.
type Timer struct {
	mu       sync.Mutex
	interval time.Duration
	fireTime time.Time
	callback Callback
	running  bool
	req      *kernel.Request

	next *Timer // attached-list chain sharing the same tick
}

// IsRunning reports whether the timer is still armed.
func (t *Timer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Wheel is the tick -> Timer tree plus the dedicated processing loop that
// drives it, built on top of a kernel.Worker so firing a timer is just
// submitting a one-shot Request.
type Wheel struct {
	mu    sync.Mutex
	tree  map[int64]*Timer
	start time.Time

	waiter *kernel.Waiter
	proc   *kernel.Container
	comp   *kernel.Container
	worker *kernel.Worker

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewWheel creates and starts a timer wheel.
func NewWheel() *Wheel {
	waiter := kernel.NewWaiter()
	proc := kernel.NewContainer("timer-proc", kernel.RoleProcessor, waiter)
	comp := kernel.NewContainer("timer-comp", kernel.RoleCompletion, waiter)
	worker := kernel.NewWorker("timer", waiter, proc, comp)

	w := &Wheel{
		tree:   make(map[int64]*Timer),
		start:  time.Now(),
		waiter: waiter,
		proc:   proc,
		comp:   comp,
		worker: worker,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Close stops the wheel's dispatch loop and underlying worker.
func (w *Wheel) Close() {
	close(w.stop)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	w.wg.Wait()
	w.worker.Stop()
}

func (w *Wheel) tick(t time.Time) int64 {
	return t.Sub(w.start).Milliseconds()
}

// Schedule arms a new periodic timer: it first fires after `interval`,
// and re-fires every `interval` thereafter for as long as cb returns
// true.
func (w *Wheel) Schedule(interval time.Duration, cb Callback) *Timer {
	t := &Timer{interval: interval, fireTime: time.Now().Add(interval), callback: cb, running: true}
	w.insert(t)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return t
}

func (w *Wheel) insert(t *Timer) {
	key := w.tick(t.fireTime)
	w.mu.Lock()
	defer w.mu.Unlock()
	if head, ok := w.tree[key]; ok {
		t.next = head
	}
	w.tree[key] = t
}

// Cancel stops t. Per the invariant, the user callback will not be
// invoked again once Cancel returns, even if a fire was in flight --
// clearing `running` under the timer's own mutex and aborting its
// outstanding request makes the race safe.
func (w *Wheel) Cancel(t *Timer) {
	t.mu.Lock()
	t.running = false
	req := t.req
	t.req = nil
	t.mu.Unlock()

	if req != nil {
		req.Abort()
	}

	key := w.tick(t.fireTime)
	w.mu.Lock()
	head, ok := w.tree[key]
	if ok {
		if head == t {
			if t.next != nil {
				w.tree[key] = t.next
			} else {
				delete(w.tree, key)
			}
		} else {
			prev := head
			for prev.next != nil && prev.next != t {
				prev = prev.next
			}
			if prev.next == t {
				prev.next = t.next
			}
		}
	}
	w.mu.Unlock()
}

// loop is the wheel's single dedicated goroutine: sleep until the
// earliest tick, pop and fire everything due, repeat.
func (w *Wheel) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		delay, due := w.nextDelay()
		if len(due) == 0 {
			select {
			case <-w.stop:
				return
			case <-w.wake:
				continue
			case <-time.After(delay):
				continue
			}
		}

		for _, t := range due {
			w.fire(t)
		}
	}
}

// nextDelay returns how long until the smallest tick, and pops+returns
// every timer chain whose tick is already due.
func (w *Wheel) nextDelay() (time.Duration, []*Timer) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.tree) == 0 {
		return 50 * time.Millisecond, nil
	}

	keys := make([]int64, 0, len(w.tree))
	for k := range w.tree {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	now := w.tick(time.Now())
	var due []*Timer
	for _, k := range keys {
		if k > now {
			break
		}
		chain := w.tree[k]
		delete(w.tree, k)
		for c := chain; c != nil; {
			next := c.next
			c.next = nil
			due = append(due, c)
			c = next
		}
	}
	if len(due) > 0 {
		return 0, due
	}

	delayMs := keys[0] - now
	if delayMs < 0 {
		delayMs = 0
	}
	return time.Duration(delayMs) * time.Millisecond, nil
}

// fire submits a one-shot kernel.Request whose processing phase re-
// inserts the timer (if still running) and whose completion phase
// invokes the user callback.
func (w *Wheel) fire(t *Timer) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	req := kernel.NewRequest()
	t.mu.Lock()
	t.req = req
	t.mu.Unlock()

	_ = req.SetProcessingHandler(func(r *kernel.Request) {
		_ = r.Complete(kernel.ResultOK)
	})
	_ = req.SetCompletionHandler(w.comp, func(r *kernel.Request) {
		t.mu.Lock()
		if !t.running {
			t.mu.Unlock()
			return
		}
		cb := t.callback
		t.mu.Unlock()

		rearm := cb != nil && cb()

		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.running {
			return
		}
		if !rearm {
			t.running = false
			return
		}
		now := time.Now()
		next := t.fireTime.Add(t.interval)
		if next.Before(now) {
			next = now.Add(t.interval)
		}
		t.fireTime = next
		t.req = nil
		w.insert(t)
	})

	w.proc.Submit(req)
}
