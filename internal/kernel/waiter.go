package kernel

import (
	"sync"
	"time"
)

// Waiter is the condvar-backed wake/notify primitive shared by one or
// more Containers. It wakes on any submission to those containers, or on
// an explicit Notify, runs a caller predicate, and drains queued
// requests up to a per-round limit.
type Waiter struct {
	mu   sync.Mutex
	cond *sync.Cond

	containers []*Container
	generation uint64
}

// NewWaiter creates an empty Waiter.
func NewWaiter() *Waiter {
	w := &Waiter{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *Waiter) addContainer(c *Container) {
	w.mu.Lock()
	w.containers = append(w.containers, c)
	w.mu.Unlock()
}

// notify wakes any goroutine blocked in WaitAndProcess.
func (w *Waiter) notify() {
	w.mu.Lock()
	w.generation++
	w.mu.Unlock()
	w.cond.Broadcast()
}

// totalPending sums queued requests across the waiter's containers and
// reports whether any container is mid-Disable.
func (w *Waiter) totalPending() (int, bool) {
	n := 0
	disabling := false
	for _, c := range w.containers {
		n += c.len()
		c.mu.Lock()
		if c.disabling {
			disabling = true
		}
		c.mu.Unlock()
	}
	return n, disabling
}

// WaitAndProcess is the core scheduling loop for a single-threaded
// cooperative worker: it runs predicate, and while predicate is false
// and there is work (or a container is disabling), pops and processes
// up to limit requests per inner round, releasing the waiter lock across
// handler invocations. With no work it sleeps on the condvar until
// notified or timeout elapses. Spurious wakeups are tolerated by the
// predicate-driven outer loop. limit <= 0 means unbounded.
func (w *Waiter) WaitAndProcess(timeout time.Duration, limit int, predicate func() bool) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if predicate != nil && predicate() {
			return
		}

		pending, disabling := w.totalPending()
		if pending == 0 && !disabling {
			if !w.sleep(deadline) {
				return
			}
			continue
		}

		processed := 0
		for _, c := range w.containers {
			if limit > 0 && processed >= limit {
				break
			}
			take := limit - processed
			if limit <= 0 {
				take = 0 // popUpTo treats <=0 as "all"
			}
			reqs := c.popUpTo(take)
			for _, r := range reqs {
				c.drainOne(r)
				processed++
				if limit > 0 && processed >= limit {
					break
				}
			}
		}
	}
}

// sleep blocks on the condvar until notified or the deadline passes.
// Returns false if the deadline passed without an intervening wakeup.
func (w *Waiter) sleep(deadline time.Time) bool {
	w.mu.Lock()
	startGen := w.generation
	w.mu.Unlock()

	if deadline.IsZero() {
		w.mu.Lock()
		for w.generation == startGen {
			w.cond.Wait()
		}
		w.mu.Unlock()
		return true
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	timedOut := false
	timer := time.AfterFunc(remaining, func() {
		w.mu.Lock()
		timedOut = true
		w.mu.Unlock()
		w.cond.Broadcast()
	})
	defer timer.Stop()

	w.mu.Lock()
	for w.generation == startGen && !timedOut {
		w.cond.Wait()
	}
	woke := w.generation != startGen
	w.mu.Unlock()
	return woke
}
