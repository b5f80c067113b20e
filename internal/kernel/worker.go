package kernel

import (
	"sync"
	"time"
)

// Worker is a Container plus a dedicated goroutine running a processing
// loop until the container is disabled. It can host multiple containers
// sharing one Waiter, mirroring the queue runner's single pinned
// goroutine per ublk queue, generalized from a fixed ring to an
// arbitrary request source.
type Worker struct {
	name       string
	waiter     *Waiter
	containers []*Container

	wg      sync.WaitGroup
	stopped chan struct{}
}

// NewWorker creates a Worker hosting the given containers (all of which
// must share the same Waiter) and starts its processing goroutine.
func NewWorker(name string, waiter *Waiter, containers ...*Container) *Worker {
	w := &Worker{name: name, waiter: waiter, containers: containers, stopped: make(chan struct{})}
	for _, c := range containers {
		c.Enable()
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopped:
			return
		default:
		}
		w.waiter.WaitAndProcess(200*time.Millisecond, 64, func() bool {
			select {
			case <-w.stopped:
				return true
			default:
				return false
			}
		})
	}
}

// Stop disables every hosted container (draining and aborting queued
// requests) and waits for the processing goroutine to exit.
func (w *Worker) Stop() {
	close(w.stopped)
	w.waiter.notify()
	for _, c := range w.containers {
		c.Disable()
	}
	w.wg.Wait()
}

// Name returns the worker's diagnostic name.
func (w *Worker) Name() string { return w.name }
