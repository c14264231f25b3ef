package js

import (
	"errors"
	"sync"
)

// Poller is driven by the EventLoop after every batch of jobs, it
// reports pending work which keeps the loop running.
type Poller interface {
	PollProgress() error
	Pending() bool
}

// EventLoop implements an eventloop.
type EventLoop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func() error // queue to store the job to be executed
	cleanup []func()       // jobs of Cleanup
	enqueue uint           // count of pending EnqueueJob
	gen     uint           // incremented by Stop, outdated Enqueue are dropped
	poller  Poller
	wakeup  bool
	stopped bool
}

// NewEventLoop create a new EventLoop instance
func NewEventLoop() *EventLoop {
	e := new(EventLoop)
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SetPoller sets the Poller of the loop.
func (e *EventLoop) SetPoller(p Poller) {
	e.mu.Lock()
	e.poller = p
	e.mu.Unlock()
}

// Start the event loop and execute the provided task.
// It returns when there is no queued job, no pending EnqueueJob
// and the Poller has no pending work, or the loop is stopped.
// Errors of the task and the jobs are joined.
func (e *EventLoop) Start(task func() error) error {
	e.mu.Lock()
	e.stopped = false
	e.queue = append(e.queue, task)
	e.mu.Unlock()

	var errs []error
	defer e.runCleanup()

	for {
		e.mu.Lock()
		if e.stopped {
			e.queue = nil
			e.mu.Unlock()
			break
		}

		if len(e.queue) > 0 {
			queue := e.queue
			e.queue = make([]func() error, 0, len(queue))
			e.mu.Unlock()

			for _, job := range queue {
				if err := job(); err != nil {
					errs = append(errs, err)
				}
			}
			if err := e.poll(); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		if e.wakeup {
			e.wakeup = false
			e.mu.Unlock()
			if err := e.poll(); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		if e.enqueue > 0 || (e.poller != nil && e.poller.Pending()) {
			e.cond.Wait()
			e.mu.Unlock()
			continue
		}

		e.mu.Unlock()
		break
	}

	return errors.Join(errs...)
}

func (e *EventLoop) poll() error {
	e.mu.Lock()
	poller := e.poller
	e.mu.Unlock()
	if poller == nil {
		return nil
	}
	return poller.PollProgress()
}

// Wake the loop to drive the Poller, safe to call from any goroutine.
func (e *EventLoop) Wake() {
	e.mu.Lock()
	e.wakeup = true
	e.cond.Signal()
	e.mu.Unlock()
}

// Enqueue add a job to the job queue.
type Enqueue func(func() error)

// EnqueueJob return a function Enqueue to add a job to the job queue.
// The loop keeps running until the returned Enqueue was called, it
// must be called exactly once.
func (e *EventLoop) EnqueueJob() Enqueue {
	e.mu.Lock()
	called := false
	gen := e.gen
	e.enqueue++
	e.mu.Unlock()
	return func(job func() error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if called {
			panic("Enqueue already called")
		}
		called = true
		if gen != e.gen {
			return
		}
		e.enqueue--
		if !e.stopped {
			e.queue = append(e.queue, job)
		}
		e.cond.Signal()
	}
}

// Cleanup add a function to execute when the loop finished.
func (e *EventLoop) Cleanup(job ...func()) {
	e.mu.Lock()
	e.cleanup = append(e.cleanup, job...)
	e.mu.Unlock()
}

// Stop the loop, the pending jobs are dropped and the cleanup jobs executed.
// Enqueue returned before Stop never add a job.
func (e *EventLoop) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.gen++
	e.enqueue = 0
	e.queue = nil
	e.cond.Broadcast()
	e.mu.Unlock()
	e.runCleanup()
}

func (e *EventLoop) runCleanup() {
	e.mu.Lock()
	cleanup := e.cleanup
	e.cleanup = nil
	e.mu.Unlock()
	for _, job := range cleanup {
		job()
	}
}
