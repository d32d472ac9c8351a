// Copyright (c) 2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scheduler

import (
	"sync"
	"time"
)

// SerialRunner is a queue client layered on a scheduler that guarantees the
// callbacks added to it execute one at a time, in insertion order, even when
// the scheduler is serviced by multiple goroutines.  Subsystems that require
// their notifications serialized share one runner instead of one scheduler.
type SerialRunner struct {
	sched *Scheduler

	mtx       sync.Mutex
	cond      *sync.Cond
	callbacks []func()

	// running is set only while a callback is actually executing.  A
	// processQueue task that fires while it is set, or after the queue has
	// been drained elsewhere, is a no-op, so spuriously scheduled tasks
	// are harmless.
	running bool
}

// NewSerialRunner creates a serial runner on top of the given scheduler.
func NewSerialRunner(sched *Scheduler) *SerialRunner {
	r := &SerialRunner{sched: sched}
	r.cond = sync.NewCond(&r.mtx)
	return r
}

// Add appends a callback to the runner's queue.  It returns immediately; the
// callback runs on a scheduler service goroutine once all previously added
// callbacks have finished.
func (r *SerialRunner) Add(callback func()) {
	r.mtx.Lock()
	r.callbacks = append(r.callbacks, callback)
	r.maybeScheduleLocked()
	r.mtx.Unlock()
}

// Pending returns the number of callbacks that have not started executing.
func (r *SerialRunner) Pending() int {
	r.mtx.Lock()
	pending := len(r.callbacks)
	r.mtx.Unlock()
	return pending
}

// maybeScheduleLocked schedules a processQueue task when there is work to run
// and no callback currently executing.  The runner mutex must be held.
func (r *SerialRunner) maybeScheduleLocked() {
	if r.running || len(r.callbacks) == 0 {
		return
	}
	r.sched.Schedule(r.processQueue, time.Now())
}

// processQueue runs exactly one queued callback and then reschedules itself
// while more remain.  Running one callback per scheduler task keeps the
// runner from monopolizing a service goroutine.
func (r *SerialRunner) processQueue() {
	r.mtx.Lock()
	if r.running || len(r.callbacks) == 0 {
		r.mtx.Unlock()
		return
	}
	r.running = true
	callback := r.callbacks[0]
	r.callbacks[0] = nil
	r.callbacks = r.callbacks[1:]
	r.mtx.Unlock()

	// The running flag is cleared even when the callback panics so the
	// queue cannot wedge.
	defer func() {
		r.mtx.Lock()
		r.running = false
		r.maybeScheduleLocked()
		r.cond.Broadcast()
		r.mtx.Unlock()
	}()

	callback()
}

// Drain runs every pending callback on the calling goroutine, waiting out any
// callback currently executing on the scheduler.  It also covers the case of
// a stopped scheduler with callbacks still queued.  It must not be called
// from a callback.
func (r *SerialRunner) Drain() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for {
		if r.running {
			r.cond.Wait()
			continue
		}
		if len(r.callbacks) == 0 {
			return
		}

		callback := r.callbacks[0]
		r.callbacks[0] = nil
		r.callbacks = r.callbacks[1:]
		r.running = true
		r.mtx.Unlock()

		callback()

		r.mtx.Lock()
		r.running = false
		r.cond.Broadcast()
	}
}
