// Copyright (c) 2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package scheduler provides an in-process delayed-task scheduler: a
// time-ordered set of callbacks drained by one or more service goroutines
// that sleep until the earliest deadline, or until a newly scheduled task
// shortens the wait.  It backs the node's periodic maintenance such as flush
// timers and reconnection backoff.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Task is a callback executed by a scheduler service goroutine once its
// deadline has passed.
type Task func()

// taskEntry pairs a task with its absolute deadline.
type taskEntry struct {
	deadline time.Time
	task     Task
}

// taskQueue is a min-heap of task entries ordered by deadline.  Ordering
// among entries with equal deadlines is unspecified.
type taskQueue []*taskEntry

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	return q[i].deadline.Before(q[j].deadline)
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x interface{}) {
	*q = append(*q, x.(*taskEntry))
}

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return entry
}

// Scheduler maintains the time-ordered task set.  Tasks may be scheduled from
// any goroutine, including from a running task.  All state is guarded by a
// single mutex; waiting goroutines are woken through a broadcast channel that
// is replaced on every notification so timed waits can select on it.
//
// A task scheduled with deadline t is never executed before t and is executed
// at most once.
type Scheduler struct {
	mtx   sync.Mutex
	tasks taskQueue

	// wake is closed and replaced whenever the task set or the stop flags
	// change so waiting service goroutines re-evaluate their deadline.
	wake chan struct{}

	stopRequested bool
	stopWhenEmpty bool
	numThreads    int
}

// New creates an empty scheduler.  At least one goroutine must run
// ServiceQueue for scheduled tasks to execute.
func New() *Scheduler {
	return &Scheduler{
		wake: make(chan struct{}),
	}
}

// notifyLocked wakes every waiting service goroutine.  The scheduler mutex
// must be held.
func (s *Scheduler) notifyLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// shouldStopLocked reports whether service goroutines must exit.  The
// scheduler mutex must be held.
func (s *Scheduler) shouldStopLocked() bool {
	return s.stopRequested || (s.stopWhenEmpty && len(s.tasks) == 0)
}

// Schedule inserts a task to run at or after the given time.  Scheduling
// after Stop(false) is accepted, though the task will never run.  After
// Stop(true) the task still runs while a service goroutine finds the task set
// non-empty.
func (s *Scheduler) Schedule(task Task, t time.Time) {
	s.mtx.Lock()
	heap.Push(&s.tasks, &taskEntry{deadline: t, task: task})
	s.notifyLocked()
	s.mtx.Unlock()
}

// ScheduleFromNow inserts a task to run once the given duration has elapsed.
func (s *Scheduler) ScheduleFromNow(task Task, delta time.Duration) {
	s.Schedule(task, time.Now().Add(delta))
}

// ScheduleEvery runs the task repeatedly with the given period between the
// end of one run and the start of the next.  There is no drift compensation:
// the observed inter-start gap is the period plus the task's own runtime.
func (s *Scheduler) ScheduleEvery(task Task, period time.Duration) {
	var repeat Task
	repeat = func() {
		task()
		s.ScheduleFromNow(repeat, period)
	}
	s.ScheduleFromNow(repeat, period)
}

// Stop terminates the service loops.  With drain set they exit once the task
// set empties; otherwise they exit as soon as any currently running task
// returns.  Neither form interrupts a task in progress.  All waiting service
// goroutines are woken in both cases.
func (s *Scheduler) Stop(drain bool) {
	s.mtx.Lock()
	if drain {
		s.stopWhenEmpty = true
	} else {
		s.stopRequested = true
	}
	s.notifyLocked()
	s.mtx.Unlock()
}

// QueueInfo returns an advisory snapshot of the task set: the number of
// queued tasks along with the earliest and latest deadlines.  The times are
// zero when the set is empty.
func (s *Scheduler) QueueInfo() (int, time.Time, time.Time) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	count := len(s.tasks)
	if count == 0 {
		return 0, time.Time{}, time.Time{}
	}
	first := s.tasks[0].deadline
	last := first
	for _, entry := range s.tasks[1:] {
		if entry.deadline.After(last) {
			last = entry.deadline
		}
	}
	return count, first, last
}

// MockForward shifts every queued deadline the given duration earlier and
// wakes the service goroutines, letting tests fire pending tasks without
// sleeping through their delays.
func (s *Scheduler) MockForward(delta time.Duration) {
	s.mtx.Lock()
	for _, entry := range s.tasks {
		entry.deadline = entry.deadline.Add(-delta)
	}
	heap.Init(&s.tasks)
	s.notifyLocked()
	s.mtx.Unlock()
}

// ServiceQueue drains the task set until Stop is observed, executing each due
// task on the calling goroutine.  Multiple goroutines may service the same
// scheduler concurrently.
//
// The deadline wait is re-evaluated on every wake-up since a later insertion
// may carry an earlier deadline and another service goroutine may have
// consumed the front entry.  The mutex is released across task execution so
// tasks are free to schedule more work without deadlocking.
//
// A panic escaping a task decrements the service goroutine count and then
// propagates to the caller.
func (s *Scheduler) ServiceQueue() {
	s.mtx.Lock()
	s.numThreads++
	s.mtx.Unlock()

	log.Tracef("Scheduler service goroutine starting")
	defer func() {
		s.mtx.Lock()
		s.numThreads--
		s.mtx.Unlock()
		log.Tracef("Scheduler service goroutine exiting")
	}()

	for {
		s.mtx.Lock()
		if s.shouldStopLocked() {
			s.mtx.Unlock()
			return
		}

		if len(s.tasks) == 0 {
			wake := s.wake
			s.mtx.Unlock()
			<-wake
			continue
		}

		now := time.Now()
		next := s.tasks[0].deadline
		if now.Before(next) {
			wake := s.wake
			s.mtx.Unlock()

			timer := time.NewTimer(next.Sub(now))
			select {
			case <-timer.C:
			case <-wake:
				timer.Stop()
			}
			continue
		}

		entry := heap.Pop(&s.tasks).(*taskEntry)
		s.mtx.Unlock()

		entry.task()
	}
}
