// Copyright (c) 2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// startService runs a single service goroutine against the scheduler and
// returns a function that waits for it to exit.
func startService(s *Scheduler) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ServiceQueue()
	}()
	return func() { <-done }
}

// TestSchedulerOrdering schedules a far task followed by a nearer one and
// ensures they execute in deadline order, with the later insertion shortening
// the pending wait.
func TestSchedulerOrdering(t *testing.T) {
	s := New()
	wait := startService(s)
	defer func() {
		s.Stop(false)
		wait()
	}()

	order := make(chan string, 2)
	now := time.Now()
	s.Schedule(func() { order <- "A" }, now.Add(200*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	s.Schedule(func() { order <- "B" }, now.Add(80*time.Millisecond))

	for i, want := range []string{"B", "A"} {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("task %d was %s, want %s", i, got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("task %d never ran", i)
		}
	}
}

// TestSchedulerNoEarlyExecution ensures a task does not run before its
// deadline.
func TestSchedulerNoEarlyExecution(t *testing.T) {
	s := New()
	wait := startService(s)
	defer func() {
		s.Stop(false)
		wait()
	}()

	const delay = 100 * time.Millisecond
	deadline := time.Now().Add(delay)
	ran := make(chan time.Time, 1)
	s.Schedule(func() { ran <- time.Now() }, deadline)

	select {
	case at := <-ran:
		if at.Before(deadline) {
			t.Fatalf("task ran %v before its deadline",
				deadline.Sub(at))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}
}

// TestSchedulerPeriodic ensures a periodic task first fires no earlier than
// one period after scheduling and that the inter-start gap accumulates the
// task's own runtime on top of the period.
func TestSchedulerPeriodic(t *testing.T) {
	s := New()
	wait := startService(s)
	defer func() {
		s.Stop(false)
		wait()
	}()

	const (
		period  = 60 * time.Millisecond
		runtime = 20 * time.Millisecond
		samples = 3
	)

	starts := make(chan time.Time, samples)
	var fired int32
	scheduledAt := time.Now()
	s.ScheduleEvery(func() {
		if n := atomic.AddInt32(&fired, 1); n <= samples {
			starts <- time.Now()
		}
		time.Sleep(runtime)
	}, period)

	var observed []time.Time
	for i := 0; i < samples; i++ {
		select {
		case at := <-starts:
			observed = append(observed, at)
		case <-time.After(5 * time.Second):
			t.Fatalf("periodic task fired only %d time(s)", i)
		}
	}

	if first := observed[0].Sub(scheduledAt); first < period {
		t.Fatalf("first firing after %v, want >= %v", first, period)
	}
	for i := 1; i < len(observed); i++ {
		// Without drift compensation the gap is at least the period
		// plus the handler runtime; generous slack on the timer keeps
		// the check robust on loaded machines.
		gap := observed[i].Sub(observed[i-1])
		if gap < period+runtime/2 {
			t.Fatalf("inter-start gap %v is shorter than the "+
				"period plus runtime", gap)
		}
	}
}

// TestSchedulerStopDrain ensures Stop with drain lets the service loop empty
// the queue before exiting.
func TestSchedulerStopDrain(t *testing.T) {
	s := New()

	var executed int32
	for i := 0; i < 3; i++ {
		s.Schedule(func() { atomic.AddInt32(&executed, 1) }, time.Now())
	}
	s.Stop(true)

	// The service loop returns once the queue is empty.
	done := make(chan struct{})
	go func() {
		s.ServiceQueue()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("service loop did not drain and exit")
	}

	if n := atomic.LoadInt32(&executed); n != 3 {
		t.Fatalf("executed = %d, want 3", n)
	}
}

// TestSchedulerStopImmediate ensures Stop without drain exits the service
// loop without running pending tasks and wakes an idle loop.
func TestSchedulerStopImmediate(t *testing.T) {
	s := New()
	wait := startService(s)

	var executed int32
	s.Schedule(func() { atomic.AddInt32(&executed, 1) },
		time.Now().Add(time.Hour))

	s.Stop(false)
	exited := make(chan struct{})
	go func() {
		wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("service loop did not exit after stop")
	}

	if n := atomic.LoadInt32(&executed); n != 0 {
		t.Fatalf("executed = %d, want 0", n)
	}

	count, _, _ := s.QueueInfo()
	if count != 1 {
		t.Fatalf("queued tasks = %d, want the pending task intact", count)
	}
}

// TestSchedulerTaskSchedulesTask ensures a running task can schedule further
// work without deadlocking the service loop.
func TestSchedulerTaskSchedulesTask(t *testing.T) {
	s := New()
	wait := startService(s)
	defer func() {
		s.Stop(false)
		wait()
	}()

	done := make(chan struct{})
	s.ScheduleFromNow(func() {
		s.ScheduleFromNow(func() { close(done) }, 10*time.Millisecond)
	}, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("chained task never ran")
	}
}

// TestSchedulerMockForward ensures shifting deadlines fires far-future tasks
// promptly.
func TestSchedulerMockForward(t *testing.T) {
	s := New()
	wait := startService(s)
	defer func() {
		s.Stop(false)
		wait()
	}()

	ran := make(chan struct{})
	s.ScheduleFromNow(func() { close(ran) }, time.Hour)

	select {
	case <-ran:
		t.Fatal("task ran well before its deadline")
	case <-time.After(50 * time.Millisecond):
	}

	s.MockForward(2 * time.Hour)
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run after MockForward")
	}
}

// TestSchedulerQueueInfo ensures the advisory snapshot reports the count and
// deadline bounds of the queued tasks.
func TestSchedulerQueueInfo(t *testing.T) {
	s := New()

	count, first, last := s.QueueInfo()
	if count != 0 || !first.IsZero() || !last.IsZero() {
		t.Fatalf("empty snapshot = %d %v %v", count, first, last)
	}

	now := time.Now()
	early := now.Add(time.Minute)
	late := now.Add(time.Hour)
	s.Schedule(func() {}, late)
	s.Schedule(func() {}, early)

	count, first, last = s.QueueInfo()
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if !first.Equal(early) {
		t.Fatalf("first = %v, want %v", first, early)
	}
	if !last.Equal(late) {
		t.Fatalf("last = %v, want %v", last, late)
	}
}

// TestSchedulerPanicUnwinds ensures a panicking task unwinds through the
// service loop while keeping the service goroutine count accurate.
func TestSchedulerPanicUnwinds(t *testing.T) {
	s := New()

	panicked := make(chan interface{}, 1)
	go func() {
		defer func() { panicked <- recover() }()
		s.ServiceQueue()
	}()

	s.Schedule(func() { panic("task failure") }, time.Now())

	select {
	case r := <-panicked:
		if r == nil {
			t.Fatal("service loop exited without the panic")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("panic never propagated")
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.numThreads != 0 {
		t.Fatalf("service thread count = %d after panic, want 0",
			s.numThreads)
	}
}

// TestSchedulerMultipleWorkers ensures a scheduler drained by several service
// goroutines executes every task exactly once.
func TestSchedulerMultipleWorkers(t *testing.T) {
	const numWorkers = 4
	const numTasks = 100

	s := New()
	waits := make([]func(), numWorkers)
	for i := range waits {
		waits[i] = startService(s)
	}

	var executed int32
	var wg sync.WaitGroup
	wg.Add(numTasks)
	for i := 0; i < numTasks; i++ {
		s.ScheduleFromNow(func() {
			atomic.AddInt32(&executed, 1)
			wg.Done()
		}, time.Duration(i%10)*time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("tasks did not complete")
	}

	s.Stop(false)
	for _, wait := range waits {
		wait()
	}

	if n := atomic.LoadInt32(&executed); n != numTasks {
		t.Fatalf("executed = %d, want %d", n, numTasks)
	}
}
