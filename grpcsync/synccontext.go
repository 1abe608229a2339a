// Package grpcsync provides the synchronization context: a serial executor
// that linearizes state mutations for the balancer and the transport
// multiplexer without a dedicated thread.
package grpcsync

import (
	"bytes"
	"container/list"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"go.uber.org/atomic"
)

// Timer schedules f to run after d on some goroutine and returns a stop
// function reporting whether the run was prevented. The default uses
// time.AfterFunc; tests inject a fake.
type Timer func(d time.Duration, f func()) (stop func() bool)

func defaultTimer(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}

// SynchronizationContext runs submitted tasks one at a time, in submission
// order. A task submitted from within a running task is deferred until the
// current task returns; submission never recurses. Any goroutine may
// submit; whichever submitter finds the context idle drains the queue.
//
// A panic inside a task is contained: it is reported through the logger
// and the next task still runs.
type SynchronizationContext struct {
	logger log.Logger
	timer  Timer

	// drainerID is the id of the goroutine currently running tasks,
	// or zero when idle. Only consulted by AssertInContext.
	drainerID atomic.Int64

	mu       sync.Mutex
	queue    list.List
	draining bool
}

// New returns a SynchronizationContext reporting task panics to logger.
func New(logger log.Logger) *SynchronizationContext {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &SynchronizationContext{logger: logger, timer: defaultTimer}
}

// SetTimer replaces the timer source. Must be called before any Schedule.
func (sc *SynchronizationContext) SetTimer(t Timer) { sc.timer = t }

// ExecuteLater enqueues task without draining. Use from within a running
// task when the caller will drain, or to batch submissions.
func (sc *SynchronizationContext) ExecuteLater(task func()) {
	sc.mu.Lock()
	sc.queue.PushBack(task)
	sc.mu.Unlock()
}

// Execute enqueues task and, if no other goroutine is draining, runs
// queued tasks until the queue is empty.
func (sc *SynchronizationContext) Execute(task func()) {
	sc.ExecuteLater(task)
	sc.Drain()
}

// Drain runs queued tasks until empty, unless another goroutine is
// already draining (in which case that goroutine will run them).
func (sc *SynchronizationContext) Drain() {
	sc.mu.Lock()
	if sc.draining {
		sc.mu.Unlock()
		return
	}
	sc.draining = true
	sc.drainerID.Store(goroutineID())
	for {
		front := sc.queue.Front()
		if front == nil {
			sc.draining = false
			sc.drainerID.Store(0)
			sc.mu.Unlock()
			return
		}
		sc.queue.Remove(front)
		task := front.Value.(func())
		sc.mu.Unlock()
		sc.run(task)
		sc.mu.Lock()
	}
}

// AssertInContext panics if the caller is not running from a task
// executed by this context. It is a debug aid for code that must only
// be reached on the context; keep it out of hot paths, as identifying
// the current goroutine requires a stack capture.
func (sc *SynchronizationContext) AssertInContext() {
	if goroutineID() != sc.drainerID.Load() {
		panic("grpcsync: not called from within the synchronization context")
	}
}

// goroutineID extracts the current goroutine's id from the first line
// of a stack capture ("goroutine N [running]:").
func goroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i > 0 {
		if id, err := strconv.ParseInt(string(buf[:i]), 10, 64); err == nil {
			return id
		}
	}
	return -1
}

func (sc *SynchronizationContext) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(sc.logger).Log("msg", "panic in synchronization context task", "panic", fmt.Sprint(r))
		}
	}()
	task()
}

// ScheduledHandle cancels a scheduled task. Cancellation is best-effort:
// a task already submitted to the context may still run.
type ScheduledHandle struct {
	mu   sync.Mutex
	stop func() bool
	done bool
}

// Cancel prevents the task from running if it has not fired yet.
func (h *ScheduledHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	h.done = true
	h.stop()
}

// Schedule arranges for task to be submitted to the context after delay.
func (sc *SynchronizationContext) Schedule(delay time.Duration, task func()) *ScheduledHandle {
	h := &ScheduledHandle{stop: func() bool { return false }}
	stop := sc.timer(delay, func() {
		h.mu.Lock()
		if h.done {
			h.mu.Unlock()
			return
		}
		h.done = true
		h.mu.Unlock()
		sc.Execute(task)
	})
	h.mu.Lock()
	h.stop = stop
	h.mu.Unlock()
	return h
}
