package taskrt

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shankerwangmiao/traffic-limitd-go/internal/cleanup"
	"github.com/shankerwangmiao/traffic-limitd-go/pkg/log"
)

var nextTaskID uint64

// Task is one connection's lifecycle: a distinct non-zero id, a LIFO
// cleanup stack, a cancellable context carrying the current interrupt
// reason, and an interrupts-disabled flag an orchestrator sets during its
// own teardown so its cleanup RPCs are not re-interrupted.
type Task struct {
	ID      uint64
	Cleanup cleanup.Stack

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu                 sync.Mutex
	interruptsDisabled bool

	done  Event
	group *Group
}

// Context returns the task's context. Blocking calls made on behalf of the
// task (framedconn reads/writes, D-Bus calls, timers) should select on
// ctx.Done() so an interrupt unblocks them.
func (t *Task) Context() context.Context { return t.ctx }

// SetInterruptsDisabled toggles whether InterruptAll/Interrupt affects this
// task. Orchestrators disable interrupts while running their own teardown
// RPCs so a second interrupt can't re-stamp a reason mid-cleanup.
func (t *Task) SetInterruptsDisabled(disabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interruptsDisabled = disabled
}

// Interrupt stamps reason into the task unless interrupts are disabled,
// cancelling its context so any in-flight wait/read/write observes it.
func (t *Task) Interrupt(reason Reason) {
	t.mu.Lock()
	disabled := t.interruptsDisabled
	t.mu.Unlock()
	if disabled {
		return
	}
	t.cancel(reason)
}

// Reason returns the interrupt reason that cancelled this task's context,
// or nil if it has not been cancelled.
func (t *Task) Reason() Reason {
	cause := context.Cause(t.ctx)
	if cause == nil {
		return nil
	}
	if r, ok := cause.(Reason); ok {
		return r
	}
	return nil
}

// Group is the process-wide registry of active tasks, giving the daemon a
// way to broadcast an interrupt to all of them (WillExit on shutdown) and
// to wait for the last one to drain.
type Group struct {
	mu    sync.Mutex
	tasks map[uint64]*Task
	count int64
}

// NewGroup constructs an empty task group.
func NewGroup() *Group {
	return &Group{tasks: make(map[uint64]*Task)}
}

// Spawn starts fn in a new goroutine, tracked by the group. stackSize is
// accepted and ignored; Go stacks grow on demand. fn receives a *Task whose context is
// derived from parent and is cancelled (with a Reason cause) on interrupt.
func (g *Group) Spawn(parent context.Context, stackSize int, fn func(t *Task)) *Task {
	ctx, cancel := context.WithCancelCause(parent)
	t := &Task{
		ID:     atomic.AddUint64(&nextTaskID, 1),
		ctx:    ctx,
		cancel: cancel,
		group:  g,
	}

	g.mu.Lock()
	g.tasks[t.ID] = t
	g.count++
	g.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("task %d panicked: %v", t.ID, r)
			}
			t.Cleanup.Run()
			cancel(nil)
			g.remove(t)
			t.done.Set()
		}()
		fn(t)
	}()
	return t
}

func (g *Group) remove(t *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tasks, t.ID)
	g.count--
}

// Join waits for t to finish running.
func (t *Task) Join(ctx context.Context) error {
	return t.done.Wait(ctx)
}

// InterruptAll stamps reason into every active task not currently
// interrupt-disabled, and cancels its context.
func (g *Group) InterruptAll(reason Reason) {
	g.mu.Lock()
	tasks := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		tasks = append(tasks, t)
	}
	g.mu.Unlock()

	for _, t := range tasks {
		t.Interrupt(reason)
	}
}

// Count returns the number of active (non-terminated) tasks.
func (g *Group) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// Wait blocks until every tracked task has exited or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		var t *Task
		for _, tt := range g.tasks {
			t = tt
			break
		}
		g.mu.Unlock()
		if t == nil {
			return nil
		}
		if err := t.Join(ctx); err != nil {
			return err
		}
	}
}
