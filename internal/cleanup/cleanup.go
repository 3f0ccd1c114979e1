// Package cleanup provides a LIFO cleanup stack: a list of destructor
// closures run in reverse-registration order on task teardown.
//
// Go's own `defer` already runs LIFO within a single function. Stack exists
// so that cleanups registered at different points of a task's work share
// one unwind point: each taskrt.Task carries a Stack, the orchestrator adds
// every resource to it as it is acquired, and the task's goroutine wrapper
// runs it once the task function returns.
package cleanup

// Stack is a LIFO list of cleanup functions. The zero value is ready to use.
// Not safe for concurrent use; each Stack belongs to exactly one task.
type Stack struct {
	fns []func()
	run bool
}

// Add registers fn to run on the next Run call, before any previously
// registered fn.
func (s *Stack) Add(fn func()) {
	if fn == nil {
		return
	}
	s.fns = append(s.fns, fn)
}

// Release discards all registered cleanups without running them — used once
// a caller has taken ownership of the resources a Stack was tracking (the
// "release" pattern gvisor's pkg/cleanup.Cleanup uses).
func (s *Stack) Release() {
	s.fns = nil
}

// Run executes every registered cleanup in LIFO order. Safe to call more
// than once; second and later calls are no-ops.
func (s *Stack) Run() {
	if s.run {
		return
	}
	s.run = true
	for i := len(s.fns) - 1; i >= 0; i-- {
		s.fns[i]()
	}
	s.fns = nil
}
