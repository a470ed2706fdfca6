package runner

import (
	"context"
	"sync/atomic"
)

// TaskFunc is the opaque thunk a Task carries.
type TaskFunc func(ctx context.Context)

// IdleTaskFunc is the thunk an IdleTask carries. didTimeOut reports whether
// the worker ran it only because its wait budget expired rather than because
// work was genuinely idle; resTime is the wait budget that was available.
type IdleTaskFunc func(ctx context.Context, didTimeOut bool, resTime TimeDelta)

// Task is a cancellable unit of work. Cancel is idempotent and safe to call
// from any goroutine before Run starts; it has no effect once Run has begun.
type Task struct {
	id        TaskID
	traits    TaskTraits
	thunk     TaskFunc
	cancelled atomic.Bool
}

// NewTask wraps thunk into a cancellable Task with default traits.
func NewTask(thunk TaskFunc) *Task {
	return NewTaskWithTraits(thunk, DefaultTaskTraits())
}

// NewTaskWithTraits wraps thunk into a cancellable Task carrying traits.
func NewTaskWithTraits(thunk TaskFunc, traits TaskTraits) *Task {
	return &Task{id: GenerateTaskID(), traits: traits, thunk: thunk}
}

// ID returns the task's process-unique identifier.
func (t *Task) ID() TaskID { return t.id }

// Traits returns the traits the task was posted with.
func (t *Task) Traits() TaskTraits { return t.traits }

// Cancel marks the task as cancelled. It is a no-op if the task is already
// running or has already run.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// Run invokes the thunk unless the task was cancelled first.
func (t *Task) Run(ctx context.Context) {
	if t.cancelled.Load() {
		return
	}
	t.thunk(ctx)
}

// IdleTask is a Task variant whose thunk receives the worker's idle budget.
type IdleTask struct {
	id        TaskID
	thunk     IdleTaskFunc
	cancelled atomic.Bool
}

// NewIdleTask wraps thunk into a cancellable IdleTask.
func NewIdleTask(thunk IdleTaskFunc) *IdleTask {
	return &IdleTask{id: GenerateTaskID(), thunk: thunk}
}

// ID returns the idle task's process-unique identifier.
func (t *IdleTask) ID() TaskID { return t.id }

// Cancel marks the idle task as cancelled.
func (t *IdleTask) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (t *IdleTask) Cancelled() bool {
	return t.cancelled.Load()
}

// Run invokes the thunk unless the idle task was cancelled first.
func (t *IdleTask) Run(ctx context.Context, didTimeOut bool, resTime TimeDelta) {
	if t.cancelled.Load() {
		return
	}
	t.thunk(ctx, didTimeOut, resTime)
}

// TaskPriority orders runners against one another on a shared worker; lower
// values run preferentially.
type TaskPriority int

const (
	// TaskPriorityUserBlocking is the highest priority: the task may block
	// something the user is directly waiting on.
	TaskPriorityUserBlocking TaskPriority = 1
	// TaskPriorityUserVisible is the default priority.
	TaskPriorityUserVisible TaskPriority = 5
	// TaskPriorityBestEffort is the lowest priority.
	TaskPriorityBestEffort TaskPriority = 10
)

// TaskTraits describes a runner's scheduling attributes.
type TaskTraits struct {
	Priority TaskPriority
	MayBlock bool
	Category string
}

// DefaultTaskTraits returns TaskPriorityUserVisible traits.
func DefaultTaskTraits() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

// TraitsUserBlocking returns TaskPriorityUserBlocking traits.
func TraitsUserBlocking() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserBlocking}
}

// TraitsUserVisible returns TaskPriorityUserVisible traits.
func TraitsUserVisible() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

// TraitsBestEffort returns TaskPriorityBestEffort traits.
func TraitsBestEffort() TaskTraits {
	return TaskTraits{Priority: TaskPriorityBestEffort}
}

// currentRunnerKey is the context key under which the currently-executing
// TaskRunner is published for the duration of a task's Run call. Go has no
// portable way to read OS-thread-local storage, so the "static accessor"
// described for GetCurrentTaskRunner is implemented via context plumbing
// instead: the worker threads the context it built at task-entry through to
// the thunk, and that is the only context a well-behaved thunk should use
// for further posts.
type currentRunnerKeyType struct{}

var currentRunnerKey currentRunnerKeyType

func withCurrentTaskRunner(ctx context.Context, r TaskRunner) context.Context {
	return context.WithValue(ctx, currentRunnerKey, r)
}

// GetCurrentTaskRunner returns the TaskRunner whose task is currently
// executing on ctx's call stack. It aborts (via the package Abort hook) if
// ctx was not derived from a worker's task-entry context.
func GetCurrentTaskRunner(ctx context.Context) TaskRunner {
	v := ctx.Value(currentRunnerKey)
	if v == nil {
		Abort("GetCurrentTaskRunner: no task runner is current on this context")
		return nil
	}
	return v.(TaskRunner)
}
