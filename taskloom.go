package taskloom

import "github.com/corvid-run/taskloom/runner"

// Re-exported core types, so embedders that only need the common surface
// can import the root package alone.

// Task is a cancellable unit of work posted to a TaskRunner.
type Task = runner.Task

// IdleTask is a Task variant whose thunk receives the worker's idle budget.
type IdleTask = runner.IdleTask

// TaskFunc is the thunk a Task carries.
type TaskFunc = runner.TaskFunc

// IdleTaskFunc is the thunk an IdleTask carries.
type IdleTaskFunc = runner.IdleTaskFunc

// TaskTraits describes a runner's scheduling attributes.
type TaskTraits = runner.TaskTraits

// TaskPriority orders runners against one another on a shared worker.
type TaskPriority = runner.TaskPriority

// TaskRunner is the client-facing posting and runner-local-storage surface.
type TaskRunner = runner.TaskRunner

// TaskID identifies a Task or IdleTask.
type TaskID = runner.TaskID

// RunnerKey identifies a runner-local-storage slot.
type RunnerKey = runner.RunnerKey

// WorkerManager owns a pool of Workers and creates/removes/rebalances
// TaskRunners across them.
type WorkerManager = runner.WorkerManager

// ManagerConfig configures a WorkerManager's ambient collaborators.
type ManagerConfig = runner.ManagerConfig

// Logger is the narrow structured-logging interface the scheduler consumes.
type Logger = runner.Logger

// Metrics is the narrow observability interface the scheduler consumes.
type Metrics = runner.Metrics

// PanicHandler is invoked whenever a task's thunk panics.
type PanicHandler = runner.PanicHandler

// Field is a single structured logging attribute.
type Field = runner.Field

// OneShotTimer runs its task once after a delay, then stops.
type OneShotTimer = runner.OneShotTimer

// RepeatingTimer runs its task on a fixed interval until stopped.
type RepeatingTimer = runner.RepeatingTimer

// Priority constants.
const (
	TaskPriorityUserBlocking = runner.TaskPriorityUserBlocking
	TaskPriorityUserVisible  = runner.TaskPriorityUserVisible
	TaskPriorityBestEffort   = runner.TaskPriorityBestEffort
)

// InvalidRunnerKey is the sentinel returned on runner-local-storage capacity
// exhaustion.
const InvalidRunnerKey = runner.InvalidRunnerKey

// Convenience constructors, re-exported so common usage needs only this
// package.
var (
	NewTask            = runner.NewTask
	NewTaskWithTraits  = runner.NewTaskWithTraits
	NewIdleTask        = runner.NewIdleTask
	DefaultTaskTraits  = runner.DefaultTaskTraits
	TraitsUserBlocking = runner.TraitsUserBlocking
	TraitsUserVisible  = runner.TraitsUserVisible
	TraitsBestEffort   = runner.TraitsBestEffort

	NewWorkerManager  = runner.NewWorkerManager
	GetDefaultManager = runner.GetDefaultManager

	NewOneShotTimer   = runner.NewOneShotTimer
	NewRepeatingTimer = runner.NewRepeatingTimer

	GetCurrentTaskRunner = runner.GetCurrentTaskRunner
)
