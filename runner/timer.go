package runner

import (
	"context"
	"sync"
	"time"
)

// BaseTimer schedules a task onto a TaskRunner after a delay, coalescing
// repeated Reset calls the way the original does: a Reset that asks for a
// later fire time than one already scheduled does not cancel and
// reschedule — it waits for the in-flight delayed task to fire and checks
// again, re-scheduling itself by the remaining delta if it was in fact
// postponed.
type BaseTimer struct {
	mu sync.Mutex

	runner  TaskRunner
	task    TaskFunc
	delay   time.Duration
	running bool

	desiredRunTime   TimePoint
	scheduledRunTime TimePoint
	hasScheduled     bool

	runUserTask func(ctx context.Context)
}

// initBaseTimer wires a BaseTimer to the subclass's RunUserTask
// implementation. OneShotTimer and RepeatingTimer each call this from their
// own constructor.
func (t *BaseTimer) initBaseTimer(runUserTask func(ctx context.Context)) {
	t.runUserTask = runUserTask
}

// bindRunner sets the runner the timer posts its delayed tasks to. It must
// be called (typically by the constructor) before Start.
func (t *BaseTimer) bindRunner(runner TaskRunner) {
	t.mu.Lock()
	t.runner = runner
	t.mu.Unlock()
}

// Start records task and delay, marks the timer running, and resets it.
func (t *BaseTimer) Start(task TaskFunc, delay time.Duration) {
	t.mu.Lock()
	t.task = task
	t.delay = delay
	t.running = true
	t.mu.Unlock()
	t.Reset()
}

// Reset recomputes desiredRunTime = now + delay. If a task is already
// scheduled and its fire time is not later than the new desired time, the
// existing scheduled fire will simply re-check and postpone itself — no new
// delayed task is posted. Otherwise a fresh delayed task is posted for
// delay.
func (t *BaseTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.runner == nil {
		return
	}
	now := Now()
	t.desiredRunTime = now.Add(FromDuration(t.delay))
	if t.hasScheduled && !t.desiredRunTime.Before(t.scheduledRunTime) {
		return
	}
	t.scheduleLocked(now, t.delay)
}

func (t *BaseTimer) scheduleLocked(now TimePoint, delay time.Duration) {
	t.scheduledRunTime = now.Add(FromDuration(delay))
	t.hasScheduled = true
	runner := t.runner
	runner.PostDelayedTask(NewTask(t.onFire), delay)
}

// onFire is invoked by the bound runner when the scheduled delayed task
// comes due. If a later Reset postponed the desired fire time past what
// this delayed task was scheduled for, it reschedules for the remaining
// delta instead of running the user task early.
func (t *BaseTimer) onFire(ctx context.Context) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	now := Now()
	if t.desiredRunTime.After(t.scheduledRunTime) {
		remaining := t.desiredRunTime.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		t.scheduleLocked(now, remaining.Duration())
		t.mu.Unlock()
		return
	}
	t.hasScheduled = false
	runUserTask := t.runUserTask
	t.mu.Unlock()
	runUserTask(ctx)
}

// Stop clears the running flag; any in-flight fire becomes a no-op.
func (t *BaseTimer) Stop() {
	t.mu.Lock()
	t.running = false
	t.hasScheduled = false
	t.mu.Unlock()
}

// IsRunning reports whether the timer is currently active.
func (t *BaseTimer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// OneShotTimer runs its task once, then stops.
type OneShotTimer struct {
	BaseTimer
}

// NewOneShotTimer constructs an unstarted OneShotTimer bound to runner.
func NewOneShotTimer(runner TaskRunner) *OneShotTimer {
	t := &OneShotTimer{}
	t.bindRunner(runner)
	t.initBaseTimer(t.runUserTask)
	return t
}

func (t *OneShotTimer) runUserTask(ctx context.Context) {
	t.mu.Lock()
	task := t.task
	t.running = false
	t.mu.Unlock()
	if task != nil {
		task(ctx)
	}
}

// FireNow runs the task immediately, as if the delay had just elapsed, and
// stops the timer.
func (t *OneShotTimer) FireNow() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	task := t.task
	t.running = false
	t.hasScheduled = false
	t.mu.Unlock()
	if task != nil {
		task(context.Background())
	}
}

// RepeatingTimer runs its task and re-schedules itself with its configured
// delay, until Stop is called.
type RepeatingTimer struct {
	BaseTimer
}

// NewRepeatingTimer constructs an unstarted RepeatingTimer bound to runner.
func NewRepeatingTimer(runner TaskRunner) *RepeatingTimer {
	t := &RepeatingTimer{}
	t.bindRunner(runner)
	t.initBaseTimer(t.runUserTask)
	return t
}

func (t *RepeatingTimer) runUserTask(ctx context.Context) {
	t.mu.Lock()
	task := t.task
	delay := t.delay
	running := t.running
	t.mu.Unlock()
	if !running {
		return
	}
	if task != nil {
		task(ctx)
	}
	t.mu.Lock()
	if t.running {
		now := Now()
		t.scheduleLocked(now, delay)
	}
	t.mu.Unlock()
}
