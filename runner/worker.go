package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// kWorkerKeysMax is the default number of runner-local-storage slots a
// single (runner, worker) pair may hold, used when ManagerConfig does not
// override it.
const kWorkerKeysMax = 32

// defaultIdleTaskBudget is the budget hint passed to an idle task when no
// delayed task anywhere in the worker's running groups bounds the wait,
// used when ManagerConfig does not override it.
const defaultIdleTaskBudget = TimeDelta(50 * time.Millisecond)

// defaultStackingPumpPollInterval bounds how long pumpUntilSubRunnerCleared
// blocks between re-checks of the stacking guard, so a RemoveSubTaskRunner
// call racing a long wait is still observed promptly.
const defaultStackingPumpPollInterval = 10 * time.Millisecond

// workerBackend supplies the concurrency primitive a Worker's loop runs on.
// The loop body (balancing, sorting, task selection, accounting) is
// identical for every backend; only how the loop is driven and how it
// waits/wakes differs, per the "sealed variant / small trait" design note.
type workerBackend interface {
	// start begins driving w's loop. For a thread-backed worker this spawns
	// a dedicated goroutine that calls w.runLoop(); for a host-loop-backed
	// worker it only records w, because the host drives Pump itself.
	start(w *Worker)
	// notify wakes a blocked waitFor, or marks the next waitFor as
	// immediately-expired if none is currently blocked.
	notify()
	// waitFor blocks (or, for a host loop, yields control back to the host)
	// for at most d, returning early if notify is called first.
	waitFor(d TimeDelta)
	// terminate causes any blocked waitFor to return promptly and, for a
	// thread-backed worker, asks the dedicated goroutine to exit.
	terminate()
}

// Worker binds a thread (or host loop) to a set of runner groups. Its loop
// repeatedly selects the next ready task across running_groups, executes
// it, and charges the elapsed wall time to every runner in the group that
// produced it.
type Worker struct {
	id      int
	logger  Logger
	metrics Metrics
	panics  PanicHandler

	backend workerBackend

	// keySlots and idleBudgetDefault are resolved from ManagerConfig at
	// construction (§10/§11's scheduler tunables).
	keySlots          int
	idleBudgetDefault TimeDelta

	runningMu     sync.Mutex
	runningGroups []*group

	pendingMu     sync.Mutex
	pendingGroups []*group
	needBalance   atomic.Bool

	// ownQueueMu/ownQueue is the worker's own immediate queue (distinct from
	// any runner's): used only for cross-worker injected tasks during
	// migration (step 1 of the loop body).
	ownQueueMu sync.Mutex
	ownQueue   []*Task

	terminated      atomic.Bool
	exitImmediately atomic.Bool
	doneCh          chan struct{}

	// hasSubRunner is the single-flight guard for AddSubTaskRunner(...,
	// true): only one stacking pump may be in flight on a worker at a time.
	hasSubRunner   atomic.Bool
	subRunnerGroup atomic.Pointer[group]

	// currentGroup is the group (if any) whose top runner has a task
	// actively executing right now. WorkerManager.Resize must never move
	// this group, since the invariant is that an actively-executing
	// runner's group is always excluded from migration candidates.
	currentGroup atomic.Pointer[group]

	storageMu sync.Mutex
	storage   map[uint64]*runnerLocalStore
}

// runnerLocalStore is the per-(runner, worker) keyed storage described in
// §3: three parallel slices, sized to the owning Worker's keySlots.
type runnerLocalStore struct {
	used        []bool
	destructors []func(any)
	values      []any
}

// newWorker constructs a Worker with the given backend, not yet started.
// keySlots and idleBudgetDefault come from ManagerConfig; a non-positive
// value falls back to the package defaults.
func newWorker(id int, backend workerBackend, logger Logger, metrics Metrics, panics PanicHandler, keySlots int, idleBudgetDefault TimeDelta) *Worker {
	if logger == nil {
		logger = NoOpLogger{}
	}
	if metrics == nil {
		metrics = NilMetrics{}
	}
	if panics == nil {
		panics = DefaultPanicHandler{Logger: logger}
	}
	if keySlots <= 0 {
		keySlots = kWorkerKeysMax
	}
	if idleBudgetDefault <= 0 {
		idleBudgetDefault = defaultIdleTaskBudget
	}
	w := &Worker{
		id:                id,
		logger:            logger,
		metrics:           metrics,
		panics:            panics,
		backend:           backend,
		keySlots:          keySlots,
		idleBudgetDefault: idleBudgetDefault,
		doneCh:            make(chan struct{}),
		storage:           make(map[uint64]*runnerLocalStore),
	}
	return w
}

// Start begins running the worker's loop on its backend.
func (w *Worker) Start() {
	w.backend.start(w)
}

func (w *Worker) notify() {
	w.backend.notify()
}

// TerminateWorker stops the loop and blocks until it has exited. If
// immediate is false, the loop first drains every runner's immediate queue,
// including delayed tasks already due (the merge step promotes them), but
// not idle tasks or delayed tasks not yet due, before exiting.
//
// For a HostLoopBackend-driven worker this only unblocks once the host
// calls Pump again after the request — there is no independent thread to
// drive the loop to completion — so callers embedding a host-loop worker
// should prefer RequestTermination plus their own WaitTerminated on a
// goroutine that does not itself own the host's pump call.
func (w *Worker) TerminateWorker(immediate bool) {
	w.RequestTermination(immediate)
	w.WaitTerminated()
}

// RequestTermination asks the loop to stop without blocking for it to do
// so.
func (w *Worker) RequestTermination(immediate bool) {
	if immediate {
		w.exitImmediately.Store(true)
	}
	w.terminated.Store(true)
	w.backend.terminate()
	w.backend.notify()
}

// WaitTerminated blocks until the loop has exited.
func (w *Worker) WaitTerminated() {
	<-w.doneCh
}

// runLoop is the thread-backend loop driver: it calls iterate repeatedly
// until iterate reports the worker should exit. Host-loop-backed workers do
// not call this at all — they call iterate directly from Pump, once per
// external tick, since nothing should block a host's own event loop.
func (w *Worker) runLoop() {
	defer close(w.doneCh)
	for {
		if w.iterate() {
			return
		}
	}
}

// iterate runs one pass of the loop body described in §4.2: it returns true
// once the worker should stop being driven (terminated with nothing left to
// drain). It is the backend-agnostic core both workerBackend drivers share.
func (w *Worker) iterate() (exit bool) {
	if w.terminated.Load() && w.exitImmediately.Load() {
		return true
	}

	if task, ok := w.popOwnQueueTask(); ok {
		w.runTask(nil, nil, task)
		return false
	}

	w.runningMu.Lock()
	if len(w.runningGroups) > 1 {
		sortGroupsByWeight(w.runningGroups)
	}
	if w.needBalance.Load() {
		w.balanceLocked()
	}

	now := Now()
	var minWait TimeDelta = TimeDeltaMax
	var pendingIdle *IdleTask
	var pendingIdleGroup *group
	var pendingIdleRunner *Runner
	var readyGroup *group
	var readyRunner *Runner
	var readyTask *Task

	for _, g := range w.runningGroups {
		top := g.back()
		if task, ok := top.getNext(now); ok {
			readyGroup = g
			readyRunner = top
			readyTask = task
			break
		}
		if d := top.GetNextTimeDelta(now); d < minWait {
			minWait = d
		}
		if pendingIdle == nil {
			if idle, ok := top.popIdleTask(); ok {
				pendingIdle = idle
				pendingIdleGroup = g
				pendingIdleRunner = top
			}
		}
	}
	w.runningMu.Unlock()

	if readyTask != nil {
		w.currentGroup.Store(readyGroup)
		w.runTask(readyGroup, readyRunner, readyTask)
		w.currentGroup.Store(nil)
	}
	ran := readyTask != nil

	if ran {
		if w.terminated.Load() && !w.exitImmediately.Load() && !w.hasDrainableWork() {
			return true
		}
		return false
	}

	if w.terminated.Load() {
		if !w.exitImmediately.Load() && w.hasDrainableWork() {
			return false
		}
		return true
	}

	if pendingIdle != nil {
		budget := minWait
		if budget.IsMax() {
			budget = w.idleBudgetDefault
		}
		w.runIdleTask(pendingIdleGroup, pendingIdleRunner, pendingIdle, false, budget)
		return false
	}

	w.backend.waitFor(minWait)
	return false
}

// hasDrainableWork reports whether any running group's top runner still has
// immediate-queue work or a delayed task already due, used by the
// non-immediate termination path to decide
// whether to keep draining.
func (w *Worker) hasDrainableWork() bool {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()
	now := Now()
	for _, g := range w.runningGroups {
		top := g.back()
		top.queueMu.Lock()
		n := len(top.immediate)
		top.queueMu.Unlock()
		if n > 0 {
			return true
		}
		if d := top.GetNextTimeDelta(now); d <= 0 {
			return true
		}
	}
	return false
}

func (w *Worker) popOwnQueueTask() (*Task, bool) {
	w.ownQueueMu.Lock()
	defer w.ownQueueMu.Unlock()
	if len(w.ownQueue) == 0 {
		return nil, false
	}
	t := w.ownQueue[0]
	w.ownQueue = w.ownQueue[1:]
	return t, true
}

// injectTask pushes a task directly onto the worker's own queue, used by
// migration to let an in-flight cross-worker handoff complete promptly.
func (w *Worker) injectTask(t *Task) {
	w.ownQueueMu.Lock()
	w.ownQueue = append(w.ownQueue, t)
	w.ownQueueMu.Unlock()
	w.notify()
}

// runTask executes task on behalf of runner (the top of group g, or nil/nil
// for a worker-owned task with no associated runner), publishing the
// current-runner context, recovering panics, and charging elapsed time to
// every runner in g.
func (w *Worker) runTask(g *group, runner *Runner, task *Task) {
	ctx := context.Background()
	if runner != nil {
		runner.executing.Store(true)
		ctx = withCurrentTaskRunner(ctx, runner)
	}

	start := Now()
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				name := "worker"
				var id TaskID
				if runner != nil {
					name = runner.Name()
				}
				if task != nil {
					id = task.ID()
				}
				w.metrics.RecordTaskPanic(name)
				w.panics.HandlePanic(name, id, rec, captureStack())
			}
		}()
		task.Run(ctx)
	}()
	elapsed := Now().Sub(start)

	if runner != nil {
		runner.executing.Store(false)
		immediate, delayed, idle := runner.queueDepths()
		w.metrics.RecordQueueDepth(runner.Name(), immediate, delayed, idle)
	}
	if g != nil {
		for _, member := range g.runners {
			member.AddTime(elapsed)
		}
		w.metrics.RecordTaskDuration(g.front().Name(), g.front().Priority(), elapsed)
	}
}

// runIdleTask wraps an idle task as a regular task execution: the spec does
// not interrupt an idle task that overruns its wait budget, it only passes
// the budget as a hint (design notes, open question 3).
func (w *Worker) runIdleTask(g *group, runner *Runner, idle *IdleTask, didTimeOut bool, budget TimeDelta) {
	wrapped := NewTask(func(ctx context.Context) {
		idle.Run(ctx, didTimeOut, budget)
	})
	w.runTask(g, runner, wrapped)
}

// sortGroupsByWeight sorts groups in place by ascending priority*time of
// their front runner: smaller sorts first, i.e. higher priority.
func sortGroupsByWeight(groups []*group) {
	// Small-n insertion sort: a worker's running-group count is expected to
	// stay low (tens, not thousands), and insertion sort keeps already
	// mostly-sorted runs (the common case between successive loop
	// iterations) cheap without pulling in sort.Slice's reflection path.
	for i := 1; i < len(groups); i++ {
		for j := i; j > 0 && groups[j].orderingWeight() < groups[j-1].orderingWeight(); j-- {
			groups[j], groups[j-1] = groups[j-1], groups[j]
		}
	}
}

// balanceLocked moves pendingGroups into runningGroups, initialising each
// new runner's time to the current top group's time so entrants compete
// from the same baseline rather than from zero. Callers must hold
// runningMu; balanceLocked itself takes pendingMu.
func (w *Worker) balanceLocked() {
	w.pendingMu.Lock()
	pending := w.pendingGroups
	w.pendingGroups = nil
	w.pendingMu.Unlock()
	w.needBalance.Store(false)

	if len(pending) == 0 {
		return
	}

	var baseline TimeDelta
	if len(w.runningGroups) > 0 {
		baseline = w.runningGroups[0].front().Time()
	}
	for _, g := range pending {
		for _, r := range g.runners {
			r.SetTime(baseline)
		}
	}

	// Splice pending groups in front of the highest-priority running
	// group's position (index 0, since runningGroups is sorted ascending
	// by weight and will be re-sorted next iteration regardless).
	w.runningGroups = append(pending, w.runningGroups...)
}

// addInitialGroup appends a freshly created single-runner group directly to
// runningGroups, used by WorkerManager.CreateTaskRunner. Unlike migration,
// a brand new runner does not need to go through pendingGroups/balance
// because it has no baseline time to preserve.
func (w *Worker) addInitialGroup(g *group) {
	w.runningMu.Lock()
	w.runningGroups = append(w.runningGroups, g)
	w.runningMu.Unlock()
	for _, r := range g.runners {
		r.bindWorker(w)
	}
}

// enqueuePendingGroup appends g to pendingGroups and marks the worker as
// needing a balance pass, for WorkerManager.Resize migrations.
func (w *Worker) enqueuePendingGroup(g *group) {
	w.pendingMu.Lock()
	w.pendingGroups = append(w.pendingGroups, g)
	w.pendingMu.Unlock()
	w.needBalance.Store(true)
	for _, r := range g.runners {
		r.bindWorker(w)
	}
}

// extractMigratableGroups removes and returns every running group other
// than the one currently executing a task and those holding an
// unschedulable runner — the set WorkerManager.Resize is free to move to
// other workers on Grow. Lock order is running, then pending, matching the
// joint-lock policy used everywhere else balance/migration touch both
// lists (pending is untouched here but held for the same ordering
// discipline callers rely on).
//
// It leaves each extracted group's runners' weak back-references pointing
// at this worker: redistributeRoundRobin still needs r.worker() to resolve
// to the migration source so it can call migrateStorageTo before handing
// the group to its new worker, which rebinds the back-reference itself via
// enqueuePendingGroup.
func (w *Worker) extractMigratableGroups() []*group {
	w.runningMu.Lock()
	w.pendingMu.Lock()
	current := w.currentGroup.Load()
	kept := w.runningGroups[:0:0]
	var migratable []*group
	for _, g := range w.runningGroups {
		if g == current || g.hasUnschedulable() {
			kept = append(kept, g)
			continue
		}
		migratable = append(migratable, g)
	}
	w.runningGroups = kept
	w.pendingMu.Unlock()
	w.runningMu.Unlock()
	return migratable
}

// takeAllGroups removes and returns every group the worker holds, running
// and pending, for WorkerManager.Resize on Shrink. As with
// extractMigratableGroups, the runners' back-references are left pointing
// at this worker until redistributeRoundRobin has migrated their storage
// and rebound them to a new one.
func (w *Worker) takeAllGroups() []*group {
	w.runningMu.Lock()
	running := w.runningGroups
	w.runningGroups = nil
	w.runningMu.Unlock()

	w.pendingMu.Lock()
	pending := w.pendingGroups
	w.pendingGroups = nil
	w.pendingMu.Unlock()

	all := make([]*group, 0, len(running)+len(pending))
	all = append(all, running...)
	all = append(all, pending...)
	return all
}

// removeGroupByRunnerID splices out and returns the group containing a
// runner with the given id, searching both running and pending lists under
// the joint lock, for WorkerManager.RemoveTaskRunner.
func (w *Worker) removeGroupByRunnerID(id uint64) *group {
	w.runningMu.Lock()
	for i, g := range w.runningGroups {
		if g.containsID(id) {
			w.runningGroups = append(w.runningGroups[:i], w.runningGroups[i+1:]...)
			w.runningMu.Unlock()
			return g
		}
	}
	w.runningMu.Unlock()

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for i, g := range w.pendingGroups {
		if g.containsID(id) {
			w.pendingGroups = append(w.pendingGroups[:i], w.pendingGroups[i+1:]...)
			return g
		}
	}
	return nil
}

// bindGroup appends child to the group currently containing the runner
// identified by parentID, making child the new top of stack. It aborts if
// parentID is not found among this worker's running groups, or if another
// stacking pump is already in flight.
func (w *Worker) bindGroup(parentID uint64, child *Runner) {
	if !w.hasSubRunner.CompareAndSwap(false, true) {
		Abort("bindGroup: worker %d already has a sub-runner pump in flight", w.id)
		return
	}
	w.runningMu.Lock()
	var target *group
	for _, g := range w.runningGroups {
		if g.containsID(parentID) {
			target = g
			break
		}
	}
	if target == nil {
		w.runningMu.Unlock()
		w.hasSubRunner.Store(false)
		Abort("bindGroup: no running group contains runner %d", parentID)
		return
	}
	target.push(child)
	child.bindWorker(w)
	w.subRunnerGroup.Store(target)
	w.runningMu.Unlock()
}

// unbindGroupMember removes child from whichever group currently holds it
// and clears the stacking guard.
func (w *Worker) unbindGroupMember(child *Runner) {
	w.runningMu.Lock()
	for _, g := range w.runningGroups {
		if g.remove(child) {
			break
		}
	}
	w.runningMu.Unlock()
	child.unbindWorker()
	w.subRunnerGroup.Store(nil)
	w.hasSubRunner.Store(false)
}

// pumpUntilSubRunnerCleared is the synchronous nested event pump described
// in §4.2: it re-enters the loop's task-selection logic restricted to the
// stacking group, on the same goroutine as the caller (itself a task
// currently executing), until hasSubRunner is cleared by
// RemoveSubTaskRunner.
func (w *Worker) pumpUntilSubRunnerCleared() {
	for w.hasSubRunner.Load() {
		g := w.subRunnerGroup.Load()
		if g == nil {
			return
		}
		now := Now()
		w.runningMu.Lock()
		top := g.back()
		task, ok := top.getNext(now)
		w.runningMu.Unlock()
		if ok {
			w.runTask(g, top, task)
			continue
		}
		wait := top.GetNextTimeDelta(now)
		if idle, ok := top.popIdleTask(); ok {
			w.runIdleTask(g, top, idle, false, wait)
			continue
		}
		w.backend.waitFor(wait.Min(FromDuration(defaultStackingPumpPollInterval)))
	}
}

// localStorageKeyCreate allocates the first unused slot for runnerID,
// returning InvalidRunnerKey on capacity exhaustion (§7 stale/invalid key).
func (w *Worker) localStorageKeyCreate(runnerID uint64, destructor func(any)) RunnerKey {
	w.storageMu.Lock()
	defer w.storageMu.Unlock()
	store := w.storageFor(runnerID)
	for i := 0; i < len(store.used); i++ {
		if !store.used[i] {
			store.used[i] = true
			store.destructors[i] = destructor
			store.values[i] = nil
			return RunnerKey(i)
		}
	}
	return InvalidRunnerKey
}

func (w *Worker) localStorageKeyDelete(runnerID uint64, key RunnerKey) bool {
	w.storageMu.Lock()
	defer w.storageMu.Unlock()
	store, ok := w.storage[runnerID]
	if !ok || !validRunnerKey(key, len(store.used)) || !store.used[key] {
		return false
	}
	w.destroySlotLocked(store, key)
	return true
}

func (w *Worker) localStorageSet(runnerID uint64, key RunnerKey, value any) {
	w.storageMu.Lock()
	defer w.storageMu.Unlock()
	store, ok := w.storage[runnerID]
	if !ok || !validRunnerKey(key, len(store.used)) || !store.used[key] {
		return
	}
	store.values[key] = value
}

func (w *Worker) localStorageGet(runnerID uint64, key RunnerKey) (any, bool) {
	w.storageMu.Lock()
	defer w.storageMu.Unlock()
	store, ok := w.storage[runnerID]
	if !ok || !validRunnerKey(key, len(store.used)) || !store.used[key] {
		return nil, false
	}
	return store.values[key], true
}

func (w *Worker) localStorageDestroyAll(runnerID uint64) {
	w.storageMu.Lock()
	defer w.storageMu.Unlock()
	store, ok := w.storage[runnerID]
	if !ok {
		return
	}
	for i := 0; i < len(store.used); i++ {
		if store.used[i] {
			w.destroySlotLocked(store, RunnerKey(i))
		}
	}
}

func (w *Worker) destroySlotLocked(store *runnerLocalStore, key RunnerKey) {
	if d := store.destructors[key]; d != nil {
		d(store.values[key])
	}
	store.used[key] = false
	store.destructors[key] = nil
	store.values[key] = nil
}

func (w *Worker) storageFor(runnerID uint64) *runnerLocalStore {
	store, ok := w.storage[runnerID]
	if !ok {
		store = &runnerLocalStore{
			used:        make([]bool, w.keySlots),
			destructors: make([]func(any), w.keySlots),
			values:      make([]any, w.keySlots),
		}
		w.storage[runnerID] = store
	}
	return store
}

// migrateStorageTo moves runnerID's storage map key-for-key to dst and
// erases it from w, per the migration protocol in §4.3 step 2.
func (w *Worker) migrateStorageTo(dst *Worker, runnerID uint64) {
	w.storageMu.Lock()
	store, ok := w.storage[runnerID]
	if ok {
		delete(w.storage, runnerID)
	}
	w.storageMu.Unlock()
	if !ok {
		return
	}
	dst.storageMu.Lock()
	dst.storage[runnerID] = store
	dst.storageMu.Unlock()
}

func validRunnerKey(key RunnerKey, slots int) bool {
	return key >= 0 && int(key) < slots
}
