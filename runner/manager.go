package runner

import (
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// ManagerConfig configures a WorkerManager's ambient collaborators. The
// zero value is valid: every field falls back to a default (no-op logging
// and metrics, a thread-backed worker, and the package's built-in tunables).
type ManagerConfig struct {
	Logger  Logger
	Metrics Metrics
	Panics  PanicHandler
	// NewBackend constructs the workerBackend for each worker the manager
	// spawns. Defaults to a thread-backed worker (one goroutine per
	// worker). Supply a func returning a *HostLoopBackend to drive workers
	// from an external event loop instead.
	NewBackend func() workerBackend

	// ImmediateQueueCap sets the initial capacity of each created runner's
	// immediate-task queue. Non-positive falls back to defaultQueueCap.
	ImmediateQueueCap int
	// RunnerLocalStorageSlots bounds how many runner-local-storage keys a
	// single (runner, worker) pair may hold. Non-positive falls back to
	// kWorkerKeysMax.
	RunnerLocalStorageSlots int
	// IdleTaskBudget caps the budget hint passed to an idle task when no
	// delayed task anywhere in the worker's running groups bounds the wait.
	// Non-positive falls back to defaultIdleTaskBudget.
	IdleTaskBudget TimeDelta
	// DefaultPriority is substituted by CreateTaskRunner whenever the
	// caller passes the zero TaskPriority. Defaults to
	// TaskPriorityUserVisible.
	DefaultPriority TaskPriority
}

func (c ManagerConfig) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return NoOpLogger{}
}

func (c ManagerConfig) metrics() Metrics {
	if c.Metrics != nil {
		return c.Metrics
	}
	return NilMetrics{}
}

func (c ManagerConfig) panicHandler() PanicHandler {
	if c.Panics != nil {
		return c.Panics
	}
	return DefaultPanicHandler{Logger: c.logger()}
}

func (c ManagerConfig) newBackend() workerBackend {
	if c.NewBackend != nil {
		return c.NewBackend()
	}
	return newThreadBackend()
}

func (c ManagerConfig) immediateQueueCap() int {
	if c.ImmediateQueueCap > 0 {
		return c.ImmediateQueueCap
	}
	return defaultQueueCap
}

func (c ManagerConfig) runnerLocalStorageSlots() int {
	if c.RunnerLocalStorageSlots > 0 {
		return c.RunnerLocalStorageSlots
	}
	return kWorkerKeysMax
}

func (c ManagerConfig) idleTaskBudget() TimeDelta {
	if c.IdleTaskBudget > 0 {
		return c.IdleTaskBudget
	}
	return defaultIdleTaskBudget
}

func (c ManagerConfig) defaultPriority() TaskPriority {
	if c.DefaultPriority != 0 {
		return c.DefaultPriority
	}
	return TaskPriorityUserVisible
}

// WorkerManager owns a pool of Workers, creates Runners, and rebalances the
// pool on Resize.
type WorkerManager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	workers []*Worker
	index   int // round-robin cursor; persists across Resize (see §12)

	groupWorker map[uint32]*Worker
	runners     map[uint64]*Runner

	nextRunnerID atomic.Uint64
	nextWorkerID atomic.Int64
}

// NewWorkerManager constructs a manager with size workers, already started.
func NewWorkerManager(size int, cfg ManagerConfig) *WorkerManager {
	m := &WorkerManager{
		cfg:         cfg,
		groupWorker: make(map[uint32]*Worker),
		runners:     make(map[uint64]*Runner),
	}
	for i := 0; i < size; i++ {
		m.workers = append(m.workers, m.spawnWorker())
	}
	return m
}

func (m *WorkerManager) spawnWorker() *Worker {
	id := int(m.nextWorkerID.Add(1) - 1)
	w := newWorker(id, m.cfg.newBackend(), m.cfg.logger(), m.cfg.metrics(), m.cfg.panicHandler(),
		m.cfg.runnerLocalStorageSlots(), m.cfg.idleTaskBudget())
	w.Start()
	return w
}

var (
	defaultManagerOnce sync.Once
	defaultManager     *WorkerManager
)

// GetDefaultManager returns the process-wide singleton WorkerManager,
// lazily created on first use with a pool sized to GOMAXPROCS.
func GetDefaultManager() *WorkerManager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewWorkerManager(defaultPoolSize(), ManagerConfig{})
	})
	return defaultManager
}

// CreateTaskRunner allocates a new runner, wraps it in a single-element
// group, and binds it to a worker. If groupID is non-zero and a worker
// already hosts that groupID, the new runner binds there instead of
// advancing the round-robin cursor.
func (m *WorkerManager) CreateTaskRunner(groupID uint32, priority TaskPriority, isSchedulable bool, name string) TaskRunner {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.workers) == 0 {
		Abort("CreateTaskRunner: manager has no workers")
		return nil
	}

	if priority == 0 {
		priority = m.cfg.defaultPriority()
	}
	id := m.nextRunnerID.Add(1)
	r := newRunner(id, name, groupID, priority, isSchedulable, m.cfg.immediateQueueCap())

	var target *Worker
	if groupID != 0 {
		target = m.groupWorker[groupID]
	}
	if target == nil {
		target = m.workers[m.index%len(m.workers)]
		m.index++
		if groupID != 0 {
			m.groupWorker[groupID] = target
		}
	}

	target.addInitialGroup(newGroup(r))
	target.notify()
	m.runners[id] = r
	return r
}

// RemoveTaskRunner unbinds runner from its worker, running every
// runner-local-storage destructor it still holds there, and forgets it.
func (m *WorkerManager) RemoveTaskRunner(tr TaskRunner) {
	r, ok := tr.(*Runner)
	if !ok {
		return
	}
	w := r.worker()
	if w != nil {
		if g := w.removeGroupByRunnerID(r.ID()); g != nil {
			for _, member := range g.runners {
				member.unbindWorker()
			}
		}
		w.localStorageDestroyAll(r.ID())
	}

	m.mu.Lock()
	delete(m.runners, r.ID())
	if r.GroupID() != 0 {
		if gw, ok := m.groupWorker[r.GroupID()]; ok && gw == w {
			delete(m.groupWorker, r.GroupID())
		}
	}
	m.mu.Unlock()
}

// Resize grows or shrinks the worker pool to size, migrating runners per
// the protocol in §4.3. It blocks until any removed workers have fully
// terminated before returning (per the resolved open question in §9).
func (m *WorkerManager) Resize(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := len(m.workers)
	switch {
	case size > current:
		m.growLocked(size)
	case size < current:
		m.shrinkLocked(size)
	}
}

func (m *WorkerManager) growLocked(size int) {
	grown := make([]*Worker, len(m.workers))
	copy(grown, m.workers)
	for len(grown) < size {
		grown = append(grown, m.spawnWorker())
	}

	var migratable []*group
	for _, w := range m.workers {
		migratable = append(migratable, w.extractMigratableGroups()...)
	}

	m.redistributeRoundRobin(migratable, grown)
	m.workers = grown
}

func (m *WorkerManager) shrinkLocked(size int) {
	if size < 0 {
		size = 0
	}
	survivors := m.workers[:size]
	removed := m.workers[size:]

	var displaced []*group
	for _, w := range removed {
		displaced = append(displaced, w.takeAllGroups()...)
	}
	if len(survivors) > 0 {
		m.redistributeRoundRobin(displaced, survivors)
	} else {
		// No survivors: the runners in displaced groups are orphaned,
		// matching PostTask's "no worker bound" silent-drop policy.
		for _, g := range displaced {
			for _, r := range g.runners {
				r.unbindWorker()
			}
		}
	}

	for _, w := range removed {
		w.TerminateWorker(false)
	}

	for groupID, w := range m.groupWorker {
		if containsWorker(removed, w) {
			delete(m.groupWorker, groupID)
		}
	}

	m.workers = survivors
	if len(m.workers) > 0 {
		m.index %= len(m.workers)
	} else {
		m.index = 0
	}
}

// redistributeRoundRobin hands out groups to targets round-robin, starting
// from the manager's persistent index cursor, and migrates each group's
// runner-local storage key-for-key from its old worker to its new one.
//
// Callers (extractMigratableGroups, takeAllGroups) must not have cleared
// the groups' runners' back-references yet: r.worker() below is how the
// migration source is found, and enqueuePendingGroup is what finally
// rebinds each runner to dst.
func (m *WorkerManager) redistributeRoundRobin(groups []*group, targets []*Worker) {
	if len(targets) == 0 || len(groups) == 0 {
		return
	}
	for _, g := range groups {
		dst := targets[m.index%len(targets)]
		m.index++

		for _, r := range g.runners {
			if src := r.worker(); src != nil && src != dst {
				src.migrateStorageTo(dst, r.ID())
				m.cfg.metrics().RecordMigration(r.Name(), workerLabel(src), workerLabel(dst))
			}
		}
		dst.enqueuePendingGroup(g)
		dst.notify()
	}
}

// Terminate propagates termination to every worker and blocks until all
// have exited.
func (m *WorkerManager) Terminate() {
	m.mu.Lock()
	workers := m.workers
	m.workers = nil
	m.mu.Unlock()

	for _, w := range workers {
		w.RequestTermination(false)
	}
	for _, w := range workers {
		w.WaitTerminated()
	}
}

// WorkerCount reports the current pool size.
func (m *WorkerManager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

func containsWorker(ws []*Worker, w *Worker) bool {
	for _, candidate := range ws {
		if candidate == w {
			return true
		}
	}
	return false
}

func workerLabel(w *Worker) string {
	if w == nil {
		return "none"
	}
	return "worker-" + strconv.Itoa(w.id)
}

func defaultPoolSize() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return 1
	}
	return n
}
