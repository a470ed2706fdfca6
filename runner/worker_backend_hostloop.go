package runner

import "sync"

// HostLoopBackend is the optional worker backend described in §4.2/§6:
// instead of blocking a condition variable, it yields control back to an
// external event loop (e.g. a UI framework's run loop) and exposes Pump for
// that loop to call on every tick. Notify's "wake" is implemented as "the
// next Pump call should not skip work", mirroring "setting a timer's
// fire-date to now" from the design notes.
//
// HostLoopBackend never spawns a goroutine: the worker only ever executes
// on whatever goroutine calls Pump, which must be the host's own loop
// thread.
type HostLoopBackend struct {
	worker *Worker

	mu           sync.Mutex
	fireNow      bool
	nextDeadline TimeDelta
	terminated   bool
}

// NewHostLoopBackend constructs a backend a host application drives by
// calling Pump. Return it from ManagerConfig.NewBackend in place of the
// default thread backend.
func NewHostLoopBackend() *HostLoopBackend {
	return &HostLoopBackend{nextDeadline: TimeDeltaMax}
}

func (b *HostLoopBackend) start(w *Worker) {
	b.worker = w
}

func (b *HostLoopBackend) notify() {
	b.mu.Lock()
	b.fireNow = true
	b.nextDeadline = 0
	b.mu.Unlock()
}

func (b *HostLoopBackend) waitFor(d TimeDelta) {
	b.mu.Lock()
	if !b.fireNow {
		b.nextDeadline = d
	}
	b.mu.Unlock()
}

func (b *HostLoopBackend) terminate() {
	b.mu.Lock()
	b.terminated = true
	b.fireNow = true
	b.mu.Unlock()
}

// Pump runs exactly one iteration of the worker's loop body. The host
// should call it now, and again no later than NextDeadline from now (or
// sooner, if Notify is called again in the meantime).
func (b *HostLoopBackend) Pump() (exited bool) {
	if b.worker == nil {
		return true
	}
	b.mu.Lock()
	b.fireNow = false
	b.mu.Unlock()

	exited = b.worker.iterate()
	if exited {
		select {
		case <-b.worker.doneCh:
		default:
			close(b.worker.doneCh)
		}
	}
	return exited
}

// NextDeadline reports how long the host may wait before calling Pump
// again, as of the last Pump/Notify call.
func (b *HostLoopBackend) NextDeadline() TimeDelta {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fireNow {
		return 0
	}
	return b.nextDeadline
}
