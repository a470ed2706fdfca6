package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestManagerPriorityMonotonicity covers S3: on a two-worker pool, a
// saturated higher-priority runner executes at least as many tasks as a
// saturated lower-priority one. Round-robin placement puts the two runners
// on different workers.
func TestManagerPriorityMonotonicity(t *testing.T) {
	mgr := newTestManager(2)
	defer mgr.Terminate()

	r1 := mgr.CreateTaskRunner(0, TaskPriorityUserBlocking, true, "r1")
	r2 := mgr.CreateTaskRunner(0, TaskPriorityBestEffort, true, "r2")

	var countA, countB atomic.Int64
	stop := make(chan struct{})

	var postLoop func(r TaskRunner, counter *atomic.Int64)
	postLoop = func(r TaskRunner, counter *atomic.Int64) {
		r.PostTask(NewTask(func(ctx context.Context) {
			counter.Add(1)
			select {
			case <-stop:
				return
			default:
				postLoop(r, counter)
			}
		}))
	}

	postLoop(r1, &countA)
	postLoop(r2, &countB)

	time.Sleep(100 * time.Millisecond)
	close(stop)
	time.Sleep(20 * time.Millisecond)

	if countA.Load() < countB.Load() {
		t.Errorf("expected higher-priority runner to execute at least as many tasks, got A=%d B=%d", countA.Load(), countB.Load())
	}
}

// TestManagerResizeMigratesRunnerLocalStorage covers property 5 / S5.
func TestManagerResizeMigratesRunnerLocalStorage(t *testing.T) {
	mgr := newTestManager(1)
	defer mgr.Terminate()

	r := mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r1")

	var key RunnerKey
	setDone := make(chan struct{})
	r.PostTask(NewTask(func(ctx context.Context) {
		defer close(setDone)
		key = r.RunnerKeyCreate(nil)
		r.RunnerSetSpecific(key, 42)
	}))
	<-setDone

	mgr.Resize(3)
	time.Sleep(20 * time.Millisecond)

	readDone := make(chan struct{})
	var got any
	var ok bool
	r.PostTask(NewTask(func(ctx context.Context) {
		defer close(readDone)
		got, ok = r.RunnerGetSpecific(key)
	}))
	<-readDone

	if !ok || got.(int) != 42 {
		t.Errorf("expected (42, true) after migration, got (%v, %v)", got, ok)
	}
}

// TestManagerResizeShrinkRedistributes confirms runners bound to a removed
// worker keep running after Resize shrinks the pool.
func TestManagerResizeShrinkRedistributes(t *testing.T) {
	mgr := newTestManager(3)
	defer mgr.Terminate()

	// Round-robin placement puts the third runner on the third worker, which
	// Resize(1) removes.
	mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r0")
	mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r1")
	r := mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r2")

	mgr.Resize(1)
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	r.PostTask(NewTask(func(ctx context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not run after pool shrank")
	}

	if mgr.WorkerCount() != 1 {
		t.Errorf("expected 1 worker after shrink, got %d", mgr.WorkerCount())
	}
}

// TestManagerRemoveTaskRunnerRunsDestructors confirms RemoveTaskRunner
// invokes every registered runner-local-storage destructor.
func TestManagerRemoveTaskRunnerRunsDestructors(t *testing.T) {
	mgr := newTestManager(1)
	defer mgr.Terminate()

	r := mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r1")

	destroyed := make(chan any, 1)
	setDone := make(chan struct{})
	r.PostTask(NewTask(func(ctx context.Context) {
		defer close(setDone)
		key := r.RunnerKeyCreate(func(v any) { destroyed <- v })
		r.RunnerSetSpecific(key, "payload")
	}))
	<-setDone

	mgr.RemoveTaskRunner(r)

	select {
	case v := <-destroyed:
		if v != "payload" {
			t.Errorf("expected destructor called with \"payload\", got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("destructor was not invoked after RemoveTaskRunner")
	}
}

// TestManagerGroupIDColocation confirms two runners sharing a non-zero
// group_id always land on the same worker.
func TestManagerGroupIDColocation(t *testing.T) {
	mgr := newTestManager(8)
	defer mgr.Terminate()

	r1 := mgr.CreateTaskRunner(7, TaskPriorityUserVisible, true, "g1")
	r2 := mgr.CreateTaskRunner(7, TaskPriorityUserVisible, true, "g2")

	w1 := r1.(*Runner).worker()
	w2 := r2.(*Runner).worker()
	if w1 == nil || w2 == nil || w1 != w2 {
		t.Errorf("expected runners sharing group_id to bind to the same worker, got %v and %v", w1, w2)
	}
}

// TestManagerConfigRunnerLocalStorageSlots confirms ManagerConfig's
// RunnerLocalStorageSlots actually bounds key creation, rather than every
// worker silently using the package default.
func TestManagerConfigRunnerLocalStorageSlots(t *testing.T) {
	mgr := NewWorkerManager(1, ManagerConfig{RunnerLocalStorageSlots: 2})
	defer mgr.Terminate()

	r := mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r1")

	var keys [3]RunnerKey
	done := make(chan struct{})
	r.PostTask(NewTask(func(ctx context.Context) {
		defer close(done)
		for i := range keys {
			keys[i] = r.RunnerKeyCreate(nil)
		}
	}))
	<-done

	if keys[0] == InvalidRunnerKey || keys[1] == InvalidRunnerKey {
		t.Fatalf("expected the first 2 keys to succeed with a 2-slot config, got %v", keys)
	}
	if keys[2] != InvalidRunnerKey {
		t.Errorf("expected the 3rd key to exhaust a 2-slot config, got %v", keys[2])
	}
}

// TestManagerConfigDefaultPriority confirms CreateTaskRunner substitutes
// ManagerConfig.DefaultPriority when the caller passes the zero TaskPriority.
func TestManagerConfigDefaultPriority(t *testing.T) {
	mgr := NewWorkerManager(1, ManagerConfig{DefaultPriority: TaskPriorityBestEffort})
	defer mgr.Terminate()

	r := mgr.CreateTaskRunner(0, 0, true, "r1")
	if r.Priority() != TaskPriorityBestEffort {
		t.Errorf("expected zero-value priority to resolve to the configured default, got %v", r.Priority())
	}
}

// TestManagerConcurrentCreateTaskRunner exercises CreateTaskRunner under
// concurrent callers to make sure the round-robin cursor never races into
// a duplicate assignment that panics.
func TestManagerConcurrentCreateTaskRunner(t *testing.T) {
	mgr := newTestManager(4)
	defer mgr.Terminate()

	var wg sync.WaitGroup
	n := 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r")
		}(i)
	}
	wg.Wait()
}
