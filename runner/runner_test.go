package runner

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestManager(size int) *WorkerManager {
	return NewWorkerManager(size, ManagerConfig{})
}

// TestRunnerFIFOWithinRunner covers property 1: tasks posted to one runner
// with no delays execute in post order.
func TestRunnerFIFOWithinRunner(t *testing.T) {
	mgr := newTestManager(1)
	defer mgr.Terminate()

	r := mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r1")

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(3)

	for _, s := range []string{"a", "b", "c"} {
		s := s
		r.PostTask(NewTask(func(ctx context.Context) {
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
			wg.Done()
		}))
	}

	wg.Wait()
	mu.Lock()
	joined := ""
	for _, s := range got {
		joined += s
	}
	mu.Unlock()
	if joined != "abc" {
		t.Errorf("expected execution order abc, got %s", joined)
	}
}

// TestRunnerDelayedTaskOrdering covers S2: an early immediate task observed
// before a delayed one posted first.
func TestRunnerDelayedTaskOrdering(t *testing.T) {
	mgr := newTestManager(1)
	defer mgr.Terminate()

	r := mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r1")

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(2)

	r.PostDelayedTask(NewTask(func(ctx context.Context) {
		mu.Lock()
		got = append(got, "late")
		mu.Unlock()
		wg.Done()
	}), 100*time.Millisecond)

	r.PostTask(NewTask(func(ctx context.Context) {
		mu.Lock()
		got = append(got, "early")
		mu.Unlock()
		wg.Done()
	}))

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "early" || got[1] != "late" {
		t.Errorf("expected [early late], got %v", got)
	}
}

// TestRunnerDeadlineRespected covers property 2: a delayed task never fires
// before post_time + delay.
func TestRunnerDeadlineRespected(t *testing.T) {
	mgr := newTestManager(1)
	defer mgr.Terminate()

	r := mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r1")

	start := time.Now()
	done := make(chan time.Time, 1)
	r.PostDelayedTask(NewTask(func(ctx context.Context) {
		done <- time.Now()
	}), 50*time.Millisecond)

	fired := <-done
	if fired.Sub(start) < 50*time.Millisecond {
		t.Errorf("task fired %v after post, before its 50ms delay elapsed", fired.Sub(start))
	}
}

// TestRunnerCancelSkipsThunk covers property 7.
func TestRunnerCancelSkipsThunk(t *testing.T) {
	mgr := newTestManager(1)
	defer mgr.Terminate()

	r := mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r1")

	ran := false
	task := NewTask(func(ctx context.Context) { ran = true })
	task.Cancel()

	done := make(chan struct{})
	r.PostTask(task)
	r.PostTask(NewTask(func(ctx context.Context) { close(done) }))
	<-done

	if ran {
		t.Error("cancelled task's thunk ran")
	}
}

// TestRunnerAtMostOneExecuting covers property 3: no two tasks of the same
// runner are ever observed executing concurrently.
func TestRunnerAtMostOneExecuting(t *testing.T) {
	mgr := newTestManager(4)
	defer mgr.Terminate()

	r := mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r1")

	var mu sync.Mutex
	inFlight := 0
	violated := false
	var wg sync.WaitGroup
	n := 200
	wg.Add(n)

	for i := 0; i < n; i++ {
		r.PostTask(NewTask(func(ctx context.Context) {
			mu.Lock()
			inFlight++
			if inFlight > 1 {
				violated = true
			}
			mu.Unlock()

			mu.Lock()
			inFlight--
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()

	if violated {
		t.Error("observed more than one task of the same runner executing at once")
	}
}

// TestRunnerStaleKeyReturnsSentinel covers the "stale/invalid key" error
// taxonomy entry.
func TestRunnerStaleKeyReturnsSentinel(t *testing.T) {
	mgr := newTestManager(1)
	defer mgr.Terminate()

	r := mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r1")

	done := make(chan struct{})
	r.PostTask(NewTask(func(ctx context.Context) {
		defer close(done)
		if ok := r.RunnerKeyDelete(RunnerKey(999)); ok {
			t.Error("expected delete of unknown key to report false")
		}
		if _, ok := r.RunnerGetSpecific(RunnerKey(999)); ok {
			t.Error("expected get of unknown key to report false")
		}
	}))
	<-done
}

// TestRunnerLocalStorageRoundTrip exercises RunnerKeyCreate/SetSpecific/
// GetSpecific within a single runner's task.
func TestRunnerLocalStorageRoundTrip(t *testing.T) {
	mgr := newTestManager(1)
	defer mgr.Terminate()

	r := mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "r1")

	done := make(chan struct{})
	r.PostTask(NewTask(func(ctx context.Context) {
		defer close(done)
		key := r.RunnerKeyCreate(nil)
		if key == InvalidRunnerKey {
			t.Fatal("expected a valid key")
		}
		r.RunnerSetSpecific(key, 42)
		v, ok := r.RunnerGetSpecific(key)
		if !ok || v.(int) != 42 {
			t.Errorf("expected (42, true), got (%v, %v)", v, ok)
		}
	}))
	<-done
}

// TestRunnerPostTaskNoWorkerIsSilentDrop covers the capacity-exhaustion
// error taxonomy entry: PostTask on an unbound runner.
func TestRunnerPostTaskNoWorkerIsSilentDrop(t *testing.T) {
	r := newRunner(1, "unbound", 0, TaskPriorityUserVisible, true, 0)
	ran := false
	r.PostTask(NewTask(func(ctx context.Context) { ran = true }))
	time.Sleep(10 * time.Millisecond)
	if ran {
		t.Error("expected PostTask on an unbound runner to be a silent no-op")
	}
}

// TestGetCurrentTaskRunnerInsideTask confirms the context-based accessor
// returns the runner whose task is currently executing.
func TestGetCurrentTaskRunnerInsideTask(t *testing.T) {
	mgr := newTestManager(1)
	defer mgr.Terminate()

	r := mgr.CreateTaskRunner(0, TaskPriorityUserVisible, true, "named-runner")

	done := make(chan struct{})
	r.PostTask(NewTask(func(ctx context.Context) {
		defer close(done)
		current := GetCurrentTaskRunner(ctx)
		if current == nil || current.Name() != "named-runner" {
			t.Errorf("expected current runner named-runner, got %v", current)
		}
	}))
	<-done
}
