// Package taskloom provides a Chromium-inspired task scheduling runtime for
// Go. Work is posted to TaskRunners — logically serial queues — rather than
// spawned as bare goroutines, so code that owns a TaskRunner can assume its
// own tasks never run concurrently with one another.
//
// # Quick Start
//
// Create a manager sized to the host and start posting to runners it hands
// out:
//
//	mgr := taskloom.NewWorkerManager(4, taskloom.ManagerConfig{})
//	defer mgr.Terminate()
//
//	r := mgr.CreateTaskRunner(0, taskloom.TaskPriorityUserVisible, true, "worker-1")
//	r.PostTask(taskloom.NewTask(func(ctx context.Context) {
//		// runs sequentially with every other task posted to r
//	}))
//
// To size and tune the pool from a config file instead of literal values,
// load one with the config subpackage and convert it:
//
//	cfg, err := config.LoadTOML("scheduler.toml")
//	mgr := taskloom.NewWorkerManager(cfg.ResolvePoolSize(), cfg.ToManagerConfig())
//
// # Key Concepts
//
// TaskRunner: the posting interface. Tasks posted to the same TaskRunner
// execute strictly in order, one at a time, eliminating the need for locks
// on state only that runner touches.
//
// TaskPriority: orders runners sharing a worker against one another;
// priority determines which runner's task gets picked next, not the order
// of tasks within a single runner.
//
// WorkerManager: owns the pool of Workers a TaskRunner is bound to, and
// rebalances runners across workers when the pool is resized.
//
// Runner-local storage: a slot table each runner carries per worker,
// analogous to thread-local storage, for state a runner's own tasks want to
// share without passing it explicitly through every call.
//
// # Thread Safety
//
// A TaskRunner's own tasks never run concurrently with each other. Two
// different TaskRunners bound to different Workers may run concurrently;
// two bound to the same Worker take turns, ordered by priority.
//
// For more details, see the runner subpackage.
package taskloom
