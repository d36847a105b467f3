package fieldbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-fieldbus/internal/pool"
	"github.com/arloliu/go-fieldbus/logger"
)

// TaskFunc performs one iteration of a task. It returns true to keep running, or false to stop the goroutine.
type TaskFunc func(ctx context.Context) bool

// TaskCancelFunc is called once when a task goroutine exits, for any reason.
type TaskCancelFunc func()

// TaskManager owns the goroutines of one connected session: reactor, sender, receiver
// and the consumer worker pool.
//
// Stop cancels the task context, Wait blocks until every goroutine has returned and then
// re-arms the manager so the next session can start new tasks.
//
//	taskMgr := fieldbus.NewTaskManager(ctx, logger)
//	_ = taskMgr.Start("sender", senderTask, nil)
//	...
//	taskMgr.Stop()
//	taskMgr.Wait()
type TaskManager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protect ctx and cancel
	taskMu sync.RWMutex // protect task creation during Wait()
}

// NewTaskManager creates a new TaskManager with ctx as the parent context.
func NewTaskManager(ctx context.Context, l logger.Logger) *TaskManager {
	mgr := &TaskManager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context canceled by Stop.
func (mgr *TaskManager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start starts a goroutine calling taskFunc until it returns false or the task context is canceled.
// taskCancelFunc, when not nil, is called when the goroutine exits.
func (mgr *TaskManager) Start(name string, taskFunc TaskFunc, taskCancelFunc TaskCancelFunc) error {
	mgr.logger.Debug("start task", "name", name)

	starter, err := mgr.newTaskStarter(name)
	if err != nil {
		return err
	}

	starter.startTask(func() {
		if taskCancelFunc != nil {
			defer taskCancelFunc()
		}
		mgr.runTaskLoop(name, taskFunc)
	})

	return starter.waitForStart()
}

// StartWorkers starts n goroutines running the jobs received from jobs.
//
// Each job runs inside a recover boundary, a panicking job is logged and the worker continues.
func (mgr *TaskManager) StartWorkers(name string, n int, jobs <-chan func()) error {
	mgr.logger.Debug("start workers", "name", name, "count", n)

	if jobs == nil {
		return fmt.Errorf("job channel is nil")
	}
	if n <= 0 {
		return fmt.Errorf("invalid worker count: %d", n)
	}

	for i := range n {
		workerName := fmt.Sprintf("%s-%d", name, i)

		starter, err := mgr.newTaskStarter(workerName)
		if err != nil {
			return err
		}

		starter.startTask(func() {
			ctx := mgr.Context()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					if job != nil {
						mgr.callWithRecover(workerName, job)
					}
				}
			}
		})

		if err := starter.waitForStart(); err != nil {
			return err
		}
	}

	return nil
}

// callWithRecover calls a function with panic protection
func (mgr *TaskManager) callWithRecover(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
		}
	}()

	fn()
}

// Stop signals all running goroutines.
func (mgr *TaskManager) Stop() {
	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate, then prepares a fresh task context.
func (mgr *TaskManager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// WaitTimeout is like Wait but gives up after timeout. It reports whether all goroutines terminated.
func (mgr *TaskManager) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		mgr.Wait()
		close(done)
	}()

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case <-done:
		return true
	case <-timer.C:
		mgr.logger.Error("wait tasks timeout", "timeout", timeout, "task_count", mgr.TaskCount())
		return false
	}
}

// TaskCount returns the number of currently running goroutines.
func (mgr *TaskManager) TaskCount() int {
	return int(mgr.count.Load())
}

// taskStarter encapsulates common startup logic
type taskStarter struct {
	mgr     *TaskManager
	name    string
	started chan error
}

func (mgr *TaskManager) newTaskStarter(name string) (*taskStarter, error) {
	select {
	case <-mgr.Context().Done():
		return nil, fmt.Errorf("task manager already stopped")
	default:
	}

	return &taskStarter{
		mgr:     mgr,
		name:    name,
		started: make(chan error, 1),
	}, nil
}

func (s *taskStarter) startTask(taskBody func()) {
	s.mgr.taskMu.RLock()
	defer s.mgr.taskMu.RUnlock()

	s.mgr.wg.Add(1)
	s.mgr.count.Add(1)

	go func() {
		defer s.mgr.wg.Done()
		defer func() {
			s.mgr.count.Add(-1)
			s.mgr.logger.Debug("task terminated", "name", s.name, "task_count", s.mgr.TaskCount())
		}()

		s.started <- nil
		taskBody()
	}()
}

func (s *taskStarter) waitForStart() error {
	timer := pool.GetTimer(5 * time.Second)
	defer pool.PutTimer(timer)

	select {
	case err := <-s.started:
		if err != nil {
			return fmt.Errorf("failed to start %s: %w", s.name, err)
		}
		return nil

	case <-timer.C:
		return fmt.Errorf("timeout waiting for %s to start", s.name)
	}
}

// runTaskLoop runs a task function in a loop until it returns false or the context is canceled.
func (mgr *TaskManager) runTaskLoop(name string, taskFunc TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task loop", "name", name, "panic", r)
		}
	}()

	for {
		ctx := mgr.Context()
		select {
		case <-ctx.Done():
			return
		default:
			if !taskFunc(ctx) {
				return
			}
		}
	}
}
