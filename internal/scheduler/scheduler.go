package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/config"
	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

// errBackoff is how far a failing step pushes its task out.
const errBackoff = time.Second

type entry struct {
	task    Task
	nextAt  time.Time
	running bool
}

// Scheduler steps tasks cooperatively. Tasks sharing a symbol are
// serialized through a per-symbol mutex; the rest run in parallel. The
// loop itself does no I/O — only tasks touch the network, and the store
// write after each successful step.
type Scheduler struct {
	cfg    config.SchedulerConfig
	store  *Store
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*entry
	symLock map[types.Symbol]*sync.Mutex

	wg sync.WaitGroup
}

func New(cfg config.SchedulerConfig, store *Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		logger:  logger.With("component", "scheduler"),
		tasks:   make(map[string]*entry),
		symLock: make(map[types.Symbol]*sync.Mutex),
	}
}

// Add enqueues a task for immediate execution. A task with a duplicate
// id replaces the previous one only if that one already finished.
func (s *Scheduler) Add(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tasks[task.ID()]; ok && !e.task.State().IsTerminal() {
		s.logger.Warn("task already scheduled", "task_id", task.ID())
		return
	}
	s.tasks[task.ID()] = &entry{task: task, nextAt: time.Now()}
	s.logger.Info("task scheduled", "task_id", task.ID(), "symbol", task.Symbol().String())
}

// Remove stops tracking a task. Its persisted context stays on disk.
func (s *Scheduler) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
}

// Tasks returns the ids of all scheduled tasks.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		out = append(out, id)
	}
	return out
}

// Run polls for ready tasks until ctx is done, then shuts down
// cooperatively: every task gets Stop(), in-flight steps finish, and
// each task's final context is persisted.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			s.dispatchReady(ctx)
		}
	}
}

// dispatchReady launches one step for every due task. An entry stays
// marked running until its step returns, so a slow step can never be
// double-dispatched.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var ready []*entry
	for id, e := range s.tasks {
		if e.running || e.nextAt.After(now) {
			continue
		}
		if e.task.State().IsTerminal() {
			delete(s.tasks, id)
			continue
		}
		e.running = true
		ready = append(ready, e)
	}
	s.mu.Unlock()

	for _, e := range ready {
		s.wg.Add(1)
		go s.runStep(ctx, e)
	}
}

func (s *Scheduler) runStep(ctx context.Context, e *entry) {
	defer s.wg.Done()

	lock := s.symbolLock(e.task.Symbol())
	lock.Lock()
	res := e.task.ExecuteOnce(ctx)
	lock.Unlock()

	outcome := "ok"
	switch {
	case res.Err != nil:
		outcome = "error"
	case res.State.IsTerminal():
		outcome = "terminal"
	}
	metrics.TaskExecutions.WithLabelValues(e.task.ContextType(), outcome).Inc()

	if res.Err != nil {
		s.logger.Warn("task step failed",
			"task_id", e.task.ID(), "state", string(res.State), "error", res.Err)
	}

	// ERROR contexts stay on disk for inspection; a clean finish clears
	// its file.
	if res.Err == nil || res.State == TaskError {
		if err := s.store.Save(e.task); err != nil {
			s.logger.Error("context persist failed", "task_id", e.task.ID(), "error", err)
		}
	}

	finished := !res.Continue || res.State.IsTerminal()
	s.mu.Lock()
	switch {
	case finished:
		delete(s.tasks, e.task.ID())
	case res.Err != nil:
		e.nextAt = time.Now().Add(errBackoff)
		e.running = false
	default:
		e.nextAt = time.Now().Add(res.NextDelay)
		e.running = false
	}
	s.mu.Unlock()

	// Cleanup cancels resting orders over the network, so it must run
	// outside s.mu or one finishing task would stall every dispatch.
	if finished {
		s.finishTask(e.task, res.State)
	}
}

func (s *Scheduler) finishTask(task Task, state TaskState) {
	s.logger.Info("task finished", "task_id", task.ID(), "state", string(state))
	cleanupCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := task.Cleanup(cleanupCtx); err != nil {
		s.logger.Warn("task cleanup failed", "task_id", task.ID(), "error", err)
	}
	if state == TaskError {
		return
	}
	if err := s.store.Delete(task.ID()); err != nil {
		s.logger.Warn("context delete failed", "task_id", task.ID(), "error", err)
	}
}

func (s *Scheduler) symbolLock(symbol types.Symbol) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.symLock[symbol]
	if !ok {
		lock = &sync.Mutex{}
		s.symLock[symbol] = lock
	}
	return lock
}

// shutdown stops every task, waits up to StopTimeout for in-flight
// steps, and persists final contexts.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	tasks := make([]Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		e.task.Stop()
		tasks = append(tasks, e.task)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("shutdown timed out waiting for in-flight steps")
	}

	for _, task := range tasks {
		if task.State().IsTerminal() && task.State() != TaskError {
			continue
		}
		if err := s.store.Save(task); err != nil {
			s.logger.Error("final persist failed", "task_id", task.ID(), "error", err)
		}
	}
	s.logger.Info("scheduler stopped", "tasks_persisted", len(tasks))
}
