package scheduler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Reconstructor rebuilds a live task from its persisted context body.
type Reconstructor func(ctx json.RawMessage) (Task, error)

var (
	reconMu    sync.RWMutex
	reconTable = make(map[string]Reconstructor)
)

// RegisterReconstructor maps a context type name to its reconstructor.
// Strategy packages call this from init(). Duplicate names panic, same
// as a duplicate adapter registration would.
func RegisterReconstructor(contextType string, fn Reconstructor) {
	reconMu.Lock()
	defer reconMu.Unlock()
	if _, dup := reconTable[contextType]; dup {
		panic(fmt.Sprintf("scheduler: reconstructor %q registered twice", contextType))
	}
	reconTable[contextType] = fn
}

func reconstructorFor(contextType string) (Reconstructor, bool) {
	reconMu.RLock()
	defer reconMu.RUnlock()
	fn, ok := reconTable[contextType]
	return fn, ok
}

// Recover drops contexts older than maxAge, then rebuilds a task from
// every remaining context with a known type. Unknown types and tasks
// already in a terminal state are skipped with a warning; they stay on
// disk for operator inspection.
func Recover(store *Store, maxAge time.Duration, logger *slog.Logger) ([]Task, error) {
	if maxAge > 0 {
		if dropped, err := store.Cleanup(maxAge); err != nil {
			logger.Warn("stale context cleanup failed", "error", err)
		} else if dropped > 0 {
			logger.Info("dropped stale task contexts", "count", dropped)
		}
	}

	persisted, err := store.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(persisted, func(i, j int) bool { return persisted[i].TaskID < persisted[j].TaskID })

	var tasks []Task
	for _, pt := range persisted {
		if pt.State.IsTerminal() {
			logger.Warn("skipping terminal persisted task",
				"task_id", pt.TaskID, "state", string(pt.State))
			continue
		}
		fn, ok := reconstructorFor(pt.ContextType)
		if !ok {
			logger.Warn("skipping persisted task with unknown context type",
				"task_id", pt.TaskID, "context_type", pt.ContextType)
			continue
		}
		task, err := fn(pt.Context)
		if err != nil {
			logger.Warn("task reconstruction failed",
				"task_id", pt.TaskID, "context_type", pt.ContextType, "error", err)
			continue
		}
		logger.Info("recovered task", "task_id", task.ID(), "context_type", pt.ContextType)
		tasks = append(tasks, task)
	}
	return tasks, nil
}
