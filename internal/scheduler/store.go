package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"crossarb/internal/metrics"
)

const schemaVersion = 1

// metadata keys injected alongside the context's own fields
const (
	metaPersistedAt = "_persisted_at"
	metaSchema      = "_schema_version"
	metaContextType = "_context_type"
	metaTaskID      = "_task_id"
	metaState       = "_state"
)

// Store persists task contexts as one JSON file per task id. Writes are
// atomic (tmp then rename, fsync before the swap) so a crash mid-save
// never corrupts a context. Two schedulers must not share a directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// OpenStore creates the directory when missing.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// PersistedTask is one recovered context file: the metadata envelope
// plus the raw context body for the reconstructor.
type PersistedTask struct {
	TaskID      string
	ContextType string
	State       TaskState
	PersistedAt time.Time
	Context     json.RawMessage
}

// Save writes the task's context with its metadata envelope.
func (s *Store) Save(task Task) error {
	body, err := json.Marshal(task.Context())
	if err != nil {
		return fmt.Errorf("marshal context for %s: %w", task.ID(), err)
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return fmt.Errorf("context for %s is not a JSON object: %w", task.ID(), err)
	}
	fields[metaPersistedAt] = time.Now().Unix()
	fields[metaSchema] = schemaVersion
	fields[metaContextType] = task.ContextType()
	fields[metaTaskID] = task.ID()
	fields[metaState] = string(task.State())

	data, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(task.ID())
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		return fmt.Errorf("write context: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	metrics.PersistOps.WithLabelValues("save").Inc()
	return nil
}

// Load reads one persisted context by task id.
func (s *Store) Load(taskID string) (*PersistedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(s.path(taskID))
}

// List returns every persisted context in the directory. Unreadable
// files are skipped; the caller only sees contexts that decode.
func (s *Store) List() ([]PersistedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read task store dir: %w", err)
	}
	var out []PersistedTask
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		pt, err := s.load(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, *pt)
	}
	return out, nil
}

// Delete removes a task's persisted context. Missing files are fine.
func (s *Store) Delete(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(taskID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	metrics.PersistOps.WithLabelValues("delete").Inc()
	return nil
}

// Cleanup deletes contexts persisted more than maxAge ago and returns
// how many were dropped.
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	dropped := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		pt, err := s.load(path)
		if err != nil || pt.PersistedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			dropped++
			metrics.PersistOps.WithLabelValues("cleanup").Inc()
		}
	}
	return dropped, nil
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

func (s *Store) load(path string) (*PersistedTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	pt := &PersistedTask{}
	var persistedAt int64
	if err := popField(fields, metaPersistedAt, &persistedAt); err != nil {
		return nil, err
	}
	pt.PersistedAt = time.Unix(persistedAt, 0)
	if err := popField(fields, metaContextType, &pt.ContextType); err != nil {
		return nil, err
	}
	if err := popField(fields, metaTaskID, &pt.TaskID); err != nil {
		return nil, err
	}
	var state string
	if err := popField(fields, metaState, &state); err != nil {
		return nil, err
	}
	pt.State = TaskState(state)
	delete(fields, metaSchema)

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	pt.Context = body
	metrics.PersistOps.WithLabelValues("load").Inc()
	return pt, nil
}

func popField(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("missing %s", key)
	}
	delete(fields, key)
	return json.Unmarshal(raw, dst)
}

// writeFileSync writes and fsyncs in one pass so the rename that
// follows publishes a fully durable file.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
