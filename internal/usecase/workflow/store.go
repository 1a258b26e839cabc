package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"opsflow/internal/domain"
)

const defaultHistoryLimit = 200

// FileStore implements domain.WorkflowStore with JSON file persistence.
// Every save rewrites the file atomically, so the on-disk state is always a
// complete checkpoint a restarted process can resume from.
type FileStore struct {
	path  string
	limit int
	mu    sync.RWMutex
	runs  map[string]domain.WorkflowRun
}

// NewFileStore creates a file-backed run store at path. historyLimit caps
// how many runs are retained; zero or negative uses the default.
func NewFileStore(path string, historyLimit int) (*FileStore, error) {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("runstore: create dir: %w", err)
	}

	s := &FileStore{
		path:  path,
		limit: historyLimit,
		runs:  make(map[string]domain.WorkflowRun),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("runstore: load: %w", err)
	}
	return s, nil
}

// SaveRun implements domain.WorkflowStore.
func (s *FileStore) SaveRun(_ context.Context, run domain.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run

	if len(s.runs) > s.limit {
		s.evictOldest()
	}

	return s.persist()
}

// GetRun implements domain.WorkflowStore.
func (s *FileStore) GetRun(_ context.Context, id string) (*domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, domain.NewSubSystemError("workflow", "FileStore.GetRun", domain.ErrNotFound, id)
	}
	return &run, nil
}

// ListRuns implements domain.WorkflowStore. Runs are returned newest first.
func (s *FileStore) ListRuns(_ context.Context, limit int) ([]domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]domain.WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// DeleteRun implements domain.WorkflowStore.
func (s *FileStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return domain.NewSubSystemError("workflow", "FileStore.DeleteRun", domain.ErrNotFound, id)
	}
	delete(s.runs, id)
	return s.persist()
}

// FindRunsByWorkItem returns all runs for a work item, newest first. Used by
// the poller to avoid dispatching the same ticket twice.
func (s *FileStore) FindRunsByWorkItem(_ context.Context, workItemID int) ([]domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []domain.WorkflowRun
	for _, r := range s.runs {
		if r.WorkItemID == workItemID {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// --- persistence ---

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.WrapOp("read", err)
	}

	var runs []domain.WorkflowRun
	if err := json.Unmarshal(data, &runs); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(s.path), err)
	}
	for _, r := range runs {
		s.runs[r.ID] = r
	}
	return nil
}

func (s *FileStore) persist() error {
	runs := make([]domain.WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	return writeJSON(s.path, runs)
}

// evictOldest removes the oldest terminal runs until count <= limit.
// Runs still in flight are never evicted.
func (s *FileStore) evictOldest() {
	type entry struct {
		id  string
		run domain.WorkflowRun
	}
	var candidates []entry
	for id, r := range s.runs {
		if r.State.Terminal() {
			candidates = append(candidates, entry{id, r})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].run.CreatedAt.Before(candidates[j].run.CreatedAt)
	})
	for _, c := range candidates {
		if len(s.runs) <= s.limit {
			break
		}
		delete(s.runs, c.id)
	}
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}

var _ domain.WorkflowStore = (*FileStore)(nil)
