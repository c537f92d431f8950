package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"autoflow/internal/task"
	logx "autoflow/pkg/logx"
)

// fileStore persists a memStore.
//
// Files:
//   - <prefix>.tasks.json  (full snapshot, rewritten atomically on change)
//   - <prefix>.runs.jsonl  (append-only run journal)
//
// The journal is periodically compacted down to the retained runs.
type fileStore struct {
	*memStore

	log logx.Logger

	mu          sync.Mutex
	tasksPath   string
	runsPath    string
	runsFile    *os.File
	runsWritten int
}

type tasksSnapshot struct {
	Version int         `json:"version"`
	SavedAt time.Time   `json:"saved_at"`
	Tasks   []task.Task `json:"tasks"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		memStore:  newMemory(cfg.RunHistory),
		log:       log,
		tasksPath: prefix + ".tasks.json",
		runsPath:  prefix + ".runs.jsonl",
	}
	if err := s.loadTasks(); err != nil {
		return nil, err
	}
	if err := s.replayRuns(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run journal unreadable; history starts empty", logx.Err(err))
	}

	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.runsFile = rf
	log.Info("storage opened", logx.String("path", s.tasksPath), logx.Int("tasks", len(s.tasks)))
	return s, nil
}

func (s *fileStore) loadTasks() error {
	b, err := os.ReadFile(s.tasksPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap tasksSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		// A corrupt snapshot must not silently become an empty task list.
		return fmt.Errorf("parse %s: %w", s.tasksPath, err)
	}
	for _, t := range snap.Tasks {
		t.Script = task.ResolveScriptRef(t.Script.Location, string(t.Script.Kind))
		s.tasks[t.ID] = t
	}
	return nil
}

func (s *fileStore) replayRuns() error {
	f, err := os.Open(s.runsPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.TaskID == "" {
			continue
		}
		s.appendRunLocked(r)
	}
	return sc.Err()
}

// saveLocked rewrites the task snapshot via tmp + rename.
func (s *fileStore) saveLocked() error {
	snap := tasksSnapshot{Version: 1, SavedAt: time.Now().UTC(), Tasks: s.snapshot()}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.tasksPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.tasksPath)
}

func (s *fileStore) persist(err error) error {
	if err != nil {
		return err
	}
	if err := s.saveLocked(); err != nil {
		return fmt.Errorf("%w: %w", task.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *fileStore) Put(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist(s.memStore.Put(ctx, t))
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist(s.memStore.Delete(ctx, id))
}

func (s *fileStore) SetEnabled(ctx context.Context, id string, enabled bool) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.memStore.SetEnabled(ctx, id, enabled)
	if err := s.persist(err); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func (s *fileStore) SetLastRun(ctx context.Context, id string, at time.Time, status task.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist(s.memStore.SetLastRun(ctx, id, at, status))
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if err := s.memStore.AppendRun(ctx, r); err != nil {
		return err
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.runsWritten++
	if s.runsWritten%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	if err := s.runsFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.runsFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	enc := json.NewEncoder(s.runsFile)
	for _, r := range s.allRuns() {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.memStore.Close()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}
