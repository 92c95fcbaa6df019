// Package store owns all JSON files under the data root. Every other
// component reads and writes task state through it. Writes are atomic
// (temp file + fsync + rename); reads tolerate missing and corrupt files.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/cah/internal/model"
)

var (
	// ErrNotFound means the task/workflow/instance does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguousPrefix means an id prefix matched more than one task.
	ErrAmbiguousPrefix = errors.New("ambiguous id prefix")
	// ErrCorrupt means a JSON file exists but cannot be parsed.
	ErrCorrupt = errors.New("corrupt json file")
)

// MinPrefixLen is the shortest accepted task-id prefix for lookup.
const MinPrefixLen = 4

// Store provides file-backed persistence rooted at a data directory.
type Store struct {
	root string
}

// New creates a Store rooted at dir, creating the tasks directory.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = ".cah-data"
	}
	if err := os.MkdirAll(filepath.Join(dir, "tasks"), 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the data root directory.
func (s *Store) Root() string { return s.root }

// TaskDir returns the folder holding one task's files.
func (s *Store) TaskDir(taskID string) string {
	return filepath.Join(s.root, "tasks", taskID)
}

// LogDir returns the task's log directory.
func (s *Store) LogDir(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "logs")
}

// OutputsDir returns the task's per-node outputs directory.
func (s *Store) OutputsDir(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "outputs")
}

// QueuePath returns the global queue.json path.
func (s *Store) QueuePath() string { return filepath.Join(s.root, "queue.json") }

// RunnerLockPath returns the queue-runner singleton lock path.
func (s *Store) RunnerLockPath() string { return filepath.Join(s.root, "runner.lock") }

// DefaultChatIDPath returns the persisted default chat id file.
func (s *Store) DefaultChatIDPath() string { return filepath.Join(s.root, "lark-chat-id") }

// WriteJSON atomically serializes v to path: marshal → sibling temp →
// fsync → rename.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// ReadJSON reads path into v. Missing files return ErrNotFound; unparseable
// files return ErrCorrupt wrapping the cause.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

// IsCorrupt reports whether err came from an unparseable JSON file.
func IsCorrupt(err error) bool { return errors.Is(err, ErrCorrupt) }

// BackupCorrupt renames a corrupt file aside and replaces it with {}.
// Used by the auto-repair job.
func BackupCorrupt(path string) error {
	backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, backup); err != nil {
		return err
	}
	slog.Warn("backed up corrupt file", "path", path, "backup", backup)
	return os.WriteFile(path, []byte("{}\n"), 0o644)
}

// --- Task ---

// SaveTask persists the task, creating its folder on first write.
func (s *Store) SaveTask(t *model.Task) error {
	t.UpdatedAt = time.Now()
	dir := s.TaskDir(t.ID)
	for _, sub := range []string{"logs", "outputs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return err
		}
	}
	return WriteJSON(filepath.Join(dir, "task.json"), t)
}

// GetTask loads a task by full id.
func (s *Store) GetTask(id string) (*model.Task, error) {
	var t model.Task
	if err := ReadJSON(filepath.Join(s.TaskDir(id), "task.json"), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask applies mutate to the stored task and writes it back.
func (s *Store) UpdateTask(id string, mutate func(*model.Task)) (*model.Task, error) {
	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	mutate(t)
	if err := s.SaveTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTask removes the whole task folder.
func (s *Store) DeleteTask(id string) error {
	dir := s.TaskDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotFound
	}
	return os.RemoveAll(dir)
}

// GetAllTasks loads every readable task, newest first. Corrupt task files
// are logged and skipped.
func (s *Store) GetAllTasks() ([]*model.Task, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "tasks"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var tasks []*model.Task
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := s.GetTask(e.Name())
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				slog.Warn("skipping unreadable task", "task", e.Name(), "error", err)
			}
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks, nil
}

// GetTasksByStatus filters GetAllTasks by status.
func (s *Store) GetTasksByStatus(status model.TaskStatus) ([]*model.Task, error) {
	all, err := s.GetAllTasks()
	if err != nil {
		return nil, err
	}
	var out []*model.Task
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// ResolveTaskID resolves a full id or a prefix (≥4 chars) to a task id.
// Returns ErrAmbiguousPrefix when more than one task matches.
func (s *Store) ResolveTaskID(prefix string) (string, error) {
	if len(prefix) < MinPrefixLen {
		return "", fmt.Errorf("id prefix %q too short (min %d chars)", prefix, MinPrefixLen)
	}
	if _, err := os.Stat(filepath.Join(s.TaskDir(prefix), "task.json")); err == nil {
		return prefix, nil
	}
	entries, err := os.ReadDir(filepath.Join(s.root, "tasks"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	var matches []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			matches = append(matches, e.Name())
		}
	}
	switch len(matches) {
	case 0:
		return "", ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %q matches %d tasks", ErrAmbiguousPrefix, prefix, len(matches))
	}
}

// --- Workflow ---

// SaveWorkflow persists the workflow under its task folder.
func (s *Store) SaveWorkflow(w *model.Workflow) error {
	return WriteJSON(filepath.Join(s.TaskDir(w.TaskID), "workflow.json"), w)
}

// GetWorkflow loads the workflow for a task.
func (s *Store) GetWorkflow(taskID string) (*model.Workflow, error) {
	var w model.Workflow
	if err := ReadJSON(filepath.Join(s.TaskDir(taskID), "workflow.json"), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// --- Instance ---

// SaveInstance persists the instance under its task folder.
func (s *Store) SaveInstance(taskID string, in *model.Instance) error {
	return WriteJSON(filepath.Join(s.TaskDir(taskID), "instance.json"), in)
}

// GetInstance loads the instance for a task.
func (s *Store) GetInstance(taskID string) (*model.Instance, error) {
	var in model.Instance
	if err := ReadJSON(filepath.Join(s.TaskDir(taskID), "instance.json"), &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// --- ProcessInfo ---

// SaveProcessInfo persists process.json for a task.
func (s *Store) SaveProcessInfo(taskID string, p *model.ProcessInfo) error {
	return WriteJSON(filepath.Join(s.TaskDir(taskID), "process.json"), p)
}

// GetProcessInfo loads process.json for a task.
func (s *Store) GetProcessInfo(taskID string) (*model.ProcessInfo, error) {
	var p model.ProcessInfo
	if err := ReadJSON(filepath.Join(s.TaskDir(taskID), "process.json"), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Stats ---

// SaveStats persists the per-task rollup.
func (s *Store) SaveStats(taskID string, st *model.Stats) error {
	st.UpdatedAt = time.Now()
	return WriteJSON(filepath.Join(s.TaskDir(taskID), "stats.json"), st)
}

// GetStats loads the rollup, returning an empty one when missing.
func (s *Store) GetStats(taskID string) (*model.Stats, error) {
	var st model.Stats
	err := ReadJSON(filepath.Join(s.TaskDir(taskID), "stats.json"), &st)
	if errors.Is(err, ErrNotFound) {
		return &model.Stats{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// AppendMessage appends one inbound message record to messages.jsonl.
func (s *Store) AppendMessage(taskID string, msg any) error {
	return AppendJSONL(filepath.Join(s.TaskDir(taskID), "messages.jsonl"), msg)
}

// AppendJSONL appends v as a single JSON line to path.
func AppendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}
