package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cah/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	task := model.NewTask("title", "desc", model.PriorityHigh, model.SourceUser)
	require.NoError(t, s.SaveTask(task))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, model.PriorityHigh, got.Priority)

	// SaveTask creates the task's subdirectories.
	assert.DirExists(t, s.LogDir(task.ID))
	assert.DirExists(t, s.OutputsDir(task.ID))
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask("task-nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTask(t *testing.T) {
	s := newTestStore(t)
	task := model.NewTask("t", "d", "", "")
	require.NoError(t, s.SaveTask(task))

	updated, err := s.UpdateTask(task.ID, func(t *model.Task) { t.Status = model.TaskDeveloping })
	require.NoError(t, err)
	assert.Equal(t, model.TaskDeveloping, updated.Status)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskDeveloping, got.Status)
}

func TestGetAllTasksSkipsCorrupt(t *testing.T) {
	s := newTestStore(t)
	good := model.NewTask("good", "", "", "")
	require.NoError(t, s.SaveTask(good))

	badDir := s.TaskDir("task-20260101-000000-bad")
	require.NoError(t, os.MkdirAll(badDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "task.json"), []byte("{broken"), 0o644))

	tasks, err := s.GetAllTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, good.ID, tasks[0].ID)
}

func TestResolveTaskIDPrefix(t *testing.T) {
	s := newTestStore(t)
	a := &model.Task{ID: "task-20260101-000000-aaa", Status: model.TaskPending}
	b := &model.Task{ID: "task-20260202-000000-bbb", Status: model.TaskPending}
	require.NoError(t, s.SaveTask(a))
	require.NoError(t, s.SaveTask(b))

	id, err := s.ResolveTaskID("task-20260101")
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)

	_, err = s.ResolveTaskID("task-2026")
	assert.ErrorIs(t, err, ErrAmbiguousPrefix)

	_, err = s.ResolveTaskID("task-2027")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.ResolveTaskID("ta")
	assert.Error(t, err) // below the minimum prefix length
}

func TestReadJSONCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	var v map[string]any
	err := ReadJSON(path, &v)
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))
	assert.False(t, IsCorrupt(ErrNotFound))
}

func TestBackupCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o644))

	require.NoError(t, BackupCorrupt(path))

	var v map[string]any
	require.NoError(t, ReadJSON(path, &v))
	assert.Empty(t, v)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	backups := 0
	for _, e := range entries {
		if e.Name() != "bad.json" {
			backups++
		}
	}
	assert.Equal(t, 1, backups)
}

func TestInstanceAndStatsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	task := model.NewTask("t", "", "", "")
	require.NoError(t, s.SaveTask(task))

	w := &model.Workflow{ID: "wf-1", TaskID: task.ID, Nodes: []model.Node{{ID: "start", Type: model.NodeStart}}}
	require.NoError(t, s.SaveWorkflow(w))
	in := model.NewInstance("inst-1", w)
	in.Variables["k"] = "v"
	require.NoError(t, s.SaveInstance(task.ID, in))

	got, err := s.GetInstance(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", got.ID)
	assert.Equal(t, "v", got.Variables["k"])
	assert.Equal(t, model.NodePending, got.State("start").Status)

	st, err := s.GetStats(task.ID)
	require.NoError(t, err)
	assert.Zero(t, st.NodesDone) // missing stats.json yields an empty rollup

	st.NodesDone = 2
	require.NoError(t, s.SaveStats(task.ID, st))
	st2, err := s.GetStats(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st2.NodesDone)
}

func TestAppendJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	require.NoError(t, AppendJSONL(path, map[string]any{"a": 1}))
	require.NoError(t, AppendJSONL(path, map[string]any{"b": 2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", string(data))
}
