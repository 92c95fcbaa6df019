package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cah/internal/config"
	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/queue"
	"github.com/nextlevelbuilder/cah/internal/store"
)

func newTestServer(t *testing.T) (*statusServer, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return newStatusServer(config.Default(), st, queue.New(st.QueuePath())), st
}

func (s *statusServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusEndpointReportsOverview(t *testing.T) {
	s, st := newTestServer(t)
	idle := model.NewTask("idle", "", model.PriorityMedium, model.SourceUser)
	require.NoError(t, st.SaveTask(idle))
	busy := model.NewTask("busy", "", model.PriorityMedium, model.SourceUser)
	busy.Status = model.TaskDeveloping
	require.NoError(t, st.SaveTask(busy))

	rec := s.get(t, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Version string `json:"version"`
		Daemon  struct {
			Running bool `json:"running"`
		} `json:"daemon"`
		Tasks struct {
			Total    int            `json:"total"`
			ByStatus map[string]int `json:"byStatus"`
		} `json:"tasks"`
		Queue struct {
			Active int `json:"active"`
		} `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Daemon.Running)
	assert.Equal(t, 2, body.Tasks.Total)
	assert.Equal(t, 1, body.Tasks.ByStatus[string(model.TaskDeveloping)])
	assert.Equal(t, 0, body.Queue.Active)
}

func TestTaskLogsEndpointReturnsTail(t *testing.T) {
	s, st := newTestServer(t)
	task := model.NewTask("logged", "", model.PriorityMedium, model.SourceUser)
	require.NoError(t, st.SaveTask(task))
	logDir := st.LogDir(task.ID)
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "execution.log"),
		[]byte("line one\nline two\n"), 0o644))

	rec := s.get(t, "/api/tasks/"+task.ID+"/logs?lines=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, task.ID, body["task"])
	tail, _ := body["log"].(string)
	assert.Contains(t, tail, "line two")
	assert.NotContains(t, tail, "line one")
}

func TestTaskLogsEndpointUnknownTask(t *testing.T) {
	s, _ := newTestServer(t)
	rec := s.get(t, "/api/tasks/nope/logs")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
