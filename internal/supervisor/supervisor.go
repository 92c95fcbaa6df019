// Package supervisor owns task subprocess lifecycles: it spawns the
// detached per-task runner, tracks its PID in process.json, detects
// orphans after crashes, and drives stop/pause/resume from outside the
// subprocess.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/cah/internal/engine"
	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/queue"
	"github.com/nextlevelbuilder/cah/internal/store"
)

// stopGrace is how long SIGTERM gets before SIGKILL when stopping a task.
const stopGrace = 5 * time.Second

// Supervisor spawns and controls task subprocesses.
type Supervisor struct {
	st  *store.Store
	q   *queue.Queue
	bin string // executable to spawn; defaults to the current binary
}

// New creates a Supervisor. bin may be empty to use os.Executable.
func New(st *store.Store, q *queue.Queue, bin string) *Supervisor {
	return &Supervisor{st: st, q: q, bin: bin}
}

func (s *Supervisor) executable() (string, error) {
	if s.bin != "" {
		return s.bin, nil
	}
	return os.Executable()
}

// Spawn starts the detached runner subprocess for a task. The child gets
// its own session, stdin from /dev/null, and both output streams appended
// to logs/execution.log. process.json is written before the child is
// released so a crash between spawn and write cannot lose the PID.
func (s *Supervisor) Spawn(taskID string) (*model.ProcessInfo, error) {
	if info, err := s.st.GetProcessInfo(taskID); err == nil && info.Status == model.ProcessRunning && IsAlive(info.PID) {
		return info, fmt.Errorf("task %s already has a live process (pid %d)", taskID, info.PID)
	}

	bin, err := s.executable()
	if err != nil {
		return nil, err
	}
	logPath := filepath.Join(s.st.LogDir(taskID), "execution.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	name := bin
	args := []string{"task-exec", "--task", taskID}
	if runtime.GOOS == "darwin" {
		// Keep the machine awake while the task runs.
		args = append([]string{"-i", bin}, args...)
		name = "caffeinate"
	}

	cmd := exec.Command(name, args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"CAH_TASK_ID="+taskID,
		"CAH_DATA_DIR="+s.st.Root(),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn task runner: %w", err)
	}
	info := &model.ProcessInfo{
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		Status:    model.ProcessRunning,
	}
	if err := s.st.SaveProcessInfo(taskID, info); err != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		return nil, fmt.Errorf("record process info: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		slog.Warn("release child failed", "task", taskID, "error", err)
	}
	slog.Info("task subprocess started", "task", taskID, "pid", info.PID)
	return info, nil
}

// IsAlive reports whether a PID refers to a live process. EPERM counts as
// alive: the process exists but belongs to someone else.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// ProcessStatus returns the recorded process info with liveness folded in:
// a recorded running PID that is dead comes back as crashed.
func (s *Supervisor) ProcessStatus(taskID string) (*model.ProcessInfo, error) {
	info, err := s.st.GetProcessInfo(taskID)
	if err != nil {
		return nil, err
	}
	if info.Status == model.ProcessRunning && !IsAlive(info.PID) {
		info.Status = model.ProcessCrashed
		if err := s.st.SaveProcessInfo(taskID, info); err != nil {
			slog.Warn("process info update failed", "task", taskID, "error", err)
		}
	}
	return info, nil
}

// activeStatuses are task states that imply a subprocess should be alive.
// Waiting counts: a task parked on a human gate or a schedule still needs
// its subprocess so the decision can be consumed when it lands.
var activeStatuses = map[model.TaskStatus]bool{
	model.TaskPlanning:   true,
	model.TaskDeveloping: true,
	model.TaskReviewing:  true,
	model.TaskWaiting:    true,
}

// DetectOrphans returns tasks whose status says they are running but whose
// recorded subprocess is gone.
func (s *Supervisor) DetectOrphans() ([]*model.Task, error) {
	tasks, err := s.st.GetAllTasks()
	if err != nil {
		return nil, err
	}
	var orphans []*model.Task
	for _, t := range tasks {
		if !activeStatuses[t.Status] {
			continue
		}
		info, err := s.ProcessStatus(t.ID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && info.Status != model.ProcessRunning) {
			orphans = append(orphans, t)
		}
	}
	return orphans, nil
}

// Respawn restarts an orphaned task. The engine's recovery path resets
// interrupted nodes when the new subprocess begins.
func (s *Supervisor) Respawn(taskID string) error {
	_, err := s.Spawn(taskID)
	return err
}

// Stop cancels a task: non-terminal queue jobs are cancelled, the
// subprocess group gets SIGTERM then SIGKILL, and the task goes to
// cancelled.
func (s *Supervisor) Stop(taskID string) error {
	if in, err := s.st.GetInstance(taskID); err == nil && !in.Status.IsTerminal() {
		in.Status = model.InstanceCancelled
		now := time.Now()
		in.CompletedAt = &now
		if err := s.st.SaveInstance(taskID, in); err != nil {
			return err
		}
		if _, err := s.q.CancelJobsForInstance(in.ID); err != nil {
			slog.Warn("cancel jobs failed", "task", taskID, "error", err)
		}
	}
	s.killProcess(taskID)
	_, err := s.st.UpdateTask(taskID, func(t *model.Task) {
		if !t.Status.IsTerminal() {
			t.Status = model.TaskCancelled
		}
	})
	return err
}

// Pause asks the subprocess to stop at the next node boundary. The
// subprocess persists the paused state and exits on its own.
func (s *Supervisor) Pause(taskID, reason string) error {
	t, err := s.st.GetTask(taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s is already %s", taskID, t.Status)
	}
	return engine.RequestPause(s.st, taskID, reason)
}

// Resume clears a pause (or picks up a crashed task) and spawns a fresh
// subprocess.
func (s *Supervisor) Resume(taskID string) error {
	if err := engine.ClearPause(s.st, taskID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := s.st.UpdateTask(taskID, func(t *model.Task) {
		if t.Status == model.TaskPaused {
			t.Status = model.TaskDeveloping
		}
	}); err != nil {
		return err
	}
	return s.Respawn(taskID)
}

// Complete force-finishes a task from outside: the instance is cancelled,
// the subprocess killed, and the task recorded completed with the given
// summary.
func (s *Supervisor) Complete(taskID, summary string) error {
	return s.forceFinish(taskID, model.TaskCompleted, summary)
}

// Reject force-fails a task from outside.
func (s *Supervisor) Reject(taskID, reason string) error {
	return s.forceFinish(taskID, model.TaskFailed, reason)
}

func (s *Supervisor) forceFinish(taskID string, status model.TaskStatus, note string) error {
	if in, err := s.st.GetInstance(taskID); err == nil && !in.Status.IsTerminal() {
		in.Status = model.InstanceCancelled
		now := time.Now()
		in.CompletedAt = &now
		if err := s.st.SaveInstance(taskID, in); err != nil {
			return err
		}
		if _, err := s.q.CancelJobsForInstance(in.ID); err != nil {
			slog.Warn("cancel jobs failed", "task", taskID, "error", err)
		}
	}
	s.killProcess(taskID)
	_, err := s.st.UpdateTask(taskID, func(t *model.Task) {
		t.Status = status
		if note != "" {
			if t.Output == nil {
				t.Output = &model.TaskOutput{}
			}
			t.Output.Summary = note
		}
	})
	return err
}

// killProcess terminates the task's recorded subprocess group, escalating
// SIGTERM to SIGKILL after the grace window.
func (s *Supervisor) killProcess(taskID string) {
	info, err := s.st.GetProcessInfo(taskID)
	if err != nil || !IsAlive(info.PID) {
		return
	}
	KillTree(info.PID, stopGrace)
	info.Status = model.ProcessStopped
	if err := s.st.SaveProcessInfo(taskID, info); err != nil {
		slog.Warn("process info update failed", "task", taskID, "error", err)
	}
}

// KillTree sends SIGTERM to the process group and SIGKILL once the grace
// window passes without the leader dying.
func KillTree(pid int, grace time.Duration) {
	syscall.Kill(-pid, syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !IsAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	syscall.Kill(-pid, syscall.SIGKILL)
}
