// Package daemon is the long-running orchestrator: cron-driven jobs that
// start pending tasks, repair corrupt state, recover schedule waits, and
// run the hourly evolution sweep. Exactly one daemon runs per data dir,
// enforced by runner.lock.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nextlevelbuilder/cah/internal/bus"
	"github.com/nextlevelbuilder/cah/internal/config"
	"github.com/nextlevelbuilder/cah/internal/engine"
	"github.com/nextlevelbuilder/cah/internal/invoker"
	"github.com/nextlevelbuilder/cah/internal/lockfile"
	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/planner"
	"github.com/nextlevelbuilder/cah/internal/queue"
	"github.com/nextlevelbuilder/cah/internal/store"
	"github.com/nextlevelbuilder/cah/internal/supervisor"
)

// Daemon wires the cron jobs over the shared store and queue.
type Daemon struct {
	cfg  *config.Config
	st   *store.Store
	q    *queue.Queue
	sup  *supervisor.Supervisor
	inv  *invoker.Invoker
	bus  *bus.Bus
	cron *cron.Cron
	lock *lockfile.Lock
}

// New builds a Daemon. The bus carries lifecycle events to the messenger.
func New(cfg *config.Config, st *store.Store, b *bus.Bus) *Daemon {
	q := queue.New(st.QueuePath())
	return &Daemon{
		cfg:  cfg,
		st:   st,
		q:    q,
		sup:  supervisor.New(st, q, ""),
		inv:  invoker.New(invoker.Config{Binary: cfg.LLM.Binary, DefaultModel: cfg.LLM.Model, Timeout: cfg.LLM.Timeout()}),
		bus:  b,
		lock: lockfile.New(st.RunnerLockPath()),
	}
}

// Supervisor exposes the daemon's supervisor for command handlers.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// Queue exposes the shared queue.
func (d *Daemon) Queue() *queue.Queue { return d.q }

// Start acquires the singleton lock and schedules the cron jobs. It
// returns once scheduling is done; Stop tears everything down.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.lock.Acquire(); err != nil {
		return fmt.Errorf("another daemon holds %s: %w", d.st.RunnerLockPath(), err)
	}

	// Five-field specs plus descriptors; every job is panic-isolated and
	// never overlaps itself.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.DiscardLogger
	d.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"poll", d.cfg.Daemon.PollSpec, d.pollPendingTasks},
		{"repair", d.cfg.Daemon.RepairSpec, d.repairSweep},
		{"schedule-wait", d.cfg.Daemon.ScheduleWaitSpec, d.scheduleWaitSweep},
		{"evolution", d.cfg.Daemon.EvolutionSpec, d.evolutionSweep},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := d.cron.AddFunc(j.spec, j.fn); err != nil {
			d.lock.Release()
			return fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
		slog.Info("daemon job scheduled", "job", j.name, "spec", j.spec)
	}

	d.cron.Start()
	slog.Info("daemon started", "dataDir", d.st.Root(), "pid", os.Getpid())
	return nil
}

// Stop halts the cron scheduler, waits for in-flight jobs, and releases
// the singleton lock. Task subprocesses keep running; they are detached.
func (d *Daemon) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
	d.lock.Release()
	slog.Info("daemon stopped")
}

// pollPendingTasks starts queued tasks, highest priority first, oldest
// first within a priority, honoring the running-task cap.
func (d *Daemon) pollPendingTasks() {
	d.lock.Touch()
	pending, err := d.st.GetTasksByStatus(model.TaskPending)
	if err != nil || len(pending) == 0 {
		return
	}
	running := d.countActive()
	budget := d.cfg.Daemon.MaxRunningTasks - running
	if budget <= 0 {
		return
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority.Rank() != pending[j].Priority.Rank() {
			return pending[i].Priority.Rank() > pending[j].Priority.Rank()
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, t := range pending {
		if budget <= 0 {
			return
		}
		if err := d.launchTask(t); err != nil {
			slog.Error("task launch failed", "task", t.ID, "error", err)
			continue
		}
		budget--
	}
}

func (d *Daemon) countActive() int {
	tasks, err := d.st.GetAllTasks()
	if err != nil {
		return d.cfg.Daemon.MaxRunningTasks // fail closed
	}
	n := 0
	for _, t := range tasks {
		switch t.Status {
		case model.TaskPlanning, model.TaskDeveloping, model.TaskReviewing:
			n++
		}
	}
	return n
}

// launchTask ensures the task has a workflow, marks it planning, and
// spawns its subprocess.
func (d *Daemon) launchTask(t *model.Task) error {
	if _, err := d.st.GetWorkflow(t.ID); err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		w := planner.Plan(ctx, d.inv, t)
		cancel()
		if err := d.st.SaveWorkflow(w); err != nil {
			return err
		}
		if _, err := d.st.UpdateTask(t.ID, func(t *model.Task) { t.WorkflowID = w.ID }); err != nil {
			return err
		}
	}
	if _, err := d.st.UpdateTask(t.ID, func(t *model.Task) { t.Status = model.TaskPlanning }); err != nil {
		return err
	}
	if _, err := d.sup.Spawn(t.ID); err != nil {
		// Roll back so the next poll retries instead of stranding the task.
		if _, uerr := d.st.UpdateTask(t.ID, func(t *model.Task) { t.Status = model.TaskPending }); uerr != nil {
			slog.Warn("rollback failed", "task", t.ID, "error", uerr)
		}
		return err
	}
	slog.Info("task launched", "task", t.ID, "priority", t.Priority)
	return nil
}

// repairSweep respawns orphaned tasks and quarantines unparseable state
// files so one bad write never wedges the whole hub.
func (d *Daemon) repairSweep() {
	orphans, err := d.sup.DetectOrphans()
	if err != nil {
		slog.Error("orphan scan failed", "error", err)
	}
	for _, t := range orphans {
		slog.Warn("respawning orphaned task", "task", t.ID, "status", t.Status)
		if err := d.sup.Respawn(t.ID); err != nil {
			slog.Error("respawn failed", "task", t.ID, "error", err)
		}
	}

	d.repairCorruptFiles()

	if d.cfg.Queue.PruneAfterH > 0 {
		if err := d.q.Prune(time.Duration(d.cfg.Queue.PruneAfterH) * time.Hour); err != nil {
			slog.Warn("queue prune failed", "error", err)
		}
	}
}

func (d *Daemon) repairCorruptFiles() {
	var parsed map[string]any
	if err := store.ReadJSON(d.st.QueuePath(), &parsed); err != nil && store.IsCorrupt(err) {
		if err := store.BackupCorrupt(d.st.QueuePath()); err != nil {
			slog.Error("queue repair failed", "error", err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(d.st.Root(), "tasks"))
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		for _, name := range []string{"task.json", "workflow.json", "instance.json", "process.json", "stats.json"} {
			path := filepath.Join(d.st.Root(), "tasks", e.Name(), name)
			var v map[string]any
			if err := store.ReadJSON(path, &v); err != nil && store.IsCorrupt(err) {
				if err := store.BackupCorrupt(path); err != nil {
					slog.Error("file repair failed", "path", path, "error", err)
				}
			}
		}
	}
}

// scheduleWaitSweep fires schedule-waiting tasks whose recorded resume
// moment has passed, in one pass: a live subprocess is killed first, then
// the wait is triggered and a fresh subprocess spawned.
func (d *Daemon) scheduleWaitSweep() {
	tasks, err := d.st.GetAllTasks()
	if err != nil {
		return
	}
	now := time.Now()
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		in, err := d.st.GetInstance(t.ID)
		if err != nil {
			continue
		}
		raw, _ := in.Variables[model.VarScheduleWaitResumeAt].(string)
		if raw == "" {
			continue
		}
		resumeAt, err := time.Parse(time.RFC3339, raw)
		if err != nil || now.Before(resumeAt) {
			continue
		}

		info, perr := d.st.GetProcessInfo(t.ID)
		if perr == nil && info.Status == model.ProcessRunning && supervisor.IsAlive(info.PID) {
			slog.Warn("schedule wake-up due, restarting subprocess", "task", t.ID, "resumeAt", raw)
			supervisor.KillTree(info.PID, 2*time.Second)
		}
		if err := engine.TriggerScheduleWait(d.st, d.q, t.ID); err != nil {
			slog.Error("schedule trigger failed", "task", t.ID, "error", err)
			continue
		}
		if err := d.sup.Respawn(t.ID); err != nil {
			slog.Error("respawn after schedule trigger failed", "task", t.ID, "error", err)
		}
	}
}
