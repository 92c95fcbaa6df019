package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cah/internal/bus"
	"github.com/nextlevelbuilder/cah/internal/config"
	"github.com/nextlevelbuilder/cah/internal/engine"
	"github.com/nextlevelbuilder/cah/internal/invoker"
	"github.com/nextlevelbuilder/cah/internal/messenger"
	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/queue"
	"github.com/nextlevelbuilder/cah/internal/store"
	"github.com/nextlevelbuilder/cah/internal/timeline"
)

// settledPoll is how often the runner checks whether the engine finished.
const settledPoll = 500 * time.Millisecond

// taskExecCmd is the hidden per-task subprocess entrypoint. The supervisor
// spawns it detached; it drives one workflow instance to a settled state
// and exits.
func taskExecCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:    "task-exec",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				taskID = os.Getenv("CAH_TASK_ID")
			}
			if taskID == "" {
				return fmt.Errorf("%w: --task is required", errUsage)
			}
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			return runTask(cfg, st, taskID)
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	return cmd
}

func runTask(cfg *config.Config, st *store.Store, taskID string) error {
	w, err := st.GetWorkflow(taskID)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}

	logPath := filepath.Join(st.LogDir(taskID), "conversation.jsonl")
	convLog, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer convLog.Close()

	q := queue.New(st.QueuePath())
	b := bus.New()
	inv := invoker.New(invoker.Config{
		Binary:       cfg.LLM.Binary,
		DefaultModel: cfg.LLM.Model,
		Timeout:      cfg.LLM.Timeout(),
		OutputsDir:   st.OutputsDir(taskID),
	})
	tl := timeline.New(st, taskID)

	eng, err := engine.New(engine.Config{
		TaskID:   taskID,
		Workflow: w,
		Store:    st,
		Queue:    q,
		Bus:      b,
		Invoker:  inv,
		Timeline: tl,
		LogSink:  convLog,
	})
	if err != nil {
		return err
	}

	if cfg.Messenger.Lark.Enabled {
		lark := messenger.NewLark(cfg.Messenger.Lark)
		messenger.NewNotifier(st, lark).Subscribe(b)
		subscribeWaitNotices(b, st, lark, w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Begin(); err != nil {
		return err
	}

	pool := queue.NewPool(q, eng, queue.PoolConfig{
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
	})
	poolCtx, cancelPool := context.WithCancel(ctx)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(poolCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("runner interrupted, leaving recoverable state", "task", taskID)
			cancelPool()
			<-poolDone
			markProcessStopped(st, taskID)
			return fmt.Errorf("%w: task %s interrupted", errCancelled, taskID)
		case <-time.After(settledPoll):
		}
		// Human and schedule waits keep the process alive; the pool idles
		// until external input lands a job.
		if eng.Settled() {
			break
		}
	}

	cancelPool()
	<-poolDone
	markProcessStopped(st, taskID)
	slog.Info("runner finished", "task", taskID, "status", eng.Status())
	switch eng.Status() {
	case model.InstanceFailed:
		reason := ""
		if in, err := st.GetInstance(taskID); err == nil {
			reason = in.Error
		}
		return fmt.Errorf("workflow failed: %s", reason)
	case model.InstanceCancelled:
		return fmt.Errorf("%w: workflow cancelled", errCancelled)
	}
	return nil
}

// subscribeWaitNotices pushes the approval prompt to chat when a human
// gate parks.
func subscribeWaitNotices(b *bus.Bus, st *store.Store, adapter messenger.Adapter, w *model.Workflow) {
	b.Subscribe(bus.NodeStarted, func(ev bus.Event) error {
		n := w.Node(ev.NodeID)
		if n == nil || n.Type != model.NodeHuman {
			return nil
		}
		t, err := st.GetTask(ev.TaskID)
		if err != nil {
			return err
		}
		return messenger.NotifyWaiting(st, adapter, t, n.Config.Prompt)
	})
}

func markProcessStopped(st *store.Store, taskID string) {
	info, err := st.GetProcessInfo(taskID)
	if err != nil {
		return
	}
	info.Status = model.ProcessStopped
	if err := st.SaveProcessInfo(taskID, info); err != nil {
		slog.Warn("process info update failed", "task", taskID, "error", err)
	}
}
