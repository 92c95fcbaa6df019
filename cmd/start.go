package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cah/internal/bus"
	"github.com/nextlevelbuilder/cah/internal/daemon"
	"github.com/nextlevelbuilder/cah/internal/lockfile"
	"github.com/nextlevelbuilder/cah/internal/messenger"
	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/store"
	"github.com/nextlevelbuilder/cah/internal/supervisor"
)

func startCmd() *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the hub daemon (foreground, or detached with -D)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			if detach {
				return spawnDetachedDaemon(st)
			}

			b := bus.New()
			d := daemon.New(cfg, st, b)

			var lark *messenger.Lark
			if cfg.Messenger.Lark.Enabled {
				lark = messenger.NewLark(cfg.Messenger.Lark)
				messenger.NewNotifier(st, lark).Subscribe(b)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := d.Start(ctx); err != nil {
				return err
			}
			defer d.Stop()

			srv := newStatusServer(cfg, st, d.Queue())
			if lark != nil {
				router := messenger.NewRouter(st, d.Queue(), d.Supervisor(),
					daemonInvoker(cfg), lark)
				srv.mux.HandleFunc("/webhook/lark", lark.WebhookHandler(func(msg messenger.Incoming) {
					router.Handle(context.Background(), msg)
				}))
			}
			go srv.serve(ctx)

			fmt.Printf("cah daemon running (data dir %s, http %s). Ctrl-C to stop.\n",
				st.Root(), cfg.Server.Addr())
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&detach, "detach", "D", false, "run the daemon in the background")
	return cmd
}

// spawnDetachedDaemon re-execs `start` in its own session, with output
// appended to daemon.log under the data dir.
func spawnDetachedDaemon(st *store.Store) error {
	bin, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"start", "--data-dir", st.Root()}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	logPath := filepath.Join(st.Root(), "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	child := exec.Command(bin, args...)
	child.Stdin = nil
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return err
	}
	pid := child.Process.Pid
	if err := child.Process.Release(); err != nil {
		slog.Warn("release daemon child failed", "error", err)
	}
	fmt.Printf("daemon started in background (pid %d, log %s)\n", pid, logPath)
	return nil
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			lock := lockfile.New(st.RunnerLockPath())
			pid := lock.HolderPID()
			if pid == 0 {
				return errors.New("no daemon appears to be running")
			}
			if !supervisor.IsAlive(pid) {
				return fmt.Errorf("daemon pid %d is not running (stale lock at %s)", pid, st.RunnerLockPath())
			}
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return err
			}
			for i := 0; i < 50; i++ {
				if !supervisor.IsAlive(pid) {
					fmt.Println("daemon stopped")
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			return fmt.Errorf("daemon pid %d did not exit; kill it manually", pid)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and task overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			lock := lockfile.New(st.RunnerLockPath())
			if pid := lock.HolderPID(); pid != 0 && supervisor.IsAlive(pid) {
				fmt.Printf("daemon: running (pid %d)\n", pid)
			} else {
				fmt.Println("daemon: stopped")
			}

			tasks, err := st.GetAllTasks()
			if err != nil {
				return err
			}
			counts := map[model.TaskStatus]int{}
			for _, t := range tasks {
				counts[t.Status]++
			}
			fmt.Printf("tasks: %d total\n", len(tasks))
			for _, s := range []model.TaskStatus{
				model.TaskPending, model.TaskPlanning, model.TaskDeveloping,
				model.TaskReviewing, model.TaskWaiting, model.TaskPaused,
				model.TaskCompleted, model.TaskFailed, model.TaskCancelled,
			} {
				if counts[s] > 0 {
					fmt.Printf("  %-10s %d\n", s, counts[s])
				}
			}
			_ = os.Stdout.Sync()
			return nil
		},
	}
}
