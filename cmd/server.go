package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cah/internal/config"
	"github.com/nextlevelbuilder/cah/internal/invoker"
	"github.com/nextlevelbuilder/cah/internal/lockfile"
	"github.com/nextlevelbuilder/cah/internal/messenger"
	"github.com/nextlevelbuilder/cah/internal/queue"
	"github.com/nextlevelbuilder/cah/internal/store"
	"github.com/nextlevelbuilder/cah/internal/supervisor"
)

func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the read-only status HTTP API without the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			srv := newStatusServer(cfg, st, queue.New(st.QueuePath()))
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			slog.Info("status server listening", "addr", cfg.Server.Addr())
			return srv.listen(ctx)
		},
	}
}

func daemonInvoker(cfg *config.Config) *invoker.Invoker {
	return invoker.New(invoker.Config{
		Binary:       cfg.LLM.Binary,
		DefaultModel: cfg.LLM.Model,
		Timeout:      cfg.LLM.Timeout(),
	})
}

// statusServer exposes read-only JSON views over the data dir. Mutations
// go through the CLI and chat commands only.
type statusServer struct {
	cfg *config.Config
	st  *store.Store
	q   *queue.Queue
	mux *http.ServeMux
}

func newStatusServer(cfg *config.Config, st *store.Store, q *queue.Queue) *statusServer {
	s := &statusServer{cfg: cfg, st: st, q: q, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/tasks", s.handleTasks)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTask)
	s.mux.HandleFunc("GET /api/tasks/{id}/logs", s.handleTaskLogs)
	s.mux.HandleFunc("GET /api/queue", s.handleQueue)
	return s
}

func (s *statusServer) serve(ctx context.Context) {
	if err := s.listen(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("status server failed", "error", err)
	}
}

func (s *statusServer) listen(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "version": Version})
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.st.GetAllTasks()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	counts := map[string]int{}
	for _, t := range tasks {
		counts[string(t.Status)]++
	}
	active := 0
	if jobs, err := s.q.Jobs(); err == nil {
		for _, j := range jobs {
			if !j.Status.IsTerminal() {
				active++
			}
		}
	}
	running := false
	pid := lockfile.New(s.st.RunnerLockPath()).HolderPID()
	if pid != 0 && supervisor.IsAlive(pid) {
		running = true
	}
	writeJSON(w, map[string]any{
		"version": Version,
		"daemon":  map[string]any{"running": running, "pid": pid},
		"tasks":   map[string]any{"total": len(tasks), "byStatus": counts},
		"queue":   map[string]any{"active": active},
	})
}

func (s *statusServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.st.GetAllTasks()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	writeJSON(w, tasks)
}

func (s *statusServer) handleTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.st.ResolveTaskID(r.PathValue("id"))
	if err != nil {
		status := http.StatusNotFound
		if strings.Contains(err.Error(), "ambiguous") {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	t, err := s.st.GetTask(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	detail := map[string]any{"task": t}
	if w2, err := s.st.GetWorkflow(id); err == nil {
		detail["workflow"] = w2
	}
	if in, err := s.st.GetInstance(id); err == nil {
		detail["instance"] = in
	}
	if info, err := s.st.GetProcessInfo(id); err == nil {
		detail["process"] = info
	}
	if stats, err := s.st.GetStats(id); err == nil {
		detail["stats"] = stats
	}
	writeJSON(w, detail)
}

func (s *statusServer) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, err := s.st.ResolveTaskID(r.PathValue("id"))
	if err != nil {
		status := http.StatusNotFound
		if strings.Contains(err.Error(), "ambiguous") {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			lines = n
		}
	}
	tail, err := messenger.TailLog(s.st, id, lines)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"task": id, "lines": lines, "log": tail})
}

func (s *statusServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.q.Jobs()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	active := 0
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			active++
		}
	}
	writeJSON(w, map[string]any{"active": active, "jobs": jobs})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
