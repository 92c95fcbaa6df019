package queue

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/cah/internal/model"
)

// Executor runs one claimed job and reports its outcome through the queue.
type Executor interface {
	ExecuteJob(ctx context.Context, job model.Job) error
}

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Concurrency  int           // parallel slots (default 3)
	PollInterval time.Duration // idle poll cadence (default 500ms)
}

// Pool pulls waiting jobs from the queue and dispatches them to the
// executor. It wakes early when the queue file changes on disk and falls
// back to polling.
type Pool struct {
	queue    *Queue
	executor Executor
	cfg      PoolConfig
	wake     chan struct{}
	wg       sync.WaitGroup
}

// NewPool creates a worker pool over the queue.
func NewPool(q *Queue, ex Executor, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Pool{queue: q, executor: ex, cfg: cfg, wake: make(chan struct{}, 1)}
}

// Run starts the worker slots and blocks until ctx is cancelled and all
// in-flight jobs have finished.
func (p *Pool) Run(ctx context.Context) {
	watcher := p.startWatcher(ctx)
	if watcher != nil {
		defer watcher.Close()
	}

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.runSlot(ctx, slot)
		}(i)
	}
	p.wg.Wait()
}

// Nudge wakes idle workers without waiting for the next poll tick.
func (p *Pool) Nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) startWatcher(ctx context.Context) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("queue watcher unavailable, polling only", "error", err)
		return nil
	}
	// Watch the directory: queue.json is replaced by rename on every write.
	if err := watcher.Add(filepath.Dir(p.queue.path)); err != nil {
		slog.Debug("queue watch failed, polling only", "error", err)
		watcher.Close()
		return nil
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == p.queue.path {
					p.Nudge()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return watcher
}

func (p *Pool) runSlot(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.ClaimNextWaiting()
		if err != nil {
			slog.Warn("claim failed", "slot", slot, "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		slog.Debug("job claimed", "slot", slot, "job", job.ID, "node", job.Data.NodeID, "attempt", job.Data.Attempt)
		if err := p.executor.ExecuteJob(ctx, *job); err != nil {
			slog.Warn("job execution error", "job", job.ID, "node", job.Data.NodeID, "error", err)
		}
		// More work may be ready immediately after a node completes.
		p.Nudge()
	}
}
