// Package engine drives one workflow instance through its DAG. It claims
// node jobs from the queue, runs the node executors, records state
// transitions in instance.json, and enqueues successors until an end node
// completes or a node fails terminally.
//
// The engine is the single writer of its instance file while the task
// subprocess is alive. External processes (daemon, CLI) never mutate node
// states directly; they go through the transition helpers at the bottom of
// this file, which the engine merges back in at job boundaries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cah/internal/bus"
	"github.com/nextlevelbuilder/cah/internal/expr"
	"github.com/nextlevelbuilder/cah/internal/invoker"
	"github.com/nextlevelbuilder/cah/internal/lockfile"
	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/queue"
	"github.com/nextlevelbuilder/cah/internal/store"
	"github.com/nextlevelbuilder/cah/internal/timeline"
)

// DefaultMaxLoopIterations caps loop re-entries when a workflow does not
// set its own bound.
const DefaultMaxLoopIterations = 1000

// Config wires an Engine to its collaborators.
type Config struct {
	TaskID            string
	Workflow          *model.Workflow
	Store             *store.Store
	Queue             *queue.Queue
	Bus               *bus.Bus
	Invoker           *invoker.Invoker
	Timeline          *timeline.Writer
	MaxLoopIterations int
	LogSink           io.Writer // LLM transcript sink; nil discards
}

// Engine executes one workflow instance. It implements queue.Executor.
type Engine struct {
	taskID  string
	wf      *model.Workflow
	st      *store.Store
	q       *queue.Queue
	bus     *bus.Bus
	inv     *invoker.Invoker
	tl      *timeline.Writer
	maxLoop int
	logSink io.Writer

	mu        sync.Mutex
	in        *model.Instance
	backEdges map[string]bool // edge id → closes a cycle
	wfSpanID  string
}

// New builds an Engine. Begin must be called before the worker pool runs.
func New(cfg Config) (*Engine, error) {
	if cfg.Workflow == nil {
		return nil, fmt.Errorf("engine: workflow required")
	}
	if err := cfg.Workflow.Validate(); err != nil {
		return nil, err
	}
	maxLoop := cfg.MaxLoopIterations
	if maxLoop <= 0 {
		maxLoop = DefaultMaxLoopIterations
	}
	e := &Engine{
		taskID:  cfg.TaskID,
		wf:      cfg.Workflow,
		st:      cfg.Store,
		q:       cfg.Queue,
		bus:     cfg.Bus,
		inv:     cfg.Invoker,
		tl:      cfg.Timeline,
		maxLoop: maxLoop,
		logSink: cfg.LogSink,
	}
	e.backEdges = findBackEdges(cfg.Workflow)
	return e, nil
}

// findBackEdges classifies edges that close a cycle, via DFS from start.
// Back edges are ignored by readiness checks and drive loop re-entry
// instead.
func findBackEdges(w *model.Workflow) map[string]bool {
	back := make(map[string]bool)
	onStack := make(map[string]bool)
	visited := make(map[string]bool)
	var dfs func(id string)
	dfs = func(id string) {
		visited[id] = true
		onStack[id] = true
		for _, e := range w.OutgoingEdges(id) {
			if onStack[e.To] {
				back[e.ID] = true
				continue
			}
			if !visited[e.To] {
				dfs(e.To)
			}
		}
		onStack[id] = false
	}
	if s := w.StartNode(); s != nil {
		dfs(s.ID)
	}
	return back
}

// Begin loads or creates the instance and seeds the queue. On a restart it
// recovers: running nodes fall back to pending, claimed jobs return to
// waiting, and a paused instance resumes.
func (e *Engine) Begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	in, err := e.st.GetInstance(e.taskID)
	switch {
	case err == nil:
		e.in = in
		return e.recoverLocked()
	case errors.Is(err, store.ErrNotFound):
		return e.startFreshLocked()
	default:
		return err
	}
}

func (e *Engine) startFreshLocked() error {
	e.in = model.NewInstance(uuid.NewString(), e.wf)
	e.in.Status = model.InstanceRunning
	if err := e.persistLocked(); err != nil {
		return err
	}
	e.wfSpanID = timeline.NewSpanID()
	e.tl.Emit(timeline.Span{
		ID: e.wfSpanID, Type: timeline.SpanWorkflow,
		Name: e.wf.Name, StartedAt: e.in.StartedAt, Status: "running",
	})
	e.emit(bus.WorkflowStarted, "", nil)
	start := e.wf.StartNode()
	return e.considerNodeLocked(start.ID)
}

func (e *Engine) recoverLocked() error {
	if e.in.Status.IsTerminal() {
		return fmt.Errorf("instance %s already %s", e.in.ID, e.in.Status)
	}
	if e.in.Status == model.InstancePaused {
		e.in.Status = model.InstanceRunning
		e.in.PausedAt = nil
		e.in.PauseReason = ""
		delete(e.in.Variables, model.VarPauseRequested)
	}
	// A node left running belongs to a dead process; its attempt counts.
	for id, st := range e.in.NodeStates {
		if st.Status == model.NodeRunning || st.Status == model.NodeReady {
			st.Status = model.NodePending
			slog.Info("recovered interrupted node", "task", e.taskID, "node", id, "attempts", st.Attempts)
		}
	}
	if _, err := e.q.ResetRunningForInstance(e.in.ID); err != nil {
		return err
	}
	if err := e.persistLocked(); err != nil {
		return err
	}
	// Re-derive readiness for every pending node; Enqueue dedupes against
	// jobs that survived in queue.json.
	for _, n := range e.wf.Nodes {
		if e.in.State(n.ID).Status == model.NodePending {
			if err := e.considerNodeLocked(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Status returns the current instance status.
func (e *Engine) Status() model.InstanceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.in == nil {
		return model.InstancePending
	}
	return e.in.Status
}

// Settled reports whether the subprocess has nothing left to drive: the
// instance reached a terminal state or paused at a boundary.
func (e *Engine) Settled() bool {
	s := e.Status()
	return s.IsTerminal() || s == model.InstancePaused
}

// ExecuteJob runs one claimed node job. It is called from worker pool
// slots; node execution itself happens outside the engine lock so parallel
// branches overlap.
func (e *Engine) ExecuteJob(ctx context.Context, job model.Job) error {
	e.mu.Lock()
	e.refreshExternalLocked()

	if e.in == nil || job.Data.InstanceID != e.in.ID {
		e.mu.Unlock()
		return e.q.Complete(job.ID) // stale job from an earlier instance
	}
	if e.in.Status.IsTerminal() {
		e.mu.Unlock()
		_, err := e.q.CancelJobsForInstance(job.Data.InstanceID)
		return err
	}
	if e.pauseRequestedLocked() {
		err := e.pauseLocked()
		e.mu.Unlock()
		if err != nil {
			return err
		}
		return e.q.Release(job.ID)
	}

	node := e.wf.Node(job.Data.NodeID)
	if node == nil {
		e.mu.Unlock()
		return e.q.Fail(job.ID, fmt.Errorf("unknown node %s", job.Data.NodeID))
	}
	state := e.in.State(node.ID)
	if state.Status.IsTerminal() {
		e.mu.Unlock()
		return e.q.Complete(job.ID) // duplicate delivery, already settled
	}

	now := time.Now()
	state.Status = model.NodeRunning
	state.Attempts++
	state.StartedAt = &now
	state.Error = ""
	attempt := state.Attempts
	if err := e.persistLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.applyTaskStatusLocked(node)
	e.emit(bus.NodeStarted, node.ID, map[string]any{"attempt": attempt})
	spanID := timeline.NewSpanID()
	e.tl.Emit(timeline.Span{
		ID: spanID, ParentID: e.wfSpanID, Type: timeline.SpanNode,
		Name: node.Name, StartedAt: now, Status: "running",
	})
	e.mu.Unlock()

	runCtx := ctx
	var cancel context.CancelFunc
	if node.Config.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(node.Config.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	out, err := e.execute(runCtx, node, spanID)

	e.mu.Lock()
	defer e.mu.Unlock()
	end := time.Now()
	e.tl.Emit(timeline.Span{
		ID: spanID, ParentID: e.wfSpanID, Type: timeline.SpanNode,
		Name: node.Name, StartedAt: now, EndedAt: end,
		Status: spanStatus(err), Error: errText(err),
	})
	if err != nil {
		return e.handleFailureLocked(job, node, err)
	}
	switch out.wait {
	case waitHuman:
		return e.handleHumanWaitLocked(job, node)
	case waitUntil:
		return e.handleTimedWaitLocked(job, node, out)
	default:
		return e.handleSuccessLocked(job, node, out, now, end)
	}
}

func (e *Engine) handleSuccessLocked(job model.Job, node *model.Node, out outcome, started, ended time.Time) error {
	state := e.in.State(node.ID)
	state.Status = model.NodeDone
	state.CompletedAt = &ended
	state.DurationMs = ended.Sub(started).Milliseconds()
	state.Result = out.output
	if out.output == nil {
		out.output = map[string]any{}
	}
	e.in.Outputs[node.ID] = out.output
	for _, id := range out.resetNodes {
		rs := e.in.State(id)
		*rs = model.NodeState{Status: model.NodePending}
	}
	if err := e.persistLocked(); err != nil {
		return err
	}
	e.writeNodeOutput(node.ID, out.output)
	e.bumpStats(func(s *model.Stats) {
		s.NodesDone++
		s.DurationMs += ended.Sub(started).Milliseconds()
		s.CostUSD += out.costUSD
	})
	e.emit(bus.NodeCompleted, node.ID, out.output)
	if err := e.q.Complete(job.ID); err != nil {
		return err
	}

	if node.Type == model.NodeEnd {
		return e.completeInstanceLocked(out.output)
	}
	if err := e.advanceLocked(node); err != nil {
		return err
	}
	if e.pauseRequestedLocked() {
		return e.pauseLocked()
	}
	return nil
}

func (e *Engine) handleFailureLocked(job model.Job, node *model.Node, cause error) error {
	state := e.in.State(node.ID)
	state.Error = cause.Error()
	e.bumpStats(func(s *model.Stats) { s.NodesFailed++ })

	retry := node.Config.Retry
	if invoker.IsCancelled(cause) {
		// Cancellation is not a node fault; leave it pending for the next run.
		state.Status = model.NodePending
		if err := e.persistLocked(); err != nil {
			return err
		}
		return e.q.Release(job.ID)
	}
	if retry != nil && state.Attempts < retry.MaxAttempts {
		state.Status = model.NodePending
		if err := e.persistLocked(); err != nil {
			return err
		}
		e.emit(bus.NodeFailed, node.ID, map[string]any{
			"error": cause.Error(), "attempt": state.Attempts, "willRetry": true,
		})
		if err := e.q.Fail(job.ID, cause); err != nil {
			return err
		}
		backoff := time.Duration(retry.BackoffMs) * time.Millisecond * time.Duration(state.Attempts)
		slog.Warn("node failed, retrying", "task", e.taskID, "node", node.ID,
			"attempt", state.Attempts, "max", retry.MaxAttempts, "backoff", backoff, "error", cause)
		return e.q.Requeue(e.wf.ID, e.in.ID, node.ID, state.Attempts+1, backoff)
	}

	now := time.Now()
	state.Status = model.NodeFailedSt
	state.CompletedAt = &now
	e.emit(bus.NodeFailed, node.ID, map[string]any{"error": cause.Error(), "attempt": state.Attempts})
	if err := e.q.Fail(job.ID, cause); err != nil {
		return err
	}
	return e.failInstanceLocked(fmt.Sprintf("node %s failed: %v", node.ID, cause))
}

func (e *Engine) handleHumanWaitLocked(job model.Job, node *model.Node) error {
	state := e.in.State(node.ID)
	state.Status = model.NodeWaitingSt
	if err := e.persistLocked(); err != nil {
		return err
	}
	e.updateTask(func(t *model.Task) { t.Status = model.TaskWaiting })
	e.tl.Event("human.waiting", map[string]any{"nodeId": node.ID, "prompt": node.Config.Prompt})
	slog.Info("waiting for human decision", "task", e.taskID, "node", node.ID)
	return e.q.MarkWaitingHuman(job.ID)
}

func (e *Engine) handleTimedWaitLocked(job model.Job, node *model.Node, out outcome) error {
	state := e.in.State(node.ID)
	state.Status = model.NodeWaitingSt
	if err := e.persistLocked(); err != nil {
		return err
	}
	e.tl.Event("wait.scheduled", map[string]any{"nodeId": node.ID, "resumeAt": out.until.Format(time.RFC3339)})
	slog.Info("node waiting", "task", e.taskID, "node", node.ID, "until", out.until)
	if err := e.q.Complete(job.ID); err != nil {
		return err
	}
	// Re-deliver once the deadline passes. The daemon's recovery sweep is
	// the backstop when this process dies in the meantime.
	return e.q.Requeue(e.wf.ID, e.in.ID, node.ID, state.Attempts, time.Until(out.until))
}

// advanceLocked propagates completion of a node: evaluates outgoing edges,
// handles loop re-entry over back edges, and enqueues or skips successors.
func (e *Engine) advanceLocked(node *model.Node) error {
	for _, edge := range e.wf.OutgoingEdges(node.ID) {
		selected, err := e.edgeSelectedLocked(edge, node)
		if err != nil {
			return e.failInstanceLocked(fmt.Sprintf("edge %s condition: %v", edge.ID, err))
		}
		if e.backEdges[edge.ID] {
			if selected {
				if err := e.reenterLocked(edge); err != nil {
					return err
				}
			}
			continue
		}
		if err := e.considerNodeLocked(edge.To); err != nil {
			return err
		}
	}
	return nil
}

// edgeSelectedLocked decides whether an edge fires. Switch nodes route by
// their selected target; everything else by the edge condition, absent
// meaning unconditional.
func (e *Engine) edgeSelectedLocked(edge model.Edge, from *model.Node) (bool, error) {
	if from.Type == model.NodeSwitch {
		out, _ := e.in.Outputs[from.ID].(map[string]any)
		sel, _ := out["selected"].(string)
		return edge.To == sel, nil
	}
	if edge.Condition == "" {
		return true, nil
	}
	scope := expr.BuildScope(e.wf, e.in, nil)
	return expr.EvalBool(edge.Condition, scope)
}

// reenterLocked re-executes the target of a back edge (loop head). The
// per-edge counter bounds runaway cycles.
func (e *Engine) reenterLocked(edge model.Edge) error {
	if e.in.LoopCounts == nil {
		e.in.LoopCounts = make(map[string]int)
	}
	e.in.LoopCounts[edge.ID]++
	limit := e.maxLoop
	if n := e.wf.Node(edge.To); n != nil && n.Config.MaxIterations > 0 {
		limit = n.Config.MaxIterations
	}
	if e.in.LoopCounts[edge.ID] > limit {
		return e.failInstanceLocked(fmt.Sprintf("loop via edge %s exceeded %d iterations", edge.ID, limit))
	}
	rs := e.in.State(edge.To)
	*rs = model.NodeState{Status: model.NodeReady}
	if err := e.persistLocked(); err != nil {
		return err
	}
	return e.q.Enqueue(queue.NewJob(e.wf.ID, e.in.ID, edge.To, 1))
}

// considerNodeLocked checks a node's readiness. A node runs once every
// non-back incoming edge is settled and at least one of them fired; it is
// skipped, with the skip propagated downstream, when all settled edges
// declined. Skipped nodes are re-evaluated: a loop re-entry re-completes
// their source, which can flip a previously declined exit edge.
func (e *Engine) considerNodeLocked(id string) error {
	state := e.in.State(id)
	switch state.Status {
	case model.NodePending, model.NodeSkipped:
	default:
		return nil // already scheduled, running, waiting, or done
	}

	node := e.wf.Node(id)
	selected, pending := 0, 0
	incoming := e.wf.IncomingEdges(id)
	for _, edge := range incoming {
		if e.backEdges[edge.ID] {
			continue
		}
		src := e.in.State(edge.From)
		switch {
		case src.Status == model.NodeDone:
			fired, err := e.edgeSelectedLocked(edge, e.wf.Node(edge.From))
			if err != nil {
				return e.failInstanceLocked(fmt.Sprintf("edge %s condition: %v", edge.ID, err))
			}
			if fired {
				selected++
			}
		case src.Status.IsTerminal(): // skipped or failed
		default:
			pending++
		}
	}

	if len(incoming) == 0 && node.Type != model.NodeStart {
		return nil // only reachable through a loop/foreach body
	}
	if pending > 0 {
		return nil
	}
	if selected == 0 && node.Type != model.NodeStart {
		state.Status = model.NodeSkipped
		now := time.Now()
		state.CompletedAt = &now
		if err := e.persistLocked(); err != nil {
			return err
		}
		for _, out := range e.wf.OutgoingEdges(id) {
			if e.backEdges[out.ID] {
				continue
			}
			if err := e.considerNodeLocked(out.To); err != nil {
				return err
			}
		}
		return nil
	}

	state.Status = model.NodeReady
	if err := e.persistLocked(); err != nil {
		return err
	}
	return e.q.Enqueue(queue.NewJob(e.wf.ID, e.in.ID, id, state.Attempts+1))
}

func (e *Engine) completeInstanceLocked(endOutput map[string]any) error {
	now := time.Now()
	e.in.Status = model.InstanceCompleted
	e.in.CompletedAt = &now
	for _, st := range e.in.NodeStates {
		if !st.Status.IsTerminal() {
			st.Status = model.NodeSkipped
		}
	}
	if err := e.persistLocked(); err != nil {
		return err
	}
	if _, err := e.q.CancelJobsForInstance(e.in.ID); err != nil {
		slog.Warn("cancel leftover jobs", "task", e.taskID, "error", err)
	}
	summary, _ := endOutput["summary"].(string)
	e.updateTask(func(t *model.Task) {
		t.Status = model.TaskCompleted
		if t.Output == nil {
			t.Output = &model.TaskOutput{}
		}
		t.Output.Summary = summary
		t.Output.Timing = &model.TaskTiming{
			QueuedMs:    e.in.StartedAt.Sub(t.CreatedAt).Milliseconds(),
			ExecutionMs: now.Sub(e.in.StartedAt).Milliseconds(),
		}
	})
	e.tl.Emit(timeline.Span{
		ID: e.wfSpanID, Type: timeline.SpanWorkflow, Name: e.wf.Name,
		StartedAt: e.in.StartedAt, EndedAt: now, Status: "completed",
	})
	e.emit(bus.WorkflowCompleted, "", endOutput)
	e.emit(bus.TaskCompleted, "", map[string]any{"summary": summary})
	slog.Info("workflow completed", "task", e.taskID, "duration", now.Sub(e.in.StartedAt))
	return nil
}

func (e *Engine) failInstanceLocked(reason string) error {
	now := time.Now()
	e.in.Status = model.InstanceFailed
	e.in.CompletedAt = &now
	e.in.Error = reason
	if err := e.persistLocked(); err != nil {
		return err
	}
	if _, err := e.q.CancelJobsForInstance(e.in.ID); err != nil {
		slog.Warn("cancel leftover jobs", "task", e.taskID, "error", err)
	}
	e.updateTask(func(t *model.Task) { t.Status = model.TaskFailed })
	e.tl.Emit(timeline.Span{
		ID: e.wfSpanID, Type: timeline.SpanWorkflow, Name: e.wf.Name,
		StartedAt: e.in.StartedAt, EndedAt: now, Status: "failed", Error: reason,
	})
	e.emit(bus.WorkflowFailed, "", map[string]any{"error": reason})
	slog.Error("workflow failed", "task", e.taskID, "reason", reason)
	return nil
}

func (e *Engine) pauseRequestedLocked() bool {
	v, ok := e.in.Variables[model.VarPauseRequested]
	return ok && expr.Truthy(v)
}

func (e *Engine) pauseLocked() error {
	if e.in.Status == model.InstancePaused {
		return nil
	}
	now := time.Now()
	e.in.Status = model.InstancePaused
	e.in.PausedAt = &now
	if r, ok := e.in.Variables[model.VarPauseRequested].(string); ok && r != "true" {
		e.in.PauseReason = r
	}
	if err := e.persistLocked(); err != nil {
		return err
	}
	e.updateTask(func(t *model.Task) { t.Status = model.TaskPaused })
	slog.Info("instance paused", "task", e.taskID)
	return nil
}

// refreshExternalLocked merges cross-process writes into the in-memory
// instance: approval records, the schedule-wait trigger, pause and cancel
// requests. Everything else in the file is engine-owned.
func (e *Engine) refreshExternalLocked() {
	disk, err := e.st.GetInstance(e.taskID)
	if err != nil || e.in == nil {
		return
	}
	for k, v := range disk.Variables {
		if strings.HasPrefix(k, approvalVarPrefix) {
			e.in.Variables[k] = v
		}
	}
	for _, k := range []string{model.VarScheduleWaitTriggered, model.VarPauseRequested} {
		if v, ok := disk.Variables[k]; ok {
			e.in.Variables[k] = v
		}
	}
	if disk.Status == model.InstanceCancelled {
		e.in.Status = model.InstanceCancelled
	}
	// A schedule recovery resets the waiting node to pending out of process.
	if nodeID, ok := disk.Variables[model.VarScheduleWaitNode].(string); ok && nodeID != "" {
		if ds := disk.NodeStates[nodeID]; ds != nil && ds.Status == model.NodePending {
			if ms := e.in.State(nodeID); ms.Status == model.NodeWaitingSt {
				ms.Status = model.NodePending
			}
		}
	}
}

// applyTaskStatusLocked mirrors well-known phase nodes onto the task
// status so `task list` shows progress without reading the instance.
func (e *Engine) applyTaskStatusLocked(node *model.Node) {
	if node.Type != model.NodeTask {
		return
	}
	key := strings.ToLower(node.ID + " " + node.Name)
	var status model.TaskStatus
	switch {
	case strings.Contains(key, "plan"):
		status = model.TaskPlanning
	case strings.Contains(key, "develop"), strings.Contains(key, "implement"):
		status = model.TaskDeveloping
	case strings.Contains(key, "review"):
		status = model.TaskReviewing
	default:
		return
	}
	e.updateTask(func(t *model.Task) { t.Status = status })
}

// persistLocked writes the instance under the cross-process file lock,
// merging external writes first so a helper landing between two engine
// persists is never clobbered.
func (e *Engine) persistLocked() error {
	return instanceLock(e.st, e.taskID).WithLock(func() error {
		e.refreshExternalLocked()
		return e.st.SaveInstance(e.taskID, e.in)
	})
}

func (e *Engine) updateTask(mutate func(*model.Task)) {
	if _, err := e.st.UpdateTask(e.taskID, mutate); err != nil {
		slog.Warn("task update failed", "task", e.taskID, "error", err)
	}
}

func (e *Engine) bumpStats(mutate func(*model.Stats)) {
	st, err := e.st.GetStats(e.taskID)
	if err != nil {
		return
	}
	mutate(st)
	if err := e.st.SaveStats(e.taskID, st); err != nil {
		slog.Debug("stats update failed", "task", e.taskID, "error", err)
	}
}

func (e *Engine) writeNodeOutput(nodeID string, output map[string]any) {
	path := filepath.Join(e.st.OutputsDir(e.taskID), nodeID+".json")
	if err := store.WriteJSON(path, output); err != nil {
		slog.Debug("node output write failed", "task", e.taskID, "node", nodeID, "error", err)
	}
}

func (e *Engine) emit(name, nodeID string, payload any) {
	e.bus.Emit(bus.Event{
		Name: name, TaskID: e.taskID,
		InstanceID: e.in.ID, NodeID: nodeID, Payload: payload,
	})
}

func spanStatus(err error) string {
	if err != nil {
		return "failed"
	}
	return "done"
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// --- cross-process transitions ---
//
// These helpers are the only sanctioned way for the daemon and the CLI to
// mutate a live instance. They write through the store and nudge the queue;
// the owning subprocess merges the change at its next job boundary.

const approvalVarPrefix = "_approval:"

// ApprovalVar returns the instance variable key carrying a human decision
// for one node.
func ApprovalVar(nodeID string) string { return approvalVarPrefix + nodeID }

// instanceLock guards instance.json across processes. Both the owning
// engine's persists and the external helpers write under it.
func instanceLock(st *store.Store, taskID string) *lockfile.Lock {
	return lockfile.New(filepath.Join(st.TaskDir(taskID), "instance.json.lock"))
}

// updateInstance applies mutate to the stored instance under the
// cross-process lock.
func updateInstance(st *store.Store, taskID string, mutate func(*model.Instance) error) error {
	return instanceLock(st, taskID).WithLock(func() error {
		in, err := st.GetInstance(taskID)
		if err != nil {
			return err
		}
		if err := mutate(in); err != nil {
			return err
		}
		return st.SaveInstance(taskID, in)
	})
}

// ApplyApproval records a human decision and wakes the parked job.
func ApplyApproval(st *store.Store, q *queue.Queue, taskID, nodeID string, approved bool, reason string) error {
	var instID string
	err := updateInstance(st, taskID, func(in *model.Instance) error {
		if nodeID == "" {
			nodeID = findWaitingHumanNode(in)
			if nodeID == "" {
				return fmt.Errorf("task %s has no node waiting for a decision", taskID)
			}
		}
		in.Variables[ApprovalVar(nodeID)] = map[string]any{
			"approved": approved,
			"reason":   reason,
			"at":       time.Now().Format(time.RFC3339),
		}
		instID = in.ID
		return nil
	})
	if err != nil {
		return err
	}
	n, err := q.ResumeWaitingJobsForInstance(instID)
	if err != nil {
		return err
	}
	slog.Info("approval recorded", "task", taskID, "node", nodeID, "approved", approved, "resumedJobs", n)
	return nil
}

func findWaitingHumanNode(in *model.Instance) string {
	for id, st := range in.NodeStates {
		if st.Status == model.NodeWaitingSt {
			return id
		}
	}
	return ""
}

// TriggerScheduleWait fires a schedule-waiting node from outside the
// subprocess: the node goes back to pending with the trigger flag set, the
// task returns to developing, and a fresh job lands in the queue. Used by
// the daemon's recovery sweep.
func TriggerScheduleWait(st *store.Store, q *queue.Queue, taskID string) error {
	var (
		nodeID   string
		wfID     string
		instID   string
		attempts int
	)
	err := updateInstance(st, taskID, func(in *model.Instance) error {
		nodeID, _ = in.Variables[model.VarScheduleWaitNode].(string)
		if nodeID == "" {
			return fmt.Errorf("task %s has no schedule wait recorded", taskID)
		}
		in.Variables[model.VarScheduleWaitTriggered] = true
		ns := in.State(nodeID)
		ns.Status = model.NodePending
		wfID, instID, attempts = in.WorkflowID, in.ID, ns.Attempts
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := st.UpdateTask(taskID, func(t *model.Task) {
		if !t.Status.IsTerminal() {
			t.Status = model.TaskDeveloping
		}
	}); err != nil {
		return err
	}
	if err := q.Enqueue(queue.NewJob(wfID, instID, nodeID, attempts)); err != nil {
		return err
	}
	slog.Info("schedule wait triggered", "task", taskID, "node", nodeID)
	return nil
}

// RequestPause asks the owning subprocess to pause at its next node
// boundary. reason is surfaced in instance.json.
func RequestPause(st *store.Store, taskID, reason string) error {
	if reason == "" {
		reason = "true"
	}
	return updateInstance(st, taskID, func(in *model.Instance) error {
		in.Variables[model.VarPauseRequested] = reason
		return nil
	})
}

// ClearPause removes a pause request before the subprocess restarts.
func ClearPause(st *store.Store, taskID string) error {
	return updateInstance(st, taskID, func(in *model.Instance) error {
		delete(in.Variables, model.VarPauseRequested)
		if in.Status == model.InstancePaused {
			in.Status = model.InstanceRunning
			in.PausedAt = nil
			in.PauseReason = ""
		}
		return nil
	})
}
