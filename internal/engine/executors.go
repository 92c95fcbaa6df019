package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/cah/internal/expr"
	"github.com/nextlevelbuilder/cah/internal/invoker"
	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/timeline"
)

type waitKind int

const (
	waitNone waitKind = iota
	waitHuman
	waitUntil
)

// outcome is what a node executor hands back to the engine.
type outcome struct {
	output     map[string]any
	costUSD    float64
	wait       waitKind
	until      time.Time
	resetNodes []string // body nodes to rewind before the next iteration
}

func done(output map[string]any) (outcome, error) {
	if output == nil {
		output = map[string]any{}
	}
	return outcome{output: output}, nil
}

// execute dispatches a node to its executor. Called outside the engine
// lock; executors touch shared instance state only through the locked
// helpers below.
func (e *Engine) execute(ctx context.Context, node *model.Node, spanID string) (outcome, error) {
	return e.executeNode(ctx, node, spanID, nil)
}

func (e *Engine) executeNode(ctx context.Context, node *model.Node, spanID string, extra map[string]any) (outcome, error) {
	switch node.Type {
	case model.NodeStart, model.NodeParallel, model.NodeJoin:
		return done(nil)
	case model.NodeEnd:
		return e.execEnd(node)
	case model.NodeTask:
		return e.execTask(ctx, node, spanID, extra)
	case model.NodeCondition:
		return e.execCondition(node, extra)
	case model.NodeHuman:
		return e.execHuman(node)
	case model.NodeDelay:
		return e.execDelay(node)
	case model.NodeSchedule:
		return e.execSchedule(node)
	case model.NodeSwitch:
		return e.execSwitch(node, extra)
	case model.NodeAssign:
		return e.execAssign(node, extra)
	case model.NodeScript:
		return e.execScript(node, extra)
	case model.NodeLoop:
		return e.execLoop(node, extra)
	case model.NodeForeach:
		return e.execForeach(ctx, node, spanID)
	default:
		return outcome{}, fmt.Errorf("unsupported node type %q", node.Type)
	}
}

// --- locked instance access for executors ---

func (e *Engine) scope(extra map[string]any) expr.Scope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return expr.BuildScope(e.wf, e.in, extra)
}

func (e *Engine) getVar(key string) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.in.Variables[key]
}

func (e *Engine) setVars(kv map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range kv {
		e.in.Variables[k] = v
	}
}

func (e *Engine) delVars(keys ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		delete(e.in.Variables, k)
	}
}

func (e *Engine) setVarPath(path string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	expr.SetPath(e.in.Variables, path, value)
}

// --- executors ---

func (e *Engine) execTask(ctx context.Context, node *model.Node, spanID string, extra map[string]any) (outcome, error) {
	task, err := e.st.GetTask(e.taskID)
	if err != nil {
		return outcome{}, err
	}
	scope := e.scope(extra)
	scope["task"] = map[string]any{
		"id":          task.ID,
		"title":       task.Title,
		"description": task.Description,
	}
	prompt, err := renderPrompt(node, scope)
	if err != nil {
		return outcome{}, err
	}

	sessionID, _ := e.getVar(model.VarSessionID).(string)
	req := invoker.Request{
		Prompt:    prompt,
		Model:     node.Config.Model,
		SessionID: sessionID,
		Stream:    true,
		LogSink:   e.logSink,
	}
	if node.Config.TimeoutMs > 0 {
		req.Timeout = time.Duration(node.Config.TimeoutMs) * time.Millisecond
	}

	llmSpan := timeline.NewSpanID()
	started := time.Now()
	res, err := e.inv.Invoke(ctx, req)
	e.tl.Emit(timeline.Span{
		ID: llmSpan, ParentID: spanID, Type: timeline.SpanLLM,
		Name: node.ID, StartedAt: started, EndedAt: time.Now(),
		Status: spanStatus(err), Error: errText(err),
	})
	if err != nil {
		return outcome{}, err
	}
	if res.SessionID != "" {
		e.setVars(map[string]any{model.VarSessionID: res.SessionID})
	}
	e.tl.Emit(timeline.Span{
		ID: llmSpan, ParentID: spanID, Type: timeline.SpanLLM,
		Name: node.ID, StartedAt: started,
		DurationMs: res.DurationMs, SlotWaitMs: res.SlotWaitMs,
		CostUSD: res.CostUSD, Status: "done",
	})

	output := parseResponse(res.Response)
	output["_durationMs"] = res.DurationMs
	if res.CostUSD > 0 {
		output["_costUsd"] = res.CostUSD
	}
	if len(res.MCPImagePaths) > 0 {
		output["_images"] = res.MCPImagePaths
	}
	return outcome{output: output, costUSD: res.CostUSD}, nil
}

func (e *Engine) execCondition(node *model.Node, extra map[string]any) (outcome, error) {
	// Branching happens on the outgoing edges; the optional expression is
	// evaluated once here so edges can reference outputs.<id>.value.
	if node.Config.Expression == "" {
		return done(nil)
	}
	v, err := expr.Eval(node.Config.Expression, e.scope(extra))
	if err != nil {
		return outcome{}, err
	}
	return done(map[string]any{"value": v, "truthy": expr.Truthy(v)})
}

func (e *Engine) execHuman(node *model.Node) (outcome, error) {
	key := ApprovalVar(node.ID)
	decision, ok := e.getVar(key).(map[string]any)
	if !ok {
		return outcome{wait: waitHuman}, nil
	}
	e.delVars(key)
	return done(map[string]any{
		"approved": expr.Truthy(decision["approved"]),
		"reason":   decision["reason"],
		"at":       decision["at"],
	})
}

func delayVar(nodeID string) string { return "_delayUntil:" + nodeID }

func (e *Engine) execDelay(node *model.Node) (outcome, error) {
	key := delayVar(node.ID)
	if raw, ok := e.getVar(key).(string); ok {
		deadline, err := time.Parse(time.RFC3339, raw)
		if err == nil && !time.Now().Before(deadline) {
			e.delVars(key)
			return done(map[string]any{"resumedAt": time.Now().Format(time.RFC3339)})
		}
		if err == nil {
			return outcome{wait: waitUntil, until: deadline}, nil
		}
		e.delVars(key) // unreadable deadline, start over
	}
	d, err := delayDuration(node.Config)
	if err != nil {
		return outcome{}, err
	}
	deadline := time.Now().Add(d)
	e.setVars(map[string]any{key: deadline.Format(time.RFC3339)})
	return outcome{wait: waitUntil, until: deadline}, nil
}

func delayDuration(cfg model.NodeConfig) (time.Duration, error) {
	if cfg.Value <= 0 {
		return 0, fmt.Errorf("delay node needs a positive value")
	}
	unit := map[string]time.Duration{
		"s": time.Second, "m": time.Minute, "h": time.Hour, "d": 24 * time.Hour,
	}[cfg.Unit]
	if unit == 0 {
		return 0, fmt.Errorf("delay node has unknown unit %q", cfg.Unit)
	}
	return time.Duration(cfg.Value) * unit, nil
}

func (e *Engine) execSchedule(node *model.Node) (outcome, error) {
	// An external trigger wins over re-deriving the next tick: the daemon
	// fires the node once the recorded moment passes, and the node must
	// then complete without waiting again.
	if expr.Truthy(e.getVar(model.VarScheduleWaitTriggered)) {
		e.delVars(model.VarScheduleWaitTriggered, model.VarScheduleWaitResumeAt, model.VarScheduleWaitNode)
		return done(map[string]any{"triggered": true, "at": time.Now().Format(time.RFC3339)})
	}

	// A recorded resume moment for this node wins over re-deriving the
	// schedule: a cron expression would otherwise yield the tick after the
	// one already waited out, and the node would wait forever.
	if recorded, _ := e.getVar(model.VarScheduleWaitNode).(string); recorded == node.ID {
		raw, _ := e.getVar(model.VarScheduleWaitResumeAt).(string)
		if at, err := time.Parse(time.RFC3339, raw); err == nil {
			if time.Now().Before(at) {
				return outcome{wait: waitUntil, until: at}, nil
			}
			e.delVars(model.VarScheduleWaitTriggered, model.VarScheduleWaitResumeAt, model.VarScheduleWaitNode)
			return done(map[string]any{"elapsed": true, "scheduledFor": raw})
		}
		e.delVars(model.VarScheduleWaitResumeAt, model.VarScheduleWaitNode)
	}

	var next time.Time
	switch {
	case node.Config.Datetime != "":
		t, err := time.Parse(time.RFC3339, node.Config.Datetime)
		if err != nil {
			return outcome{}, fmt.Errorf("schedule node %s: bad datetime: %w", node.ID, err)
		}
		next = t
	case node.Config.Cron != "":
		t, err := gronx.NextTick(node.Config.Cron, false)
		if err != nil {
			return outcome{}, fmt.Errorf("schedule node %s: bad cron %q: %w", node.ID, node.Config.Cron, err)
		}
		next = t
	default:
		return outcome{}, fmt.Errorf("schedule node %s has neither datetime nor cron", node.ID)
	}

	if !time.Now().Before(next) {
		return done(map[string]any{"elapsed": true, "scheduledFor": next.Format(time.RFC3339)})
	}
	e.setVars(map[string]any{
		model.VarScheduleWaitResumeAt: next.Format(time.RFC3339),
		model.VarScheduleWaitNode:     node.ID,
	})
	return outcome{wait: waitUntil, until: next}, nil
}

func (e *Engine) execSwitch(node *model.Node, extra map[string]any) (outcome, error) {
	v, err := expr.Eval(node.Config.Expression, e.scope(extra))
	if err != nil {
		return outcome{}, err
	}
	for _, c := range node.Config.Cases {
		if switchMatch(v, c.Value) {
			return done(map[string]any{"selected": c.Target, "value": v})
		}
	}
	if node.Config.Default != "" {
		return done(map[string]any{"selected": node.Config.Default, "value": v, "defaulted": true})
	}
	return outcome{}, fmt.Errorf("switch node %s: no case matched %v and no default", node.ID, v)
}

func switchMatch(got, want any) bool {
	if got == want {
		return true
	}
	// JSON round-trips make numeric comparison loose on purpose.
	return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
}

func (e *Engine) execAssign(node *model.Node, extra map[string]any) (outcome, error) {
	targets, err := e.applyAssignments(node.Config.Assignments, extra)
	if err != nil {
		return outcome{}, err
	}
	return done(map[string]any{"assigned": targets})
}

func (e *Engine) execScript(node *model.Node, extra map[string]any) (outcome, error) {
	output := map[string]any{}
	if node.Config.Expression != "" {
		v, err := expr.Eval(node.Config.Expression, e.scope(extra))
		if err != nil {
			return outcome{}, err
		}
		output["value"] = v
		if node.Config.OutputVar != "" {
			e.setVarPath(node.Config.OutputVar, v)
		}
	}
	if len(node.Config.Assignments) > 0 {
		targets, err := e.applyAssignments(node.Config.Assignments, extra)
		if err != nil {
			return outcome{}, err
		}
		output["assigned"] = targets
	}
	return done(output)
}

func (e *Engine) applyAssignments(assignments []model.Assignment, extra map[string]any) ([]string, error) {
	targets := make([]string, 0, len(assignments))
	for _, a := range assignments {
		value := a.Value
		if a.IsExpression {
			code, ok := a.Value.(string)
			if !ok {
				return nil, fmt.Errorf("assignment %s: expression value must be a string", a.Target)
			}
			v, err := expr.Eval(code, e.scope(extra))
			if err != nil {
				return nil, err
			}
			value = v
		}
		e.setVarPath(a.Target, value)
		targets = append(targets, a.Target)
	}
	return targets, nil
}

func loopIterVar(nodeID string) string { return "_loopIter:" + nodeID }

func (e *Engine) execLoop(node *model.Node, extra map[string]any) (outcome, error) {
	key := loopIterVar(node.ID)
	iter := asInt(e.getVar(key))

	limit := node.Config.MaxIterations
	if limit <= 0 {
		limit = e.maxLoop
	}
	if iter >= limit {
		return outcome{}, fmt.Errorf("loop node %s exceeded %d iterations", node.ID, limit)
	}

	cont, err := e.loopContinues(node, iter, extra)
	if err != nil {
		return outcome{}, err
	}
	if !cont {
		e.delVars(key)
		return done(map[string]any{"continue": false, "iterations": iter})
	}
	e.setVars(map[string]any{key: iter + 1})
	return outcome{
		output:     map[string]any{"continue": true, "iteration": iter + 1},
		resetNodes: node.Config.Body,
	}, nil
}

// loopScope is the condition scope with the completed-iteration count
// bound as loopCount.
func (e *Engine) loopScope(iter int, extra map[string]any) expr.Scope {
	scope := e.scope(extra)
	scope["loopCount"] = iter
	return scope
}

func (e *Engine) loopContinues(node *model.Node, iter int, extra map[string]any) (bool, error) {
	switch node.Config.Mode {
	case "for":
		return iter < node.Config.Count, nil
	case "while":
		return expr.EvalBool(node.Config.Expression, e.loopScope(iter, extra))
	case "until":
		if iter == 0 {
			return true, nil // condition is checked after the first pass
		}
		stop, err := expr.EvalBool(node.Config.Expression, e.loopScope(iter, extra))
		return !stop, err
	default:
		if node.Config.Count > 0 {
			return iter < node.Config.Count, nil
		}
		return false, fmt.Errorf("loop node %s has unknown mode %q", node.ID, node.Config.Mode)
	}
}

// execForeach runs the body nodes inline for every item of the collection,
// sequentially or bounded-parallel. Body nodes keep no per-item state in
// the instance; their outputs land in the foreach node's result list.
func (e *Engine) execForeach(ctx context.Context, node *model.Node, spanID string) (outcome, error) {
	items, err := expr.EvalSlice(node.Config.Collection, e.scope(nil))
	if err != nil {
		return outcome{}, err
	}
	itemVar := node.Config.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}
	indexVar := node.Config.IndexVar
	if indexVar == "" {
		indexVar = "index"
	}

	results := make([]any, len(items))
	runOne := func(i int) error {
		extra := map[string]any{itemVar: items[i], indexVar: i, "total": len(items)}
		itemOut := map[string]any{}
		for _, bodyID := range node.Config.Body {
			body := e.wf.Node(bodyID)
			if body == nil {
				return fmt.Errorf("foreach node %s: body node %q missing", node.ID, bodyID)
			}
			if !foreachBodyAllowed(body.Type) {
				return fmt.Errorf("foreach node %s: body node %s has type %s, which cannot run per item", node.ID, bodyID, body.Type)
			}
			out, err := e.executeNode(ctx, body, spanID, extra)
			if err != nil {
				return fmt.Errorf("item %d, node %s: %w", i, bodyID, err)
			}
			itemOut[bodyID] = out.output
		}
		results[i] = itemOut
		return nil
	}

	if node.Config.Parallel {
		maxPar := node.Config.MaxParallel
		if maxPar <= 0 {
			maxPar = 3
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxPar)
		for i := range items {
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return runOne(i)
			})
		}
		if err := g.Wait(); err != nil {
			return outcome{}, err
		}
	} else {
		for i := range items {
			if err := ctx.Err(); err != nil {
				return outcome{}, err
			}
			if err := runOne(i); err != nil {
				return outcome{}, err
			}
		}
	}
	return done(map[string]any{"items": results, "count": len(items)})
}

func foreachBodyAllowed(t model.NodeType) bool {
	switch t {
	case model.NodeTask, model.NodeScript, model.NodeAssign, model.NodeCondition, model.NodeSwitch:
		return true
	default:
		return false
	}
}

func (e *Engine) execEnd(node *model.Node) (outcome, error) {
	scope := e.scope(nil)
	output := map[string]any{}
	for name, v := range e.wf.Outputs {
		code, ok := v.(string)
		if !ok {
			output[name] = v
			continue
		}
		val, err := expr.Eval(code, scope)
		if err != nil {
			output[name] = code // treat an unevaluable mapping as a literal
			continue
		}
		output[name] = val
	}
	if _, ok := output["summary"]; !ok {
		if s, ok := e.getVar("summary").(string); ok && s != "" {
			output["summary"] = s
		}
	}
	return done(output)
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
