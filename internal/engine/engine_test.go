package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cah/internal/bus"
	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/queue"
	"github.com/nextlevelbuilder/cah/internal/store"
)

// harness wires an engine over a temp store and drives jobs synchronously.
type harness struct {
	st     *store.Store
	q      *queue.Queue
	eng    *Engine
	taskID string
}

func newHarness(t *testing.T, w *model.Workflow) *harness {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	task := model.NewTask("test task", "does things", model.PriorityMedium, model.SourceUser)
	require.NoError(t, st.SaveTask(task))
	w.TaskID = task.ID
	require.NoError(t, st.SaveWorkflow(w))

	q := queue.New(st.QueuePath())
	eng, err := New(Config{
		TaskID:   task.ID,
		Workflow: w,
		Store:    st,
		Queue:    q,
		Bus:      bus.New(),
	})
	require.NoError(t, err)
	return &harness{st: st, q: q, eng: eng, taskID: task.ID}
}

// drive claims and executes jobs until the queue drains or the instance
// settles. Jobs gated by NotBefore are waited out briefly.
func (h *harness) drive(t *testing.T) {
	t.Helper()
	idle := 0
	for i := 0; i < 500; i++ {
		if h.eng.Settled() {
			return
		}
		job, err := h.q.ClaimNextWaiting()
		require.NoError(t, err)
		if job == nil {
			idle++
			if idle > 20 {
				return // parked on a human or long timed wait
			}
			time.Sleep(25 * time.Millisecond)
			continue
		}
		idle = 0
		require.NoError(t, h.eng.ExecuteJob(context.Background(), *job))
	}
	t.Fatal("workflow did not settle")
}

func (h *harness) instance(t *testing.T) *model.Instance {
	t.Helper()
	in, err := h.st.GetInstance(h.taskID)
	require.NoError(t, err)
	return in
}

func node(id string, typ model.NodeType, cfg model.NodeConfig) model.Node {
	return model.Node{ID: id, Type: typ, Name: id, Config: cfg}
}

func edge(id, from, to, cond string) model.Edge {
	return model.Edge{ID: id, From: from, To: to, Condition: cond}
}

func TestLinearWorkflowCompletes(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-linear", Name: "linear",
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("set", model.NodeAssign, model.NodeConfig{Assignments: []model.Assignment{
				{Target: "summary", Value: "all done"},
			}}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "set", ""),
			edge("e2", "set", "end", ""),
		},
		Outputs: map[string]any{"summary": "variables.summary"},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())
	h.drive(t)

	assert.Equal(t, model.InstanceCompleted, h.eng.Status())
	in := h.instance(t)
	assert.Equal(t, model.NodeDone, in.State("set").Status)

	task, err := h.st.GetTask(h.taskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, task.Status)
	require.NotNil(t, task.Output)
	assert.Equal(t, "all done", task.Output.Summary)
	require.NotNil(t, task.Output.Timing)
}

func TestConditionBranchSkipsUnselectedPath(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-branch", Name: "branch",
		Variables: map[string]any{"go_left": true},
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("check", model.NodeCondition, model.NodeConfig{Expression: "variables.go_left"}),
			node("left", model.NodeAssign, model.NodeConfig{Assignments: []model.Assignment{{Target: "took", Value: "left"}}}),
			node("right", model.NodeAssign, model.NodeConfig{Assignments: []model.Assignment{{Target: "took", Value: "right"}}}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "check", ""),
			edge("e2", "check", "left", "outputs.check.truthy"),
			edge("e3", "check", "right", "!outputs.check.truthy"),
			edge("e4", "left", "end", ""),
			edge("e5", "right", "end", ""),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())
	h.drive(t)

	assert.Equal(t, model.InstanceCompleted, h.eng.Status())
	in := h.instance(t)
	assert.Equal(t, model.NodeDone, in.State("left").Status)
	assert.Equal(t, model.NodeSkipped, in.State("right").Status)
	assert.Equal(t, "left", in.Variables["took"])
}

func TestSwitchRoutesBySelectedTarget(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-switch", Name: "switch",
		Variables: map[string]any{"verdict": "revise"},
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("route", model.NodeSwitch, model.NodeConfig{
				Expression: "variables.verdict",
				Cases: []model.SwitchCase{
					{Value: "ship", Target: "ship"},
					{Value: "revise", Target: "revise"},
				},
				Default: "ship",
			}),
			node("ship", model.NodeAssign, model.NodeConfig{Assignments: []model.Assignment{{Target: "out", Value: "shipped"}}}),
			node("revise", model.NodeAssign, model.NodeConfig{Assignments: []model.Assignment{{Target: "out", Value: "revised"}}}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "route", ""),
			edge("e2", "route", "ship", ""),
			edge("e3", "route", "revise", ""),
			edge("e4", "ship", "end", ""),
			edge("e5", "revise", "end", ""),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())
	h.drive(t)

	assert.Equal(t, model.InstanceCompleted, h.eng.Status())
	in := h.instance(t)
	assert.Equal(t, model.NodeDone, in.State("revise").Status)
	assert.Equal(t, model.NodeSkipped, in.State("ship").Status)
	assert.Equal(t, "revised", in.Variables["out"])
}

func TestRetryThenTerminalFailure(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-retry", Name: "retry",
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("bad", model.NodeAssign, model.NodeConfig{
				// Expression assignments require a string value; this never succeeds.
				Assignments: []model.Assignment{{Target: "x", Value: 42, IsExpression: true}},
				Retry:       &model.RetryPolicy{MaxAttempts: 2, BackoffMs: 1},
			}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "bad", ""),
			edge("e2", "bad", "end", ""),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())
	h.drive(t)

	assert.Equal(t, model.InstanceFailed, h.eng.Status())
	in := h.instance(t)
	assert.Equal(t, model.NodeFailedSt, in.State("bad").Status)
	assert.Equal(t, 2, in.State("bad").Attempts)
	assert.Contains(t, in.Error, "bad")

	task, err := h.st.GetTask(h.taskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, task.Status)
}

func TestHumanGateWaitsThenResumes(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-human", Name: "human",
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("gate", model.NodeHuman, model.NodeConfig{Prompt: "ship it?"}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "gate", ""),
			edge("e2", "gate", "end", "outputs.gate.approved"),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())
	h.drive(t)

	// Parked at the gate.
	assert.False(t, h.eng.Settled())
	in := h.instance(t)
	assert.Equal(t, model.NodeWaitingSt, in.State("gate").Status)
	task, err := h.st.GetTask(h.taskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskWaiting, task.Status)

	jobs, err := h.q.Jobs()
	require.NoError(t, err)
	parked := 0
	for _, j := range jobs {
		if j.Status == model.JobHumanWaiting {
			parked++
		}
	}
	assert.Equal(t, 1, parked)

	// The decision lands from another process and wakes the job.
	require.NoError(t, ApplyApproval(h.st, h.q, h.taskID, "", true, "looks good"))
	h.drive(t)

	assert.Equal(t, model.InstanceCompleted, h.eng.Status())
	in = h.instance(t)
	out, ok := in.Outputs["gate"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, out["approved"])
	assert.Equal(t, "looks good", out["reason"])
}

func TestLoopRunsBodyAndExits(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-loop", Name: "loop",
		Variables: map[string]any{"n": 0},
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("loop", model.NodeLoop, model.NodeConfig{Mode: "for", Count: 3, Body: []string{"body"}}),
			node("body", model.NodeScript, model.NodeConfig{
				Assignments: []model.Assignment{{Target: "n", Value: "variables.n + 1", IsExpression: true}},
			}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "loop", ""),
			edge("e2", "loop", "body", "outputs.loop.continue"),
			edge("e3", "body", "loop", ""), // back edge
			edge("e4", "loop", "end", "!outputs.loop.continue"),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())
	h.drive(t)

	assert.Equal(t, model.InstanceCompleted, h.eng.Status())
	in := h.instance(t)
	// The body incremented n once per iteration.
	assert.EqualValues(t, 3, in.Variables["n"])
	loopOut, _ := in.Outputs["loop"].(map[string]any)
	assert.Equal(t, false, loopOut["continue"])
}

func TestLoopIterationCap(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-runaway", Name: "runaway",
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("loop", model.NodeLoop, model.NodeConfig{Mode: "while", Expression: "true", MaxIterations: 4, Body: []string{"body"}}),
			node("body", model.NodeAssign, model.NodeConfig{Assignments: []model.Assignment{{Target: "x", Value: 1}}}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "loop", ""),
			edge("e2", "loop", "body", "outputs.loop.continue"),
			edge("e3", "body", "loop", ""),
			edge("e4", "loop", "end", "!outputs.loop.continue"),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())
	h.drive(t)

	assert.Equal(t, model.InstanceFailed, h.eng.Status())
	assert.Contains(t, h.instance(t).Error, "iterations")
}

func TestForeachCollectsResults(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-each", Name: "each",
		Variables: map[string]any{"files": []any{"a.go", "b.go", "c.go"}},
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("each", model.NodeForeach, model.NodeConfig{
				Collection: "variables.files",
				Body:       []string{"step"},
			}),
			node("step", model.NodeScript, model.NodeConfig{Expression: "item + ':' + str(index)"}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "each", ""),
			edge("e2", "each", "end", ""),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())
	h.drive(t)

	assert.Equal(t, model.InstanceCompleted, h.eng.Status())
	in := h.instance(t)
	out, _ := in.Outputs["each"].(map[string]any)
	require.NotNil(t, out)
	assert.EqualValues(t, 3, out["count"])
	items, _ := out["items"].([]any)
	require.Len(t, items, 3)
	first, _ := items[0].(map[string]any)
	step, _ := first["step"].(map[string]any)
	assert.Equal(t, "a.go:0", step["value"])
}

func TestScheduleElapsedDatetimePassesThrough(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-sched", Name: "sched",
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("sched", model.NodeSchedule, model.NodeConfig{Datetime: time.Now().Add(-time.Hour).Format(time.RFC3339)}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "sched", ""),
			edge("e2", "sched", "end", ""),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())
	h.drive(t)

	assert.Equal(t, model.InstanceCompleted, h.eng.Status())
	out, _ := h.instance(t).Outputs["sched"].(map[string]any)
	assert.Equal(t, true, out["elapsed"])
}

func TestScheduleWaitRecordsResumeMoment(t *testing.T) {
	resumeAt := time.Now().Add(time.Hour)
	w := &model.Workflow{
		ID: "wf-sched-wait", Name: "sched-wait",
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("sched", model.NodeSchedule, model.NodeConfig{Datetime: resumeAt.Format(time.RFC3339)}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "sched", ""),
			edge("e2", "sched", "end", ""),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())
	h.drive(t)

	assert.False(t, h.eng.Settled())
	in := h.instance(t)
	assert.Equal(t, model.NodeWaitingSt, in.State("sched").Status)
	assert.Equal(t, "sched", in.Variables[model.VarScheduleWaitNode])
	assert.NotEmpty(t, in.Variables[model.VarScheduleWaitResumeAt])

	// The requeued job is gated until the resume moment.
	jobs, err := h.q.Jobs()
	require.NoError(t, err)
	var gated bool
	for _, j := range jobs {
		if j.Data.NodeID == "sched" && j.Status == model.JobWaiting {
			require.NotNil(t, j.NotBefore)
			gated = true
		}
	}
	assert.True(t, gated)
}

func TestWhileLoopSeesLoopCount(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-while", Name: "while",
		Variables: map[string]any{"n": 0},
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("loop", model.NodeLoop, model.NodeConfig{Mode: "while", Expression: "loopCount < 2", Body: []string{"body"}}),
			node("body", model.NodeScript, model.NodeConfig{
				Assignments: []model.Assignment{{Target: "n", Value: "variables.n + 1", IsExpression: true}},
			}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "loop", ""),
			edge("e2", "loop", "body", "outputs.loop.continue"),
			edge("e3", "body", "loop", ""),
			edge("e4", "loop", "end", "!outputs.loop.continue"),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())
	h.drive(t)

	assert.Equal(t, model.InstanceCompleted, h.eng.Status())
	in := h.instance(t)
	assert.EqualValues(t, 2, in.Variables["n"])
	loopOut, _ := in.Outputs["loop"].(map[string]any)
	assert.EqualValues(t, 2, loopOut["iterations"])
}

func TestTriggerScheduleWaitMarksTaskDeveloping(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-sched-trigger", Name: "sched-trigger",
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("sched", model.NodeSchedule, model.NodeConfig{Datetime: time.Now().Add(time.Hour).Format(time.RFC3339)}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "sched", ""),
			edge("e2", "sched", "end", ""),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())
	h.drive(t)
	require.False(t, h.eng.Settled())

	require.NoError(t, TriggerScheduleWait(h.st, h.q, h.taskID))

	// The node is runnable again with the trigger flag set, and the task is
	// back in flight so the subprocess cap and orphan detection see it.
	in := h.instance(t)
	assert.Equal(t, model.NodePending, in.State("sched").Status)
	assert.Equal(t, true, in.Variables[model.VarScheduleWaitTriggered])
	task, err := h.st.GetTask(h.taskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskDeveloping, task.Status)
}

func TestScheduleHonorsRecordedResumeMoment(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-sched-cron", Name: "sched-cron",
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("sched", model.NodeSchedule, model.NodeConfig{Cron: "* * * * *"}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "sched", ""),
			edge("e2", "sched", "end", ""),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())
	sched := w.Node("sched")
	require.NotNil(t, sched)

	// A recorded moment still in the future parks the node until exactly
	// that moment instead of deriving a fresh cron tick.
	future := time.Now().Add(45 * time.Minute)
	h.eng.setVars(map[string]any{
		model.VarScheduleWaitNode:     "sched",
		model.VarScheduleWaitResumeAt: future.Format(time.RFC3339),
	})
	out, err := h.eng.execSchedule(sched)
	require.NoError(t, err)
	assert.Equal(t, waitUntil, out.wait)
	assert.WithinDuration(t, future, out.until, time.Second)

	// Once the recorded moment has passed, a redelivered job completes the
	// node; deriving from the cron again would wait for the next tick.
	past := time.Now().Add(-time.Minute)
	h.eng.setVars(map[string]any{
		model.VarScheduleWaitNode:     "sched",
		model.VarScheduleWaitResumeAt: past.Format(time.RFC3339),
	})
	out, err = h.eng.execSchedule(sched)
	require.NoError(t, err)
	assert.Equal(t, waitNone, out.wait)
	assert.Equal(t, true, out.output["elapsed"])
	assert.Nil(t, h.eng.getVar(model.VarScheduleWaitNode))
	assert.Nil(t, h.eng.getVar(model.VarScheduleWaitResumeAt))
}

func TestPauseRequestDuringJobIsNotLost(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-pause-race", Name: "pause-race",
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("work", model.NodeAssign, model.NodeConfig{Assignments: []model.Assignment{{Target: "x", Value: 1}}}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "work", ""),
			edge("e2", "work", "end", ""),
		},
	}
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	task := model.NewTask("test task", "does things", model.PriorityMedium, model.SourceUser)
	require.NoError(t, st.SaveTask(task))
	w.TaskID = task.ID
	require.NoError(t, st.SaveWorkflow(w))

	q := queue.New(st.QueuePath())
	b := bus.New()
	eng, err := New(Config{TaskID: task.ID, Workflow: w, Store: st, Queue: q, Bus: b})
	require.NoError(t, err)

	// The pause lands from another process while a node is mid-flight; the
	// engine's next persist must merge it rather than clobber it.
	b.Subscribe(bus.NodeStarted, func(ev bus.Event) error {
		if ev.NodeID == "work" {
			return RequestPause(st, task.ID, "midstream")
		}
		return nil
	})

	h := &harness{st: st, q: q, eng: eng, taskID: task.ID}
	require.NoError(t, eng.Begin())
	h.drive(t)

	assert.Equal(t, model.InstancePaused, eng.Status())
	assert.True(t, eng.Settled())
	assert.Equal(t, "midstream", h.instance(t).PauseReason)
	got, err := st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPaused, got.Status)
}

func TestPauseRequestStopsAtBoundary(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-pause", Name: "pause",
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("set", model.NodeAssign, model.NodeConfig{Assignments: []model.Assignment{{Target: "x", Value: 1}}}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "set", ""),
			edge("e2", "set", "end", ""),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())

	require.NoError(t, RequestPause(h.st, h.taskID, "user asked"))
	h.drive(t)

	assert.Equal(t, model.InstancePaused, h.eng.Status())
	assert.True(t, h.eng.Settled())
	in := h.instance(t)
	assert.Equal(t, "user asked", in.PauseReason)
	task, err := h.st.GetTask(h.taskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPaused, task.Status)

	// Clearing the request and restarting finishes the run.
	require.NoError(t, ClearPause(h.st, h.taskID))
	eng2, err := New(Config{TaskID: h.taskID, Workflow: w, Store: h.st, Queue: h.q, Bus: bus.New()})
	require.NoError(t, err)
	require.NoError(t, eng2.Begin())
	h.eng = eng2
	h.drive(t)
	assert.Equal(t, model.InstanceCompleted, eng2.Status())
}

func TestRecoveryResetsInterruptedNodes(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-recover", Name: "recover",
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("set", model.NodeAssign, model.NodeConfig{Assignments: []model.Assignment{{Target: "x", Value: 1}}}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "set", ""),
			edge("e2", "set", "end", ""),
		},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())

	// Simulate a crash mid-node: state running on disk, job claimed.
	job, err := h.q.ClaimNextWaiting()
	require.NoError(t, err)
	require.NotNil(t, job)
	in := h.instance(t)
	in.State("start").Status = model.NodeRunning
	require.NoError(t, h.st.SaveInstance(h.taskID, in))

	eng2, err := New(Config{TaskID: h.taskID, Workflow: w, Store: h.st, Queue: h.q, Bus: bus.New()})
	require.NoError(t, err)
	require.NoError(t, eng2.Begin())
	h.eng = eng2
	h.drive(t)
	assert.Equal(t, model.InstanceCompleted, eng2.Status())
}

func TestFindBackEdges(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-edges",
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("a", model.NodeAssign, model.NodeConfig{}),
			node("b", model.NodeAssign, model.NodeConfig{}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{
			edge("e1", "start", "a", ""),
			edge("e2", "a", "b", ""),
			edge("e3", "b", "a", ""), // cycle
			edge("e4", "a", "end", ""),
		},
	}
	back := findBackEdges(w)
	assert.True(t, back["e3"])
	assert.False(t, back["e1"])
	assert.False(t, back["e2"])
	assert.False(t, back["e4"])
}

func TestStaleJobFromOldInstanceIsDropped(t *testing.T) {
	w := &model.Workflow{
		ID: "wf-stale", Name: "stale",
		Nodes: []model.Node{
			node("start", model.NodeStart, model.NodeConfig{}),
			node("end", model.NodeEnd, model.NodeConfig{}),
		},
		Edges: []model.Edge{edge("e1", "start", "end", "")},
	}
	h := newHarness(t, w)
	require.NoError(t, h.eng.Begin())

	stale := queue.NewJob(w.ID, "some-old-instance", "start", 1)
	require.NoError(t, h.q.Enqueue(stale))
	job, err := h.q.ClaimNextWaiting()
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, h.eng.ExecuteJob(context.Background(), *job))

	h.drive(t)
	assert.Equal(t, model.InstanceCompleted, h.eng.Status())
}
