// Package planner turns a task into an executable workflow. The default
// plan is a fixed three-phase pipeline; when an invoker is available the
// planner first asks the LLM to decompose the task and falls back to the
// default on any parse or validation failure.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cah/internal/invoker"
	"github.com/nextlevelbuilder/cah/internal/model"
)

// Default builds the stock plan → develop → review pipeline for a task.
func Default(task *model.Task) *model.Workflow {
	w := &model.Workflow{
		ID:      uuid.NewString(),
		TaskID:  task.ID,
		Name:    task.Title,
		Version: 1,
		Nodes: []model.Node{
			{ID: "start", Type: model.NodeStart, Name: "Start"},
			{
				ID: "plan", Type: model.NodeTask, Name: "Plan",
				Config: model.NodeConfig{
					Persona: "a senior software architect",
					PromptTemplate: "Plan the implementation of this task.\n\n" +
						"Title: {{task.title}}\nDescription: {{task.description}}\n\n" +
						"Reply with a fenced JSON object: {\"plan\": \"...\", \"steps\": [...]}",
					Retry: &model.RetryPolicy{MaxAttempts: 2, BackoffMs: 5000},
				},
			},
			{
				ID: "develop", Type: model.NodeTask, Name: "Develop",
				Config: model.NodeConfig{
					Persona: "a senior software engineer",
					PromptTemplate: "Implement the task according to the plan.\n\n" +
						"Title: {{task.title}}\nDescription: {{task.description}}\n" +
						"Plan: {{outputs.plan.plan}}\n\n" +
						"When finished, reply with a fenced JSON object: {\"summary\": \"...\", \"files\": [...]}",
					Retry: &model.RetryPolicy{MaxAttempts: 2, BackoffMs: 10000},
				},
			},
			{
				ID: "review", Type: model.NodeTask, Name: "Review",
				Config: model.NodeConfig{
					Persona: "a meticulous code reviewer",
					PromptTemplate: "Review the work just completed for this task and verify it is done.\n\n" +
						"Title: {{task.title}}\nSummary so far: {{outputs.develop.summary}}\n\n" +
						"Reply with a fenced JSON object: {\"verdict\": \"pass\" or \"fail\", \"summary\": \"...\"}",
					Retry: &model.RetryPolicy{MaxAttempts: 2, BackoffMs: 5000},
				},
			},
			{ID: "end", Type: model.NodeEnd, Name: "Done"},
		},
		Edges: []model.Edge{
			{ID: "e1", From: "start", To: "plan"},
			{ID: "e2", From: "plan", To: "develop"},
			{ID: "e3", From: "develop", To: "review"},
			{ID: "e4", From: "review", To: "end"},
		},
		Outputs: map[string]any{
			"summary": "outputs.review.summary",
			"verdict": "outputs.review.verdict",
		},
	}
	return w
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

const planPrompt = `You are a workflow planner for an autonomous coding agent.
Decompose the task below into a workflow DAG.

Task title: %s
Task description: %s

Reply with a fenced JSON object of this shape:
{
  "name": "...",
  "nodes": [{"id": "...", "type": "task|condition|parallel|join|human|delay|switch|assign|script|loop|foreach", "name": "...", "config": {...}}],
  "edges": [{"from": "...", "to": "...", "condition": "optional expression"}]
}

Do not include start or end nodes; they are added automatically.
Task nodes need config.persona and config.promptTemplate.
Keep it small: 2 to 6 nodes.`

// Plan asks the LLM to decompose the task and validates the result.
// Any failure falls back to Default, which always validates.
func Plan(ctx context.Context, inv *invoker.Invoker, task *model.Task) *model.Workflow {
	if inv == nil {
		return Default(task)
	}
	res, err := inv.Invoke(ctx, invoker.Request{
		Prompt:     fmt.Sprintf(planPrompt, task.Title, task.Description),
		DisableMCP: true,
	})
	if err != nil {
		slog.Warn("llm planning failed, using default workflow", "task", task.ID, "error", err)
		return Default(task)
	}
	w, err := FromPlanJSON(task, res.Response)
	if err != nil {
		slog.Warn("llm plan rejected, using default workflow", "task", task.ID, "error", err)
		return Default(task)
	}
	return w
}

// FromPlanJSON parses a planner reply into a workflow, wrapping the
// proposed nodes between synthetic start and end nodes.
func FromPlanJSON(task *model.Task, reply string) (*model.Workflow, error) {
	raw := reply
	if m := fencedJSON.FindStringSubmatch(reply); m != nil {
		raw = m[1]
	}
	var plan struct {
		Name  string       `json:"name"`
		Nodes []model.Node `json:"nodes"`
		Edges []model.Edge `json:"edges"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(plan.Nodes) == 0 {
		return nil, fmt.Errorf("plan has no nodes")
	}

	w := &model.Workflow{
		ID:      uuid.NewString(),
		TaskID:  task.ID,
		Name:    firstNonEmpty(plan.Name, task.Title),
		Version: 1,
	}
	w.Nodes = append(w.Nodes, model.Node{ID: "start", Type: model.NodeStart, Name: "Start"})
	w.Nodes = append(w.Nodes, plan.Nodes...)
	w.Nodes = append(w.Nodes, model.Node{ID: "end", Type: model.NodeEnd, Name: "Done"})

	for i, e := range plan.Edges {
		if e.ID == "" {
			e.ID = fmt.Sprintf("e%d", i+1)
		}
		w.Edges = append(w.Edges, e)
	}
	// Stitch the proposed graph to start/end: roots hang off start, leaves
	// feed end.
	hasIn, hasOut := map[string]bool{}, map[string]bool{}
	for _, e := range plan.Edges {
		hasIn[e.To] = true
		hasOut[e.From] = true
	}
	n := len(w.Edges)
	for _, node := range plan.Nodes {
		if !hasIn[node.ID] {
			n++
			w.Edges = append(w.Edges, model.Edge{ID: fmt.Sprintf("e%d", n), From: "start", To: node.ID})
		}
		if !hasOut[node.ID] {
			n++
			w.Edges = append(w.Edges, model.Edge{ID: fmt.Sprintf("e%d", n), From: node.ID, To: "end"})
		}
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// FromFile parses a user-authored workflow definition (workflow create -f).
// Unlike planner replies, a file must already be complete and valid.
func FromFile(task *model.Task, data []byte) (*model.Workflow, error) {
	var w model.Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workflow file: %w", err)
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.TaskID = task.ID
	if w.Name == "" {
		w.Name = task.Title
	}
	if w.Version == 0 {
		w.Version = 1
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
