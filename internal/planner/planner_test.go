package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cah/internal/model"
)

func testTask() *model.Task {
	return model.NewTask("add caching", "cache hot paths", model.PriorityMedium, model.SourceUser)
}

func TestDefaultWorkflowValidates(t *testing.T) {
	task := testTask()
	w := Default(task)
	require.NoError(t, w.Validate())
	assert.Equal(t, task.ID, w.TaskID)
	assert.Equal(t, task.Title, w.Name)

	// The fixed pipeline: start → plan → develop → review → end.
	var order []string
	for _, n := range w.Nodes {
		order = append(order, n.ID)
	}
	assert.Equal(t, []string{"start", "plan", "develop", "review", "end"}, order)

	plan := w.Node("plan")
	require.NotNil(t, plan)
	assert.NotEmpty(t, plan.Config.Persona)
	assert.Contains(t, plan.Config.PromptTemplate, "{{task.title}}")
	require.NotNil(t, plan.Config.Retry)
	assert.Equal(t, 2, plan.Config.Retry.MaxAttempts)

	assert.Equal(t, "outputs.review.summary", w.Outputs["summary"])
}

func TestPlanWithoutInvokerFallsBack(t *testing.T) {
	w := Plan(context.Background(), nil, testTask())
	require.NoError(t, w.Validate())
	assert.NotNil(t, w.Node("develop"))
}

func TestFromPlanJSONStitchesStartAndEnd(t *testing.T) {
	reply := "Here is the plan:\n```json\n" + `{
  "name": "cache rollout",
  "nodes": [
    {"id": "analyze", "type": "task", "name": "Analyze", "config": {"persona": "an engineer", "promptTemplate": "analyze {{task.title}}"}},
    {"id": "apply", "type": "task", "name": "Apply", "config": {"persona": "an engineer", "promptTemplate": "apply"}}
  ],
  "edges": [{"from": "analyze", "to": "apply"}]
}` + "\n```\nDone."

	w, err := FromPlanJSON(testTask(), reply)
	require.NoError(t, err)
	require.NoError(t, w.Validate())
	assert.Equal(t, "cache rollout", w.Name)

	// The root hangs off start, the leaf feeds end.
	assert.NotNil(t, w.StartNode())
	var fromStart, toEnd []string
	for _, e := range w.Edges {
		if e.From == "start" {
			fromStart = append(fromStart, e.To)
		}
		if e.To == "end" {
			toEnd = append(toEnd, e.From)
		}
	}
	assert.Equal(t, []string{"analyze"}, fromStart)
	assert.Equal(t, []string{"apply"}, toEnd)
}

func TestFromPlanJSONRejectsGarbage(t *testing.T) {
	_, err := FromPlanJSON(testTask(), "no json here")
	assert.Error(t, err)

	_, err = FromPlanJSON(testTask(), "```json\n{\"nodes\": []}\n```")
	assert.Error(t, err)

	// A plan referencing a missing node fails validation.
	_, err = FromPlanJSON(testTask(), "```json\n"+`{"nodes":[{"id":"a","type":"task","name":"A"}],"edges":[{"from":"a","to":"ghost"}]}`+"\n```")
	assert.Error(t, err)
}

func TestFromFile(t *testing.T) {
	task := testTask()
	data := []byte(`{
  "name": "custom",
  "nodes": [
    {"id": "start", "type": "start", "name": "Start"},
    {"id": "go", "type": "assign", "name": "Go", "config": {"assignments": [{"target": "x", "value": 1}]}},
    {"id": "end", "type": "end", "name": "End"}
  ],
  "edges": [
    {"id": "e1", "from": "start", "to": "go"},
    {"id": "e2", "from": "go", "to": "end"}
  ]
}`)
	w, err := FromFile(task, data)
	require.NoError(t, err)
	assert.Equal(t, task.ID, w.TaskID)
	assert.Equal(t, "custom", w.Name)
	assert.Equal(t, 1, w.Version)
	assert.NotEmpty(t, w.ID)

	// A file without a start node is rejected outright.
	_, err = FromFile(task, []byte(`{"nodes":[{"id":"end","type":"end"}],"edges":[]}`))
	assert.Error(t, err)
}
