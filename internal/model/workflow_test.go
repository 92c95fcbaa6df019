package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearWorkflow() *Workflow {
	return &Workflow{
		ID:     "wf-1",
		TaskID: "task-1",
		Name:   "linear",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "work", Type: NodeTask},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", From: "start", To: "work"},
			{ID: "e2", From: "work", To: "end"},
		},
	}
}

func TestValidateAcceptsLinearFlow(t *testing.T) {
	require.NoError(t, linearWorkflow().Validate())
}

func TestValidateRejectsMissingStart(t *testing.T) {
	w := linearWorkflow()
	w.Nodes = w.Nodes[1:]
	w.Edges = w.Edges[1:]
	err := w.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start node")
}

func TestValidateRejectsDuplicateNodeID(t *testing.T) {
	w := linearWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "work", Type: NodeTask})
	err := w.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	w := linearWorkflow()
	w.Edges = append(w.Edges, Edge{ID: "e3", From: "work", To: "nowhere"})
	err := w.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node")
}

func TestValidateRejectsUnreachableNode(t *testing.T) {
	w := linearWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "island", Type: NodeTask})
	err := w.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestValidateCountsBodyAsReachable(t *testing.T) {
	w := linearWorkflow()
	w.Nodes = append(w.Nodes,
		Node{ID: "each", Type: NodeForeach, Config: NodeConfig{Collection: "variables.items", Body: []string{"step"}}},
		Node{ID: "step", Type: NodeTask},
	)
	w.Edges = append(w.Edges, Edge{ID: "e3", From: "work", To: "each"}, Edge{ID: "e4", From: "each", To: "end"})
	require.NoError(t, w.Validate())
}

func TestEdgeHelpers(t *testing.T) {
	w := linearWorkflow()
	assert.Len(t, w.OutgoingEdges("start"), 1)
	assert.Len(t, w.IncomingEdges("end"), 1)
	assert.Empty(t, w.OutgoingEdges("end"))
	require.NotNil(t, w.StartNode())
	assert.Equal(t, "start", w.StartNode().ID)
	assert.Nil(t, w.Node("missing"))
}
