package model

import (
	"encoding/json"
	"fmt"
)

// NodeType enumerates the supported workflow node kinds.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeTask      NodeType = "task"
	NodeCondition NodeType = "condition"
	NodeParallel  NodeType = "parallel"
	NodeJoin      NodeType = "join"
	NodeHuman     NodeType = "human"
	NodeDelay     NodeType = "delay"
	NodeSchedule  NodeType = "schedule"
	NodeSwitch    NodeType = "switch"
	NodeAssign    NodeType = "assign"
	NodeScript    NodeType = "script"
	NodeLoop      NodeType = "loop"
	NodeForeach   NodeType = "foreach"
)

// RetryPolicy bounds re-execution of a failed node.
type RetryPolicy struct {
	MaxAttempts int `json:"maxAttempts"`
	BackoffMs   int `json:"backoffMs,omitempty"`
}

// SwitchCase maps a matched value to a target node.
type SwitchCase struct {
	Value  any    `json:"value"`
	Target string `json:"target"`
}

// Assignment writes one value into instance variables.
type Assignment struct {
	Target       string `json:"target"`                 // dotted path, e.g. "review.verdict"
	Value        any    `json:"value"`                  // raw value or expression string
	IsExpression bool   `json:"isExpression,omitempty"` // evaluate Value as an expression
}

// NodeConfig carries the type-specific settings of a node. Only the fields
// relevant to the node's type are populated.
type NodeConfig struct {
	// task
	Persona        string       `json:"persona,omitempty"`
	PromptTemplate string       `json:"promptTemplate,omitempty"`
	Model          string       `json:"model,omitempty"`
	Retry          *RetryPolicy `json:"retry,omitempty"`
	TimeoutMs      int          `json:"timeoutMs,omitempty"`

	// delay
	Value int    `json:"value,omitempty"`
	Unit  string `json:"unit,omitempty"` // "s", "m", "h", "d"

	// schedule
	Datetime string `json:"datetime,omitempty"` // RFC3339 absolute moment
	Cron     string `json:"cron,omitempty"`     // 5-field cron expression

	// switch / loop / script
	Expression string       `json:"expression,omitempty"`
	Cases      []SwitchCase `json:"cases,omitempty"`
	Default    string       `json:"default,omitempty"`

	// assign / script
	Assignments []Assignment `json:"assignments,omitempty"`
	OutputVar   string       `json:"outputVar,omitempty"`

	// loop
	Mode          string   `json:"mode,omitempty"` // "while", "until", "for"
	Count         int      `json:"count,omitempty"`
	MaxIterations int      `json:"maxIterations,omitempty"`
	Body          []string `json:"body,omitempty"` // body node ids

	// foreach
	Collection  string `json:"collection,omitempty"`
	ItemVar     string `json:"itemVar,omitempty"`
	IndexVar    string `json:"indexVar,omitempty"`
	Parallel    bool   `json:"parallel,omitempty"`
	MaxParallel int    `json:"maxParallel,omitempty"`

	// human
	Prompt string `json:"prompt,omitempty"`
}

// Node is one vertex of the workflow DAG.
type Node struct {
	ID     string     `json:"id"`
	Type   NodeType   `json:"type"`
	Name   string     `json:"name"`
	Config NodeConfig `json:"config,omitempty"`
}

// Edge connects two nodes, optionally guarded by a condition expression.
type Edge struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
	Label     string `json:"label,omitempty"`
}

// Workflow is the DAG plan for one task, persisted as workflow.json.
type Workflow struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"taskId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     int             `json:"version"`
	Nodes       []Node          `json:"nodes"`
	Edges       []Edge          `json:"edges"`
	Variables   map[string]any  `json:"variables,omitempty"`
	Inputs      map[string]any  `json:"inputs,omitempty"`
	Outputs     map[string]any  `json:"outputs,omitempty"`
	Settings    json.RawMessage `json:"settings,omitempty"`
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns edges leaving the given node.
func (w *Workflow) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns edges entering the given node.
func (w *Workflow) IncomingEdges(nodeID string) []Edge {
	var in []Edge
	for _, e := range w.Edges {
		if e.To == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// StartNode returns the workflow's start node, or nil.
func (w *Workflow) StartNode() *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Type == NodeStart {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Validate checks the structural invariants: exactly one start node, at
// least one end node, edges reference existing nodes, every node reachable
// from start, and loop/foreach/switch body or case targets exist.
func (w *Workflow) Validate() error {
	byID := make(map[string]*Node, len(w.Nodes))
	starts, ends := 0, 0
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("workflow %s: node without id", w.ID)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("workflow %s: duplicate node id %q", w.ID, n.ID)
		}
		byID[n.ID] = n
		switch n.Type {
		case NodeStart:
			starts++
		case NodeEnd:
			ends++
		}
	}
	if starts != 1 {
		return fmt.Errorf("workflow %s: expected exactly one start node, got %d", w.ID, starts)
	}
	if ends == 0 {
		return fmt.Errorf("workflow %s: no end node", w.ID)
	}

	adj := make(map[string][]string)
	for _, e := range w.Edges {
		if _, ok := byID[e.From]; !ok {
			return fmt.Errorf("workflow %s: edge %s references unknown node %q", w.ID, e.ID, e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return fmt.Errorf("workflow %s: edge %s references unknown node %q", w.ID, e.ID, e.To)
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	// Body/case references count as reachability edges too.
	for _, n := range w.Nodes {
		switch n.Type {
		case NodeLoop, NodeForeach:
			for _, id := range n.Config.Body {
				if _, ok := byID[id]; !ok {
					return fmt.Errorf("workflow %s: node %s body references unknown node %q", w.ID, n.ID, id)
				}
				adj[n.ID] = append(adj[n.ID], id)
			}
		case NodeSwitch:
			for _, c := range n.Config.Cases {
				if _, ok := byID[c.Target]; !ok {
					return fmt.Errorf("workflow %s: switch %s case references unknown node %q", w.ID, n.ID, c.Target)
				}
				adj[n.ID] = append(adj[n.ID], c.Target)
			}
			if n.Config.Default != "" {
				if _, ok := byID[n.Config.Default]; !ok {
					return fmt.Errorf("workflow %s: switch %s default references unknown node %q", w.ID, n.ID, n.Config.Default)
				}
				adj[n.ID] = append(adj[n.ID], n.Config.Default)
			}
		}
	}

	seen := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		for _, next := range adj[id] {
			walk(next)
		}
	}
	walk(w.StartNode().ID)
	for id := range byID {
		if !seen[id] {
			return fmt.Errorf("workflow %s: node %q not reachable from start", w.ID, id)
		}
	}
	return nil
}
