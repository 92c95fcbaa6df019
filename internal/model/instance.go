package model

import "time"

// InstanceStatus is the lifecycle state of one workflow execution.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the instance has finished.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus is the per-node execution state within an instance.
type NodeStatus string

const (
	NodePending    NodeStatus = "pending"
	NodeReady      NodeStatus = "ready"
	NodeRunning    NodeStatus = "running"
	NodeDone       NodeStatus = "done"
	NodeFailedSt   NodeStatus = "failed"
	NodeSkipped    NodeStatus = "skipped"
	NodeWaitingSt  NodeStatus = "waiting"
)

// IsTerminal reports whether the node will not execute again this pass.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeDone, NodeFailedSt, NodeSkipped:
		return true
	default:
		return false
	}
}

// NodeState tracks one node's progress inside an instance.
type NodeState struct {
	Status      NodeStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Instance is one live execution of a workflow, persisted as instance.json.
type Instance struct {
	ID          string                `json:"id"`
	WorkflowID  string                `json:"workflowId"`
	Status      InstanceStatus        `json:"status"`
	NodeStates  map[string]*NodeState `json:"nodeStates"`
	Variables   map[string]any        `json:"variables"`
	Outputs     map[string]any        `json:"outputs"`
	LoopCounts  map[string]int        `json:"loopCounts,omitempty"` // edgeID → re-entries
	StartedAt   time.Time             `json:"startedAt"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
	Error       string                `json:"error,omitempty"`
	PausedAt    *time.Time            `json:"pausedAt,omitempty"`
	PauseReason string                `json:"pauseReason,omitempty"`
}

// Instance variable keys used by the engine and the daemon's recovery job.
const (
	VarSessionID             = "_sessionId"
	VarScheduleWaitResumeAt  = "_scheduleWaitResumeAt"
	VarScheduleWaitTriggered = "_scheduleWaitTriggered"
	VarScheduleWaitNode      = "_scheduleWaitNode"
	VarPauseRequested        = "_pauseRequested"
)

// NewInstance creates a pending instance with all nodes pending.
func NewInstance(id string, w *Workflow) *Instance {
	states := make(map[string]*NodeState, len(w.Nodes))
	for _, n := range w.Nodes {
		states[n.ID] = &NodeState{Status: NodePending}
	}
	vars := make(map[string]any, len(w.Variables))
	for k, v := range w.Variables {
		vars[k] = v
	}
	return &Instance{
		ID:         id,
		WorkflowID: w.ID,
		Status:     InstancePending,
		NodeStates: states,
		Variables:  vars,
		Outputs:    make(map[string]any),
		LoopCounts: make(map[string]int),
		StartedAt:  time.Now(),
	}
}

// State returns the node state, creating a pending one if missing.
func (in *Instance) State(nodeID string) *NodeState {
	if in.NodeStates == nil {
		in.NodeStates = make(map[string]*NodeState)
	}
	st, ok := in.NodeStates[nodeID]
	if !ok {
		st = &NodeState{Status: NodePending}
		in.NodeStates[nodeID] = st
	}
	return st
}
