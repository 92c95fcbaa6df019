package model

import "time"

// JobStatus tracks a queue entry through its lifecycle. Transitions only
// move forward: waiting → running → completed|failed|human_waiting, with
// cancelled reachable from any non-terminal state.
type JobStatus string

const (
	JobWaiting      JobStatus = "waiting"
	JobRunning      JobStatus = "running"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobHumanWaiting JobStatus = "human_waiting"
	JobCancelled    JobStatus = "cancelled"
)

// IsTerminal reports whether the job will never run again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// JobData identifies the (instance, node) execution a job represents.
type JobData struct {
	WorkflowID string `json:"workflowId"`
	InstanceID string `json:"instanceId"`
	NodeID     string `json:"nodeId"`
	Attempt    int    `json:"attempt"`
}

// Job is one pending node execution in the persistent queue.
type Job struct {
	ID          string     `json:"id"`
	Data        JobData    `json:"data"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	NotBefore   *time.Time `json:"notBefore,omitempty"` // retry backoff gate
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// QueueFile is the on-disk layout of queue.json.
type QueueFile struct {
	Jobs      []Job     `json:"jobs"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProcessStatus describes a tracked task subprocess.
type ProcessStatus string

const (
	ProcessRunning ProcessStatus = "running"
	ProcessStopped ProcessStatus = "stopped"
	ProcessCrashed ProcessStatus = "crashed"
)

// ProcessInfo is persisted as process.json next to the task.
type ProcessInfo struct {
	PID       int           `json:"pid"`
	StartedAt time.Time     `json:"startedAt"`
	Status    ProcessStatus `json:"status"`
}

// Stats is the per-task rollup written to stats.json.
type Stats struct {
	NodesDone   int       `json:"nodesDone"`
	NodesFailed int       `json:"nodesFailed"`
	CostUSD     float64   `json:"costUsd"`
	DurationMs  int64     `json:"durationMs"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
