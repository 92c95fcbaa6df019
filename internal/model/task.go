// Package model defines the persistent domain types shared by the store,
// queue, engine, and supervisor: tasks, workflows, instances, queue jobs,
// and process records. All types round-trip through JSON unchanged.
package model

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskPlanning   TaskStatus = "planning"
	TaskDeveloping TaskStatus = "developing"
	TaskReviewing  TaskStatus = "reviewing"
	TaskPaused     TaskStatus = "paused"
	TaskWaiting    TaskStatus = "waiting"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskPriority orders pending tasks in the global queue.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// Rank returns a sortable weight, higher runs first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// TaskSource identifies who created the task.
type TaskSource string

const (
	SourceUser      TaskSource = "user"
	SourceSelfdrive TaskSource = "selfdrive"
)

// TaskTiming is the optional timing rollup stored under Task.Output.
type TaskTiming struct {
	QueuedMs    int64 `json:"queuedMs,omitempty"`
	ExecutionMs int64 `json:"executionMs,omitempty"`
}

// TaskOutput carries terminal results surfaced back to the requester.
type TaskOutput struct {
	Summary string      `json:"summary,omitempty"`
	Timing  *TaskTiming `json:"timing,omitempty"`
}

// Task is one user request, persisted as tasks/<id>/task.json.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Priority    TaskPriority `json:"priority"`
	Status      TaskStatus   `json:"status"`
	RetryCount  int          `json:"retryCount"`
	Source      TaskSource   `json:"source"`
	WorkflowID  string       `json:"workflowId,omitempty"`
	Output      *TaskOutput  `json:"output,omitempty"`
	ChatID      string       `json:"chatId,omitempty"` // reply target for completion notices
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewTaskID builds a task id in the form task-YYYYMMDD-HHMMSS-<rand>,
// where rand is 3-5 lowercase base36 characters.
func NewTaskID(now time.Time) string {
	n := 3 + rand.Intn(3)
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(base36[rand.Intn(len(base36))])
	}
	return fmt.Sprintf("task-%s-%s", now.Format("20060102-150405"), b.String())
}

// NewTask creates a pending task with a fresh id.
func NewTask(title, description string, priority TaskPriority, source TaskSource) *Task {
	now := time.Now()
	if priority == "" {
		priority = PriorityMedium
	}
	if source == "" {
		source = SourceUser
	}
	return &Task{
		ID:          NewTaskID(now),
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      TaskPending,
		Source:      source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
