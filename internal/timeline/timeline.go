// Package timeline appends span and lifecycle records under a task folder.
// Records form a workflow→node→llm tree keyed by span ids; they are
// best-effort observability data consumed by external analyzers and are
// never load-bearing for correctness.
package timeline

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cah/internal/store"
)

// SpanType distinguishes levels of the span tree.
type SpanType string

const (
	SpanWorkflow SpanType = "workflow"
	SpanNode     SpanType = "node"
	SpanLLM      SpanType = "llm"
)

// Span is one append-only trace record.
type Span struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parentId,omitempty"`
	TaskID     string    `json:"taskId"`
	Type       SpanType  `json:"type"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	SlotWaitMs int64     `json:"slotWaitMs,omitempty"`
	CostUSD    float64   `json:"costUsd,omitempty"`
	Status     string    `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Writer appends records to a task's timeline.json (one JSON per line).
type Writer struct {
	path   string
	taskID string
}

// New creates a Writer for one task.
func New(st *store.Store, taskID string) *Writer {
	return &Writer{path: filepath.Join(st.TaskDir(taskID), "timeline.json"), taskID: taskID}
}

// NewSpanID returns a fresh span id.
func NewSpanID() string { return uuid.NewString() }

// Emit appends the span. Failures are logged and swallowed.
func (w *Writer) Emit(span Span) {
	if w == nil {
		return
	}
	span.TaskID = w.taskID
	if span.ID == "" {
		span.ID = NewSpanID()
	}
	if !span.EndedAt.IsZero() && span.DurationMs == 0 {
		span.DurationMs = span.EndedAt.Sub(span.StartedAt).Milliseconds()
	}
	if err := store.AppendJSONL(w.path, span); err != nil {
		slog.Debug("timeline append failed", "task", w.taskID, "error", err)
	}
}

// Event appends an arbitrary lifecycle record.
func (w *Writer) Event(name string, payload map[string]any) {
	if w == nil {
		return
	}
	rec := map[string]any{
		"event":  name,
		"taskId": w.taskID,
		"at":     time.Now().Format(time.RFC3339Nano),
	}
	for k, v := range payload {
		rec[k] = v
	}
	if err := store.AppendJSONL(w.path, rec); err != nil {
		slog.Debug("timeline append failed", "task", w.taskID, "error", err)
	}
}
