package messenger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nextlevelbuilder/cah/internal/bus"
	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/store"
)

// Notifier pushes task lifecycle notices to chat. It targets the task's
// originating chat, falling back to the last chat the hub talked to.
type Notifier struct {
	st      *store.Store
	adapter Adapter
}

// NewNotifier creates a Notifier.
func NewNotifier(st *store.Store, adapter Adapter) *Notifier {
	return &Notifier{st: st, adapter: adapter}
}

// Subscribe registers the notifier on the bus.
func (n *Notifier) Subscribe(b *bus.Bus) {
	b.Subscribe(bus.TaskCompleted, n.onTaskEvent("completed"))
	b.Subscribe(bus.WorkflowFailed, n.onTaskEvent("failed"))
}

func (n *Notifier) onTaskEvent(kind string) bus.Listener {
	return func(ev bus.Event) error {
		t, err := n.st.GetTask(ev.TaskID)
		if err != nil {
			return err
		}
		chatID := t.ChatID
		if chatID == "" {
			chatID = n.defaultChatID()
		}
		if chatID == "" {
			return nil // nowhere to send; CLI users read task get instead
		}

		var sb strings.Builder
		switch kind {
		case "completed":
			fmt.Fprintf(&sb, "✅ %s completed: %s", t.ID, t.Title)
			if t.Output != nil && t.Output.Summary != "" {
				fmt.Fprintf(&sb, "\n%s", t.Output.Summary)
			}
		default:
			fmt.Fprintf(&sb, "❌ %s failed: %s", t.ID, t.Title)
			if payload, ok := ev.Payload.(map[string]any); ok {
				if msg, ok := payload["error"].(string); ok && msg != "" {
					fmt.Fprintf(&sb, "\n%s", msg)
				}
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return n.adapter.Reply(ctx, chatID, sb.String())
	}
}

func (n *Notifier) defaultChatID() string {
	data, err := os.ReadFile(n.st.DefaultChatIDPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// NotifyWaiting sends the approval prompt when a task parks on a human
// gate. Called by the subprocess runner when the engine reports a wait.
func NotifyWaiting(st *store.Store, adapter Adapter, task *model.Task, prompt string) error {
	chatID := task.ChatID
	if chatID == "" {
		n := NewNotifier(st, adapter)
		chatID = n.defaultChatID()
	}
	if chatID == "" || adapter == nil {
		return nil
	}
	if prompt == "" {
		prompt = "approval needed"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return adapter.Reply(ctx, chatID,
		fmt.Sprintf("⏸ %s needs a decision: %s\nReply approve or reject, or use /approve %s", task.ID, prompt, task.ID))
}
