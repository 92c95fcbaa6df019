// Package messenger connects chat surfaces to the hub: slash commands for
// task control, approval keywords for human gates, and a passthrough chat
// mode backed by the LLM CLI. Adapters supply transport; the router is
// transport-agnostic.
package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cah/internal/engine"
	"github.com/nextlevelbuilder/cah/internal/invoker"
	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/queue"
	"github.com/nextlevelbuilder/cah/internal/store"
	"github.com/nextlevelbuilder/cah/internal/supervisor"
)

// Adapter is one chat transport. Reply must be safe for concurrent use.
type Adapter interface {
	Name() string
	Reply(ctx context.Context, chatID, text string) error
}

// Incoming is one normalized inbound message.
type Incoming struct {
	ChatID    string
	MessageID string
	SenderID  string
	Text      string
	At        time.Time
}

// Router dispatches inbound messages to command handlers. Messages from
// the same chat are handled strictly in order; different chats proceed in
// parallel.
type Router struct {
	st      *store.Store
	q       *queue.Queue
	sup     *supervisor.Supervisor
	inv     *invoker.Invoker
	adapter Adapter

	mu        sync.Mutex
	chatLocks map[string]*sync.Mutex
	sessions  map[string]string // chat id → LLM session for chat mode
	chatModel string
	seen      map[string]time.Time // message id dedup
}

// NewRouter builds a Router over the shared collaborators.
func NewRouter(st *store.Store, q *queue.Queue, sup *supervisor.Supervisor, inv *invoker.Invoker, adapter Adapter) *Router {
	return &Router{
		st:        st,
		q:         q,
		sup:       sup,
		inv:       inv,
		adapter:   adapter,
		chatLocks: make(map[string]*sync.Mutex),
		sessions:  make(map[string]string),
		seen:      make(map[string]time.Time),
	}
}

func (r *Router) chatLock(chatID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.chatLocks[chatID]
	if !ok {
		l = &sync.Mutex{}
		r.chatLocks[chatID] = l
	}
	return l
}

func (r *Router) duplicate(messageID string) bool {
	if messageID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[messageID]; ok {
		return true
	}
	cutoff := time.Now().Add(-10 * time.Minute)
	for id, at := range r.seen {
		if at.Before(cutoff) {
			delete(r.seen, id)
		}
	}
	r.seen[messageID] = time.Now()
	return false
}

// Handle processes one inbound message and replies through the adapter.
func (r *Router) Handle(ctx context.Context, msg Incoming) {
	if r.duplicate(msg.MessageID) {
		return
	}
	l := r.chatLock(msg.ChatID)
	l.Lock()
	defer l.Unlock()

	r.rememberChat(msg.ChatID)
	reply, err := r.dispatch(ctx, msg)
	if err != nil {
		reply = "Error: " + err.Error()
	}
	if reply == "" {
		return
	}
	if err := r.adapter.Reply(ctx, msg.ChatID, reply); err != nil {
		slog.Error("reply failed", "adapter", r.adapter.Name(), "chat", msg.ChatID, "error", err)
	}
}

// rememberChat persists the most recent chat id so completion notices have
// a target even for CLI-created tasks.
func (r *Router) rememberChat(chatID string) {
	if chatID == "" {
		return
	}
	if err := os.WriteFile(r.st.DefaultChatIDPath(), []byte(chatID), 0o644); err != nil {
		slog.Debug("chat id persist failed", "error", err)
	}
}

func (r *Router) dispatch(ctx context.Context, msg Incoming) (string, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", nil
	}
	if strings.HasPrefix(text, "/") {
		return r.command(ctx, msg, text)
	}
	if reply, handled := r.tryApprovalKeyword(msg, text); handled {
		return reply, nil
	}
	return r.chat(ctx, msg.ChatID, text)
}

func (r *Router) command(ctx context.Context, msg Incoming, text string) (string, error) {
	fields := strings.Fields(text)
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	switch cmd {
	case "/run", "/new":
		return r.cmdRun(msg, rest)
	case "/list":
		return r.cmdList()
	case "/get":
		return r.cmdGet(args)
	case "/logs":
		return r.cmdLogs(args)
	case "/stop":
		return r.withTask(args, func(id string) (string, error) {
			return "Stopped " + id, r.sup.Stop(id)
		})
	case "/pause":
		return r.withTask(args, func(id string) (string, error) {
			return "Pausing " + id + " at the next step boundary", r.sup.Pause(id, "paused from chat")
		})
	case "/resume":
		return r.withTask(args, func(id string) (string, error) {
			return "Resumed " + id, r.sup.Resume(id)
		})
	case "/approve":
		return r.cmdDecision(args, true)
	case "/reject":
		return r.cmdDecision(args, false)
	case "/status":
		return r.cmdStatus()
	case "/chat":
		if rest == "" {
			return "Usage: /chat <message>", nil
		}
		return r.chat(ctx, msg.ChatID, rest)
	case "/model":
		if rest == "" {
			return "Chat model: " + orDefault(r.chatModel, "(default)"), nil
		}
		r.mu.Lock()
		r.chatModel = rest
		r.mu.Unlock()
		return "Chat model set to " + rest, nil
	case "/help":
		return helpText, nil
	default:
		return fmt.Sprintf("Unknown command %s. Try /help.", cmd), nil
	}
}

const helpText = `Commands:
/run <description> [high|low]  create a task
/list                          list tasks
/get <id>                      task details
/logs <id> [lines]             tail execution log
/stop | /pause | /resume <id>  control a task
/approve | /reject <id> [why]  answer a waiting approval
/status                        hub overview
/chat <message>                talk to the assistant
/model [name]                  show or set the chat model`

func (r *Router) cmdRun(msg Incoming, rest string) (string, error) {
	if rest == "" {
		return "Usage: /run <task description> [high|low]", nil
	}
	priority := model.PriorityMedium
	for _, p := range []model.TaskPriority{model.PriorityHigh, model.PriorityLow} {
		suffix := " " + string(p)
		if strings.HasSuffix(rest, suffix) {
			priority = p
			rest = strings.TrimSuffix(rest, suffix)
		}
	}
	t := model.NewTask(firstLine(rest), rest, priority, model.SourceUser)
	t.ChatID = msg.ChatID
	if err := r.st.SaveTask(t); err != nil {
		return "", err
	}
	if err := r.st.AppendMessage(t.ID, msg); err != nil {
		slog.Debug("message record failed", "task", t.ID, "error", err)
	}
	return fmt.Sprintf("Created %s (%s). It starts on the next poll.", t.ID, priority), nil
}

func (r *Router) cmdList() (string, error) {
	tasks, err := r.st.GetAllTasks()
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "No tasks yet. /run <description> creates one.", nil
	}
	var sb strings.Builder
	for i, t := range tasks {
		if i >= 15 {
			fmt.Fprintf(&sb, "… and %d more", len(tasks)-i)
			break
		}
		fmt.Fprintf(&sb, "%s  %-10s  %s\n", t.ID, t.Status, t.Title)
	}
	return sb.String(), nil
}

func (r *Router) cmdGet(args []string) (string, error) {
	return r.withTask(args, func(id string) (string, error) {
		t, err := r.st.GetTask(id)
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s\nStatus: %s\nPriority: %s\nCreated: %s\n",
			t.Title, t.Status, t.Priority, t.CreatedAt.Format(time.RFC3339))
		if in, err := r.st.GetInstance(id); err == nil {
			done, total := 0, len(in.NodeStates)
			for _, ns := range in.NodeStates {
				if ns.Status == model.NodeDone {
					done++
				}
			}
			fmt.Fprintf(&sb, "Progress: %d/%d nodes\n", done, total)
			if in.Error != "" {
				fmt.Fprintf(&sb, "Error: %s\n", in.Error)
			}
		}
		if t.Output != nil && t.Output.Summary != "" {
			fmt.Fprintf(&sb, "Summary: %s\n", t.Output.Summary)
		}
		return sb.String(), nil
	})
}

func (r *Router) cmdLogs(args []string) (string, error) {
	return r.withTask(args, func(id string) (string, error) {
		n := 20
		if len(args) > 1 {
			fmt.Sscanf(args[1], "%d", &n)
		}
		lines, err := TailLog(r.st, id, n)
		if err != nil {
			return "", err
		}
		if lines == "" {
			return "No log output yet.", nil
		}
		return lines, nil
	})
}

func (r *Router) cmdDecision(args []string, approved bool) (string, error) {
	return r.withTask(args, func(id string) (string, error) {
		reason := strings.Join(argsTail(args), " ")
		if err := engine.ApplyApproval(r.st, r.q, id, "", approved, reason); err != nil {
			return "", err
		}
		verdict := "Approved"
		if !approved {
			verdict = "Rejected"
		}
		return verdict + " " + id, nil
	})
}

// tryApprovalKeyword treats a bare "approve"/"reject"-style message as a
// decision when exactly one of this chat's tasks is waiting on a human.
func (r *Router) tryApprovalKeyword(msg Incoming, text string) (string, bool) {
	var approved bool
	switch strings.ToLower(text) {
	case "approve", "approved", "yes", "lgtm", "ok":
		approved = true
	case "reject", "rejected", "no":
		approved = false
	default:
		return "", false
	}
	waiting, err := r.st.GetTasksByStatus(model.TaskWaiting)
	if err != nil {
		return "", false
	}
	var match []*model.Task
	for _, t := range waiting {
		if t.ChatID == "" || t.ChatID == msg.ChatID {
			match = append(match, t)
		}
	}
	switch len(match) {
	case 0:
		return "", false
	case 1:
		if err := engine.ApplyApproval(r.st, r.q, match[0].ID, "", approved, text); err != nil {
			return "Error: " + err.Error(), true
		}
		verdict := "Approved"
		if !approved {
			verdict = "Rejected"
		}
		return fmt.Sprintf("%s %s", verdict, match[0].ID), true
	default:
		return fmt.Sprintf("%d tasks are waiting; use /approve <id> or /reject <id>.", len(match)), true
	}
}

func (r *Router) cmdStatus() (string, error) {
	tasks, err := r.st.GetAllTasks()
	if err != nil {
		return "", err
	}
	counts := map[model.TaskStatus]int{}
	for _, t := range tasks {
		counts[t.Status]++
	}
	jobs, _ := r.q.Jobs()
	active := 0
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			active++
		}
	}
	return fmt.Sprintf(
		"Tasks: %d total — %d pending, %d running, %d waiting, %d completed, %d failed\nQueue: %d active jobs",
		len(tasks), counts[model.TaskPending],
		counts[model.TaskPlanning]+counts[model.TaskDeveloping]+counts[model.TaskReviewing],
		counts[model.TaskWaiting], counts[model.TaskCompleted], counts[model.TaskFailed],
		active), nil
}

// chat is passthrough conversation with per-chat session continuity.
func (r *Router) chat(ctx context.Context, chatID, text string) (string, error) {
	r.mu.Lock()
	sessionID := r.sessions[chatID]
	chatModel := r.chatModel
	r.mu.Unlock()

	res, err := r.inv.Invoke(ctx, invoker.Request{
		Prompt:     text,
		Model:      chatModel,
		SessionID:  sessionID,
		DisableMCP: true,
		Timeout:    3 * time.Minute,
	})
	if err != nil {
		return "", err
	}
	if res.SessionID != "" {
		r.mu.Lock()
		r.sessions[chatID] = res.SessionID
		r.mu.Unlock()
	}
	return res.Response, nil
}

func (r *Router) withTask(args []string, fn func(taskID string) (string, error)) (string, error) {
	if len(args) == 0 {
		return "Missing task id.", nil
	}
	id, err := r.st.ResolveTaskID(args[0])
	if err != nil {
		return "", err
	}
	return fn(id)
}

func argsTail(args []string) []string {
	if len(args) <= 1 {
		return nil
	}
	return args[1:]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
