package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/cah/internal/invoker"
	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/store"
)

func (d *Daemon) evolutionSweep() {
	if _, err := d.Evolve(context.Background()); err != nil {
		slog.Warn("evolution pass failed", "error", err)
	}
}

// Evolve runs one self-improvement pass: it studies recent failures,
// records the insight to evolution.jsonl, and keeps the hub busy by
// generating a selfdrive task when the queue ran dry and a recent failure
// left something worth retrying. Returns nil when there is nothing to
// learn from. The daemon runs this hourly; `cah self evolve` runs it on
// demand.
func (d *Daemon) Evolve(ctx context.Context) (*Insight, error) {
	insight, err := d.SelfCheck(ctx)
	if err != nil {
		return nil, err
	}
	if insight == nil {
		return nil, nil
	}
	path := filepath.Join(d.st.Root(), "evolution.jsonl")
	if err := store.AppendJSONL(path, insight); err != nil {
		slog.Warn("evolution record failed", "error", err)
	}
	if insight.SuggestedTask != "" && d.countActive() == 0 {
		t := model.NewTask(
			truncate(insight.SuggestedTask, 80),
			insight.SuggestedTask,
			model.PriorityLow,
			model.SourceSelfdrive,
		)
		if err := d.st.SaveTask(t); err != nil {
			slog.Warn("selfdrive task creation failed", "error", err)
			return insight, nil
		}
		slog.Info("selfdrive task created", "task", t.ID)
	}
	return insight, nil
}

// Insight is one evolution record.
type Insight struct {
	At            time.Time `json:"at"`
	FailedTasks   int       `json:"failedTasks"`
	Observations  string    `json:"observations,omitempty"`
	SuggestedTask string    `json:"suggestedTask,omitempty"`
}

// SelfCheck inspects recent task outcomes and, when failures exist, asks
// the LLM for observations and at most one follow-up task. Returns nil
// when there is nothing to learn from.
func (d *Daemon) SelfCheck(ctx context.Context) (*Insight, error) {
	tasks, err := d.st.GetAllTasks()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	var failures []*model.Task
	for _, t := range tasks {
		if t.Status == model.TaskFailed && t.UpdatedAt.After(cutoff) {
			failures = append(failures, t)
		}
	}
	if len(failures) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	for i, t := range failures {
		if i >= 10 {
			break
		}
		reason := ""
		if in, err := d.st.GetInstance(t.ID); err == nil {
			reason = in.Error
		}
		fmt.Fprintf(&sb, "- %s: %s (%s)\n", t.ID, t.Title, reason)
	}

	insight := &Insight{At: time.Now(), FailedTasks: len(failures)}
	prompt := fmt.Sprintf(
		"These coding-agent tasks failed in the last 24h:\n%s\n"+
			"Reply with a fenced JSON object: {\"observations\": \"one short paragraph\", "+
			"\"suggestedTask\": \"one concrete follow-up task description, or empty string\"}",
		sb.String())

	cctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()
	res, err := d.inv.Invoke(cctx, invokerRequest(prompt))
	if err != nil {
		// Still record the failure count; the LLM commentary is optional.
		return insight, nil
	}
	if parsed := parseInsight(res.Response); parsed != nil {
		insight.Observations, _ = parsed["observations"].(string)
		insight.SuggestedTask, _ = parsed["suggestedTask"].(string)
	}
	return insight, nil
}

func invokerRequest(prompt string) invoker.Request {
	return invoker.Request{Prompt: prompt, DisableMCP: true}
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

func parseInsight(reply string) map[string]any {
	raw := reply
	if m := fencedJSON.FindStringSubmatch(reply); m != nil {
		raw = m[1]
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return nil
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
