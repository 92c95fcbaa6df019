package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/cah/internal/expr"
	"github.com/nextlevelbuilder/cah/internal/model"
)

var (
	fencedJSON  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")
	placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	kvLine      = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_-]*)\s*:\s*(.+)$`)
)

// parseResponse extracts structured output from an LLM reply. A fenced
// JSON object wins; otherwise the whole reply is tried as JSON; otherwise
// top-level "key: value" lines are collected. The raw text is always kept
// under _raw so downstream expressions never lose information.
func parseResponse(text string) map[string]any {
	out := tryStructured(text)
	if out == nil {
		out = map[string]any{}
	}
	out["_raw"] = text
	return out
}

func tryStructured(text string) map[string]any {
	// Prefer the last fenced block: replies often restate intermediate
	// JSON before the final answer.
	matches := fencedJSON.FindAllStringSubmatch(text, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		if m := parseJSONObject(matches[i][1]); m != nil {
			return m
		}
	}
	if m := parseJSONObject(text); m != nil {
		return m
	}
	return parseKVLines(text)
}

func parseJSONObject(s string) map[string]any {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func parseKVLines(text string) map[string]any {
	out := map[string]any{}
	for _, line := range strings.Split(text, "\n") {
		m := kvLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		out[m[1]] = coerceScalar(strings.TrimSpace(m[2]))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func coerceScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// renderPrompt builds the LLM prompt for a task node: persona preamble
// plus the prompt template with {{expression}} placeholders resolved
// against the scope.
func renderPrompt(node *model.Node, scope expr.Scope) (string, error) {
	tmpl := node.Config.PromptTemplate
	if tmpl == "" {
		return "", fmt.Errorf("task node %s has no prompt template", node.ID)
	}
	body, err := expandTemplate(tmpl, scope)
	if err != nil {
		return "", fmt.Errorf("task node %s: %w", node.ID, err)
	}
	if node.Config.Persona == "" {
		return body, nil
	}
	return fmt.Sprintf("You are %s.\n\n%s", node.Config.Persona, body), nil
}

func expandTemplate(tmpl string, scope expr.Scope) (string, error) {
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		code := placeholder.FindStringSubmatch(m)[1]
		v, err := expr.Eval(code, scope)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return m
		}
		if v == nil {
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	})
	return out, firstErr
}
