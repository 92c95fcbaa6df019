// Package expr evaluates edge conditions and node expressions in a
// sandboxed scope built from the running instance. Evaluation is pure:
// no assignment, no function definition, no I/O.
package expr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	exprlang "github.com/expr-lang/expr"

	"github.com/nextlevelbuilder/cah/internal/model"
)

// ErrExpression tags any evaluator failure.
var ErrExpression = errors.New("expression error")

// ErrNotIterable means a foreach collection did not evaluate to a sequence.
var ErrNotIterable = errors.New("collection is not iterable")

// Scope is the evaluation environment for one expression.
type Scope map[string]any

// BuildScope assembles the evaluation scope from an instance: outputs,
// variables, nodeStates, inputs, plus loop bindings when present in vars.
// Keys containing '-' get '_'-aliased duplicates so hyphenated node ids
// are reachable from dot syntax.
func BuildScope(w *model.Workflow, in *model.Instance, extra map[string]any) Scope {
	states := make(map[string]any, len(in.NodeStates))
	for id, st := range in.NodeStates {
		states[id] = map[string]any{
			"status":   string(st.Status),
			"attempts": st.Attempts,
			"error":    st.Error,
		}
	}
	scope := Scope{
		"outputs":    aliasKeys(in.Outputs),
		"variables":  aliasKeys(in.Variables),
		"nodeStates": aliasKeys(states),
		"inputs":     aliasKeys(w.Inputs),
	}
	for k, v := range extra {
		scope[k] = v
	}
	addBuiltins(scope)
	return scope
}

// aliasKeys deep-copies a map, adding a '_'-substituted alias for every
// key containing '-'. The original key is kept; existing keys never get
// overwritten by an alias.
func aliasKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = aliasValue(v)
	}
	for k := range m {
		if strings.Contains(k, "-") {
			alias := strings.ReplaceAll(k, "-", "_")
			if _, exists := out[alias]; !exists {
				out[alias] = out[k]
			}
		}
	}
	return out
}

func aliasValue(v any) any {
	if m, ok := v.(map[string]any); ok {
		return aliasKeys(m)
	}
	return v
}

func addBuiltins(scope Scope) {
	scope["true"] = true
	scope["false"] = false
	scope["null"] = nil
	scope["has"] = func(m map[string]any, key string) bool {
		_, ok := m[key]
		return ok
	}
	scope["get"] = func(m map[string]any, key string) any {
		return m[key]
	}
	scope["str"] = func(v any) string {
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	}
	scope["num"] = toNumber
	scope["bool"] = Truthy
	scope["now"] = func() int64 { return time.Now().UnixMilli() }
}

// Eval evaluates an expression string against the scope. Failures are
// wrapped in ErrExpression; evaluation never performs I/O.
func Eval(code string, scope Scope) (any, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrExpression)
	}
	program, err := exprlang.Compile(code, exprlang.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", ErrExpression, code, err)
	}
	out, err := exprlang.Run(program, map[string]any(scope))
	if err != nil {
		return nil, fmt.Errorf("%w: eval %q: %v", ErrExpression, code, err)
	}
	return out, nil
}

// EvalBool evaluates an expression and coerces the result to a boolean.
func EvalBool(code string, scope Scope) (bool, error) {
	v, err := Eval(code, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// EvalSlice evaluates a foreach collection expression; non-sequence
// results return ErrNotIterable.
func EvalSlice(code string, scope Scope) ([]any, error) {
	v, err := Eval(code, scope)
	if err != nil {
		return nil, err
	}
	switch s := v.(type) {
	case []any:
		return s, nil
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q yielded %T", ErrNotIterable, code, v)
	}
}

// Truthy applies the engine's truthiness rules: nil, false, zero numbers,
// and empty strings/sequences are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0 && !math.IsNaN(t)
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func toNumber(v any) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// SetPath writes value into vars at a dotted path (a.b.c), creating
// intermediate maps as needed.
func SetPath(vars map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := vars
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = value
			return
		}
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
}
