package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cah/internal/model"
)

func testScope() Scope {
	w := &model.Workflow{
		ID:     "wf-1",
		Inputs: map[string]any{"repo": "cah"},
	}
	in := &model.Instance{
		ID: "inst-1",
		Outputs: map[string]any{
			"rerun-tests": map[string]any{
				"summary": map[string]any{"total_failed": 3},
			},
			"review": map[string]any{"verdict": "approve"},
		},
		Variables: map[string]any{"count": 2, "name": "x"},
		NodeStates: map[string]*model.NodeState{
			"review": {Status: model.NodeDone, Attempts: 1},
		},
	}
	return BuildScope(w, in, nil)
}

func TestEvalDottedOutputAccess(t *testing.T) {
	v, err := Eval("outputs.review.verdict", testScope())
	require.NoError(t, err)
	assert.Equal(t, "approve", v)
}

func TestHyphenatedNodeIDAlias(t *testing.T) {
	// "rerun-tests" is unreachable via dot syntax; the underscore alias is.
	v, err := Eval("outputs.rerun_tests.summary.total_failed > 0", testScope())
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvalBoolCoercion(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"variables.count > 1", true},
		{"variables.count > 5", false},
		{"variables.name", true},
		{"variables.missing", false},
		{"nodeStates.review.status == 'done'", true},
		{"inputs.repo == 'cah'", true},
	}
	for _, tc := range cases {
		got, err := EvalBool(tc.code, testScope())
		require.NoError(t, err, tc.code)
		assert.Equal(t, tc.want, got, tc.code)
	}
}

func TestEvalErrors(t *testing.T) {
	_, err := Eval("", testScope())
	assert.ErrorIs(t, err, ErrExpression)

	_, err = Eval("1 +", testScope())
	assert.ErrorIs(t, err, ErrExpression)
}

func TestEvalSlice(t *testing.T) {
	scope := testScope()
	scope["items"] = []any{"a", "b"}
	out, err := EvalSlice("items", scope)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	_, err = EvalSlice("variables.count", scope)
	assert.ErrorIs(t, err, ErrNotIterable)
}

func TestBuiltins(t *testing.T) {
	scope := testScope()

	v, err := Eval("has(variables, 'count')", scope)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Eval("str(variables.count)", scope)
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	v, err = Eval("num('3.5') * 2", scope)
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy([]any{}))
	assert.False(t, Truthy(map[string]any{}))
	assert.True(t, Truthy(true))
	assert.True(t, Truthy(1))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy([]any{1}))
	assert.True(t, Truthy(struct{}{}))
}

func TestSetPath(t *testing.T) {
	vars := map[string]any{}
	SetPath(vars, "review.verdict", "approve")
	SetPath(vars, "review.score", 9)
	SetPath(vars, "flat", true)

	review, ok := vars["review"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "approve", review["verdict"])
	assert.Equal(t, 9, review["score"])
	assert.Equal(t, true, vars["flat"])
}
