package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cah/internal/expr"
	"github.com/nextlevelbuilder/cah/internal/model"
)

func TestParseResponseFencedJSON(t *testing.T) {
	text := "Some preamble.\n```json\n{\"verdict\": \"pass\", \"score\": 9}\n```\nTrailing notes."
	out := parseResponse(text)
	assert.Equal(t, "pass", out["verdict"])
	assert.EqualValues(t, 9, out["score"])
	assert.Equal(t, text, out["_raw"])
}

func TestParseResponseLastFencedBlockWins(t *testing.T) {
	text := "```json\n{\"draft\": true}\n```\nrevised:\n```json\n{\"draft\": false, \"final\": 1}\n```"
	out := parseResponse(text)
	assert.Equal(t, false, out["draft"])
	assert.EqualValues(t, 1, out["final"])
}

func TestParseResponseWholeBodyJSON(t *testing.T) {
	out := parseResponse(`{"summary": "done"}`)
	assert.Equal(t, "done", out["summary"])
}

func TestParseResponseKeyValueLines(t *testing.T) {
	out := parseResponse("verdict: pass\nfailed_count: 0\nready: true\nnot a pair line")
	assert.Equal(t, "pass", out["verdict"])
	assert.EqualValues(t, 0, out["failed_count"])
	assert.Equal(t, true, out["ready"])
}

func TestParseResponsePlainTextKeepsRawOnly(t *testing.T) {
	out := parseResponse("just prose with no structure")
	assert.Equal(t, "just prose with no structure", out["_raw"])
	assert.Len(t, out, 1)
}

func TestCoerceScalar(t *testing.T) {
	assert.Equal(t, true, coerceScalar("true"))
	assert.Equal(t, false, coerceScalar("false"))
	assert.Nil(t, coerceScalar("null"))
	assert.Equal(t, int64(42), coerceScalar("42"))
	assert.Equal(t, 2.5, coerceScalar("2.5"))
	assert.Equal(t, "plain", coerceScalar("plain"))
}

func TestRenderPrompt(t *testing.T) {
	scope := expr.Scope{
		"task":    map[string]any{"title": "fix it"},
		"outputs": map[string]any{"plan": map[string]any{"plan": "step 1"}},
	}
	n := &model.Node{ID: "develop", Config: model.NodeConfig{
		Persona:        "a careful engineer",
		PromptTemplate: "Do {{task.title}} per {{outputs.plan.plan}}.",
	}}
	got, err := renderPrompt(n, scope)
	require.NoError(t, err)
	assert.Equal(t, "You are a careful engineer.\n\nDo fix it per step 1.", got)

	// Missing template is an error, not an empty prompt.
	_, err = renderPrompt(&model.Node{ID: "x"}, scope)
	assert.Error(t, err)
}

func TestExpandTemplateNonStringValues(t *testing.T) {
	scope := expr.Scope{"items": []any{"a", "b"}, "count": 2, "gone": nil}
	got, err := expandTemplate("items={{items}} count={{count}} gone=[{{gone}}]", scope)
	require.NoError(t, err)
	assert.Equal(t, `items=["a","b"] count=2 gone=[]`, got)
}

func TestSwitchMatchIsLooseOnNumbers(t *testing.T) {
	// JSON decoding turns case values into float64.
	assert.True(t, switchMatch(float64(3), 3))
	assert.True(t, switchMatch("pass", "pass"))
	assert.False(t, switchMatch("pass", "fail"))
}

func TestDelayDuration(t *testing.T) {
	d, err := delayDuration(model.NodeConfig{Value: 90, Unit: "s"})
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = delayDuration(model.NodeConfig{Value: 2, Unit: "d"})
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)

	_, err = delayDuration(model.NodeConfig{Value: 0, Unit: "s"})
	assert.Error(t, err)
	_, err = delayDuration(model.NodeConfig{Value: 1, Unit: "weeks"})
	assert.Error(t, err)
}
