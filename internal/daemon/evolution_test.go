package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInsightFencedBlock(t *testing.T) {
	reply := "Looking at the failures:\n```json\n" +
		`{"observations": "timeouts dominate", "suggestedTask": "raise the task timeout"}` +
		"\n```"
	out := parseInsight(reply)
	require.NotNil(t, out)
	assert.Equal(t, "timeouts dominate", out["observations"])
	assert.Equal(t, "raise the task timeout", out["suggestedTask"])
}

func TestParseInsightBareJSON(t *testing.T) {
	out := parseInsight(`{"observations": "ok"}`)
	require.NotNil(t, out)
	assert.Equal(t, "ok", out["observations"])
}

func TestParseInsightGarbage(t *testing.T) {
	assert.Nil(t, parseInsight("nothing structured here"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	got := truncate("abcdefghij", 6)
	assert.Equal(t, "abcde…", got)
}
