package invoker

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	iv := New(Config{DefaultModel: "sonnet"})

	args := iv.buildArgs(Request{Prompt: "hello"})
	assert.Equal(t, []string{"-p", "--model", "sonnet", "--", "hello"}, args)

	args = iv.buildArgs(Request{Prompt: "hi", Model: "opus", Stream: true, SessionID: "s-1", DisableMCP: true})
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--output-format stream-json")
	assert.Contains(t, joined, "--model opus")
	assert.Contains(t, joined, "--resume s-1")
	assert.Contains(t, joined, "--strict-mcp-config")
	assert.Equal(t, "hi", args[len(args)-1])
}

func TestBuildEnvScrubsNestedSessionVars(t *testing.T) {
	t.Setenv("CLAUDECODE", "1")
	t.Setenv("CAH_TASK_ID", "task-x")
	t.Setenv("UNRELATED", "keep")

	iv := New(Config{Env: map[string]string{"EXTRA": "v"}})
	env := iv.buildEnv()
	joined := strings.Join(env, "\n")
	assert.NotContains(t, joined, "CLAUDECODE=")
	assert.NotContains(t, joined, "CAH_TASK_ID=")
	assert.Contains(t, joined, "UNRELATED=keep")
	assert.Contains(t, joined, "EXTRA=v")
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(&InvokeError{Kind: KindCancelled}))
	assert.False(t, IsCancelled(&InvokeError{Kind: KindTimeout}))
	assert.False(t, IsCancelled(errors.New("other")))
}

func TestStreamParserCollectsResult(t *testing.T) {
	p := newStreamParser(nil, nil, "")
	lines := []string{
		`{"type":"assistant","message":{"content":[{"type":"text","text":"part one "}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"part two"}]}}`,
		`{"type":"result","result":"final answer","session_id":"sess-9","total_cost_usd":0.042,"duration_api_ms":1234}`,
	}
	for _, l := range lines {
		p.feed([]byte(l))
	}

	final := p.finalResult()
	assert.Equal(t, "final answer", final.text)
	assert.Equal(t, "sess-9", final.sessionID)
	assert.InDelta(t, 0.042, final.costUSD, 1e-9)
	assert.Equal(t, int64(1234), final.durationAPIMs)
}

func TestStreamParserFallsBackToAssistantText(t *testing.T) {
	p := newStreamParser(nil, nil, "")
	p.feed([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"a"}]}}`))
	p.feed([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"b"}]}}`))
	// No result record: the accumulated text is the answer.
	assert.Equal(t, "ab", p.finalResult().text)
}

func TestStreamParserIgnoresNoise(t *testing.T) {
	p := newStreamParser(nil, nil, "")
	require.NotPanics(t, func() {
		p.feed([]byte("plain log line"))
		p.feed([]byte(`{"type":"unknown"}`))
		p.feed([]byte(`{}`))
	})
	assert.Empty(t, p.finalResult().text)
}

func TestStreamParserChunks(t *testing.T) {
	var chunks []string
	p := newStreamParser(func(s string) { chunks = append(chunks, s) }, nil, "")
	p.feed([]byte(`{"type":"stream_event","event":{"delta":{"type":"text_delta","text":"he"}}}`))
	p.feed([]byte(`{"type":"stream_event","event":{"delta":{"type":"text_delta","text":"llo"}}}`))
	p.feed([]byte(`{"type":"stream_event","event":{"delta":{"type":"other"}}}`))
	assert.Equal(t, []string{"he", "llo"}, chunks)
}

func TestStreamParserMCPImages(t *testing.T) {
	dir := t.TempDir()
	p := newStreamParser(nil, nil, dir)
	p.feed([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu-1","name":"mcp__browser__screenshot"}]}}`))
	// Image from a non-MCP tool result is ignored.
	p.feed([]byte(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu-other","content":[{"type":"image","source":{"data":"aGk=","media_type":"image/png"}}]}]}}`))
	p.feed([]byte(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu-1","content":[{"type":"image","source":{"data":"aGk=","media_type":"image/png"}}]}]}}`))

	require.Len(t, p.imagePaths, 1)
	assert.Contains(t, p.imagePaths[0], dir)
}

func TestNewAppliesDefaults(t *testing.T) {
	iv := New(Config{})
	assert.Equal(t, "claude", iv.cfg.Binary)
	assert.Positive(t, iv.cfg.Timeout)
}
