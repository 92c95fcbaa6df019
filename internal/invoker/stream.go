package invoker

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// streamParser consumes the CLI's line-delimited JSON event stream. The
// union covers assistant messages (content blocks), user messages (tool
// results, possibly with base64 images from MCP tools), incremental
// stream_event deltas, and the final result record with session id + cost.
type streamParser struct {
	onChunk    func(string)
	logSink    io.Writer
	outputsDir string

	mcpToolUseIDs map[string]bool // tool-use ids that originate from MCP tools
	imagePaths    []string
	final         finalRecord
	textParts     []string
}

type finalRecord struct {
	text          string
	sessionID     string
	costUSD       float64
	durationAPIMs int64
}

func newStreamParser(onChunk func(string), logSink io.Writer, outputsDir string) *streamParser {
	return &streamParser{
		onChunk:       onChunk,
		logSink:       logSink,
		outputsDir:    outputsDir,
		mcpToolUseIDs: make(map[string]bool),
	}
}

func (p *streamParser) feed(line []byte) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return // non-JSON noise on stdout is ignored
	}
	switch raw["type"] {
	case "assistant":
		p.handleAssistant(raw)
	case "user":
		p.handleUser(raw)
	case "stream_event":
		p.handleStreamEvent(raw)
	case "result":
		p.handleResult(raw)
	}
}

func (p *streamParser) handleAssistant(raw map[string]any) {
	msg, _ := raw["message"].(map[string]any)
	blocks, _ := msg["content"].([]any)
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if text, ok := block["text"].(string); ok && text != "" {
				p.textParts = append(p.textParts, text)
				p.log(text)
			}
		case "tool_use":
			name, _ := block["name"].(string)
			if id, ok := block["id"].(string); ok && strings.HasPrefix(name, "mcp__") {
				p.mcpToolUseIDs[id] = true
			}
			p.log(fmt.Sprintf("[tool_use] %s", name))
		}
	}
}

func (p *streamParser) handleUser(raw map[string]any) {
	msg, _ := raw["message"].(map[string]any)
	blocks, _ := msg["content"].([]any)
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok || block["type"] != "tool_result" {
			continue
		}
		useID, _ := block["tool_use_id"].(string)
		content, _ := block["content"].([]any)
		for _, c := range content {
			inner, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if inner["type"] == "image" && p.mcpToolUseIDs[useID] {
				if path := p.writeImage(inner); path != "" {
					p.imagePaths = append(p.imagePaths, path)
				}
			}
		}
	}
}

func (p *streamParser) handleStreamEvent(raw map[string]any) {
	ev, _ := raw["event"].(map[string]any)
	delta, _ := ev["delta"].(map[string]any)
	if delta["type"] != "text_delta" {
		return
	}
	text, _ := delta["text"].(string)
	if text == "" {
		return
	}
	if p.onChunk != nil {
		p.onChunk(text)
	}
}

func (p *streamParser) handleResult(raw map[string]any) {
	if text, ok := raw["result"].(string); ok {
		p.final.text = text
	}
	if sid, ok := raw["session_id"].(string); ok {
		p.final.sessionID = sid
	}
	if cost, ok := raw["total_cost_usd"].(float64); ok {
		p.final.costUSD = cost
	}
	if d, ok := raw["duration_api_ms"].(float64); ok {
		p.final.durationAPIMs = int64(d)
	}
}

// finalResult returns the final record, falling back to accumulated
// assistant text when the stream ended without a result record.
func (p *streamParser) finalResult() finalRecord {
	if p.final.text == "" {
		p.final.text = strings.Join(p.textParts, "")
	}
	return p.final
}

func (p *streamParser) writeImage(block map[string]any) string {
	src, _ := block["source"].(map[string]any)
	data, _ := src["data"].(string)
	if data == "" || p.outputsDir == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return ""
	}
	ext := ".png"
	if mt, ok := src["media_type"].(string); ok && strings.Contains(mt, "jpeg") {
		ext = ".jpg"
	}
	if err := os.MkdirAll(p.outputsDir, 0o755); err != nil {
		return ""
	}
	path := filepath.Join(p.outputsDir, fmt.Sprintf("mcp-image-%d%s", time.Now().UnixNano(), ext))
	if err := os.WriteFile(path, decoded, 0o644); err != nil {
		return ""
	}
	return path
}

func (p *streamParser) log(s string) {
	if p.logSink != nil {
		fmt.Fprintln(p.logSink, s)
	}
}
