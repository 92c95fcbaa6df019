// Package invoker spawns the external LLM CLI as a subprocess and parses
// its stream-json output. Concurrent invocations are bounded by a global
// semaphore so the external tool's rate limits are not exhausted.
package invoker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrorKind tags an invocation failure.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindCancelled ErrorKind = "cancelled"
	KindProcess   ErrorKind = "process"
)

// InvokeError is the tagged failure returned by Invoke.
type InvokeError struct {
	Kind     ErrorKind
	ExitCode int
	Message  string
}

func (e *InvokeError) Error() string {
	if e.Kind == KindProcess {
		return fmt.Sprintf("llm process failed (exit %d): %s", e.ExitCode, e.Message)
	}
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
}

// IsCancelled reports whether err is a cancelled invocation.
func IsCancelled(err error) bool {
	var ie *InvokeError
	return errors.As(err, &ie) && ie.Kind == KindCancelled
}

// maxConcurrent bounds parallel LLM subprocesses across the whole process.
const maxConcurrent = 5

// killGrace is how long SIGTERM gets before escalating to SIGKILL.
const killGrace = 2 * time.Second

var slots = semaphore.NewWeighted(maxConcurrent)

// Config configures an Invoker.
type Config struct {
	Binary       string            // LLM CLI binary (default "claude")
	DefaultModel string            //
	Timeout      time.Duration     // per-invoke default (default 10m)
	Env          map[string]string // extra env for the child
	OutputsDir   string            // where MCP images get written
}

// Request is one LLM invocation.
type Request struct {
	Prompt     string
	Model      string
	SessionID  string // resume an earlier CLI session when set
	Stream     bool
	DisableMCP bool
	Timeout    time.Duration
	OnChunk    func(text string) // assistant text deltas, stream mode only
	LogSink    io.Writer         // local stdout log; nil discards
}

// Result is the outcome of a successful invocation.
type Result struct {
	Response      string
	SessionID     string
	DurationMs    int64
	DurationAPIMs int64
	CostUSD       float64
	MCPImagePaths []string
	SlotWaitMs    int64 // time spent waiting for a concurrency slot
}

// Invoker runs the external LLM CLI.
type Invoker struct {
	cfg Config
}

// New creates an Invoker with defaults applied.
func New(cfg Config) *Invoker {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = "claude"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Invoker{cfg: cfg}
}

// Invoke runs one LLM call. Cancellation via ctx sends SIGTERM to the
// child's process group, escalating to SIGKILL after the grace window.
func (iv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	slotStart := time.Now()
	if err := slots.Acquire(ctx, 1); err != nil {
		return nil, &InvokeError{Kind: KindCancelled, Message: "cancelled waiting for slot"}
	}
	defer slots.Release(1)
	slotWait := time.Since(slotStart)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = iv.cfg.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := iv.buildArgs(req)
	cmd := exec.Command(iv.cfg.Binary, args...)
	cmd.Env = iv.buildEnv()
	cmd.Stdin = nil // stdin closed: the CLI must not block on input
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	result := &Result{SlotWaitMs: slotWait.Milliseconds()}

	if !req.Stream {
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		if err := cmd.Start(); err != nil {
			return nil, &InvokeError{Kind: KindProcess, Message: err.Error()}
		}
		err := iv.wait(runCtx, ctx, cmd)
		result.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			return nil, err
		}
		result.Response = strings.TrimSpace(stdout.String())
		return result, nil
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &InvokeError{Kind: KindProcess, Message: err.Error()}
	}
	if err := cmd.Start(); err != nil {
		return nil, &InvokeError{Kind: KindProcess, Message: err.Error()}
	}

	parser := newStreamParser(req.OnChunk, req.LogSink, iv.cfg.OutputsDir)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			parser.feed(scanner.Bytes())
		}
		scanErr <- scanner.Err()
	}()

	waitErr := iv.wait(runCtx, ctx, cmd)
	<-scanErr
	result.DurationMs = time.Since(start).Milliseconds()
	if waitErr != nil {
		return nil, waitErr
	}

	final := parser.finalResult()
	result.Response = final.text
	result.SessionID = final.sessionID
	result.CostUSD = final.costUSD
	result.DurationAPIMs = final.durationAPIMs
	result.MCPImagePaths = parser.imagePaths
	if stderr.Len() > 0 {
		slog.Debug("llm stderr", "bytes", stderr.Len())
	}
	return result, nil
}

// wait blocks until the child exits, killing it on context cancellation
// or timeout. runCtx carries the timeout; parent distinguishes user cancel.
func (iv *Invoker) wait(runCtx, parent context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &InvokeError{Kind: KindProcess, ExitCode: exitCode, Message: err.Error()}
	case <-runCtx.Done():
	}

	// SIGTERM the process group, then SIGKILL after the grace window.
	pgid := cmd.Process.Pid
	if g, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		pgid = g
	}
	syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(killGrace):
		syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
	}

	if parent.Err() != nil {
		return &InvokeError{Kind: KindCancelled, Message: "invocation cancelled"}
	}
	return &InvokeError{Kind: KindTimeout, Message: "invocation timed out"}
}

func (iv *Invoker) buildArgs(req Request) []string {
	args := []string{"-p"}
	if req.Stream {
		args = append(args, "--output-format", "stream-json", "--verbose")
	}
	model := req.Model
	if model == "" {
		model = iv.cfg.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.DisableMCP {
		args = append(args, "--strict-mcp-config")
	}
	args = append(args, "--", req.Prompt)
	return args
}

// buildEnv copies the parent environment, strips variables that would make
// the nested CLI believe it runs inside another agent session (recursion
// guard), and applies configured overrides.
func (iv *Invoker) buildEnv() []string {
	blocked := map[string]bool{
		"CLAUDECODE":             true,
		"CLAUDE_CODE_ENTRYPOINT": true,
		"CAH_TASK_ID":            true,
	}
	env := make([]string, 0, len(os.Environ()))
	for _, kv := range os.Environ() {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if blocked[key] {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range iv.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
