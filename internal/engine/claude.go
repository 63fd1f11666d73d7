package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskbridge/internal/logging"
)

// ErrEngineFailed reports a run the engine itself marked as failed.
var ErrEngineFailed = errors.New("engine run failed")

// ClaudeCodeConfig configures the Claude Code CLI adapter.
type ClaudeCodeConfig struct {
	Command        string
	WorkDir        string
	Model          string
	PermissionMode string
}

// ClaudeCode runs requests through the Claude Code CLI in stream-json mode.
type ClaudeCode struct {
	cfg    ClaudeCodeConfig
	logger *logging.Logger
}

// NewClaudeCode creates the CLI adapter.
func NewClaudeCode(cfg ClaudeCodeConfig, logger *logging.Logger) *ClaudeCode {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ClaudeCode{cfg: cfg, logger: logger.Named("engine")}
}

// Run executes one request. The prompt is piped over stdin.
func (c *ClaudeCode) Run(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.buildArgs(req)...)
	cmd.Dir = c.cfg.WorkDir
	cmd.Env = filteredEnv(os.Environ())
	cmd.Stdin = strings.NewReader(req.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("claude start: %w", err)
	}

	res, parseErr := ParseStream(stdout)
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	c.logger.Debug(ctx, "engine run finished",
		zap.String("role", string(req.Role)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("tool_events", len(res.ToolEvents)),
	)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("claude run: %w", ctx.Err())
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if waitErr != nil {
		return nil, fmt.Errorf("claude exit: %w; stderr: %s", waitErr, truncate(stderr.String(), 500))
	}

	res.Session = req.Session.Next(res.Session.SessionID, res.Session.ResumeToken)
	if res.Verdict == VerdictNone && req.Role == RoleEvaluator {
		res.Verdict = ParseVerdict(res.Text)
	}
	return res, nil
}

func (c *ClaudeCode) buildArgs(req *Request) []string {
	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	switch {
	case req.Session.ResumeToken != "":
		args = append(args, "--resume", req.Session.ResumeToken)
	case req.Session.SessionID != "":
		args = append(args, "--session-id", req.Session.SessionID)
	}
	if c.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", c.cfg.PermissionMode)
	}
	return args
}

// nested sessions are refused by the CLI when these are inherited
func filteredEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, "CLAUDECODE=") ||
			strings.HasPrefix(e, "CLAUDE_CODE_ENTRYPOINT=") ||
			strings.HasPrefix(e, "CLAUDE_CODE_TEAM_MODE=") {
			continue
		}
		out = append(out, e)
	}
	return out
}

type streamMsg struct {
	Type      string      `json:"type"`
	Subtype   string      `json:"subtype,omitempty"`
	Message   *streamBody `json:"message,omitempty"`
	Result    string      `json:"result,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

type streamBody struct {
	Role    string        `json:"role"`
	Content []streamBlock `json:"content"`
}

type streamBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ParseStream reads stream-json output. Tool uses become ToolEvents; the
// final "result" line supplies the text and session id. Without a result
// line the concatenated assistant text is used.
func ParseStream(r io.Reader) (*Result, error) {
	res := &Result{}
	var (
		assistant strings.Builder
		final     *streamMsg
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg streamMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.SessionID != "" {
			res.Session.SessionID = msg.SessionID
		}
		switch msg.Type {
		case "assistant":
			if msg.Message == nil {
				continue
			}
			for _, block := range msg.Message.Content {
				switch block.Type {
				case "text":
					if assistant.Len() > 0 {
						assistant.WriteString("\n")
					}
					assistant.WriteString(block.Text)
				case "tool_use":
					res.ToolEvents = append(res.ToolEvents, ToolEvent{
						ID:    block.ID,
						Name:  block.Name,
						Input: string(block.Input),
					})
				}
			}
		case "result":
			m := msg
			final = &m
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("reading engine stream: %w", err)
	}

	if final == nil {
		res.Text = assistant.String()
		return res, nil
	}
	if final.IsError {
		return res, fmt.Errorf("%w: %s", ErrEngineFailed, firstNonEmpty(final.Subtype, final.Result))
	}
	res.Text = final.Result
	if res.Text == "" {
		res.Text = assistant.String()
	}
	// the CLI resumes by session id
	res.Session.ResumeToken = res.Session.SessionID
	return res, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
