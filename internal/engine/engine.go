// Package engine defines the agent engine capability and its Claude Code
// CLI adapter.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

// Role selects which side of the evaluate/work loop a call belongs to.
type Role string

const (
	RoleEvaluator Role = "evaluator"
	RoleWorker    Role = "worker"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleEvaluator || r == RoleWorker
}

// Verdict is the evaluator's judgement on the task.
type Verdict string

const (
	VerdictNone          Verdict = ""
	VerdictComplete      Verdict = "complete"
	VerdictContinue      Verdict = "continue"
	VerdictNeedsFeedback Verdict = "needs_feedback"
)

var verdictRe = regexp.MustCompile(`(?im)^[ \t*_>]*VERDICT:[ \t]*(COMPLETE|CONTINUE|NEEDS[_ -]FEEDBACK)\b.*$`)

// ParseVerdict scans text for a "VERDICT: X" marker line. The last marker
// wins. Text without a marker yields VerdictNone.
func ParseVerdict(text string) Verdict {
	matches := verdictRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return VerdictNone
	}
	switch strings.ToUpper(matches[len(matches)-1][1]) {
	case "COMPLETE":
		return VerdictComplete
	case "CONTINUE":
		return VerdictContinue
	default:
		return VerdictNeedsFeedback
	}
}

// StripVerdict removes marker lines from text.
func StripVerdict(text string) string {
	return strings.TrimSpace(verdictRe.ReplaceAllString(text, ""))
}

var generation atomic.Uint64

// SessionHandle identifies a resumable engine conversation. It is a value:
// updates produce a new handle, never modify an existing one.
type SessionHandle struct {
	SessionID   string `json:"session_id,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`

	gen uint64
}

// NewSession returns a fresh, empty handle with a new identity.
func NewSession() SessionHandle {
	return SessionHandle{gen: generation.Add(1)}
}

// Next returns a new handle carrying the given identifiers. Empty values
// keep the receiver's.
func (h SessionHandle) Next(sessionID, resumeToken string) SessionHandle {
	next := SessionHandle{SessionID: h.SessionID, ResumeToken: h.ResumeToken, gen: generation.Add(1)}
	if sessionID != "" {
		next.SessionID = sessionID
	}
	if resumeToken != "" {
		next.ResumeToken = resumeToken
	}
	return next
}

// Generation is the process-local identity of the handle. Handles decoded
// from the wire report zero.
func (h SessionHandle) Generation() uint64 { return h.gen }

// Same reports whether h and o are the same handle value.
func (h SessionHandle) Same(o SessionHandle) bool { return h.gen == o.gen }

// IsEmpty reports whether the handle carries no engine identifiers.
func (h SessionHandle) IsEmpty() bool { return h.SessionID == "" && h.ResumeToken == "" }

func (h SessionHandle) String() string {
	return fmt.Sprintf("session(%s gen=%d)", h.SessionID, h.gen)
}

// ToolEvent is a tool invocation reported by the engine.
type ToolEvent struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
}

// Request is one engine call.
type Request struct {
	Role    Role          `json:"role"`
	Session SessionHandle `json:"session"`
	Prompt  string        `json:"prompt"`
}

// Result is the engine's answer to a Request.
type Result struct {
	Verdict    Verdict       `json:"verdict,omitempty"`
	Text       string        `json:"text"`
	ToolEvents []ToolEvent   `json:"tool_events,omitempty"`
	Session    SessionHandle `json:"session"`
}

// Engine runs prompts against an agent.
type Engine interface {
	Run(ctx context.Context, req *Request) (*Result, error)
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, req *Request) (*Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}
