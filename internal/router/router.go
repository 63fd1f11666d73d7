// Package router turns inbound chat messages into orchestrator actions.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskbridge/internal/logging"
	"github.com/fyrsmithlabs/taskbridge/internal/orchestrator"
	"github.com/fyrsmithlabs/taskbridge/internal/plan"
)

// ErrEmptyDescription is returned by /task without a description.
var ErrEmptyDescription = errors.New("task description is empty")

// Command names.
const (
	CmdTask   = "task"
	CmdReset  = "reset"
	CmdStatus = "status"
)

var aliases = map[string]string{
	"task":       CmdTask,
	"start_task": CmdTask,
	"reset":      CmdReset,
	"new":        CmdReset,
	"status":     CmdStatus,
}

const taskUsage = "Usage: /task <description of what to do>"

// InboundMessage is one chat message.
type InboundMessage struct {
	Destination string
	MessageID   string
	Text        string
	SenderID    string
}

// Command is a parsed slash command.
type Command struct {
	Name string
	Args string
}

// Bridge is the orchestrator surface the router drives.
type Bridge interface {
	StartTask(ctx context.Context, dest, description string) (*plan.TaskPlan, error)
	Reset(ctx context.Context, dest string) error
	Status(dest string) (orchestrator.IterationState, bool)
	Forward(ctx context.Context, dest, text string) error
}

// Replier sends a reply to a chat.
type Replier interface {
	Send(ctx context.Context, destination, messageID, content string) error
}

// Router dispatches commands.
type Router struct {
	bridge  Bridge
	replier Replier
	logger  *logging.Logger
}

// New creates a Router. A nil logger discards.
func New(bridge Bridge, replier Replier, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Router{bridge: bridge, replier: replier, logger: logger.Named("router")}
}

// IsCommand reports whether text is a known command.
func IsCommand(text string) bool {
	_, ok := ParseCommand(text)
	return ok
}

// ParseCommand parses "/name[@bot] args". Unknown commands do not parse.
func ParseCommand(text string) (*Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, false
	}
	head, args := text[1:], ""
	if i := strings.IndexFunc(head, unicode.IsSpace); i >= 0 {
		head, args = head[:i], head[i+1:]
	}
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	name, ok := aliases[strings.ToLower(head)]
	if !ok {
		return nil, false
	}
	return &Command{Name: name, Args: strings.TrimSpace(args)}, true
}

// Execute runs msg if it is a command. handled is false for anything else.
func (r *Router) Execute(ctx context.Context, msg InboundMessage) (bool, error) {
	cmd, ok := ParseCommand(msg.Text)
	if !ok {
		return false, nil
	}
	ctx = logging.WithChatID(ctx, msg.Destination)
	r.logger.Debug(ctx, "command received", zap.String("command", cmd.Name))

	switch cmd.Name {
	case CmdTask:
		return true, r.startTask(ctx, msg, cmd.Args)
	case CmdReset:
		if err := r.bridge.Reset(ctx, msg.Destination); err != nil {
			return true, fmt.Errorf("reset: %w", err)
		}
		return true, r.reply(ctx, msg, "Session reset. The next task starts fresh.")
	default:
		return true, r.reply(ctx, msg, r.statusText(msg.Destination))
	}
}

// Handle executes commands and forwards other text to the chat's session.
func (r *Router) Handle(ctx context.Context, msg InboundMessage) error {
	handled, err := r.Execute(ctx, msg)
	if handled || err != nil {
		return err
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil
	}
	err = r.bridge.Forward(ctx, msg.Destination, msg.Text)
	if errors.Is(err, orchestrator.ErrTaskInProgress) {
		return r.reply(ctx, msg, "A task is running. Wait for it to finish or send /reset.")
	}
	return err
}

func (r *Router) startTask(ctx context.Context, msg InboundMessage, description string) error {
	if description == "" {
		if err := r.reply(ctx, msg, taskUsage); err != nil {
			return err
		}
		return ErrEmptyDescription
	}

	p, err := r.bridge.StartTask(ctx, msg.Destination, description)
	if errors.Is(err, orchestrator.ErrTaskInProgress) {
		return r.reply(ctx, msg, "A task is already in progress. Send /status or /reset.")
	}
	if err != nil {
		return fmt.Errorf("start task: %w", err)
	}

	r.logger.Info(logging.WithTaskID(ctx, p.TaskID), "task accepted", zap.String("sender", msg.SenderID))
	return r.reply(ctx, msg, formatPlan(p))
}

func (r *Router) statusText(dest string) string {
	st, ok := r.bridge.Status(dest)
	if !ok {
		return "No task."
	}
	s := fmt.Sprintf("%s\nStatus: %s\nIteration: %d/%d", st.Title, st.Status, st.IterationCount, st.MaxIterations)
	if st.LastVerdict != "" {
		s += "\nLast verdict: " + string(st.LastVerdict)
	}
	return s
}

func (r *Router) reply(ctx context.Context, msg InboundMessage, text string) error {
	if err := r.replier.Send(ctx, msg.Destination, msg.MessageID+":reply", text); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

func formatPlan(p *plan.TaskPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Starting: %s", p.Title)
	for i, m := range p.Milestones {
		fmt.Fprintf(&b, "\n%d. %s", i+1, m)
	}
	return b.String()
}
