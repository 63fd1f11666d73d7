package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskbridge/internal/engine"
	"github.com/fyrsmithlabs/taskbridge/internal/plan"
	"github.com/fyrsmithlabs/taskbridge/internal/transport"
)

// Turn is the input to one role invocation.
type Turn struct {
	Plan      *plan.TaskPlan
	Session   engine.SessionHandle
	Context   string
	Iteration int
}

// TurnResult is a role's interpreted output.
type TurnResult struct {
	Verdict    engine.Verdict
	Text       string
	ToolEvents []engine.ToolEvent
	Session    engine.SessionHandle
}

// RoleStrategy builds the prompt for a role, sends it and interprets the
// answer.
type RoleStrategy interface {
	Invoke(ctx context.Context, tr transport.Transport, turn Turn) (*TurnResult, error)
}

// DefaultStrategies returns the evaluator and worker strategies.
func DefaultStrategies() map[engine.Role]RoleStrategy {
	return map[engine.Role]RoleStrategy{
		engine.RoleEvaluator: evaluator{},
		engine.RoleWorker:    worker{},
	}
}

func send(ctx context.Context, tr transport.Transport, role engine.Role, session engine.SessionHandle, prompt string) (*engine.Result, error) {
	resp, err := tr.SendTask(ctx, &transport.Request{
		Payload: &engine.Request{Role: role, Session: session, Prompt: prompt},
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Result == nil {
		return nil, fmt.Errorf("%s call returned no result", role)
	}
	return resp.Result, nil
}

type evaluator struct{}

// Invoke asks the evaluator for a verdict. An explicit verdict from the
// engine wins over a marker in the text; no verdict at all means continue.
func (evaluator) Invoke(ctx context.Context, tr transport.Transport, turn Turn) (*TurnResult, error) {
	res, err := send(ctx, tr, engine.RoleEvaluator, turn.Session, evaluatorPrompt(turn))
	if err != nil {
		return nil, err
	}
	verdict := res.Verdict
	if verdict == engine.VerdictNone {
		verdict = engine.ParseVerdict(res.Text)
	}
	if verdict == engine.VerdictNone {
		verdict = engine.VerdictContinue
	}
	return &TurnResult{
		Verdict: verdict,
		Text:    engine.StripVerdict(res.Text),
		Session: res.Session,
	}, nil
}

type worker struct{}

func (worker) Invoke(ctx context.Context, tr transport.Transport, turn Turn) (*TurnResult, error) {
	res, err := send(ctx, tr, engine.RoleWorker, turn.Session, workerPrompt(turn))
	if err != nil {
		return nil, err
	}
	return &TurnResult{
		Text:       res.Text,
		ToolEvents: res.ToolEvents,
		Session:    res.Session,
	}, nil
}

func writePlan(b *strings.Builder, p *plan.TaskPlan) {
	if p == nil {
		return
	}
	fmt.Fprintf(b, "Task: %s\n", p.Title)
	if len(p.Milestones) > 0 {
		b.WriteString("Milestones:\n")
		for i, m := range p.Milestones {
			fmt.Fprintf(b, "%d. %s\n", i+1, m)
		}
	}
	if p.Description != "" {
		fmt.Fprintf(b, "Description: %s\n", p.Description)
	}
	fmt.Fprintf(b, "Original request: %s\n", p.OriginalRequest)
}

func evaluatorPrompt(turn Turn) string {
	var b strings.Builder
	b.WriteString("You are the evaluator for an automated task. Decide whether the task is done.\n\n")
	writePlan(&b, turn.Plan)
	if turn.Context != "" {
		fmt.Fprintf(&b, "\nLatest update (iteration %d):\n%s\n", turn.Iteration, turn.Context)
	}
	b.WriteString("\nIf work remains, give the worker concrete guidance for the next step. ")
	b.WriteString("If you need information only the user can provide, ask for it. ")
	b.WriteString("End your reply with exactly one line:\nVERDICT: COMPLETE | CONTINUE | NEEDS_FEEDBACK\n")
	return b.String()
}

func workerPrompt(turn Turn) string {
	var b strings.Builder
	b.WriteString("You are the worker for an automated task. Carry out the next step using your tools.\n\n")
	writePlan(&b, turn.Plan)
	if turn.Context != "" {
		fmt.Fprintf(&b, "\nGuidance:\n%s\n", turn.Context)
	}
	b.WriteString("\nReport briefly what you did and what remains.\n")
	return b.String()
}
