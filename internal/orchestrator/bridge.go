package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskbridge/internal/engine"
	"github.com/fyrsmithlabs/taskbridge/internal/logging"
	"github.com/fyrsmithlabs/taskbridge/internal/plan"
	"github.com/fyrsmithlabs/taskbridge/internal/transport"
)

// errStale marks work whose task was reset or replaced while in flight.
var errStale = errors.New("task superseded")

// Config configures a Bridge.
type Config struct {
	MaxIterations int
	CallTimeout   time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{MaxIterations: 10, CallTimeout: 10 * time.Minute}
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithStrategies replaces the role strategies.
func WithStrategies(s map[engine.Role]RoleStrategy) Option {
	return func(b *Bridge) {
		for role, strat := range s {
			b.strategies[role] = strat
		}
	}
}

// WithClock sets the time source for state and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// ChatState is a snapshot of one chat's task.
type ChatState struct {
	Destination string         `json:"destination"`
	State       IterationState `json:"state"`
}

type taskRun struct {
	plan     *plan.TaskPlan
	state    IterationState
	cancel   context.CancelFunc
	feedback chan string
	seq      map[EventKind]int
}

type chatState struct {
	session engine.SessionHandle
	run     *taskRun
	last    *IterationState
	epoch   uint64
	replies int

	// serializes free-text forwarding so replies keep the session chain
	forwardMu sync.Mutex
}

// Bridge runs tasks for many chats. Each chat has at most one active task.
type Bridge struct {
	tr         transport.Transport
	extractor  *plan.Extractor
	sink       Sink
	strategies map[engine.Role]RoleStrategy
	cfg        Config
	logger     *logging.Logger
	metrics    *Metrics
	now        func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	chats map[string]*chatState
}

// NewBridge creates a Bridge. A nil extractor uses plan defaults; a nil sink
// drops events.
func NewBridge(tr transport.Transport, extractor *plan.Extractor, sink Sink, cfg Config, opts ...Option) (*Bridge, error) {
	if tr == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("max iterations must be at least 1, got %d", cfg.MaxIterations)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if extractor == nil {
		extractor = plan.NewExtractor()
	}
	if sink == nil {
		sink = SinkFunc(func(context.Context, Event) error { return nil })
	}

	base, stop := context.WithCancel(context.Background())
	b := &Bridge{
		tr:         tr,
		extractor:  extractor,
		sink:       sink,
		strategies: DefaultStrategies(),
		cfg:        cfg,
		logger:     logging.NewNop(),
		now:        time.Now,
		baseCtx:    base,
		stop:       stop,
		chats:      make(map[string]*chatState),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("orchestrator")
	return b, nil
}

// chat returns the state for dest, creating it. Caller holds b.mu.
func (b *Bridge) chat(dest string) *chatState {
	cs, ok := b.chats[dest]
	if !ok {
		cs = &chatState{session: engine.NewSession()}
		b.chats[dest] = cs
	}
	return cs
}

// StartTask extracts a plan from description and starts the loop for dest.
func (b *Bridge) StartTask(ctx context.Context, dest, description string) (*plan.TaskPlan, error) {
	if err := b.baseCtx.Err(); err != nil {
		return nil, fmt.Errorf("bridge stopped: %w", err)
	}

	b.mu.Lock()
	cs := b.chat(dest)
	if cs.run != nil && cs.run.state.Status.Active() {
		b.mu.Unlock()
		return nil, ErrTaskInProgress
	}

	p := b.extractor.Extract(description, description)
	runCtx, cancel := context.WithCancel(b.baseCtx)
	run := &taskRun{
		plan:   p,
		cancel: cancel,
		// one slot: a single resume per feedback request
		feedback: make(chan string, 1),
		seq:      make(map[EventKind]int),
		state: IterationState{
			TaskID:        p.TaskID,
			Title:         p.Title,
			MaxIterations: b.cfg.MaxIterations,
			Status:        StatusRunning,
			StartedAt:     b.now(),
		},
	}
	cs.run = run
	cs.last = nil
	b.wg.Add(1)
	b.mu.Unlock()

	b.metrics.started()
	runCtx = logging.WithTaskID(logging.WithChatID(runCtx, dest), p.TaskID)
	b.logger.Info(runCtx, "task started",
		zap.String("title", p.Title),
		zap.Int("milestones", len(p.Milestones)))

	go b.loop(runCtx, dest, run)
	return p, nil
}

func (b *Bridge) loop(ctx context.Context, dest string, run *taskRun) {
	defer b.wg.Done()
	defer run.cancel()
	// still attached on exit only when the bridge stopped underneath it
	defer func() {
		if b.markEnded(dest, run, StatusAborted, OutcomeShutdown) {
			b.logger.Info(ctx, "task stopped by shutdown")
		}
	}()

	b.emit(ctx, dest, run, EventTaskStarted, run.plan.Title)

	latest := ""
	for {
		eval, err := b.invoke(ctx, dest, run, engine.RoleEvaluator, latest)
		if err != nil {
			b.fail(ctx, dest, run, engine.RoleEvaluator, err)
			return
		}

		switch eval.Verdict {
		case engine.VerdictComplete:
			b.finish(ctx, dest, run, StatusCompleted, OutcomeCompleted, EventCompleted, eval.Text)
			return

		case engine.VerdictNeedsFeedback:
			fb, ok := b.awaitFeedback(ctx, dest, run, eval.Text)
			if !ok {
				return
			}
			latest = "User feedback: " + fb
			continue
		}

		work, err := b.invoke(ctx, dest, run, engine.RoleWorker, eval.Text)
		if err != nil {
			b.fail(ctx, dest, run, engine.RoleWorker, err)
			return
		}
		b.metrics.toolEvents(len(work.ToolEvents))
		for _, te := range work.ToolEvents {
			b.emit(ctx, dest, run, EventProgress, describeTool(te))
		}
		latest = work.Text

		count, ok := b.completeIteration(dest, run)
		if !ok {
			return
		}
		b.metrics.iteration()
		b.emit(ctx, dest, run, EventIteration, summarize(work.Text))

		if count >= b.cfg.MaxIterations {
			b.finish(ctx, dest, run, StatusAborted, OutcomeAborted, EventAborted,
				fmt.Sprintf("maximum iterations (%d) reached", b.cfg.MaxIterations))
			return
		}
	}
}

// invoke runs one role turn, retrying once with the same handle. The new
// handle is committed only while run is still the chat's task.
func (b *Bridge) invoke(ctx context.Context, dest string, run *taskRun, role engine.Role, latest string) (*TurnResult, error) {
	strat, ok := b.strategies[role]
	if !ok {
		return nil, fmt.Errorf("no strategy for role %q", role)
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		b.mu.Lock()
		cs := b.chats[dest]
		if cs == nil || cs.run != run {
			b.mu.Unlock()
			return nil, errStale
		}
		turn := Turn{
			Plan:      run.plan,
			Session:   cs.session,
			Context:   latest,
			Iteration: run.state.IterationCount,
		}
		b.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
		out, err := strat.Invoke(callCtx, b.tr, turn)
		cancel()
		if err == nil {
			if !b.commitTurn(dest, run, out) {
				return nil, errStale
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, errStale
		}
		lastErr = err
		b.logger.Warn(ctx, "engine call failed",
			zap.String("role", string(role)),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, lastErr
}

func (b *Bridge) commitTurn(dest string, run *taskRun, out *TurnResult) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := b.chats[dest]
	if cs == nil || cs.run != run {
		return false
	}
	cs.session = cs.session.Next(out.Session.SessionID, out.Session.ResumeToken)
	if out.Verdict != engine.VerdictNone {
		run.state.LastVerdict = out.Verdict
	}
	return true
}

func (b *Bridge) completeIteration(dest string, run *taskRun) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := b.chats[dest]
	if cs == nil || cs.run != run {
		return 0, false
	}
	run.state.IterationCount++
	return run.state.IterationCount, true
}

func (b *Bridge) awaitFeedback(ctx context.Context, dest string, run *taskRun, question string) (string, bool) {
	b.mu.Lock()
	cs := b.chats[dest]
	if cs == nil || cs.run != run {
		b.mu.Unlock()
		return "", false
	}
	run.state.Status = StatusAwaitingFeedback
	b.mu.Unlock()

	b.emit(ctx, dest, run, EventFeedbackRequested, question)
	b.logger.Info(ctx, "awaiting feedback")

	select {
	case <-ctx.Done():
		return "", false
	case fb := <-run.feedback:
		b.logger.Debug(ctx, "feedback received")
		return fb, true
	}
}

func (b *Bridge) fail(ctx context.Context, dest string, run *taskRun, role engine.Role, err error) {
	if errors.Is(err, errStale) {
		b.logger.Debug(ctx, "dropping superseded task")
		return
	}
	b.logger.Error(ctx, "task aborted after engine failure",
		zap.String("role", string(role)),
		zap.Error(err))
	if !b.markEnded(dest, run, StatusAborted, OutcomeAborted) {
		return
	}
	b.emit(ctx, dest, run, EventError, fmt.Sprintf("%s call failed twice: %v", role, err))
}

func (b *Bridge) finish(ctx context.Context, dest string, run *taskRun, status Status, outcome string, kind EventKind, text string) {
	if !b.markEnded(dest, run, status, outcome) {
		return
	}
	b.logger.Info(ctx, "task ended", zap.String("status", string(status)))
	b.emit(ctx, dest, run, kind, text)
}

// markEnded moves run into a terminal status and detaches it from the chat.
func (b *Bridge) markEnded(dest string, run *taskRun, status Status, outcome string) bool {
	b.mu.Lock()
	cs := b.chats[dest]
	if cs == nil || cs.run != run {
		b.mu.Unlock()
		return false
	}
	run.state.Status = status
	snap := run.state
	cs.last = &snap
	cs.run = nil
	b.mu.Unlock()

	b.metrics.ended(outcome)
	return true
}

func (b *Bridge) emit(ctx context.Context, dest string, run *taskRun, kind EventKind, text string) {
	b.mu.Lock()
	n := run.seq[kind]
	run.seq[kind] = n + 1
	iteration := run.state.IterationCount
	b.mu.Unlock()

	ev := Event{
		Kind:        kind,
		Destination: dest,
		TaskID:      run.state.TaskID,
		MessageID:   fmt.Sprintf("%s:%s:%d", run.state.TaskID, kind, n),
		Iteration:   iteration,
		Text:        text,
		Time:        b.now(),
	}
	b.deliver(ctx, ev)
}

func (b *Bridge) deliver(ctx context.Context, ev Event) {
	// delivery outlives a canceled task so terminal events still go out
	if err := b.sink.Handle(context.WithoutCancel(ctx), ev); err != nil {
		b.logger.Warn(ctx, "event delivery failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("message_id", ev.MessageID),
			zap.Error(err))
	}
}

// Reset cancels the chat's task, if any, and installs a fresh session.
// Results of calls still in flight are discarded.
func (b *Bridge) Reset(ctx context.Context, dest string) error {
	b.mu.Lock()
	cs := b.chat(dest)
	run := cs.run
	cs.run = nil
	cs.last = nil
	cs.session = engine.NewSession()
	cs.epoch++
	b.mu.Unlock()

	if run != nil {
		run.cancel()
		b.metrics.ended(OutcomeReset)
		b.logger.Info(logging.WithChatID(ctx, dest), "task reset", zap.String("task.id", run.state.TaskID))
	}
	return nil
}

// Forward delivers free text for dest. A task awaiting feedback resumes with
// text; a running task rejects it with ErrTaskInProgress; otherwise text is
// sent to the worker on the chat's session and the answer emitted as a
// reply event.
func (b *Bridge) Forward(ctx context.Context, dest, text string) error {
	if err := b.baseCtx.Err(); err != nil {
		return fmt.Errorf("bridge stopped: %w", err)
	}

	b.mu.Lock()
	cs := b.chat(dest)
	if run := cs.run; run != nil {
		if run.state.Status != StatusAwaitingFeedback {
			b.mu.Unlock()
			return ErrTaskInProgress
		}
		select {
		case run.feedback <- text:
			run.state.Status = StatusRunning
		default:
		}
		b.mu.Unlock()
		return nil
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.reply(logging.WithChatID(b.baseCtx, dest), dest, cs, text)
	return nil
}

func (b *Bridge) reply(ctx context.Context, dest string, cs *chatState, text string) {
	defer b.wg.Done()
	cs.forwardMu.Lock()
	defer cs.forwardMu.Unlock()

	b.mu.Lock()
	session := cs.session
	epoch := cs.epoch
	b.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	res, err := send(callCtx, b.tr, engine.RoleWorker, session, text)
	cancel()

	b.mu.Lock()
	if cs.epoch != epoch {
		b.mu.Unlock()
		b.logger.Debug(ctx, "dropping reply from before reset")
		return
	}
	if err == nil && cs.session.Same(session) {
		cs.session = session.Next(res.Session.SessionID, res.Session.ResumeToken)
	}
	n := cs.replies
	cs.replies++
	b.mu.Unlock()

	ev := Event{
		Kind:        EventReply,
		Destination: dest,
		MessageID:   fmt.Sprintf("%s:reply:%d:%d", dest, epoch, n),
		Time:        b.now(),
	}
	if err != nil {
		b.logger.Warn(ctx, "forwarded message failed", zap.Error(err))
		ev.Kind = EventError
		ev.Text = fmt.Sprintf("engine call failed: %v", err)
	} else {
		ev.Text = res.Text
	}
	b.deliver(ctx, ev)
}

// Status returns the chat's current task state, or the last finished one.
func (b *Bridge) Status(dest string) (IterationState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.chats[dest]
	if !ok {
		return IterationState{}, false
	}
	if cs.run != nil {
		return cs.run.state, true
	}
	if cs.last != nil {
		return *cs.last, true
	}
	return IterationState{}, false
}

// Session returns the chat's current session handle.
func (b *Bridge) Session(dest string) engine.SessionHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chat(dest).session
}

// ActiveTasks lists the tasks that are running or awaiting feedback,
// ordered by destination.
func (b *Bridge) ActiveTasks() []ChatState {
	b.mu.Lock()
	out := make([]ChatState, 0, len(b.chats))
	for dest, cs := range b.chats {
		if cs.run != nil {
			out = append(out, ChatState{Destination: dest, State: cs.run.state})
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Shutdown cancels every task and waits for their goroutines, or for ctx.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.stop()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks: %w", ctx.Err())
	}
}

func describeTool(te engine.ToolEvent) string {
	if te.Input == "" {
		return te.Name
	}
	return te.Name + ": " + summarize(te.Input)
}

const summaryLimit = 200

func summarize(s string) string {
	r := []rune(s)
	if len(r) <= summaryLimit {
		return s
	}
	return string(r[:summaryLimit]) + "…"
}
