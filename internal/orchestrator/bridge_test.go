package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskbridge/internal/engine"
	"github.com/fyrsmithlabs/taskbridge/internal/plan"
	"github.com/fyrsmithlabs/taskbridge/internal/transport"
)

const fenceTask = "# Paint the fence\n\n## Milestones\n1. Buy paint\n2. Paint\n\nUse white."

type handlerFunc func(ctx context.Context, n int, req *engine.Request) (*engine.Result, error)

// scriptedTransport answers engine calls from a handler and records them.
type scriptedTransport struct {
	mu      sync.Mutex
	calls   []*engine.Request
	handler handlerFunc
}

func (s *scriptedTransport) Start(context.Context) error { return nil }
func (s *scriptedTransport) Stop(context.Context) error  { return nil }

func (s *scriptedTransport) SendTask(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, req.Payload)
	h := s.handler
	s.mu.Unlock()

	res, err := h(ctx, n, req.Payload)
	if err != nil {
		return nil, err
	}
	return &transport.Response{RequestID: req.RequestID, Result: res}, nil
}

func (s *scriptedTransport) requests(role engine.Role) []*engine.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Request
	for _, c := range s.calls {
		if role == "" || c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

// tokenResult answers with a resume token derived from the call number.
func tokenResult(n int, text string) *engine.Result {
	return &engine.Result{
		Text:    text,
		Session: engine.SessionHandle{SessionID: "sess", ResumeToken: fmt.Sprintf("tok-%d", n)},
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Handle(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recordingSink) ofKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingSink) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.ofKind(kind)) > 0 }, 2*time.Second, 5*time.Millisecond, "no %s event", kind)
	return r.ofKind(kind)[0]
}

func newTestBridge(t *testing.T, tr transport.Transport, max int, opts ...Option) (*Bridge, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	ids := 0
	extractor := plan.NewExtractor(plan.WithIDGenerator(func() string {
		ids++
		return fmt.Sprintf("task-%d", ids)
	}))
	b, err := NewBridge(tr, extractor, sink, Config{MaxIterations: max, CallTimeout: time.Second}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b, sink
}

func TestBridge_AlwaysContinueAbortsAtMax(t *testing.T) {
	tr := &scriptedTransport{handler: func(_ context.Context, n int, req *engine.Request) (*engine.Result, error) {
		if req.Role == engine.RoleEvaluator {
			return tokenResult(n, "more to do\nVERDICT: CONTINUE"), nil
		}
		res := tokenResult(n, "did a step")
		res.ToolEvents = []engine.ToolEvent{{Name: "Bash", Input: "ls"}}
		return res, nil
	}}
	metrics := NewMetrics()
	iterations := testutil.ToFloat64(metrics.IterationsTotal)
	aborted := testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(OutcomeAborted))

	b, sink := newTestBridge(t, tr, 3, WithMetrics(metrics))
	p, err := b.StartTask(context.Background(), "chat", fenceTask)
	require.NoError(t, err)
	assert.Equal(t, "Paint the fence", p.Title)

	ev := sink.waitFor(t, EventAborted)
	assert.Contains(t, ev.Text, "maximum iterations (3)")
	assert.Equal(t, "task-1:aborted:0", ev.MessageID)

	assert.Len(t, tr.requests(engine.RoleEvaluator), 3)
	assert.Len(t, tr.requests(engine.RoleWorker), 3)

	st, ok := b.Status("chat")
	require.True(t, ok)
	assert.Equal(t, StatusAborted, st.Status)
	assert.Equal(t, 3, st.IterationCount)
	assert.Equal(t, engine.VerdictContinue, st.LastVerdict)

	iter := sink.ofKind(EventIteration)
	require.Len(t, iter, 3)
	for i, ev := range iter {
		assert.Equal(t, fmt.Sprintf("task-1:iteration:%d", i), ev.MessageID)
		assert.Equal(t, i+1, ev.Iteration)
	}
	progress := sink.ofKind(EventProgress)
	require.Len(t, progress, 3)
	assert.Equal(t, "Bash: ls", progress[0].Text)
	assert.True(t, progress[0].Throttled())

	assert.Equal(t, iterations+3, testutil.ToFloat64(metrics.IterationsTotal))
	assert.Equal(t, aborted+1, testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(OutcomeAborted)))
	assert.Empty(t, b.ActiveTasks())
}

func TestBridge_CompletesAndChainsSession(t *testing.T) {
	tr := &scriptedTransport{handler: func(_ context.Context, n int, req *engine.Request) (*engine.Result, error) {
		switch {
		case req.Role == engine.RoleWorker:
			return tokenResult(n, "painted"), nil
		case n == 0:
			return tokenResult(n, "start with the paint\nVERDICT: CONTINUE"), nil
		default:
			return tokenResult(n, "all done\nVERDICT: COMPLETE"), nil
		}
	}}
	b, sink := newTestBridge(t, tr, 5)
	_, err := b.StartTask(context.Background(), "chat", fenceTask)
	require.NoError(t, err)

	done := sink.waitFor(t, EventCompleted)
	assert.Equal(t, "all done", done.Text)

	calls := tr.requests("")
	require.Len(t, calls, 3)
	assert.Empty(t, calls[0].Session.ResumeToken, "first call starts a new conversation")
	for i := 1; i < len(calls); i++ {
		assert.Equal(t, fmt.Sprintf("tok-%d", i-1), calls[i].Session.ResumeToken, "call %d", i)
	}

	assert.Contains(t, calls[0].Prompt, "Paint the fence")
	assert.Contains(t, calls[0].Prompt, "1. Buy paint")
	assert.Contains(t, calls[0].Prompt, "VERDICT:")
	assert.Contains(t, calls[1].Prompt, "start with the paint", "worker gets the evaluator's guidance")
	assert.NotContains(t, calls[1].Prompt, "VERDICT")
	assert.Contains(t, calls[2].Prompt, "painted")

	st, ok := b.Status("chat")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 1, st.IterationCount)

	started := sink.ofKind(EventTaskStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "task-1:task_started:0", started[0].MessageID)
}

func TestBridge_RetriesOnceWithSameHandle(t *testing.T) {
	tr := &scriptedTransport{handler: func(_ context.Context, n int, req *engine.Request) (*engine.Result, error) {
		switch n {
		case 0:
			return tokenResult(n, "VERDICT: CONTINUE"), nil
		case 1:
			return nil, errors.New("connection reset")
		case 2:
			return tokenResult(n, "worked"), nil
		default:
			return tokenResult(n, "VERDICT: COMPLETE"), nil
		}
	}}
	b, sink := newTestBridge(t, tr, 5)
	_, err := b.StartTask(context.Background(), "chat", "do it")
	require.NoError(t, err)

	sink.waitFor(t, EventCompleted)
	workers := tr.requests(engine.RoleWorker)
	require.Len(t, workers, 2)
	assert.Equal(t, workers[0].Session, workers[1].Session, "retry carries the same handle")
	assert.Empty(t, sink.ofKind(EventError))
}

func TestBridge_SecondFailureAborts(t *testing.T) {
	boom := errors.New("engine crashed")
	tr := &scriptedTransport{handler: func(context.Context, int, *engine.Request) (*engine.Result, error) {
		return nil, boom
	}}
	b, sink := newTestBridge(t, tr, 5)
	_, err := b.StartTask(context.Background(), "chat", "do it")
	require.NoError(t, err)

	ev := sink.waitFor(t, EventError)
	assert.Contains(t, ev.Text, "engine crashed")
	assert.Len(t, tr.requests(""), 2)

	st, ok := b.Status("chat")
	require.True(t, ok)
	assert.Equal(t, StatusAborted, st.Status)

	// a new task is accepted after the abort
	_, err = b.StartTask(context.Background(), "chat", "again")
	require.NoError(t, err)
}

func TestBridge_RejectsSecondTask(t *testing.T) {
	release := make(chan struct{})
	tr := &scriptedTransport{handler: func(ctx context.Context, n int, _ *engine.Request) (*engine.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return tokenResult(n, "VERDICT: COMPLETE"), nil
	}}
	b, sink := newTestBridge(t, tr, 5)

	_, err := b.StartTask(context.Background(), "chat", "first")
	require.NoError(t, err)

	_, err = b.StartTask(context.Background(), "chat", "second")
	assert.ErrorIs(t, err, ErrTaskInProgress)
	assert.EqualError(t, err, "task already in progress")

	assert.ErrorIs(t, b.Forward(context.Background(), "chat", "hello?"), ErrTaskInProgress)

	_, err = b.StartTask(context.Background(), "other-chat", "independent")
	require.NoError(t, err)
	assert.Len(t, b.ActiveTasks(), 2)

	close(release)
	sink.waitFor(t, EventCompleted)
	require.Eventually(t, func() bool { return len(b.ActiveTasks()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestBridge_FeedbackResumesTask(t *testing.T) {
	tr := &scriptedTransport{handler: func(_ context.Context, n int, req *engine.Request) (*engine.Result, error) {
		if n == 0 {
			return tokenResult(n, "Which color?\nVERDICT: NEEDS_FEEDBACK"), nil
		}
		return tokenResult(n, "VERDICT: COMPLETE"), nil
	}}
	b, sink := newTestBridge(t, tr, 5)
	_, err := b.StartTask(context.Background(), "chat", fenceTask)
	require.NoError(t, err)

	ev := sink.waitFor(t, EventFeedbackRequested)
	assert.Equal(t, "Which color?", ev.Text)
	st, ok := b.Status("chat")
	require.True(t, ok)
	assert.Equal(t, StatusAwaitingFeedback, st.Status)
	assert.Equal(t, engine.VerdictNeedsFeedback, st.LastVerdict)

	_, err = b.StartTask(context.Background(), "chat", "another")
	assert.ErrorIs(t, err, ErrTaskInProgress, "awaiting feedback still blocks new tasks")

	require.NoError(t, b.Forward(context.Background(), "chat", "blue"))
	sink.waitFor(t, EventCompleted)

	evals := tr.requests(engine.RoleEvaluator)
	require.Len(t, evals, 2)
	assert.Contains(t, evals[1].Prompt, "User feedback: blue")
	assert.Equal(t, "tok-0", evals[1].Session.ResumeToken)
	assert.Empty(t, sink.ofKind(EventReply), "feedback is not forwarded as free text")
}

func TestBridge_ResetDiscardsInFlightResult(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	tr := &scriptedTransport{}
	tr.handler = func(ctx context.Context, n int, _ *engine.Request) (*engine.Result, error) {
		if n == 0 {
			entered <- struct{}{}
			<-release
			return tokenResult(n, "VERDICT: COMPLETE"), nil
		}
		return tokenResult(n, "VERDICT: COMPLETE"), nil
	}
	metrics := NewMetrics()
	resets := testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(OutcomeReset))

	b, sink := newTestBridge(t, tr, 5, WithMetrics(metrics))
	before := b.Session("chat")

	_, err := b.StartTask(context.Background(), "chat", "first")
	require.NoError(t, err)
	<-entered

	require.NoError(t, b.Reset(context.Background(), "chat"))
	after := b.Session("chat")
	assert.False(t, after.Same(before), "reset installs a new handle")
	assert.True(t, after.IsEmpty())

	_, ok := b.Status("chat")
	assert.False(t, ok, "reset clears task state")
	assert.Equal(t, resets+1, testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(OutcomeReset)))

	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.ofKind(EventCompleted), "stale result is dropped")
	assert.True(t, b.Session("chat").Same(after), "stale result does not replace the handle")

	_, err = b.StartTask(context.Background(), "chat", "second")
	require.NoError(t, err)
	sink.waitFor(t, EventCompleted)

	calls := tr.requests("")
	require.Len(t, calls, 2)
	assert.Empty(t, calls[1].Session.ResumeToken, "new task never sees the old resume token")
}

func TestBridge_ForwardReplies(t *testing.T) {
	tr := &scriptedTransport{handler: func(_ context.Context, n int, req *engine.Request) (*engine.Result, error) {
		return tokenResult(n, "echo: "+req.Prompt), nil
	}}
	b, sink := newTestBridge(t, tr, 5)

	require.NoError(t, b.Forward(context.Background(), "chat", "hi"))
	require.Eventually(t, func() bool { return len(sink.ofKind(EventReply)) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Forward(context.Background(), "chat", "again"))
	require.Eventually(t, func() bool { return len(sink.ofKind(EventReply)) == 2 }, time.Second, 5*time.Millisecond)

	replies := sink.ofKind(EventReply)
	assert.Equal(t, "echo: hi", replies[0].Text)
	assert.NotEqual(t, replies[0].MessageID, replies[1].MessageID)

	calls := tr.requests(engine.RoleWorker)
	require.Len(t, calls, 2)
	assert.Equal(t, "hi", calls[0].Prompt)
	assert.Equal(t, "tok-0", calls[1].Session.ResumeToken)
}

func TestBridge_ShutdownStopsTasks(t *testing.T) {
	tr := &scriptedTransport{handler: func(ctx context.Context, _ int, _ *engine.Request) (*engine.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	b, _ := newTestBridge(t, tr, 5)
	_, err := b.StartTask(context.Background(), "chat", "forever")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	_, err = b.StartTask(context.Background(), "chat", "late")
	assert.Error(t, err)
}

func TestBridge_ShutdownReleasesActiveTasks(t *testing.T) {
	tr := &scriptedTransport{handler: func(ctx context.Context, _ int, req *engine.Request) (*engine.Result, error) {
		if strings.Contains(req.Prompt, "pick-a-colour") {
			return tokenResult(0, "Which colour?\nVERDICT: NEEDS_FEEDBACK"), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	metrics := NewMetrics()
	active := testutil.ToFloat64(metrics.ActiveTasks)
	stopped := testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(OutcomeShutdown))

	b, sink := newTestBridge(t, tr, 5, WithMetrics(metrics))
	_, err := b.StartTask(context.Background(), "busy", "forever")
	require.NoError(t, err)
	_, err = b.StartTask(context.Background(), "waiting", "pick-a-colour")
	require.NoError(t, err)
	sink.waitFor(t, EventFeedbackRequested)
	assert.Equal(t, active+2, testutil.ToFloat64(metrics.ActiveTasks))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	assert.Equal(t, active, testutil.ToFloat64(metrics.ActiveTasks))
	assert.Equal(t, stopped+2, testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(OutcomeShutdown)))
	st, ok := b.Status("busy")
	require.True(t, ok)
	assert.Equal(t, StatusAborted, st.Status)
}

func TestNewBridge_Validation(t *testing.T) {
	_, err := NewBridge(nil, nil, nil, DefaultConfig())
	assert.Error(t, err)

	_, err = NewBridge(&scriptedTransport{}, nil, nil, Config{MaxIterations: 0})
	assert.Error(t, err)
}

func TestEvaluator_VerdictPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		result *engine.Result
		want   engine.Verdict
		text   string
	}{
		{"marker", &engine.Result{Text: "ok\nVERDICT: COMPLETE"}, engine.VerdictComplete, "ok"},
		{"explicit wins", &engine.Result{Verdict: engine.VerdictNeedsFeedback, Text: "VERDICT: COMPLETE"}, engine.VerdictNeedsFeedback, ""},
		{"no marker continues", &engine.Result{Text: "keep going"}, engine.VerdictContinue, "keep going"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &scriptedTransport{handler: func(context.Context, int, *engine.Request) (*engine.Result, error) {
				return tt.result, nil
			}}
			out, err := evaluator{}.Invoke(context.Background(), tr, Turn{Session: engine.NewSession()})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Verdict)
			assert.Equal(t, tt.text, out.Text)
		})
	}
}

// MockNotifier is a testify mock of Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Send(ctx context.Context, destination, messageID, content string) error {
	return m.Called(ctx, destination, messageID, content).Error(0)
}

func (m *MockNotifier) SendProgress(ctx context.Context, destination, messageID, content string) error {
	return m.Called(ctx, destination, messageID, content).Error(0)
}

func TestNotifierSink_RoutesByClass(t *testing.T) {
	n := new(MockNotifier)
	n.On("SendProgress", mock.Anything, "chat", "t:progress:0", "⚙ Bash").Return(nil).Once()
	n.On("Send", mock.Anything, "chat", "t:completed:0", mock.MatchedBy(func(s string) bool {
		return strings.HasPrefix(s, "Task completed.")
	})).Return(nil).Once()

	sink := NotifierSink(n)
	require.NoError(t, sink.Handle(context.Background(), Event{Kind: EventProgress, Destination: "chat", MessageID: "t:progress:0", Text: "Bash"}))
	require.NoError(t, sink.Handle(context.Background(), Event{Kind: EventCompleted, Destination: "chat", MessageID: "t:completed:0", Text: "done"}))
	n.AssertExpectations(t)
}
