package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskbridge/internal/engine"
	"github.com/fyrsmithlabs/taskbridge/internal/logging"
	"github.com/fyrsmithlabs/taskbridge/internal/orchestrator"
	"github.com/fyrsmithlabs/taskbridge/internal/plan"
)

type MockBridge struct {
	mock.Mock
}

func (m *MockBridge) StartTask(ctx context.Context, dest, description string) (*plan.TaskPlan, error) {
	args := m.Called(ctx, dest, description)
	p, _ := args.Get(0).(*plan.TaskPlan)
	return p, args.Error(1)
}

func (m *MockBridge) Reset(ctx context.Context, dest string) error {
	return m.Called(ctx, dest).Error(0)
}

func (m *MockBridge) Status(dest string) (orchestrator.IterationState, bool) {
	args := m.Called(dest)
	return args.Get(0).(orchestrator.IterationState), args.Bool(1)
}

func (m *MockBridge) Forward(ctx context.Context, dest, text string) error {
	return m.Called(ctx, dest, text).Error(0)
}

type MockReplier struct {
	mock.Mock
}

func (m *MockReplier) Send(ctx context.Context, destination, messageID, content string) error {
	return m.Called(ctx, destination, messageID, content).Error(0)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		name string
		args string
		ok   bool
	}{
		{"/task paint the fence", CmdTask, "paint the fence", true},
		{"/start_task x", CmdTask, "x", true},
		{"/task@taskbridge_bot x", CmdTask, "x", true},
		{"  /TASK  spaced  ", CmdTask, "spaced", true},
		{"/task\n# Title\n1. a", CmdTask, "# Title\n1. a", true},
		{"/task", CmdTask, "", true},
		{"/reset", CmdReset, "", true},
		{"/new", CmdReset, "", true},
		{"/status@bot", CmdStatus, "", true},
		{"/unknown", "", "", false},
		{"hello /task", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			cmd, ok := ParseCommand(tt.text)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.ok, IsCommand(tt.text))
			if !ok {
				return
			}
			assert.Equal(t, tt.name, cmd.Name)
			assert.Equal(t, tt.args, cmd.Args)
		})
	}
}

func TestRouter_TaskStarts(t *testing.T) {
	bridge := new(MockBridge)
	replier := new(MockReplier)
	p := &plan.TaskPlan{TaskID: "task-1", Title: "Fence", Milestones: []string{"buy", "paint"}}
	bridge.On("StartTask", mock.Anything, "chat", "paint it").Return(p, nil).Once()
	replier.On("Send", mock.Anything, "chat", "m1:reply", "Starting: Fence\n1. buy\n2. paint").Return(nil).Once()

	r := New(bridge, replier, nil)
	handled, err := r.Execute(context.Background(), InboundMessage{Destination: "chat", MessageID: "m1", Text: "/task paint it"})
	require.NoError(t, err)
	assert.True(t, handled)
	bridge.AssertExpectations(t)
	replier.AssertExpectations(t)
}

func TestRouter_EmptyTaskCreatesNoState(t *testing.T) {
	bridge := new(MockBridge)
	replier := new(MockReplier)
	replier.On("Send", mock.Anything, "chat", "m1:reply", taskUsage).Return(nil).Once()

	r := New(bridge, replier, nil)
	handled, err := r.Execute(context.Background(), InboundMessage{Destination: "chat", MessageID: "m1", Text: "/task   "})
	assert.True(t, handled)
	assert.ErrorIs(t, err, ErrEmptyDescription)
	bridge.AssertNotCalled(t, "StartTask", mock.Anything, mock.Anything, mock.Anything)
	replier.AssertExpectations(t)
}

func TestRouter_TaskInProgress(t *testing.T) {
	bridge := new(MockBridge)
	replier := new(MockReplier)
	bridge.On("StartTask", mock.Anything, "chat", "second").Return(nil, orchestrator.ErrTaskInProgress).Once()
	replier.On("Send", mock.Anything, "chat", "m2:reply", mock.MatchedBy(func(s string) bool {
		return s == "A task is already in progress. Send /status or /reset."
	})).Return(nil).Once()

	r := New(bridge, replier, nil)
	handled, err := r.Execute(context.Background(), InboundMessage{Destination: "chat", MessageID: "m2", Text: "/task second"})
	require.NoError(t, err)
	assert.True(t, handled)
	replier.AssertExpectations(t)
}

func TestRouter_ResetAndStatus(t *testing.T) {
	bridge := new(MockBridge)
	replier := new(MockReplier)
	bridge.On("Reset", mock.Anything, "chat").Return(nil).Once()
	bridge.On("Status", "chat").Return(orchestrator.IterationState{
		Title: "Fence", Status: orchestrator.StatusRunning, IterationCount: 2, MaxIterations: 10,
		LastVerdict: engine.VerdictContinue,
	}, true).Once()
	replier.On("Send", mock.Anything, "chat", "r:reply", "Session reset. The next task starts fresh.").Return(nil).Once()
	replier.On("Send", mock.Anything, "chat", "s:reply", "Fence\nStatus: running\nIteration: 2/10\nLast verdict: continue").Return(nil).Once()

	r := New(bridge, replier, nil)
	_, err := r.Execute(context.Background(), InboundMessage{Destination: "chat", MessageID: "r", Text: "/new"})
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), InboundMessage{Destination: "chat", MessageID: "s", Text: "/status"})
	require.NoError(t, err)

	bridge.AssertExpectations(t)
	replier.AssertExpectations(t)
}

func TestRouter_StatusWithoutTask(t *testing.T) {
	bridge := new(MockBridge)
	replier := new(MockReplier)
	bridge.On("Status", "chat").Return(orchestrator.IterationState{}, false)
	replier.On("Send", mock.Anything, "chat", "s:reply", "No task.").Return(nil).Once()

	_, err := New(bridge, replier, nil).Execute(context.Background(), InboundMessage{Destination: "chat", MessageID: "s", Text: "/status"})
	require.NoError(t, err)
	replier.AssertExpectations(t)
}

func TestRouter_NonCommandNotHandled(t *testing.T) {
	bridge := new(MockBridge)
	replier := new(MockReplier)
	handled, err := New(bridge, replier, nil).Execute(context.Background(), InboundMessage{Destination: "chat", Text: "just text"})
	require.NoError(t, err)
	assert.False(t, handled)
	replier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRouter_HandleForwardsText(t *testing.T) {
	bridge := new(MockBridge)
	replier := new(MockReplier)
	bridge.On("Forward", mock.Anything, "chat", "blue").Return(nil).Once()
	bridge.On("Forward", mock.Anything, "chat", "busy?").Return(orchestrator.ErrTaskInProgress).Once()
	replier.On("Send", mock.Anything, "chat", "m2:reply", mock.Anything).Return(nil).Once()

	r := New(bridge, replier, nil)
	require.NoError(t, r.Handle(context.Background(), InboundMessage{Destination: "chat", MessageID: "m1", Text: "blue"}))
	require.NoError(t, r.Handle(context.Background(), InboundMessage{Destination: "chat", MessageID: "m2", Text: "busy?"}))
	require.NoError(t, r.Handle(context.Background(), InboundMessage{Destination: "chat", MessageID: "m3", Text: "  "}))

	bridge.AssertExpectations(t)
	replier.AssertExpectations(t)
}

func TestRouter_ReplyFailureSurfaces(t *testing.T) {
	bridge := new(MockBridge)
	replier := new(MockReplier)
	boom := errors.New("chat api down")
	bridge.On("Reset", mock.Anything, "chat").Return(nil)
	replier.On("Send", mock.Anything, "chat", "r:reply", mock.Anything).Return(boom)

	logger := logging.NewTestLogger()
	_, err := New(bridge, replier, logger.Logger).Execute(context.Background(), InboundMessage{Destination: "chat", MessageID: "r", Text: "/reset"})
	assert.ErrorIs(t, err, boom)
}
