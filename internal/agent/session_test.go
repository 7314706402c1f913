// ABOUTME: Tests for the agent session state machine
// ABOUTME: Covers every transition, rollback on send and save failure, and the full hello-to-shutdown flow

package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/nimrod-master/internal/protocol"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type sessionFixture struct {
	s        *Session
	tr       *fakeTransport
	repo     *fakeRepo
	listener *recordingListener
	clock    *clock
	agent    uuid.UUID
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		tr:       &fakeTransport{},
		repo:     &fakeRepo{},
		listener: &recordingListener{},
		clock:    newClock(t0),
		agent:    uuid.New(),
	}
	f.s = NewSession(SessionOptions{
		ID:         uuid.New(),
		Secret:     []byte("secret"),
		Transport:  f.tr,
		Repository: f.repo,
		Listener:   f.listener,
		Now:        f.clock.Now,
	})
	return f
}

func (f *sessionFixture) hdr() protocol.Header {
	return protocol.NewHeader(f.agent, f.clock.Now())
}

func (f *sessionFixture) hello(t *testing.T) {
	t.Helper()
	require.NoError(t, f.s.ProcessMessage(context.Background(), &protocol.Hello{Header: f.hdr(), Queue: "q1"}))
	f.tr.take()
}

func (f *sessionFixture) busy(t *testing.T) *protocol.Job {
	t.Helper()
	f.hello(t)
	job := oneCommandJob()
	require.NoError(t, f.s.SubmitJob(context.Background(), job))
	f.tr.take()
	return job
}

func TestSession_InitialState(t *testing.T) {
	f := newSessionFixture(t)
	assert.Equal(t, StateWaitingForHello, f.s.State())
	assert.Equal(t, uuid.Nil, f.s.UUID())
	assert.Empty(t, f.s.Queue())
	assert.Equal(t, t0, f.s.CreationTime())
	assert.True(t, f.s.ExpiryTime().IsZero(), "no walltime by default")
}

func TestSession_HelloRepliesInit(t *testing.T) {
	f := newSessionFixture(t)
	f.clock.Advance(3 * time.Second)

	err := f.s.ProcessMessage(context.Background(), &protocol.Hello{Header: f.hdr(), Queue: "q1"})
	require.NoError(t, err)

	assert.Equal(t, StateReady, f.s.State())
	assert.Equal(t, f.agent, f.s.UUID())
	assert.Equal(t, "q1", f.s.Queue())
	assert.Equal(t, t0.Add(3*time.Second), f.s.LastHeardFrom())
	assert.Equal(t, t0.Add(3*time.Second), f.s.ConnectionTime())

	sent := f.tr.take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeInit, sent[0].Msg.Type())
	assert.Equal(t, f.agent, sent[0].Msg.AgentUUID())
	assert.Equal(t, Route{ID: f.s.ID(), Agent: f.agent, Queue: "q1"}, sent[0].Route)

	assert.Equal(t, StateReady, f.repo.last().State)
	assert.Equal(t, []transition{{ID: f.s.ID(), From: StateWaitingForHello, To: StateReady}}, f.listener.changes)
}

func TestSession_HelloSendFailureStaysWaiting(t *testing.T) {
	f := newSessionFixture(t)
	f.tr.setFail(true)

	err := f.s.ProcessMessage(context.Background(), &protocol.Hello{Header: f.hdr(), Queue: "q1"})
	require.ErrorIs(t, err, errSendFailed)

	assert.Equal(t, StateWaitingForHello, f.s.State())
	assert.Equal(t, uuid.Nil, f.s.UUID(), "uuid is only set once hello succeeds")
	assert.Empty(t, f.s.Queue())
	assert.Empty(t, f.repo.saved)
	assert.Empty(t, f.listener.changes)
}

func TestSession_WaitingForHelloRejectsEverythingElse(t *testing.T) {
	f := newSessionFixture(t)
	h := f.hdr()
	for _, msg := range []protocol.Message{
		&protocol.Pong{Header: h, State: protocol.AgentIdle},
		&protocol.Shutdown{Header: h, Reason: protocol.ReasonRequested, Signal: -1},
		&protocol.Update{Header: h, JobUUID: uuid.New(), Action: protocol.ActionStop},
		&protocol.Init{Header: h},
		&protocol.Ping{Header: h},
	} {
		err := f.s.ProcessMessage(context.Background(), msg)
		assert.ErrorIs(t, err, ErrProtocolViolation, "%s", msg.Type())
		assert.Equal(t, StateWaitingForHello, f.s.State())
	}
}

func TestSession_MasterOnlyMessagesAreViolations(t *testing.T) {
	f := newSessionFixture(t)
	f.hello(t)
	h := f.hdr()
	for _, msg := range []protocol.Message{
		&protocol.Init{Header: h},
		&protocol.Query{Header: h},
		&protocol.Submit{Header: h, Job: oneCommandJob()},
		&protocol.Ping{Header: h},
		&protocol.LifeControl{Header: h, Operation: protocol.OperationCancel},
		&protocol.Hello{Header: h, Queue: "again"},
	} {
		err := f.s.ProcessMessage(context.Background(), msg)
		assert.ErrorIs(t, err, ErrProtocolViolation, "%s", msg.Type())
	}
	assert.Equal(t, StateReady, f.s.State())
	assert.Equal(t, "q1", f.s.Queue())
}

func TestSession_UUIDMismatch(t *testing.T) {
	f := newSessionFixture(t)
	f.hello(t)

	err := f.s.ProcessMessage(context.Background(), &protocol.Pong{
		Header: protocol.NewHeader(uuid.New(), t0),
		State:  protocol.AgentIdle,
	})
	assert.ErrorIs(t, err, ErrUUIDMismatch)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Empty(t, f.listener.pongs)
}

func TestSession_PongUpdatesLastHeard(t *testing.T) {
	f := newSessionFixture(t)
	f.hello(t)
	saves := len(f.repo.saved)

	now := f.clock.Advance(time.Minute)
	require.NoError(t, f.s.ProcessMessage(context.Background(), &protocol.Pong{Header: f.hdr(), State: protocol.AgentIdle}))

	assert.Equal(t, StateReady, f.s.State())
	assert.Equal(t, now, f.s.LastHeardFrom())
	assert.Len(t, f.listener.pongs, 1)
	assert.Len(t, f.repo.saved, saves, "a pong is not a transition")
}

func TestSession_SubmitJob(t *testing.T) {
	f := newSessionFixture(t)
	f.hello(t)
	job := oneCommandJob()

	require.NoError(t, f.s.SubmitJob(context.Background(), job))

	assert.Equal(t, StateBusy, f.s.State())
	assert.Same(t, job, f.s.Job())
	sent := f.tr.take()
	require.Len(t, sent, 1)
	submit, ok := sent[0].Msg.(*protocol.Submit)
	require.True(t, ok)
	assert.Same(t, job, submit.Job)
	assert.Equal(t, job.UUID, f.repo.last().JobUUID)
	assert.Equal(t, []*protocol.Job{job}, f.listener.submits)
}

func TestSession_SubmitRollbackOnSendFailure(t *testing.T) {
	f := newSessionFixture(t)
	f.hello(t)
	before := f.s.Record()
	changes := len(f.listener.changes)
	f.tr.setFail(true)

	err := f.s.SubmitJob(context.Background(), oneCommandJob())
	require.ErrorIs(t, err, errSendFailed)

	assert.Equal(t, StateReady, f.s.State())
	assert.Nil(t, f.s.Job())
	assert.Equal(t, before.State, f.s.Record().State)
	assert.Empty(t, f.listener.submits, "no job-submitted event after a failed send")
	assert.Len(t, f.listener.changes, changes)
}

func TestSession_SubmitRollbackOnSaveFailure(t *testing.T) {
	f := newSessionFixture(t)
	f.hello(t)
	boom := errors.New("disk full")
	f.repo.setFail(boom)

	err := f.s.SubmitJob(context.Background(), oneCommandJob())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateReady, f.s.State())
	assert.Nil(t, f.s.Job())
	assert.Empty(t, f.listener.submits)
}

func TestSession_SubmitRejects(t *testing.T) {
	f := newSessionFixture(t)
	err := f.s.SubmitJob(context.Background(), oneCommandJob())
	assert.ErrorIs(t, err, ErrNotReady)

	f.hello(t)
	err = f.s.SubmitJob(context.Background(), &protocol.Job{UUID: uuid.New()})
	assert.ErrorIs(t, err, protocol.ErrEmptyJob)
	assert.Equal(t, StateReady, f.s.State())

	require.NoError(t, f.s.SubmitJob(context.Background(), oneCommandJob()))
	err = f.s.SubmitJob(context.Background(), oneCommandJob())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, []protocol.MessageType{protocol.TypeSubmit}, f.tr.types(), "only the first submit is sent")
}

func TestSession_UpdateContinueAndStop(t *testing.T) {
	f := newSessionFixture(t)
	job := f.busy(t)

	cont := &protocol.Update{Header: f.hdr(), JobUUID: job.UUID, Action: protocol.ActionContinue,
		Result: protocol.CommandResult{Status: protocol.StatusSuccess, Index: 0}}
	require.NoError(t, f.s.ProcessMessage(context.Background(), cont))
	assert.Equal(t, StateBusy, f.s.State())

	stop := &protocol.Update{Header: f.hdr(), JobUUID: job.UUID, Action: protocol.ActionStop,
		Result: protocol.CommandResult{Status: protocol.StatusFailed, Index: 0, RetVal: 1}}
	require.NoError(t, f.s.ProcessMessage(context.Background(), stop))
	assert.Equal(t, StateReady, f.s.State())
	assert.Nil(t, f.s.Job())
	assert.Equal(t, []*protocol.Update{cont, stop}, f.listener.updates)
	assert.Equal(t, uuid.Nil, f.repo.last().JobUUID)
}

func TestSession_UpdateForWrongJob(t *testing.T) {
	f := newSessionFixture(t)
	f.busy(t)

	err := f.s.ProcessMessage(context.Background(), &protocol.Update{
		Header: f.hdr(), JobUUID: uuid.New(), Action: protocol.ActionStop,
	})
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, StateBusy, f.s.State())
	assert.Empty(t, f.listener.updates)
}

func TestSession_UpdateWhileReady(t *testing.T) {
	f := newSessionFixture(t)
	f.hello(t)
	err := f.s.ProcessMessage(context.Background(), &protocol.Update{
		Header: f.hdr(), JobUUID: uuid.New(), Action: protocol.ActionStop,
	})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestSession_CancelJob(t *testing.T) {
	f := newSessionFixture(t)
	assert.ErrorIs(t, f.s.CancelJob(context.Background()), ErrNotBusy)

	f.busy(t)
	require.NoError(t, f.s.CancelJob(context.Background()))
	assert.Equal(t, StateBusy, f.s.State(), "cancel waits for the agent")

	sent := f.tr.take()
	require.Len(t, sent, 1)
	lc, ok := sent[0].Msg.(*protocol.LifeControl)
	require.True(t, ok)
	assert.Equal(t, protocol.OperationCancel, lc.Operation)
}

func TestSession_TerminateFromWaitingForHello(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.s.Terminate(context.Background()))

	assert.Equal(t, StateShutdown, f.s.State())
	reason, signal := f.s.Shutdown()
	assert.Equal(t, protocol.ReasonRequested, reason)
	assert.Equal(t, -1, signal)
	assert.Empty(t, f.tr.take(), "no message without an agent identity")
	assert.Equal(t, StateShutdown, f.repo.last().State)
}

func TestSession_TerminateFromReadySendsLifeControl(t *testing.T) {
	f := newSessionFixture(t)
	f.hello(t)

	require.NoError(t, f.s.Terminate(context.Background()))
	assert.Equal(t, StateReady, f.s.State())
	sent := f.tr.take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.OperationTerminate, sent[0].Msg.(*protocol.LifeControl).Operation)
}

func TestSession_ShutdownFromAgent(t *testing.T) {
	f := newSessionFixture(t)
	f.busy(t)

	err := f.s.ProcessMessage(context.Background(), &protocol.Shutdown{
		Header: f.hdr(), Reason: protocol.ReasonHostSignal, Signal: 15,
	})
	require.NoError(t, err)
	assert.Equal(t, StateShutdown, f.s.State())
	reason, signal := f.s.Shutdown()
	assert.Equal(t, protocol.ReasonHostSignal, reason)
	assert.Equal(t, 15, signal)
	assert.Nil(t, f.s.Job())
}

func TestSession_ShutdownIsTerminal(t *testing.T) {
	f := newSessionFixture(t)
	f.hello(t)
	require.NoError(t, f.s.ProcessMessage(context.Background(), &protocol.Shutdown{
		Header: f.hdr(), Reason: protocol.ReasonRequested, Signal: -1,
	}))

	err := f.s.ProcessMessage(context.Background(), &protocol.Pong{Header: f.hdr(), State: protocol.AgentStopped})
	assert.ErrorIs(t, err, ErrAgentDead)
	assert.ErrorIs(t, f.s.Ping(context.Background()), ErrAgentDead)
	assert.ErrorIs(t, f.s.SubmitJob(context.Background(), oneCommandJob()), ErrAgentDead)
	assert.ErrorIs(t, f.s.CancelJob(context.Background()), ErrAgentDead)
	assert.NoError(t, f.s.Terminate(context.Background()))
	assert.NoError(t, f.s.Disconnect(context.Background(), protocol.ReasonHostSignal, 9))

	reason, signal := f.s.Shutdown()
	assert.Equal(t, protocol.ReasonRequested, reason, "disconnect after shutdown changes nothing")
	assert.Equal(t, -1, signal)
	assert.Empty(t, f.tr.take())
}

func TestSession_DisconnectIsIrreversibleEvenIfSaveFails(t *testing.T) {
	f := newSessionFixture(t)
	f.busy(t)
	boom := errors.New("db gone")
	f.repo.setFail(boom)

	err := f.s.Disconnect(context.Background(), protocol.ReasonHostSignal, -1)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateShutdown, f.s.State())
	assert.Nil(t, f.s.Job())
	assert.Empty(t, f.tr.take(), "disconnect never sends")

	last := f.listener.changes[len(f.listener.changes)-1]
	assert.Equal(t, transition{ID: f.s.ID(), From: StateBusy, To: StateShutdown}, last)
}

func TestSession_PingRouting(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.s.Ping(context.Background()))
	sent := f.tr.take()
	require.Len(t, sent, 1)
	assert.Equal(t, f.s.ID(), sent[0].Msg.AgentUUID(), "keep-alive before hello is addressed by tracking id")
	assert.Equal(t, f.s.ID(), sent[0].Route.Agent)
	assert.Equal(t, StateWaitingForHello, f.s.State())

	f.hello(t)
	require.NoError(t, f.s.Ping(context.Background()))
	sent = f.tr.take()
	require.Len(t, sent, 1)
	assert.Equal(t, f.agent, sent[0].Msg.AgentUUID())
}

func TestSession_MarkExpiredPersistsWithNextTransition(t *testing.T) {
	f := newSessionFixture(t)
	f.hello(t)
	f.s.MarkExpired()
	require.NoError(t, f.s.Disconnect(context.Background(), protocol.ReasonHostSignal, -1))
	assert.True(t, f.repo.last().Expired)
}

// Hello, submit, update(stop), shutdown: the lifecycle of a well behaved agent.
func TestSession_EndToEnd(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	require.NoError(t, f.s.ProcessMessage(ctx, &protocol.Hello{Header: f.hdr(), Queue: "q1"}))
	assert.Equal(t, StateReady, f.s.State())
	assert.Equal(t, f.agent, f.s.UUID())
	assert.Equal(t, "q1", f.s.Queue())
	assert.Equal(t, []protocol.MessageType{protocol.TypeInit}, f.tr.types())

	job := oneCommandJob()
	require.NoError(t, f.s.SubmitJob(ctx, job))
	assert.Equal(t, StateBusy, f.s.State())
	assert.Equal(t, []protocol.MessageType{protocol.TypeSubmit}, f.tr.types())

	require.NoError(t, f.s.ProcessMessage(ctx, &protocol.Update{
		Header: f.hdr(), JobUUID: job.UUID, Action: protocol.ActionStop,
		Result: protocol.CommandResult{Status: protocol.StatusSuccess},
	}))
	assert.Equal(t, StateReady, f.s.State())
	assert.Len(t, f.listener.updates, 1)

	require.NoError(t, f.s.ProcessMessage(ctx, &protocol.Shutdown{
		Header: f.hdr(), Reason: protocol.ReasonRequested, Signal: -1,
	}))
	assert.Equal(t, StateShutdown, f.s.State())

	err := f.s.ProcessMessage(ctx, &protocol.Pong{Header: f.hdr(), State: protocol.AgentStopped})
	assert.ErrorIs(t, err, ErrAgentDead)

	assert.Equal(t, []transition{
		{f.s.ID(), StateWaitingForHello, StateReady},
		{f.s.ID(), StateReady, StateBusy},
		{f.s.ID(), StateBusy, StateReady},
		{f.s.ID(), StateReady, StateShutdown},
	}, f.listener.changes)
}

func TestState_Text(t *testing.T) {
	for _, s := range []State{StateWaitingForHello, StateReady, StateBusy, StateShutdown} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	_, err := ParseState("Zombie")
	assert.Error(t, err)
	assert.Equal(t, "State(9)", State(9).String())
}
