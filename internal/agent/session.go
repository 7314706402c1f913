// ABOUTME: Per-agent control protocol state machine
// ABOUTME: Transitions are sent, persisted and announced as one unit and rolled back on failure

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nimrod-master/internal/protocol"
)

// fields is the mutable part of a session. Keeping it in one value lets a
// failed transition restore the previous state with a single assignment.
type fields struct {
	state          State
	uuid           uuid.UUID
	queue          string
	lastHeardFrom  time.Time
	shutdownReason protocol.ShutdownReason
	shutdownSignal int
	connectionTime time.Time
	expiryTime     time.Time
	expired        bool
	job            *protocol.Job
}

// SessionOptions configures a new Session.
type SessionOptions struct {
	ID           uuid.UUID
	Secret       []byte
	CreationTime time.Time
	// ExpiryTime is the walltime deadline. Zero means none.
	ExpiryTime time.Time
	Transport  Transport
	Repository Repository
	Listener   Listener
	Now        func() time.Time
}

// Session is the master's view of one agent.
//
// A Session is not safe for concurrent use; the Manager serializes every
// call for a given agent.
type Session struct {
	id           uuid.UUID
	secret       []byte
	creationTime time.Time
	transport    Transport
	repo         Repository
	listener     Listener
	now          func() time.Time

	f fields
}

// NewSession creates a session in WaitingForHello.
func NewSession(opts SessionOptions) *Session {
	s := &Session{
		id:           opts.ID,
		secret:       append([]byte(nil), opts.Secret...),
		creationTime: opts.CreationTime,
		transport:    opts.Transport,
		repo:         opts.Repository,
		listener:     opts.Listener,
		now:          opts.Now,
		f: fields{
			state:      StateWaitingForHello,
			expiryTime: opts.ExpiryTime,
		},
	}
	if s.repo == nil {
		s.repo = nopRepository{}
	}
	if s.listener == nil {
		s.listener = NopListener{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.creationTime.IsZero() {
		s.creationTime = s.now()
	}
	return s
}

func (s *Session) ID() uuid.UUID             { return s.id }
func (s *Session) State() State              { return s.f.state }
func (s *Session) UUID() uuid.UUID           { return s.f.uuid }
func (s *Session) Queue() string             { return s.f.queue }
func (s *Session) LastHeardFrom() time.Time  { return s.f.lastHeardFrom }
func (s *Session) CreationTime() time.Time   { return s.creationTime }
func (s *Session) ConnectionTime() time.Time { return s.f.connectionTime }
func (s *Session) ExpiryTime() time.Time     { return s.f.expiryTime }
func (s *Session) Expired() bool             { return s.f.expired }
func (s *Session) Job() *protocol.Job        { return s.f.job }

// Secret returns the key the agent signs its messages with.
func (s *Session) Secret() []byte { return s.secret }

// Shutdown returns the reason and signal recorded when the session ended.
func (s *Session) Shutdown() (protocol.ShutdownReason, int) {
	return s.f.shutdownReason, s.f.shutdownSignal
}

// Record returns a snapshot of the session.
func (s *Session) Record() Record {
	rec := Record{
		ID:             s.id,
		UUID:           s.f.uuid,
		State:          s.f.state,
		Queue:          s.f.queue,
		LastHeardFrom:  s.f.lastHeardFrom,
		ShutdownReason: s.f.shutdownReason,
		ShutdownSignal: s.f.shutdownSignal,
		ConnectionTime: s.f.connectionTime,
		CreationTime:   s.creationTime,
		ExpiryTime:     s.f.expiryTime,
		Expired:        s.f.expired,
		UpdatedAt:      s.now(),
	}
	if s.f.job != nil {
		rec.JobUUID = s.f.job.UUID
	}
	return rec
}

// ProcessMessage applies an authenticated inbound message.
func (s *Session) ProcessMessage(ctx context.Context, msg protocol.Message) error {
	if s.f.state == StateShutdown {
		return ErrAgentDead
	}
	if s.f.uuid != uuid.Nil && msg.AgentUUID() != s.f.uuid {
		return fmt.Errorf("%w: message from %s, session is %s", ErrUUIDMismatch, msg.AgentUUID(), s.f.uuid)
	}
	now := s.now()

	switch m := msg.(type) {
	case *protocol.Hello:
		if s.f.state != StateWaitingForHello {
			return s.violation(msg)
		}
		if m.Agent == uuid.Nil || m.Queue == "" {
			return fmt.Errorf("%w: hello without uuid or queue", ErrProtocolViolation)
		}
		return s.apply(ctx, func(f *fields) {
			f.state = StateReady
			f.uuid = m.Agent
			f.queue = m.Queue
			f.lastHeardFrom = now
			f.connectionTime = now
		}, &protocol.Init{Header: protocol.NewHeader(m.Agent, now)})

	case *protocol.Pong:
		if s.f.state != StateReady && s.f.state != StateBusy {
			return s.violation(msg)
		}
		s.f.lastHeardFrom = now
		s.listener.OnPong(s, m)
		return nil

	case *protocol.Shutdown:
		if s.f.state != StateReady && s.f.state != StateBusy {
			return s.violation(msg)
		}
		return s.apply(ctx, func(f *fields) {
			f.state = StateShutdown
			f.shutdownReason = m.Reason
			f.shutdownSignal = m.Signal
			f.lastHeardFrom = now
			f.job = nil
		}, nil)

	case *protocol.Update:
		if s.f.state != StateBusy {
			return s.violation(msg)
		}
		if s.f.job == nil || m.JobUUID != s.f.job.UUID {
			return fmt.Errorf("%w: update for job %s, running %s", ErrProtocolViolation, m.JobUUID, s.currentJobUUID())
		}
		err := s.apply(ctx, func(f *fields) {
			f.lastHeardFrom = now
			if m.Action == protocol.ActionStop {
				f.state = StateReady
				f.job = nil
			}
		}, nil)
		if err != nil {
			return err
		}
		s.listener.OnJobUpdate(s, m)
		return nil
	}

	return s.violation(msg)
}

// SubmitJob hands job to a Ready agent.
func (s *Session) SubmitJob(ctx context.Context, job *protocol.Job) error {
	switch s.f.state {
	case StateShutdown:
		return ErrAgentDead
	case StateReady:
	default:
		return fmt.Errorf("%w: state %s", ErrNotReady, s.f.state)
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("submitting job: %w", err)
	}

	err := s.apply(ctx, func(f *fields) {
		f.state = StateBusy
		f.job = job
	}, &protocol.Submit{Header: protocol.NewHeader(s.f.uuid, s.now()), Job: job})
	if err != nil {
		return err
	}
	s.listener.OnJobSubmit(s, job)
	return nil
}

// CancelJob asks a Busy agent to abandon its job. The state does not change
// until the agent reports back.
func (s *Session) CancelJob(ctx context.Context) error {
	switch s.f.state {
	case StateShutdown:
		return ErrAgentDead
	case StateBusy:
	default:
		return fmt.Errorf("%w: state %s", ErrNotBusy, s.f.state)
	}
	return s.send(ctx, &protocol.LifeControl{
		Header:    protocol.NewHeader(s.f.uuid, s.now()),
		Operation: protocol.OperationCancel,
	})
}

// Terminate asks the agent to stop. An agent that never said hello is
// shut down immediately.
func (s *Session) Terminate(ctx context.Context) error {
	switch s.f.state {
	case StateShutdown:
		return nil
	case StateWaitingForHello:
		return s.apply(ctx, func(f *fields) {
			f.state = StateShutdown
			f.shutdownReason = protocol.ReasonRequested
			f.shutdownSignal = -1
		}, nil)
	}
	return s.send(ctx, &protocol.LifeControl{
		Header:    protocol.NewHeader(s.f.uuid, s.now()),
		Operation: protocol.OperationTerminate,
	})
}

// Disconnect forces the session into Shutdown without contacting the agent.
// The transition stands even when persisting it fails; the error is
// still returned.
func (s *Session) Disconnect(ctx context.Context, reason protocol.ShutdownReason, signal int) error {
	if s.f.state == StateShutdown {
		return nil
	}
	from := s.f.state
	s.f.state = StateShutdown
	s.f.shutdownReason = reason
	s.f.shutdownSignal = signal
	s.f.job = nil

	err := s.repo.Save(ctx, s.Record())
	s.listener.OnStateChange(s, from, StateShutdown)
	if err != nil {
		return fmt.Errorf("persisting disconnect: %w", err)
	}
	return nil
}

// Ping sends a heartbeat probe.
func (s *Session) Ping(ctx context.Context) error {
	if s.f.state == StateShutdown {
		return ErrAgentDead
	}
	agent := s.f.uuid
	if agent == uuid.Nil {
		agent = s.id
	}
	return s.send(ctx, &protocol.Ping{Header: protocol.NewHeader(agent, s.now())})
}

// MarkExpired flags the session as having outlived its termination
// retries. The flag is persisted with the next transition.
func (s *Session) MarkExpired() {
	s.f.expired = true
}

// apply mutates the session, sends msg if non-nil, and persists the result
// when the state changed. Any failure restores the previous fields.
func (s *Session) apply(ctx context.Context, mutate func(*fields), msg protocol.Message) error {
	before := s.f
	mutate(&s.f)

	if msg != nil {
		if err := s.send(ctx, msg); err != nil {
			s.f = before
			return err
		}
	}
	if s.f.state == before.state {
		return nil
	}
	if err := s.repo.Save(ctx, s.Record()); err != nil {
		s.f = before
		return fmt.Errorf("persisting %s -> %s: %w", before.state, s.f.state, err)
	}
	s.listener.OnStateChange(s, before.state, s.f.state)
	return nil
}

func (s *Session) send(ctx context.Context, msg protocol.Message) error {
	route := Route{ID: s.id, Agent: s.f.uuid, Queue: s.f.queue}
	if route.Agent == uuid.Nil {
		route.Agent = s.id
	}
	if err := s.transport.Send(ctx, route, msg); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Type(), err)
	}
	return nil
}

func (s *Session) violation(msg protocol.Message) error {
	return fmt.Errorf("%w: %s in state %s", ErrProtocolViolation, msg.Type(), s.f.state)
}

func (s *Session) currentJobUUID() uuid.UUID {
	if s.f.job == nil {
		return uuid.Nil
	}
	return s.f.job.UUID
}
