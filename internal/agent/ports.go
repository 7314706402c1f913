// ABOUTME: Capability interfaces the session depends on: transport, persistence and listeners
// ABOUTME: Also defines Record, the immutable snapshot handed to the repository

package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nimrod-master/internal/protocol"
)

// Route addresses an outbound message.
type Route struct {
	// ID is the tracking id the agent was launched with.
	ID uuid.UUID
	// Agent is the identity reported in hello, or ID before that.
	Agent uuid.UUID
	Queue string
}

// Transport delivers messages to agents.
type Transport interface {
	Send(ctx context.Context, route Route, msg protocol.Message) error
}

// Dropper is implemented by transports that hold per-agent resources.
// Drop is called once a session has been reaped.
type Dropper interface {
	Drop(id uuid.UUID)
}

// Repository persists session snapshots. Save is called after every
// state change; a failing Save rolls the change back.
type Repository interface {
	Save(ctx context.Context, rec Record) error
}

// TransitionLog is implemented by repositories that keep state history.
type TransitionLog interface {
	AppendTransition(ctx context.Context, id uuid.UUID, from, to State, at time.Time) error
}

// Listener observes session events. Callbacks run with the agent locked
// and must not call back into the Manager for the same agent.
type Listener interface {
	OnStateChange(s *Session, from, to State)
	OnJobSubmit(s *Session, job *protocol.Job)
	OnJobUpdate(s *Session, u *protocol.Update)
	OnPong(s *Session, p *protocol.Pong)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) OnStateChange(*Session, State, State)  {}
func (NopListener) OnJobSubmit(*Session, *protocol.Job)    {}
func (NopListener) OnJobUpdate(*Session, *protocol.Update) {}
func (NopListener) OnPong(*Session, *protocol.Pong)        {}

type nopRepository struct{}

func (nopRepository) Save(context.Context, Record) error { return nil }

// Record is a point-in-time copy of a session.
type Record struct {
	ID             uuid.UUID               `json:"id"`
	UUID           uuid.UUID               `json:"uuid"`
	State          State                   `json:"state"`
	Queue          string                  `json:"queue,omitempty"`
	LastHeardFrom  time.Time               `json:"last_heard_from"`
	ShutdownReason protocol.ShutdownReason `json:"shutdown_reason,omitempty"`
	ShutdownSignal int                     `json:"shutdown_signal"`
	ConnectionTime time.Time               `json:"connection_time"`
	CreationTime   time.Time               `json:"creation_time"`
	ExpiryTime     time.Time               `json:"expiry_time"`
	Expired        bool                    `json:"expired"`
	JobUUID        uuid.UUID               `json:"job_uuid"`
	UpdatedAt      time.Time               `json:"updated_at"`
}
