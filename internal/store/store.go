// ABOUTME: Store interface and data types for nimrod-master persistence
// ABOUTME: Defines agent records, the transition log and configuration overrides

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentRecord is the persisted state of one agent session.
// Zero times are stored as NULL.
type AgentRecord struct {
	ID             string // tracking UUID assigned at launch
	UUID           string // identity reported in hello, empty before
	State          string
	Queue          string
	LastHeardFrom  time.Time
	ShutdownReason string
	ShutdownSignal int
	ConnectionTime time.Time
	CreationTime   time.Time
	ExpiryTime     time.Time
	Expired        bool
	JobUUID        string
	UpdatedAt      time.Time
}

// Transition is one entry in an agent's state change history.
type Transition struct {
	ID        int64
	AgentID   string
	FromState string
	ToState   string
	CreatedAt time.Time
}

// Store defines the persistence operations used by the master.
type Store interface {
	// SaveAgent inserts or replaces an agent record.
	SaveAgent(ctx context.Context, rec *AgentRecord) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	// ListAgents returns records ordered by creation time, oldest first.
	// A limit of zero or less returns every record.
	ListAgents(ctx context.Context, limit int) ([]*AgentRecord, error)
	DeleteAgent(ctx context.Context, id string) error

	AppendTransition(ctx context.Context, t *Transition) error
	// ListTransitions returns an agent's transitions oldest first.
	ListTransitions(ctx context.Context, agentID string, limit int) ([]*Transition, error)

	// SetConfig stores a configuration override.
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)
	ListConfig(ctx context.Context) (map[string]string, error)

	Close() error
}
