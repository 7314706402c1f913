// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	agents      map[string]*AgentRecord  // keyed by tracking ID
	transitions map[string][]*Transition // keyed by agent ID
	config      map[string]string
	nextID      int64

	// SaveErr, when set, is returned by SaveAgent without storing anything.
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:      make(map[string]*AgentRecord),
		transitions: make(map[string][]*Transition),
		config:      make(map[string]string),
	}
}

// SetSaveError makes subsequent SaveAgent calls fail with err. Pass nil to clear.
func (m *MockStore) SetSaveError(err error) {
	m.mu.Lock()
	m.SaveErr = err
	m.mu.Unlock()
}

// SaveAgent stores a copy of rec.
func (m *MockStore) SaveAgent(ctx context.Context, rec *AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}

	r := *rec
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	m.agents[r.ID] = &r
	return nil
}

// GetAgent retrieves a copy of an agent record.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

// ListAgents returns copies of agent records ordered by creation time.
func (m *MockStore) ListAgents(ctx context.Context, limit int) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AgentRecord, 0, len(m.agents))
	for _, rec := range m.agents {
		r := *rec
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreationTime.Equal(out[j].CreationTime) {
			return out[i].CreationTime.Before(out[j].CreationTime)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteAgent removes an agent record and its transitions.
func (m *MockStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	delete(m.transitions, id)
	return nil
}

// AppendTransition records a state change.
func (m *MockStore) AppendTransition(ctx context.Context, t *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	t.ID = m.nextID
	c := *t
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.transitions[c.AgentID] = append(m.transitions[c.AgentID], &c)
	return nil
}

// ListTransitions returns copies of an agent's transitions, oldest first.
func (m *MockStore) ListTransitions(ctx context.Context, agentID string, limit int) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.transitions[agentID]
	if limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	out := make([]*Transition, 0, len(src))
	for _, t := range src {
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

// SetConfig stores a configuration override.
func (m *MockStore) SetConfig(ctx context.Context, key, value string) error {
	m.mu.Lock()
	m.config[key] = value
	m.mu.Unlock()
	return nil
}

// GetConfig returns a configuration override.
func (m *MockStore) GetConfig(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.config[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// ListConfig returns a copy of every configuration override.
func (m *MockStore) ListConfig(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.config))
	for k, v := range m.config {
		out[k] = v
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
