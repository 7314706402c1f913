// ABOUTME: Manages agent sessions: launch, authenticated ingress, admin actions and reaping
// ABOUTME: A per-agent mutex serializes message processing with heart operations on that agent

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nimrod-master/internal/auth"
	"github.com/2389/nimrod-master/internal/heart"
	"github.com/2389/nimrod-master/internal/metrics"
	"github.com/2389/nimrod-master/internal/protocol"
	"github.com/2389/nimrod-master/internal/replay"
)

// DefaultOpTimeout bounds each transport or store call made on behalf of the heart.
const DefaultOpTimeout = 10 * time.Second

// Config holds the manager's protocol settings.
type Config struct {
	// MasterSecret is the root every agent secret is derived from.
	MasterSecret []byte
	// AppID must appear in every inbound message.
	AppID string
	// Algorithm is the only algorithm accepted inbound. Defaults to SHA256.
	Algorithm auth.Algorithm
	// ReplayWindow is the freshness tolerance of the replay guards.
	ReplayWindow time.Duration
	// DefaultWalltime applies to launches that do not ask for one. Zero means none.
	DefaultWalltime time.Duration
	Heart           heart.Config
	OpTimeout       time.Duration
}

// ManagerOptions carries the manager's collaborators.
// Only Transport is required.
type ManagerOptions struct {
	Transport  Transport
	Repository Repository
	Ledgers    replay.Ledgers
	Metrics    *metrics.Collector
	Listener   Listener
	Logger     *slog.Logger
	Now        func() time.Time
}

type entry struct {
	mu      sync.Mutex
	session *Session
	guard   *replay.Guard
}

// Manager owns every agent session.
type Manager struct {
	cfg       Config
	entries   map[uuid.UUID]*entry
	mu        sync.RWMutex
	heart     *heart.Heart
	transport Transport
	repo      Repository
	ledgers   replay.Ledgers
	metrics   *metrics.Collector
	listener  Listener
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg Config, opts ManagerOptions) (*Manager, error) {
	if len(cfg.MasterSecret) == 0 {
		return nil, errors.New("master secret is required")
	}
	if cfg.AppID == "" {
		return nil, errors.New("app id is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if err := cfg.Heart.Validate(); err != nil {
		return nil, fmt.Errorf("heart config: %w", err)
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = auth.AlgorithmSHA256
	}
	if !cfg.Algorithm.Valid() {
		return nil, fmt.Errorf("unsupported algorithm %q", cfg.Algorithm)
	}

	m := &Manager{
		cfg:       cfg,
		entries:   make(map[uuid.UUID]*entry),
		transport: opts.Transport,
		repo:      opts.Repository,
		ledgers:   opts.Ledgers,
		metrics:   opts.Metrics,
		listener:  opts.Listener,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if m.repo == nil {
		m.repo = nopRepository{}
	}
	if m.ledgers == nil {
		m.ledgers = replay.MemoryLedgers{}
	}
	if m.listener == nil {
		m.listener = NopListener{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "agents")
	if m.now == nil {
		m.now = time.Now
	}
	m.heart = heart.New(heartOps{m}, cfg.Heart)
	return m, nil
}

// Heart returns the liveness manager driving this manager's agents.
func (m *Manager) Heart() *heart.Heart {
	return m.heart
}

// LaunchRequest describes an agent about to be started.
type LaunchRequest struct {
	// ID is the tracking id. A random one is assigned when zero.
	ID uuid.UUID
	// Walltime overrides the default walltime when positive.
	Walltime time.Duration
}

// Launched is what the launcher needs to start an agent.
type Launched struct {
	Record    Record `json:"agent"`
	AccessKey string `json:"access_key"`
	Secret    string `json:"secret"`
}

// Launch registers a new session in WaitingForHello.
func (m *Manager) Launch(ctx context.Context, req LaunchRequest) (*Launched, error) {
	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	if m.Exists(id) {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, id)
	}

	secret, err := auth.DeriveAgentSecret(m.cfg.MasterSecret, id)
	if err != nil {
		return nil, err
	}

	now := m.now()
	walltime := req.Walltime
	if walltime <= 0 {
		walltime = m.cfg.DefaultWalltime
	}
	var expiry time.Time
	if walltime > 0 {
		expiry = now.Add(walltime)
	}

	session := NewSession(SessionOptions{
		ID:           id,
		Secret:       []byte(secret),
		CreationTime: now,
		ExpiryTime:   expiry,
		Transport:    m.transport,
		Repository:   m.repo,
		Listener:     managerListener{m},
		Now:          m.now,
	})
	if err := m.repo.Save(ctx, session.Record()); err != nil {
		return nil, fmt.Errorf("persisting new agent: %w", err)
	}

	guard := replay.NewGuard(m.cfg.ReplayWindow, m.ledgers.Ledger(id))
	guard.Tick(now)
	guard.SetPing(m.heart.Latency())

	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, id)
	}
	m.entries[id] = &entry{session: session, guard: guard}
	total := len(m.entries)
	m.mu.Unlock()

	m.heart.OnAgentCreate(id, now)
	m.metrics.SetTrackedAgents(total)
	m.logger.Info("=== AGENT LAUNCHED ===",
		"agent_id", id,
		"expiry", expiry,
		"total_agents", total,
	)

	return &Launched{
		Record:    session.Record(),
		AccessKey: auth.AccessKeyFor(id),
		Secret:    secret,
	}, nil
}

func (m *Manager) entry(id uuid.UUID) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// withSession runs fn with the agent's session locked.
func (m *Manager) withSession(id uuid.UUID, fn func(s *Session) error) error {
	e, ok := m.entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.session)
}

// Exists reports whether id is in the table.
func (m *Manager) Exists(id uuid.UUID) bool {
	_, ok := m.entry(id)
	return ok
}

// Deliver authenticates an inbound envelope received on the connection of
// agent conn and hands the message to that agent's session.
func (m *Manager) Deliver(ctx context.Context, conn uuid.UUID, env *auth.Envelope) error {
	hdr, err := auth.ExtractAuthHeader(env)
	if err != nil {
		return m.reject(conn, "malformed_header", err)
	}
	if err := auth.CheckAlgorithm(hdr, m.cfg.Algorithm); err != nil {
		return m.reject(conn, "algorithm_mismatch", err)
	}
	id, err := auth.ParseAccessKey(hdr.AccessKey())
	if err != nil {
		return m.reject(conn, "invalid_access_key", err)
	}
	if id != conn {
		return m.reject(conn, "invalid_access_key",
			fmt.Errorf("%w: key for %s on connection of %s", auth.ErrInvalidAccessKey, id, conn))
	}
	e, ok := m.entry(id)
	if !ok {
		return m.reject(conn, "unknown_agent", fmt.Errorf("%w: %s", ErrUnknownAgent, id))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	msg, err := protocol.Decode(env.Body)
	if err != nil {
		return m.reject(id, "malformed_body", err)
	}
	if err := auth.ValidateMessage(hdr, env, msg.Timestamp(), m.cfg.AppID, e.session.Secret()); err != nil {
		return m.reject(id, authReason(err), err)
	}
	if err := e.guard.Accept(ctx, m.now(), hdr.Nonce(), hdr.Timestamp()); err != nil {
		return m.reject(id, "replay", fmt.Errorf("%w: %w", ErrReplay, err))
	}

	if err := e.session.ProcessMessage(ctx, msg); err != nil {
		m.metrics.MessageReceived(string(msg.Type()), resultLabel(err))
		m.logger.Warn("dropped agent message",
			"agent_id", id,
			"type", msg.Type(),
			"state", e.session.State(),
			"error", err,
		)
		return err
	}
	m.metrics.MessageReceived(string(msg.Type()), "ok")
	return nil
}

func (m *Manager) reject(id uuid.UUID, reason string, err error) error {
	m.metrics.AuthRejected(reason)
	m.logger.Warn("rejected agent message", "agent_id", id, "reason", reason, "error", err)
	return err
}

func authReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrTimestampMismatch):
		return "timestamp_mismatch"
	case errors.Is(err, auth.ErrAppIDMismatch):
		return "app_id_mismatch"
	case errors.Is(err, auth.ErrMissingField):
		return "missing_field"
	case errors.Is(err, auth.ErrInvalidSignature):
		return "bad_signature"
	}
	return "invalid"
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrAgentDead):
		return "agent_dead"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	}
	return "error"
}

// SubmitJob submits job to a Ready agent.
func (m *Manager) SubmitJob(ctx context.Context, id uuid.UUID, job *protocol.Job) error {
	return m.withSession(id, func(s *Session) error { return s.SubmitJob(ctx, job) })
}

// CancelJob asks a Busy agent to cancel its job.
func (m *Manager) CancelJob(ctx context.Context, id uuid.UUID) error {
	return m.withSession(id, func(s *Session) error { return s.CancelJob(ctx) })
}

// Terminate asks an agent to stop.
func (m *Manager) Terminate(ctx context.Context, id uuid.UUID) error {
	return m.withSession(id, func(s *Session) error { return s.Terminate(ctx) })
}

// Ping sends a heartbeat probe outside the heart's schedule.
func (m *Manager) Ping(ctx context.Context, id uuid.UUID) error {
	return m.withSession(id, func(s *Session) error { return s.Ping(ctx) })
}

// Disconnect forces an agent into Shutdown.
func (m *Manager) Disconnect(ctx context.Context, id uuid.UUID, reason protocol.ShutdownReason, signal int) error {
	return m.withSession(id, func(s *Session) error { return s.Disconnect(ctx, reason, signal) })
}

// ConnectionLost is called by the transport when an agent's connection drops.
func (m *Manager) ConnectionLost(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
	defer cancel()
	err := m.Disconnect(ctx, id, protocol.ReasonHostSignal, -1)
	if err != nil && !errors.Is(err, ErrUnknownAgent) {
		m.logger.Error("failed to record lost connection", "agent_id", id, "error", err)
	}
}

// Get returns a snapshot of one agent.
func (m *Manager) Get(id uuid.UUID) (Record, error) {
	var rec Record
	err := m.withSession(id, func(s *Session) error {
		rec = s.Record()
		return nil
	})
	return rec, err
}

// List returns snapshots of every agent, oldest first.
func (m *Manager) List() []Record {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	recs := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		recs = append(recs, e.session.Record())
		e.mu.Unlock()
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreationTime.Equal(recs[j].CreationTime) {
			return recs[i].CreationTime.Before(recs[j].CreationTime)
		}
		return recs[i].ID.String() < recs[j].ID.String()
	})
	return recs
}

// OnConfigChange applies a live configuration value.
func (m *Manager) OnConfigChange(key, value string) error {
	old, err := m.heart.Config().Value(key)
	if err != nil {
		return err
	}
	return m.heart.OnConfigChange(key, old, value)
}

// TickResult summarizes one Tick.
type TickResult struct {
	Reaped  []uuid.UUID
	Actions map[uuid.UUID]heart.Action
}

// Tick reaps sessions that reached Shutdown, then runs the heart and
// advances every replay guard.
func (m *Manager) Tick(ctx context.Context, now time.Time) TickResult {
	res := TickResult{Reaped: m.reap(ctx)}

	res.Actions = m.heart.Tick(now)
	for _, a := range res.Actions {
		m.metrics.HeartAction(a.String())
	}

	latency := m.heart.Latency()
	m.mu.RLock()
	for _, e := range m.entries {
		e.guard.Tick(now)
		e.guard.SetPing(latency)
	}
	total := len(m.entries)
	m.mu.RUnlock()

	m.metrics.SetTrackedAgents(total)
	return res
}

func (m *Manager) reap(ctx context.Context) []uuid.UUID {
	m.mu.RLock()
	candidates := make(map[uuid.UUID]*entry, len(m.entries))
	for id, e := range m.entries {
		candidates[id] = e
	}
	m.mu.RUnlock()

	type corpse struct {
		id      uuid.UUID
		reason  protocol.ShutdownReason
		signal  int
		expired bool
	}
	var corpses []corpse
	for id, e := range candidates {
		e.mu.Lock()
		if e.session.State() == StateShutdown {
			reason, signal := e.session.Shutdown()
			corpses = append(corpses, corpse{id: id, reason: reason, signal: signal, expired: e.session.Expired()})
		}
		e.mu.Unlock()
	}
	sort.Slice(corpses, func(i, j int) bool { return corpses[i].id.String() < corpses[j].id.String() })

	dead := make([]uuid.UUID, 0, len(corpses))
	for _, c := range corpses {
		e := candidates[c.id]
		m.mu.Lock()
		delete(m.entries, c.id)
		total := len(m.entries)
		m.mu.Unlock()

		m.heart.OnAgentDisconnect(c.id)
		if err := e.guard.Release(ctx); err != nil {
			m.logger.Warn("failed to release nonce ledger", "agent_id", c.id, "error", err)
		}
		if d, ok := m.transport.(Dropper); ok {
			d.Drop(c.id)
		}

		m.logger.Info("=== AGENT REAPED ===",
			"agent_id", c.id,
			"reason", c.reason,
			"signal", c.signal,
			"expired", c.expired,
			"total_agents", total,
		)
		dead = append(dead, c.id)
	}
	return dead
}
