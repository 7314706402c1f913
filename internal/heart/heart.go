// ABOUTME: Liveness manager deciding when to ping, terminate and expire agents
// ABOUTME: All effects go through the Operations port; the heart never acts while holding its lock

package heart

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nimrod-master/internal/protocol"
)

// Operations carries out the heart's decisions and answers its questions.
// Implementations serialize these calls with message processing per agent.
type Operations interface {
	PingAgent(id uuid.UUID)
	TerminateAgent(id uuid.UUID)
	ExpireAgent(id uuid.UUID)
	DisconnectAgent(id uuid.UUID, reason protocol.ShutdownReason, signal int)
	// GetLastHeardFrom returns when the agent was last heard from, zero if never.
	GetLastHeardFrom(id uuid.UUID) time.Time
	// GetWalltime returns the agent's deadline, zero if it has none.
	GetWalltime(id uuid.UUID) time.Time
	Log(level slog.Level, msg string, args ...any)
}

// Action is a decision taken for one agent during a tick.
type Action int

const (
	ActionNone Action = iota
	ActionPing
	ActionTerminate
	ActionExpire
)

func (a Action) String() string {
	switch a {
	case ActionPing:
		return "ping"
	case ActionTerminate:
		return "terminate"
	case ActionExpire:
		return "expire"
	}
	return "none"
}

// record is the heartbeat bookkeeping for one agent.
type record struct {
	created          time.Time
	lastPingSent     time.Time
	pingOutstanding  bool
	lastPong         time.Time
	terminateSentAt  time.Time
	terminateRetries int
	expired          bool
}

// Status is a read-only view of an agent's heartbeat record.
type Status struct {
	Created          time.Time
	LastPingSent     time.Time
	PingOutstanding  bool
	LastPong         time.Time
	TerminateSentAt  time.Time
	TerminateRetries int
	Expired          bool
}

// Heart tracks the liveness of every agent.
type Heart struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*record
	ops      Operations
	settings *Settings
	latency  *LatencyAverage
}

// New creates a heart acting through ops with the initial configuration cfg.
func New(ops Operations, cfg Config) *Heart {
	return &Heart{
		records:  make(map[uuid.UUID]*record),
		ops:      ops,
		settings: NewSettings(cfg),
		latency:  NewLatencyAverage(DefaultLatencyWindow),
	}
}

// Config returns the current configuration snapshot.
func (h *Heart) Config() Config {
	return h.settings.Current()
}

// Latency returns the average observed ping round trip.
func (h *Heart) Latency() time.Duration {
	return h.latency.Average()
}

// OnAgentCreate starts tracking an agent.
func (h *Heart) OnAgentCreate(id uuid.UUID, creationTime time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.records[id]; ok {
		return
	}
	h.records[id] = &record{created: creationTime}
}

// OnAgentDisconnect stops tracking an agent.
func (h *Heart) OnAgentDisconnect(id uuid.UUID) {
	h.mu.Lock()
	delete(h.records, id)
	h.mu.Unlock()
}

// OnAgentPong records a pong received at now. The round trip of an
// outstanding ping feeds the latency average. It returns the measured
// round trip, or zero when no ping was outstanding.
func (h *Heart) OnAgentPong(id uuid.UUID, now time.Time) time.Duration {
	h.mu.Lock()
	rec, ok := h.records[id]
	if !ok {
		h.mu.Unlock()
		return 0
	}
	rec.lastPong = now
	var rtt time.Duration
	if rec.pingOutstanding {
		rtt = now.Sub(rec.lastPingSent)
		rec.pingOutstanding = false
	}
	h.mu.Unlock()

	if rtt > 0 {
		h.latency.Add(rtt)
	}
	return rtt
}

// OnConfigChange applies a live configuration change.
func (h *Heart) OnConfigChange(key, oldValue, newValue string) error {
	cfg, err := h.settings.OnConfigChange(key, oldValue, newValue)
	if err != nil {
		h.ops.Log(slog.LevelWarn, "rejected heart config change", "key", key, "value", newValue, "error", err)
		return err
	}
	h.ops.Log(slog.LevelInfo, "heart config changed", "key", key, "old", oldValue, "new", newValue,
		"interval", cfg.Interval, "missed_threshold", cfg.MissedThreshold,
		"expiry_retry_interval", cfg.ExpiryRetryInterval, "expiry_retry_count", cfg.ExpiryRetryCount)
	return nil
}

// Status returns the heartbeat record of an agent.
func (h *Heart) Status(id uuid.UUID) (Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[id]
	if !ok {
		return Status{}, false
	}
	return Status{
		Created:          rec.created,
		LastPingSent:     rec.lastPingSent,
		PingOutstanding:  rec.pingOutstanding,
		LastPong:         rec.lastPong,
		TerminateSentAt:  rec.terminateSentAt,
		TerminateRetries: rec.terminateRetries,
		Expired:          rec.expired,
	}, true
}

// Tracked returns the IDs of every tracked agent in a stable order.
func (h *Heart) Tracked() []uuid.UUID {
	h.mu.Lock()
	ids := make([]uuid.UUID, 0, len(h.records))
	for id := range h.records {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Tick runs one liveness pass with the current configuration.
func (h *Heart) Tick(now time.Time) map[uuid.UUID]Action {
	return h.TickWith(now, h.settings.Current())
}

// TickWith runs one liveness pass with an explicit configuration snapshot
// and returns the action taken for each agent that needed one.
func (h *Heart) TickWith(now time.Time, cfg Config) map[uuid.UUID]Action {
	actions := make(map[uuid.UUID]Action)
	for _, id := range h.Tracked() {
		lastHeard := h.ops.GetLastHeardFrom(id)
		walltime := h.ops.GetWalltime(id)

		action, why := h.decide(id, now, cfg, lastHeard, walltime)
		switch action {
		case ActionPing:
			h.ops.PingAgent(id)
		case ActionTerminate:
			h.ops.Log(slog.LevelInfo, "terminating agent", "agent_id", id, "reason", why)
			h.ops.TerminateAgent(id)
		case ActionExpire:
			h.ops.Log(slog.LevelWarn, "agent ignored terminate requests, expiring", "agent_id", id)
			h.ops.ExpireAgent(id)
			h.ops.DisconnectAgent(id, protocol.ReasonHostSignal, -1)
		default:
			continue
		}
		actions[id] = action
	}
	return actions
}

// decide updates the record of id under the lock and returns what to do.
func (h *Heart) decide(id uuid.UUID, now time.Time, cfg Config, lastHeard, walltime time.Time) (Action, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[id]
	if !ok || rec.expired {
		return ActionNone, ""
	}
	if lastHeard.IsZero() || lastHeard.Before(rec.created) {
		lastHeard = rec.created
	}

	if !rec.terminateSentAt.IsZero() {
		if now.Sub(rec.terminateSentAt) < cfg.ExpiryRetryInterval {
			return ActionNone, ""
		}
		if rec.terminateRetries < cfg.ExpiryRetryCount {
			rec.terminateRetries++
			rec.terminateSentAt = now
			return ActionTerminate, "retry"
		}
		rec.expired = true
		return ActionExpire, ""
	}

	if !walltime.IsZero() && !now.Before(walltime) {
		rec.terminateSentAt = now
		return ActionTerminate, "walltime"
	}
	if cfg.Interval <= 0 {
		return ActionNone, ""
	}
	if missed := int64(now.Sub(lastHeard) / cfg.Interval); missed > int64(cfg.MissedThreshold) {
		rec.terminateSentAt = now
		return ActionTerminate, "missed heartbeats"
	}

	since := lastHeard
	if rec.lastPingSent.After(since) {
		since = rec.lastPingSent
	}
	if now.Sub(since) >= cfg.Interval {
		rec.lastPingSent = now
		rec.pingOutstanding = true
		return ActionPing, ""
	}
	return ActionNone, ""
}
