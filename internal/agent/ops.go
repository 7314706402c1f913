// ABOUTME: heart.Operations implementation that acts on sessions through the Manager
// ABOUTME: Every operation takes the agent lock so it never races message processing

package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nimrod-master/internal/protocol"
)

type heartOps struct {
	m *Manager
}

func (o heartOps) run(id uuid.UUID, what string, fn func(ctx context.Context, s *Session) error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.m.cfg.OpTimeout)
	defer cancel()

	err := o.m.withSession(id, func(s *Session) error { return fn(ctx, s) })
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownAgent), errors.Is(err, ErrAgentDead):
		o.m.logger.Debug("heart skipped agent", "agent_id", id, "op", what, "error", err)
	default:
		o.m.logger.Warn("heart operation failed", "agent_id", id, "op", what, "error", err)
	}
}

func (o heartOps) PingAgent(id uuid.UUID) {
	o.run(id, "ping", func(ctx context.Context, s *Session) error { return s.Ping(ctx) })
}

func (o heartOps) TerminateAgent(id uuid.UUID) {
	o.run(id, "terminate", func(ctx context.Context, s *Session) error { return s.Terminate(ctx) })
}

func (o heartOps) ExpireAgent(id uuid.UUID) {
	o.run(id, "expire", func(_ context.Context, s *Session) error {
		s.MarkExpired()
		return nil
	})
}

func (o heartOps) DisconnectAgent(id uuid.UUID, reason protocol.ShutdownReason, signal int) {
	o.run(id, "disconnect", func(ctx context.Context, s *Session) error {
		return s.Disconnect(ctx, reason, signal)
	})
}

func (o heartOps) GetLastHeardFrom(id uuid.UUID) time.Time {
	var t time.Time
	_ = o.m.withSession(id, func(s *Session) error {
		t = s.LastHeardFrom()
		return nil
	})
	return t
}

func (o heartOps) GetWalltime(id uuid.UUID) time.Time {
	var t time.Time
	_ = o.m.withSession(id, func(s *Session) error {
		t = s.ExpiryTime()
		return nil
	})
	return t
}

func (o heartOps) Log(level slog.Level, msg string, args ...any) {
	o.m.logger.Log(context.Background(), level, msg, args...)
}
