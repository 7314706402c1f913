// ABOUTME: Listener the Manager installs on every session
// ABOUTME: Feeds metrics, the transition log and heart pong tracking, then forwards to the user listener

package agent

import (
	"context"

	"github.com/2389/nimrod-master/internal/protocol"
)

type managerListener struct {
	m *Manager
}

func (l managerListener) OnStateChange(s *Session, from, to State) {
	m := l.m
	m.metrics.StateTransition(from.String(), to.String())
	m.logger.Info("agent state changed",
		"agent_id", s.ID(),
		"uuid", s.UUID(),
		"from", from,
		"to", to,
	)

	if tl, ok := m.repo.(TransitionLog); ok {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
		defer cancel()
		if err := tl.AppendTransition(ctx, s.ID(), from, to, m.now()); err != nil {
			m.logger.Warn("failed to record transition", "agent_id", s.ID(), "error", err)
		}
	}
	m.listener.OnStateChange(s, from, to)
}

func (l managerListener) OnJobSubmit(s *Session, job *protocol.Job) {
	l.m.logger.Info("job submitted",
		"agent_id", s.ID(),
		"job_uuid", job.UUID,
		"index", job.Index,
		"commands", len(job.Commands),
	)
	l.m.listener.OnJobSubmit(s, job)
}

func (l managerListener) OnJobUpdate(s *Session, u *protocol.Update) {
	l.m.logger.Info("job update",
		"agent_id", s.ID(),
		"job_uuid", u.JobUUID,
		"action", u.Action,
		"status", u.Result.Status,
		"command", u.Result.Index,
		"retval", u.Result.RetVal,
	)
	l.m.listener.OnJobUpdate(s, u)
}

func (l managerListener) OnPong(s *Session, p *protocol.Pong) {
	if rtt := l.m.heart.OnAgentPong(s.ID(), l.m.now()); rtt > 0 {
		l.m.metrics.ObservePongRTT(rtt)
	}
	l.m.logger.Debug("pong", "agent_id", s.ID(), "agent_state", p.State)
	l.m.listener.OnPong(s, p)
}
