// ABOUTME: Outbox signs master-originated messages and queues them on the hub
// ABOUTME: Implements the agent transport; each message is signed with the target agent's secret

package bus

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/nimrod-master/internal/agent"
	"github.com/2389/nimrod-master/internal/auth"
	"github.com/2389/nimrod-master/internal/metrics"
	"github.com/2389/nimrod-master/internal/protocol"
)

// FrameSender is the part of the Hub the Outbox writes to.
type FrameSender interface {
	Send(id uuid.UUID, frame []byte) error
	Drop(id uuid.UUID)
}

// OutboxConfig holds the signing parameters for outbound messages.
type OutboxConfig struct {
	MasterSecret []byte
	AppID        string
	Algorithm    auth.Algorithm
}

// Outbox is the master's agent.Transport.
type Outbox struct {
	sender  FrameSender
	cfg     OutboxConfig
	metrics *metrics.Collector
}

var (
	_ agent.Transport = (*Outbox)(nil)
	_ agent.Dropper   = (*Outbox)(nil)
)

// NewOutbox creates an outbox writing to sender.
func NewOutbox(sender FrameSender, cfg OutboxConfig, m *metrics.Collector) (*Outbox, error) {
	if sender == nil {
		return nil, fmt.Errorf("outbox: sender is required")
	}
	if len(cfg.MasterSecret) == 0 {
		return nil, fmt.Errorf("outbox: master secret is required")
	}
	if cfg.AppID == "" {
		return nil, fmt.Errorf("outbox: app id is required")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = auth.AlgorithmSHA256
	}
	if !cfg.Algorithm.Valid() {
		return nil, fmt.Errorf("outbox: unsupported algorithm %q", cfg.Algorithm)
	}
	return &Outbox{sender: sender, cfg: cfg, metrics: m}, nil
}

// Send signs msg for the agent on route and queues it.
func (o *Outbox) Send(ctx context.Context, route agent.Route, msg protocol.Message) error {
	err := o.send(ctx, route, msg)
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.metrics.MessageSent(string(msg.Type()), result)
	return err
}

func (o *Outbox) send(ctx context.Context, route agent.Route, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	secret, err := auth.DeriveAgentSecret(o.cfg.MasterSecret, route.ID)
	if err != nil {
		return err
	}
	signer := Signer{
		Agent:     route.ID,
		Secret:    []byte(secret),
		AppID:     o.cfg.AppID,
		Algorithm: o.cfg.Algorithm,
	}
	env, err := signer.Seal(msg)
	if err != nil {
		return err
	}
	frame, err := MarshalFrame(env)
	if err != nil {
		return err
	}
	return o.sender.Send(route.ID, frame)
}

// Drop closes the connection of a reaped agent.
func (o *Outbox) Drop(id uuid.UUID) {
	o.sender.Drop(id)
}
