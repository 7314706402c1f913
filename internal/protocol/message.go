// ABOUTME: Control-plane message types exchanged between the master and agents
// ABOUTME: Each message kind is a concrete struct behind the sealed Message interface

package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the wire discriminator carried in the "type" field.
type MessageType string

const (
	TypeHello       MessageType = "agent.hello"
	TypeInit        MessageType = "agent.init"
	TypeQuery       MessageType = "agent.query"
	TypeSubmit      MessageType = "agent.submit"
	TypeShutdown    MessageType = "agent.shutdown"
	TypeUpdate      MessageType = "agent.update"
	TypePing        MessageType = "agent.ping"
	TypePong        MessageType = "agent.pong"
	TypeLifeControl MessageType = "agent.lifecontrol"
)

// Message is implemented by every control-plane message.
// The set of implementations is closed to this package.
type Message interface {
	Type() MessageType
	AgentUUID() uuid.UUID
	Timestamp() time.Time
	isMessage()
}

// Header holds the fields common to every message.
type Header struct {
	Agent uuid.UUID
	Time  time.Time
}

// NewHeader builds a Header stamped at now, truncated to the second.
func NewHeader(agent uuid.UUID, now time.Time) Header {
	return Header{Agent: agent, Time: now.UTC().Truncate(time.Second)}
}

func (h Header) AgentUUID() uuid.UUID { return h.Agent }
func (h Header) Timestamp() time.Time { return h.Time }
func (Header) isMessage()             {}

// Hello is the first message an agent sends, announcing its reply queue.
type Hello struct {
	Header
	Queue string
}

// Init acknowledges a Hello.
type Init struct{ Header }

// Query asks an agent to report its state.
type Query struct{ Header }

// Submit hands a job to an idle agent.
type Submit struct {
	Header
	Job *Job
}

// Shutdown is sent by an agent that is going away.
type Shutdown struct {
	Header
	Reason ShutdownReason
	Signal int
}

// Update reports progress of the running job.
type Update struct {
	Header
	JobUUID uuid.UUID
	Action  UpdateAction
	Result  CommandResult
}

// Ping is the master's heartbeat probe.
type Ping struct{ Header }

// Pong answers a Ping with the agent's self-reported state.
type Pong struct {
	Header
	State AgentState
}

// LifeControl asks an agent to cancel its job or terminate.
type LifeControl struct {
	Header
	Operation LifeControlOperation
}

func (*Hello) Type() MessageType       { return TypeHello }
func (*Init) Type() MessageType        { return TypeInit }
func (*Query) Type() MessageType       { return TypeQuery }
func (*Submit) Type() MessageType      { return TypeSubmit }
func (*Shutdown) Type() MessageType    { return TypeShutdown }
func (*Update) Type() MessageType      { return TypeUpdate }
func (*Ping) Type() MessageType        { return TypePing }
func (*Pong) Type() MessageType        { return TypePong }
func (*LifeControl) Type() MessageType { return TypeLifeControl }

// ShutdownReason says why an agent stopped.
type ShutdownReason string

const (
	ReasonHostSignal ShutdownReason = "hostsignal"
	ReasonRequested  ShutdownReason = "requested"
)

// ParseShutdownReason validates a wire value.
func ParseShutdownReason(s string) (ShutdownReason, error) {
	switch r := ShutdownReason(s); r {
	case ReasonHostSignal, ReasonRequested:
		return r, nil
	}
	return "", fmt.Errorf("%w: shutdown reason %q", ErrInvalidField, s)
}

// LifeControlOperation is the action requested by a LifeControl message.
type LifeControlOperation string

const (
	OperationCancel    LifeControlOperation = "cancel"
	OperationTerminate LifeControlOperation = "terminate"
)

// ParseLifeControlOperation validates a wire value.
func ParseLifeControlOperation(s string) (LifeControlOperation, error) {
	switch op := LifeControlOperation(s); op {
	case OperationCancel, OperationTerminate:
		return op, nil
	}
	return "", fmt.Errorf("%w: lifecontrol operation %q", ErrInvalidField, s)
}

// UpdateAction tells the master whether the job attempt is still running.
type UpdateAction string

const (
	ActionContinue UpdateAction = "continue"
	ActionStop     UpdateAction = "stop"
)

// ParseUpdateAction validates a wire value.
func ParseUpdateAction(s string) (UpdateAction, error) {
	switch a := UpdateAction(s); a {
	case ActionContinue, ActionStop:
		return a, nil
	}
	return "", fmt.Errorf("%w: update action %q", ErrInvalidField, s)
}

// AgentState is the agent's own view of its state, reported in Pong.
type AgentState string

const (
	AgentWaitingForInit AgentState = "WAITING_FOR_INIT"
	AgentIdle           AgentState = "IDLE"
	AgentInJob          AgentState = "IN_JOB"
	AgentStopped        AgentState = "STOPPED"
)

// ParseAgentState validates a wire value.
func ParseAgentState(s string) (AgentState, error) {
	switch st := AgentState(s); st {
	case AgentWaitingForInit, AgentIdle, AgentInJob, AgentStopped:
		return st, nil
	}
	return "", fmt.Errorf("%w: agent state %q", ErrInvalidField, s)
}
