// ABOUTME: Agent session states and the errors returned by the session state machine
// ABOUTME: Protocol violations all wrap ErrProtocolViolation so callers can classify them

package agent

import (
	"errors"
	"fmt"
)

// State is the position of a session in the control protocol.
type State int

const (
	StateWaitingForHello State = iota
	StateReady
	StateBusy
	StateShutdown
)

var stateNames = [...]string{
	StateWaitingForHello: "WaitingForHello",
	StateReady:           "Ready",
	StateBusy:            "Busy",
	StateShutdown:        "Shutdown",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown agent state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

var (
	// ErrProtocolViolation is returned for a message or call that is illegal
	// in the session's current state.
	ErrProtocolViolation = errors.New("protocol violation")

	ErrUUIDMismatch = fmt.Errorf("%w: agent uuid mismatch", ErrProtocolViolation)
	ErrNotReady     = fmt.Errorf("%w: agent is not ready", ErrProtocolViolation)
	ErrNotBusy      = fmt.Errorf("%w: agent is not running a job", ErrProtocolViolation)

	// ErrAgentDead is returned by every operation on a session in Shutdown
	// that would otherwise act on it.
	ErrAgentDead = errors.New("agent is dead")

	ErrUnknownAgent = errors.New("unknown agent")
	ErrAgentExists  = errors.New("agent already exists")
	// ErrReplay wraps replay guard rejections.
	ErrReplay = errors.New("replayed or stale message")
)
