// ABOUTME: Job payload carried by agent.submit and the command sum type it contains
// ABOUTME: Commands are a closed set; consumers switch over them exhaustively

package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrEmptyJob is returned when a job has no commands.
var ErrEmptyJob = errors.New("job has no commands")

// Job is one attempt of a sweep point to execute on an agent.
type Job struct {
	UUID        uuid.UUID
	Index       int64
	TxURI       string
	Environment map[string]string
	Commands    []Command
}

// Validate checks that a job is well formed enough to be submitted.
func (j *Job) Validate() error {
	if j == nil {
		return fmt.Errorf("%w: nil job", ErrInvalidField)
	}
	if j.UUID == uuid.Nil {
		return fmt.Errorf("%w: job uuid", ErrMissingField)
	}
	if len(j.Commands) == 0 {
		return ErrEmptyJob
	}
	for i, cmd := range j.Commands {
		if err := validateCommand(cmd); err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
	}
	return nil
}

// CommandType is the wire discriminator of a command.
type CommandType string

const (
	CommandOnError  CommandType = "onerror"
	CommandRedirect CommandType = "redirect"
	CommandCopy     CommandType = "copy"
	CommandExec     CommandType = "exec"
)

// Command is one step of a job. Implementations: *OnErrorCommand,
// *RedirectCommand, *CopyCommand, *ExecCommand.
type Command interface {
	CommandType() CommandType
	isCommand()
}

// ErrorPolicy decides what the agent does when a later command fails.
type ErrorPolicy string

const (
	PolicyFail   ErrorPolicy = "fail"
	PolicyIgnore ErrorPolicy = "ignore"
)

// Stream names an output stream of an exec command.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// CopyContext says which side of a copy a path lives on.
type CopyContext string

const (
	ContextRoot CopyContext = "root"
	ContextNode CopyContext = "node"
)

// OnErrorCommand sets the error policy for the following commands.
type OnErrorCommand struct {
	Action ErrorPolicy
}

// RedirectCommand redirects a stream of subsequent exec commands to a file.
type RedirectCommand struct {
	Stream Stream
	Append bool
	File   string
}

// CopyCommand copies a file between the root (transfer URI) and the node.
type CopyCommand struct {
	SourceContext CopyContext
	SourcePath    string
	DestContext   CopyContext
	DestPath      string
}

// ExecCommand runs a program.
type ExecCommand struct {
	Program    string
	Arguments  []string
	SearchPath bool
}

func (*OnErrorCommand) CommandType() CommandType  { return CommandOnError }
func (*RedirectCommand) CommandType() CommandType { return CommandRedirect }
func (*CopyCommand) CommandType() CommandType     { return CommandCopy }
func (*ExecCommand) CommandType() CommandType     { return CommandExec }

func (*OnErrorCommand) isCommand()  {}
func (*RedirectCommand) isCommand() {}
func (*CopyCommand) isCommand()     {}
func (*ExecCommand) isCommand()     {}

func validateCommand(cmd Command) error {
	switch c := cmd.(type) {
	case *OnErrorCommand:
		if c.Action != PolicyFail && c.Action != PolicyIgnore {
			return fmt.Errorf("%w: onerror action %q", ErrInvalidField, c.Action)
		}
	case *RedirectCommand:
		if c.Stream != StreamStdout && c.Stream != StreamStderr {
			return fmt.Errorf("%w: redirect stream %q", ErrInvalidField, c.Stream)
		}
		if c.File == "" {
			return fmt.Errorf("%w: redirect file", ErrMissingField)
		}
	case *CopyCommand:
		if !validContext(c.SourceContext) || !validContext(c.DestContext) {
			return fmt.Errorf("%w: copy context", ErrInvalidField)
		}
		if c.SourcePath == "" || c.DestPath == "" {
			return fmt.Errorf("%w: copy path", ErrMissingField)
		}
	case *ExecCommand:
		if c.Program == "" {
			return fmt.Errorf("%w: exec program", ErrMissingField)
		}
	case nil:
		return fmt.Errorf("%w: nil command", ErrInvalidField)
	default:
		return fmt.Errorf("%w: command type %T", ErrInvalidField, cmd)
	}
	return nil
}

func validContext(c CopyContext) bool {
	return c == ContextRoot || c == ContextNode
}

// CommandStatus is the outcome of a single command.
type CommandStatus string

const (
	StatusPreconditionFailure CommandStatus = "precondition_failure"
	StatusException           CommandStatus = "exception"
	StatusSuccess             CommandStatus = "success"
	StatusSystemError         CommandStatus = "system_error"
	StatusAborted             CommandStatus = "aborted"
	StatusFailed              CommandStatus = "failed"
)

// ParseCommandStatus validates a wire value.
func ParseCommandStatus(s string) (CommandStatus, error) {
	switch st := CommandStatus(s); st {
	case StatusPreconditionFailure, StatusException, StatusSuccess,
		StatusSystemError, StatusAborted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: command status %q", ErrInvalidField, s)
}

// CommandResult is the agent's report on the command at Index.
type CommandResult struct {
	Status    CommandStatus
	Index     int64
	Time      float64 // seconds
	RetVal    int
	Message   string
	ErrorCode int
}
