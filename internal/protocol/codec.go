// ABOUTME: JSON encoding of control-plane messages and their job payloads
// ABOUTME: Decode validates every enum and required field before returning a typed Message

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Decoding errors.
var (
	ErrMalformed    = errors.New("malformed message")
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing field")
	ErrInvalidField = errors.New("invalid field")
)

// ContentType is the MIME type of encoded messages.
const ContentType = "application/json"

type wireMessage struct {
	UUID      string      `json:"uuid"`
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`

	Queue         string      `json:"queue,omitempty"`
	Operation     string      `json:"operation,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	Signal        *int        `json:"signal,omitempty"`
	Job           *wireJob    `json:"job,omitempty"`
	JobUUID       string      `json:"job_uuid,omitempty"`
	Action        string      `json:"action,omitempty"`
	CommandResult *wireResult `json:"command_result,omitempty"`
	State         string      `json:"state,omitempty"`
}

type wireJob struct {
	UUID        string            `json:"uuid"`
	Index       int64             `json:"index"`
	TxURI       string            `json:"txuri"`
	Environment map[string]string `json:"environment"`
	Commands    []wireCommand     `json:"commands"`
}

type wireCommand struct {
	Type CommandType `json:"type"`

	Action string `json:"action,omitempty"`

	Stream string `json:"stream,omitempty"`
	Append bool   `json:"append,omitempty"`
	File   string `json:"file,omitempty"`

	SourceContext string `json:"source_context,omitempty"`
	SourcePath    string `json:"source_path,omitempty"`
	DestContext   string `json:"destination_context,omitempty"`
	DestPath      string `json:"destination_path,omitempty"`

	Program    string   `json:"program,omitempty"`
	Arguments  []string `json:"arguments,omitempty"`
	SearchPath bool     `json:"search_path,omitempty"`
}

type wireResult struct {
	Status    string  `json:"status"`
	Index     int64   `json:"index"`
	Time      float64 `json:"time"`
	RetVal    int     `json:"retval"`
	Message   string  `json:"message"`
	ErrorCode int     `json:"error_code"`
}

// Encode serializes a message to its JSON wire form.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	w := wireMessage{
		UUID:      msg.AgentUUID().String(),
		Type:      msg.Type(),
		Timestamp: msg.Timestamp().UTC().Truncate(time.Second).Format(time.RFC3339),
	}

	switch m := msg.(type) {
	case *Hello:
		w.Queue = m.Queue
	case *Init, *Query, *Ping:
	case *Submit:
		job, err := encodeJob(m.Job)
		if err != nil {
			return nil, err
		}
		w.Job = job
	case *Shutdown:
		sig := m.Signal
		w.Reason = string(m.Reason)
		w.Signal = &sig
	case *Update:
		w.JobUUID = m.JobUUID.String()
		w.Action = string(m.Action)
		w.CommandResult = &wireResult{
			Status:    string(m.Result.Status),
			Index:     m.Result.Index,
			Time:      m.Result.Time,
			RetVal:    m.Result.RetVal,
			Message:   m.Result.Message,
			ErrorCode: m.Result.ErrorCode,
		}
	case *Pong:
		w.State = string(m.State)
	case *LifeControl:
		w.Operation = string(m.Operation)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	return data, nil
}

// MarshalJSON renders the job in its wire form.
func (j *Job) MarshalJSON() ([]byte, error) {
	w, err := encodeJob(j)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses and validates a job in its wire form.
func (j *Job) UnmarshalJSON(data []byte) error {
	var w wireJob
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	job, err := decodeJob(&w)
	if err != nil {
		return err
	}
	*j = *job
	return nil
}

func encodeJob(job *Job) (*wireJob, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	w := &wireJob{
		UUID:        job.UUID.String(),
		Index:       job.Index,
		TxURI:       job.TxURI,
		Environment: job.Environment,
		Commands:    make([]wireCommand, 0, len(job.Commands)),
	}
	if w.Environment == nil {
		w.Environment = map[string]string{}
	}
	for _, cmd := range job.Commands {
		wc := wireCommand{Type: cmd.CommandType()}
		switch c := cmd.(type) {
		case *OnErrorCommand:
			wc.Action = string(c.Action)
		case *RedirectCommand:
			wc.Stream = string(c.Stream)
			wc.Append = c.Append
			wc.File = c.File
		case *CopyCommand:
			wc.SourceContext = string(c.SourceContext)
			wc.SourcePath = c.SourcePath
			wc.DestContext = string(c.DestContext)
			wc.DestPath = c.DestPath
		case *ExecCommand:
			wc.Program = c.Program
			wc.Arguments = c.Arguments
			wc.SearchPath = c.SearchPath
		}
		w.Commands = append(w.Commands, wc)
	}
	return w, nil
}

// Decode parses a JSON message body.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.UUID == "" {
		return nil, fmt.Errorf("%w: uuid", ErrMissingField)
	}
	agent, err := uuid.Parse(w.UUID)
	if err != nil {
		return nil, fmt.Errorf("%w: uuid: %v", ErrInvalidField, err)
	}
	if w.Timestamp == "" {
		return nil, fmt.Errorf("%w: timestamp", ErrMissingField)
	}
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrInvalidField, err)
	}
	hdr := Header{Agent: agent, Time: ts.UTC()}

	switch w.Type {
	case TypeHello:
		if w.Queue == "" {
			return nil, fmt.Errorf("%w: queue", ErrMissingField)
		}
		return &Hello{Header: hdr, Queue: w.Queue}, nil
	case TypeInit:
		return &Init{Header: hdr}, nil
	case TypeQuery:
		return &Query{Header: hdr}, nil
	case TypePing:
		return &Ping{Header: hdr}, nil
	case TypeSubmit:
		job, err := decodeJob(w.Job)
		if err != nil {
			return nil, err
		}
		return &Submit{Header: hdr, Job: job}, nil
	case TypeShutdown:
		reason, err := ParseShutdownReason(w.Reason)
		if err != nil {
			return nil, err
		}
		if w.Signal == nil {
			return nil, fmt.Errorf("%w: signal", ErrMissingField)
		}
		return &Shutdown{Header: hdr, Reason: reason, Signal: *w.Signal}, nil
	case TypeUpdate:
		return decodeUpdate(hdr, &w)
	case TypePong:
		state, err := ParseAgentState(w.State)
		if err != nil {
			return nil, err
		}
		return &Pong{Header: hdr, State: state}, nil
	case TypeLifeControl:
		op, err := ParseLifeControlOperation(w.Operation)
		if err != nil {
			return nil, err
		}
		return &LifeControl{Header: hdr, Operation: op}, nil
	case "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}

func decodeUpdate(hdr Header, w *wireMessage) (*Update, error) {
	if w.JobUUID == "" {
		return nil, fmt.Errorf("%w: job_uuid", ErrMissingField)
	}
	jobUUID, err := uuid.Parse(w.JobUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: job_uuid: %v", ErrInvalidField, err)
	}
	action, err := ParseUpdateAction(w.Action)
	if err != nil {
		return nil, err
	}
	if w.CommandResult == nil {
		return nil, fmt.Errorf("%w: command_result", ErrMissingField)
	}
	status, err := ParseCommandStatus(w.CommandResult.Status)
	if err != nil {
		return nil, err
	}
	return &Update{
		Header:  hdr,
		JobUUID: jobUUID,
		Action:  action,
		Result: CommandResult{
			Status:    status,
			Index:     w.CommandResult.Index,
			Time:      w.CommandResult.Time,
			RetVal:    w.CommandResult.RetVal,
			Message:   w.CommandResult.Message,
			ErrorCode: w.CommandResult.ErrorCode,
		},
	}, nil
}

func decodeJob(w *wireJob) (*Job, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: job", ErrMissingField)
	}
	id, err := uuid.Parse(w.UUID)
	if err != nil {
		return nil, fmt.Errorf("%w: job uuid: %v", ErrInvalidField, err)
	}
	job := &Job{
		UUID:        id,
		Index:       w.Index,
		TxURI:       w.TxURI,
		Environment: w.Environment,
		Commands:    make([]Command, 0, len(w.Commands)),
	}
	for i, wc := range w.Commands {
		cmd, err := decodeCommand(wc)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		job.Commands = append(job.Commands, cmd)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

func decodeCommand(wc wireCommand) (Command, error) {
	switch wc.Type {
	case CommandOnError:
		return &OnErrorCommand{Action: ErrorPolicy(wc.Action)}, nil
	case CommandRedirect:
		return &RedirectCommand{Stream: Stream(wc.Stream), Append: wc.Append, File: wc.File}, nil
	case CommandCopy:
		return &CopyCommand{
			SourceContext: CopyContext(wc.SourceContext),
			SourcePath:    wc.SourcePath,
			DestContext:   CopyContext(wc.DestContext),
			DestPath:      wc.DestPath,
		}, nil
	case CommandExec:
		return &ExecCommand{Program: wc.Program, Arguments: wc.Arguments, SearchPath: wc.SearchPath}, nil
	}
	return nil, fmt.Errorf("%w: command type %q", ErrInvalidField, wc.Type)
}
