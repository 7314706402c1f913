// ABOUTME: Tests for message encoding and decoding
// ABOUTME: Covers each message type, job commands and rejection of malformed input

package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testAgent = uuid.MustParse("6f1c1d2e-3a4b-4c5d-8e9f-0a1b2c3d4e5f")
	testJobID = uuid.MustParse("11111111-2222-4333-8444-555555555555")
	testTime  = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
)

func sampleJob() *Job {
	return &Job{
		UUID:        testJobID,
		Index:       7,
		TxURI:       "https://files.example.org/exp/7",
		Environment: map[string]string{"X": "1"},
		Commands: []Command{
			&OnErrorCommand{Action: PolicyFail},
			&RedirectCommand{Stream: StreamStdout, Append: true, File: "out.txt"},
			&CopyCommand{SourceContext: ContextRoot, SourcePath: "in.dat", DestContext: ContextNode, DestPath: "in.dat"},
			&ExecCommand{Program: "sim", Arguments: []string{"sim", "-x", "1"}, SearchPath: true},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	hdr := NewHeader(testAgent, testTime)
	msgs := []Message{
		&Hello{Header: hdr, Queue: "q1"},
		&Init{Header: hdr},
		&Query{Header: hdr},
		&Ping{Header: hdr},
		&Submit{Header: hdr, Job: sampleJob()},
		&Shutdown{Header: hdr, Reason: ReasonRequested, Signal: -1},
		&Update{Header: hdr, JobUUID: testJobID, Action: ActionStop, Result: CommandResult{
			Status: StatusSuccess, Index: 3, Time: 1.5, RetVal: 0, Message: "ok",
		}},
		&Pong{Header: hdr, State: AgentIdle},
		&LifeControl{Header: hdr, Operation: OperationTerminate},
	}

	for _, msg := range msgs {
		t.Run(string(msg.Type()), func(t *testing.T) {
			data, err := Encode(msg)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}

func TestEncodeWireShape(t *testing.T) {
	data, err := Encode(&Shutdown{Header: NewHeader(testAgent, testTime), Reason: ReasonHostSignal, Signal: 15})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, testAgent.String(), raw["uuid"])
	assert.Equal(t, "agent.shutdown", raw["type"])
	assert.Equal(t, "2026-03-14T15:09:26Z", raw["timestamp"])
	assert.Equal(t, "hostsignal", raw["reason"])
	assert.EqualValues(t, 15, raw["signal"])
}

func TestEncodeSubmitCommands(t *testing.T) {
	data, err := Encode(&Submit{Header: NewHeader(testAgent, testTime), Job: sampleJob()})
	require.NoError(t, err)

	var raw struct {
		Job struct {
			TxURI    string           `json:"txuri"`
			Commands []map[string]any `json:"commands"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw.Job.Commands, 4)
	assert.Equal(t, "onerror", raw.Job.Commands[0]["type"])
	assert.Equal(t, "redirect", raw.Job.Commands[1]["type"])
	assert.Equal(t, "node", raw.Job.Commands[2]["destination_context"])
	assert.Equal(t, true, raw.Job.Commands[3]["search_path"])
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `{`, ErrMalformed},
		{"missing uuid", `{"type":"agent.init","timestamp":"2026-03-14T15:09:26Z"}`, ErrMissingField},
		{"bad uuid", `{"uuid":"nope","type":"agent.init","timestamp":"2026-03-14T15:09:26Z"}`, ErrInvalidField},
		{"missing timestamp", `{"uuid":"` + testAgent.String() + `","type":"agent.init"}`, ErrMissingField},
		{"unknown type", `{"uuid":"` + testAgent.String() + `","type":"agent.bogus","timestamp":"2026-03-14T15:09:26Z"}`, ErrUnknownType},
		{"hello without queue", `{"uuid":"` + testAgent.String() + `","type":"agent.hello","timestamp":"2026-03-14T15:09:26Z"}`, ErrMissingField},
		{"bad shutdown reason", `{"uuid":"` + testAgent.String() + `","type":"agent.shutdown","timestamp":"2026-03-14T15:09:26Z","reason":"bored","signal":1}`, ErrInvalidField},
		{"shutdown without signal", `{"uuid":"` + testAgent.String() + `","type":"agent.shutdown","timestamp":"2026-03-14T15:09:26Z","reason":"requested"}`, ErrMissingField},
		{"bad pong state", `{"uuid":"` + testAgent.String() + `","type":"agent.pong","timestamp":"2026-03-14T15:09:26Z","state":"NAPPING"}`, ErrInvalidField},
		{"update without result", `{"uuid":"` + testAgent.String() + `","type":"agent.update","timestamp":"2026-03-14T15:09:26Z","job_uuid":"` + testJobID.String() + `","action":"stop"}`, ErrMissingField},
		{"submit empty job", `{"uuid":"` + testAgent.String() + `","type":"agent.submit","timestamp":"2026-03-14T15:09:26Z","job":{"uuid":"` + testJobID.String() + `","commands":[]}}`, ErrEmptyJob},
		{"submit bad command", `{"uuid":"` + testAgent.String() + `","type":"agent.submit","timestamp":"2026-03-14T15:09:26Z","job":{"uuid":"` + testJobID.String() + `","commands":[{"type":"teleport"}]}}`, ErrInvalidField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name string
		job  *Job
		want error
	}{
		{"valid", sampleJob(), nil},
		{"nil", nil, ErrInvalidField},
		{"no uuid", &Job{Commands: []Command{&ExecCommand{Program: "x"}}}, ErrMissingField},
		{"no commands", &Job{UUID: testJobID}, ErrEmptyJob},
		{"exec without program", &Job{UUID: testJobID, Commands: []Command{&ExecCommand{}}}, ErrMissingField},
		{"bad policy", &Job{UUID: testJobID, Commands: []Command{&OnErrorCommand{Action: "panic"}}}, ErrInvalidField},
		{"bad copy context", &Job{UUID: testJobID, Commands: []Command{&CopyCommand{SourceContext: "cloud", SourcePath: "a", DestContext: ContextNode, DestPath: "b"}}}, ErrInvalidField},
		{"nil command", &Job{UUID: testJobID, Commands: []Command{nil}}, ErrInvalidField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestJobJSON(t *testing.T) {
	data, err := json.Marshal(sampleJob())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"txuri":"https://files.example.org/exp/7"`)

	var got Job
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, sampleJob(), &got)

	var empty Job
	err = json.Unmarshal([]byte(`{"uuid":"`+testJobID.String()+`","commands":[]}`), &empty)
	assert.ErrorIs(t, err, ErrEmptyJob)

	err = json.Unmarshal([]byte(`{"uuid":"nope","commands":[{"type":"exec","program":"x"}]}`), &empty)
	assert.ErrorIs(t, err, ErrInvalidField)
}
