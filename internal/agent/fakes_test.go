// ABOUTME: Test doubles for the session's transport, repository and listener ports
// ABOUTME: Each fake records calls and can be told to fail

package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nimrod-master/internal/protocol"
)

var errSendFailed = errors.New("send failed")

type sentMessage struct {
	Route Route
	Msg   protocol.Message
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentMessage
	fail    bool
	dropped []uuid.UUID
}

func (t *fakeTransport) Send(_ context.Context, route Route, msg protocol.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return errSendFailed
	}
	t.sent = append(t.sent, sentMessage{Route: route, Msg: msg})
	return nil
}

func (t *fakeTransport) Drop(id uuid.UUID) {
	t.mu.Lock()
	t.dropped = append(t.dropped, id)
	t.mu.Unlock()
}

func (t *fakeTransport) setFail(fail bool) {
	t.mu.Lock()
	t.fail = fail
	t.mu.Unlock()
}

func (t *fakeTransport) take() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.sent
	t.sent = nil
	return out
}

func (t *fakeTransport) types() []protocol.MessageType {
	var out []protocol.MessageType
	for _, m := range t.take() {
		out = append(out, m.Msg.Type())
	}
	return out
}

type transition struct {
	ID       uuid.UUID
	From, To State
}

type fakeRepo struct {
	mu          sync.Mutex
	saved       []Record
	transitions []transition
	failErr     error
}

func (r *fakeRepo) Save(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	r.saved = append(r.saved, rec)
	return nil
}

func (r *fakeRepo) AppendTransition(_ context.Context, id uuid.UUID, from, to State, _ time.Time) error {
	r.mu.Lock()
	r.transitions = append(r.transitions, transition{ID: id, From: from, To: to})
	r.mu.Unlock()
	return nil
}

func (r *fakeRepo) setFail(err error) {
	r.mu.Lock()
	r.failErr = err
	r.mu.Unlock()
}

func (r *fakeRepo) last() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.saved) == 0 {
		return Record{}
	}
	return r.saved[len(r.saved)-1]
}

type recordingListener struct {
	mu      sync.Mutex
	changes []transition
	submits []*protocol.Job
	updates []*protocol.Update
	pongs   []*protocol.Pong
}

func (l *recordingListener) OnStateChange(s *Session, from, to State) {
	l.mu.Lock()
	l.changes = append(l.changes, transition{ID: s.ID(), From: from, To: to})
	l.mu.Unlock()
}

func (l *recordingListener) OnJobSubmit(_ *Session, job *protocol.Job) {
	l.mu.Lock()
	l.submits = append(l.submits, job)
	l.mu.Unlock()
}

func (l *recordingListener) OnJobUpdate(_ *Session, u *protocol.Update) {
	l.mu.Lock()
	l.updates = append(l.updates, u)
	l.mu.Unlock()
}

func (l *recordingListener) OnPong(_ *Session, p *protocol.Pong) {
	l.mu.Lock()
	l.pongs = append(l.pongs, p)
	l.mu.Unlock()
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func oneCommandJob() *protocol.Job {
	return &protocol.Job{
		UUID:     uuid.New(),
		Index:    1,
		TxURI:    "https://files.example.org/tx/1",
		Commands: []protocol.Command{&protocol.ExecCommand{Program: "/bin/true", Arguments: []string{"/bin/true"}}},
	}
}
