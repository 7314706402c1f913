// ABOUTME: Agent-side websocket client that signs outgoing and verifies incoming messages
// ABOUTME: Used by the fake agent and by end-to-end tests

package bus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/nimrod-master/internal/protocol"
)

// ConnectPath is where the hub is mounted.
const ConnectPath = "/agents/connect"

// Client is one agent's connection to the master.
type Client struct {
	ws     *websocket.Conn
	signer Signer

	writeMu sync.Mutex
}

// Dial connects to the hub at base (ws:// or wss:// scheme plus host) as the
// agent described by signer.
func Dial(ctx context.Context, base string, signer Signer) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing master url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = ConnectPath
	}
	q := u.Query()
	q.Set("agent", signer.Agent.String())
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connecting to %s: %s: %w", u.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("connecting to %s: %w", u.Redacted(), err)
	}
	return &Client{ws: ws, signer: signer}, nil
}

// Agent returns the tracking id the client connected as.
func (c *Client) Agent() uuid.UUID { return c.signer.Agent }

// Send signs and writes msg.
func (c *Client) Send(msg protocol.Message) error {
	env, err := c.signer.Seal(msg)
	if err != nil {
		return err
	}
	frame, err := MarshalFrame(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Receive blocks until the next verified message arrives or the deadline
// passes. A zero deadline waits forever.
func (c *Client) Receive(deadline time.Time) (protocol.Message, error) {
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	env, err := UnmarshalFrame(frame)
	if err != nil {
		return nil, err
	}
	return c.signer.Open(env)
}

// Close sends a close frame and shuts the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// IsClosed reports whether err means the peer went away.
func IsClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent)
}

