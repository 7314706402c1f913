// ABOUTME: Encodes protocol messages into signed envelopes and back into websocket frames
// ABOUTME: Shared by the master outbox and the agent-side client

package bus

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nimrod-master/internal/auth"
	"github.com/2389/nimrod-master/internal/protocol"
)

// Signer holds what is needed to sign messages on behalf of one agent.
type Signer struct {
	Agent     uuid.UUID
	Secret    []byte
	AppID     string
	Algorithm auth.Algorithm
}

// Seal encodes msg and signs it. The envelope is stamped with the message
// timestamp so the transport, header and body times agree.
func (s Signer) Seal(msg protocol.Message) (*auth.Envelope, error) {
	body, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	ts := msg.Timestamp().UTC().Truncate(time.Second)
	env := &auth.Envelope{
		Properties: auth.Properties{
			AppID:       s.AppID,
			ContentType: protocol.ContentType,
			MessageID:   uuid.NewString(),
			Timestamp:   ts,
			Type:        string(msg.Type()),
		},
		Body: body,
	}
	_, err = auth.SignEnvelope(env, auth.Credential{
		Algorithm: s.algorithm(),
		AccessKey: auth.AccessKeyFor(s.Agent),
		Timestamp: ts,
		Nonce:     nonce,
		AppID:     s.AppID,
	}, auth.DefaultSignedProperties, nil, s.Secret)
	if err != nil {
		return nil, fmt.Errorf("signing %s: %w", msg.Type(), err)
	}
	return env, nil
}

// Open verifies env against the signer's secret and app id and decodes the
// message it carries.
func (s Signer) Open(env *auth.Envelope) (protocol.Message, error) {
	hdr, err := auth.ExtractAuthHeader(env)
	if err != nil {
		return nil, err
	}
	if err := auth.CheckAlgorithm(hdr, s.algorithm()); err != nil {
		return nil, err
	}
	if hdr.AccessKey() != auth.AccessKeyFor(s.Agent) {
		return nil, fmt.Errorf("%w: %s", auth.ErrInvalidAccessKey, hdr.AccessKey())
	}
	msg, err := protocol.Decode(env.Body)
	if err != nil {
		return nil, err
	}
	if err := auth.ValidateMessage(hdr, env, msg.Timestamp(), s.AppID, s.Secret); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s Signer) algorithm() auth.Algorithm {
	if s.Algorithm == "" {
		return auth.AlgorithmSHA256
	}
	return s.Algorithm
}

// MarshalFrame renders an envelope as a websocket text frame.
func MarshalFrame(env *auth.Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return b, nil
}

// UnmarshalFrame parses a websocket frame into an envelope.
func UnmarshalFrame(frame []byte) (*auth.Envelope, error) {
	var env auth.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return &env, nil
}

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generating nonce: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
