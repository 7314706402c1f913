// ABOUTME: Access keys and per-agent secrets
// ABOUTME: Secrets are derived from the master secret with HKDF so they never need storing

package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// AgentSecretSize is the length in bytes of a derived agent secret.
const AgentSecretSize = 32

// AccessKeyFor returns the access key of an agent: its UUID without hyphens.
func AccessKeyFor(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

// ParseAccessKey recovers the agent UUID from an access key.
func ParseAccessKey(ak string) (uuid.UUID, error) {
	if len(ak) != 32 || strings.ToLower(ak) != ak {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidAccessKey, ak)
	}
	id, err := uuid.Parse(ak)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidAccessKey, err)
	}
	return id, nil
}

// DeriveAgentSecret derives the signing secret of agent id from the master secret.
// The result is hex encoded so it can be handed to a launcher as text.
func DeriveAgentSecret(master []byte, id uuid.UUID) (string, error) {
	if len(master) == 0 {
		return "", fmt.Errorf("deriving agent secret: empty master secret")
	}
	r := hkdf.New(sha256.New, master, []byte("nimrod-agent"), []byte(id.String()))
	out := make([]byte, AgentSecretSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("deriving agent secret: %w", err)
	}
	return hex.EncodeToString(out), nil
}
