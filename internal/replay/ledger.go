// ABOUTME: Permanent used-nonce ledgers backing the replay guard
// ABOUTME: The in-memory ledger serves single-instance masters and tests

package replay

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Ledger permanently records nonces used by one agent.
type Ledger interface {
	// Record marks nonce as used. It returns false if the nonce was already recorded.
	Record(ctx context.Context, nonce uint64) (bool, error)
	// Purge forgets every nonce. Called when the agent is reaped.
	Purge(ctx context.Context) error
}

// Ledgers hands out the ledger of each agent.
type Ledgers interface {
	Ledger(agent uuid.UUID) Ledger
}

// MemoryLedger is a Ledger held in process memory.
type MemoryLedger struct {
	mu   sync.Mutex
	used map[uint64]struct{}
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{used: make(map[uint64]struct{})}
}

func (l *MemoryLedger) Record(_ context.Context, nonce uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.used[nonce]; ok {
		return false, nil
	}
	l.used[nonce] = struct{}{}
	return true, nil
}

func (l *MemoryLedger) Purge(context.Context) error {
	l.mu.Lock()
	l.used = make(map[uint64]struct{})
	l.mu.Unlock()
	return nil
}

// Len returns the number of recorded nonces.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.used)
}

// MemoryLedgers creates a fresh MemoryLedger per agent.
type MemoryLedgers struct{}

func (MemoryLedgers) Ledger(uuid.UUID) Ledger { return NewMemoryLedger() }
