// ABOUTME: Per-agent replay guard enforcing timestamp freshness and single-use nonces
// ABOUTME: Keeps a windowed view of recent nonces for inspection on top of a permanent ledger

package replay

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Rejection reasons returned by Guard.Accept.
var (
	ErrStale    = errors.New("message too old")
	ErrFuture   = errors.New("message timestamp in the future")
	ErrReplayed = errors.New("nonce already used")
)

// knownEntry is a nonce in the windowed view with the time it was accepted.
type knownEntry struct {
	nonce      uint64
	acceptedAt time.Time
}

// Guard rejects stale, future-dated and replayed messages for one agent.
//
// Rejection of a reused nonce is permanent and backed by the Ledger. The
// windowed "known" view only answers KnowsNonce and is pruned by Tick.
type Guard struct {
	mu       sync.Mutex
	duration time.Duration
	ping     time.Duration
	now      time.Time
	ledger   Ledger
	known    map[uint64]*list.Element
	order    *list.List // knownEntry values, oldest at front
}

// NewGuard creates a guard with the given freshness window. A nil ledger
// gets an in-memory one.
func NewGuard(duration time.Duration, ledger Ledger) *Guard {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Guard{
		duration: duration,
		ledger:   ledger,
		known:    make(map[uint64]*list.Element),
		order:    list.New(),
	}
}

// SetDuration configures the freshness tolerance window.
func (g *Guard) SetDuration(d time.Duration) {
	g.mu.Lock()
	g.duration = d
	g.mu.Unlock()
}

// SetPing records the measured network latency, widening the tolerance for old messages.
func (g *Guard) SetPing(p time.Duration) {
	if p < 0 {
		p = 0
	}
	g.mu.Lock()
	g.ping = p
	g.mu.Unlock()
}

// Duration returns the configured freshness window.
func (g *Guard) Duration() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.duration
}

// Ping returns the configured latency allowance.
func (g *Guard) Ping() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ping
}

// Tick advances the reference clock and prunes known nonces older than the window.
func (g *Guard) Tick(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.After(g.now) {
		g.now = now
	}
	for e := g.order.Front(); e != nil; {
		entry, _ := e.Value.(knownEntry)
		if g.now.Sub(entry.acceptedAt) <= g.duration {
			break
		}
		next := e.Next()
		g.order.Remove(e)
		delete(g.known, entry.nonce)
		e = next
	}
}

// KnowsNonce reports whether n is in the windowed view. It is diagnostic only:
// a nonce that is no longer known is still rejected by AcceptMessage.
func (g *Guard) KnowsNonce(n uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.known[n]
	return ok
}

// AcceptMessage reports whether a message with the given nonce and timestamp
// is fresh and has never been seen. Accepted nonces are recorded.
func (g *Guard) AcceptMessage(now time.Time, nonce uint64, ts time.Time) bool {
	return g.Accept(context.Background(), now, nonce, ts) == nil
}

// Accept is AcceptMessage with a reason. Ledger failures reject the message.
func (g *Guard) Accept(ctx context.Context, now time.Time, nonce uint64, ts time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	age := now.Sub(ts)
	if age > g.duration+g.ping {
		return fmt.Errorf("%w: age %s exceeds %s", ErrStale, age, g.duration+g.ping)
	}
	if age < -g.duration {
		return fmt.Errorf("%w: %s ahead", ErrFuture, -age)
	}

	fresh, err := g.ledger.Record(ctx, nonce)
	if err != nil {
		return fmt.Errorf("recording nonce: %w", err)
	}
	if !fresh {
		return fmt.Errorf("%w: %d", ErrReplayed, nonce)
	}

	if e, ok := g.known[nonce]; ok {
		g.order.Remove(e)
	}
	g.known[nonce] = g.order.PushBack(knownEntry{nonce: nonce, acceptedAt: now})
	return nil
}

// Release drops the guard's ledger state once its agent is gone.
func (g *Guard) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.known = make(map[uint64]*list.Element)
	g.order.Init()
	return g.ledger.Purge(ctx)
}
