// ABOUTME: Tests for the replay guard's freshness window and nonce handling
// ABOUTME: Includes property tests for single acceptance and window bounds

package replay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var epoch = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestGuard_AcceptOnce(t *testing.T) {
	g := NewGuard(time.Minute, nil)

	assert.True(t, g.AcceptMessage(epoch, 42, epoch))
	assert.True(t, g.KnowsNonce(42))
	assert.False(t, g.AcceptMessage(epoch, 42, epoch))
	assert.True(t, g.AcceptMessage(epoch, 43, epoch))
}

func TestGuard_ReplayRejectedAfterPrune(t *testing.T) {
	g := NewGuard(time.Minute, nil)
	require.True(t, g.AcceptMessage(epoch, 7, epoch))

	for i := 1; i <= 5; i++ {
		g.Tick(epoch.Add(time.Duration(i) * time.Minute))
	}
	assert.False(t, g.KnowsNonce(7))

	now := epoch.Add(5 * time.Minute)
	err := g.Accept(context.Background(), now, 7, now)
	assert.ErrorIs(t, err, ErrReplayed)
}

func TestGuard_FreshnessWindow(t *testing.T) {
	g := NewGuard(30*time.Second, nil)

	tests := []struct {
		name string
		ts   time.Time
		want error
	}{
		{"exactly at window", epoch.Add(-30 * time.Second), nil},
		{"just past window", epoch.Add(-31 * time.Second), ErrStale},
		{"future within skew", epoch.Add(30 * time.Second), nil},
		{"future beyond skew", epoch.Add(31 * time.Second), ErrFuture},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Accept(context.Background(), epoch, uint64(100+i), tt.ts)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGuard_PingWidensPastOnly(t *testing.T) {
	g := NewGuard(30*time.Second, nil)
	assert.False(t, g.AcceptMessage(epoch, 1, epoch.Add(-40*time.Second)))

	g.SetPing(10 * time.Second)
	assert.Equal(t, 10*time.Second, g.Ping())
	assert.True(t, g.AcceptMessage(epoch, 1, epoch.Add(-40*time.Second)))
	assert.False(t, g.AcceptMessage(epoch, 2, epoch.Add(-41*time.Second)))
	assert.False(t, g.AcceptMessage(epoch, 3, epoch.Add(35*time.Second)))
}

func TestGuard_StaleDoesNotConsumeNonce(t *testing.T) {
	g := NewGuard(30*time.Second, nil)
	assert.False(t, g.AcceptMessage(epoch, 9, epoch.Add(-time.Hour)))
	assert.True(t, g.AcceptMessage(epoch, 9, epoch))
}

func TestGuard_SetDuration(t *testing.T) {
	g := NewGuard(30*time.Second, nil)
	g.SetDuration(time.Hour)
	assert.Equal(t, time.Hour, g.Duration())
	assert.True(t, g.AcceptMessage(epoch, 1, epoch.Add(-45*time.Minute)))
}

func TestGuard_TickPrunesInOrder(t *testing.T) {
	g := NewGuard(time.Minute, nil)
	require.True(t, g.AcceptMessage(epoch, 1, epoch))
	require.True(t, g.AcceptMessage(epoch.Add(30*time.Second), 2, epoch.Add(30*time.Second)))

	g.Tick(epoch.Add(61 * time.Second))
	assert.False(t, g.KnowsNonce(1))
	assert.True(t, g.KnowsNonce(2))

	// The clock never moves backwards.
	g.Tick(epoch)
	assert.True(t, g.KnowsNonce(2))

	g.Tick(epoch.Add(91 * time.Second))
	assert.False(t, g.KnowsNonce(2))
}

type failingLedger struct{}

func (failingLedger) Record(context.Context, uint64) (bool, error) {
	return false, errors.New("ledger down")
}
func (failingLedger) Purge(context.Context) error { return nil }

func TestGuard_LedgerFailureRejects(t *testing.T) {
	g := NewGuard(time.Minute, failingLedger{})
	assert.False(t, g.AcceptMessage(epoch, 1, epoch))
	assert.False(t, g.KnowsNonce(1))
}

func TestGuard_Release(t *testing.T) {
	ledger := NewMemoryLedger()
	g := NewGuard(time.Minute, ledger)
	require.True(t, g.AcceptMessage(epoch, 1, epoch))
	require.Equal(t, 1, ledger.Len())

	require.NoError(t, g.Release(context.Background()))
	assert.Equal(t, 0, ledger.Len())
	assert.False(t, g.KnowsNonce(1))
}

func TestGuard_ConcurrentSameNonce(t *testing.T) {
	g := NewGuard(time.Minute, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.AcceptMessage(epoch, 5, epoch) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
}

func TestGuard_Property_SingleAcceptance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := time.Duration(rapid.IntRange(1, 3600).Draw(t, "durationSec")) * time.Second
		g := NewGuard(d, nil)
		nonce := rapid.Uint64().Draw(t, "nonce")

		if !g.AcceptMessage(epoch, nonce, epoch) {
			t.Fatal("fresh nonce rejected")
		}

		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		now := epoch
		for i := 0; i < steps; i++ {
			now = now.Add(time.Duration(rapid.IntRange(0, 7200).Draw(t, "advanceSec")) * time.Second)
			g.Tick(now)
			if g.AcceptMessage(now, nonce, now) {
				t.Fatalf("nonce %d accepted twice at step %d", nonce, i)
			}
		}
	})
}

func TestGuard_Property_WindowBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := time.Duration(rapid.IntRange(1, 600).Draw(t, "durationSec")) * time.Second
		ping := time.Duration(rapid.IntRange(0, 60).Draw(t, "pingSec")) * time.Second
		offset := time.Duration(rapid.IntRange(-1200, 1200).Draw(t, "offsetSec")) * time.Second

		g := NewGuard(d, nil)
		g.SetPing(ping)

		ts := epoch.Add(-offset) // age == offset
		got := g.AcceptMessage(epoch, 1, ts)
		want := offset <= d+ping && offset >= -d
		if got != want {
			t.Fatalf("age %s, duration %s, ping %s: accepted=%v want %v", offset, d, ping, got, want)
		}
	})
}
