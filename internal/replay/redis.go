// ABOUTME: Redis-backed nonce ledger shared by master replicas
// ABOUTME: Stores each agent's used nonces in a set keyed <prefix>nonce:<agent>

package replay

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisLedgers hands out Redis-backed ledgers on a shared client.
type RedisLedgers struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLedgers connects to Redis and checks the connection.
func NewRedisLedgers(ctx context.Context, cfg RedisConfig) (*RedisLedgers, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "nimrod:"
	}
	return &RedisLedgers{client: client, keyPrefix: keyPrefix}, nil
}

// Ledger returns the ledger of agent.
func (r *RedisLedgers) Ledger(agent uuid.UUID) Ledger {
	return &RedisLedger{client: r.client, key: r.keyPrefix + "nonce:" + agent.String()}
}

// Ping checks that Redis is reachable.
func (r *RedisLedgers) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisLedgers) Close() error {
	return r.client.Close()
}

// RedisLedger is the Ledger of one agent, a Redis set of decimal nonces.
type RedisLedger struct {
	client *redis.Client
	key    string
}

func (l *RedisLedger) Record(ctx context.Context, nonce uint64) (bool, error) {
	added, err := l.client.SAdd(ctx, l.key, strconv.FormatUint(nonce, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("redis sadd %s: %w", l.key, err)
	}
	return added == 1, nil
}

func (l *RedisLedger) Purge(ctx context.Context) error {
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", l.key, err)
	}
	return nil
}
