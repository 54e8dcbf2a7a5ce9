// Package storage provides the pool's external persistence: Redis-backed
// reconnect memory and the PostgreSQL solo-payout ledger.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ReconnectStore persists worker_name -> (difficulty, updated_at), so a
// reconnecting session resumes at its last difficulty instead of the config
// default. The in-process vardiff engine keeps its own live state; this
// store is only consulted on authorize and written on disconnect.
type ReconnectStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewReconnectStore dials Redis at the given URL (redis://[:pass@]host:port/db)
// and verifies connectivity. ttl is the persistence horizon for reconnect
// memory entries (default 86400s per spec if zero).
func NewReconnectStore(ctx context.Context, redisURL string, ttl time.Duration, logger *zap.Logger) (*ReconnectStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 86400 * time.Second
	}

	logger.Info("connected to redis", zap.String("addr", opts.Addr))

	return &ReconnectStore{client: client, ttl: ttl, logger: logger.Named("reconnect_store")}, nil
}

// Close closes the underlying connection.
func (s *ReconnectStore) Close() error {
	return s.client.Close()
}

func (s *ReconnectStore) key(workerName string) string {
	return "stratum:reconnect:" + workerName
}

// SaveDifficulty writes the worker's current difficulty with the store's
// TTL, refreshing the expiry on every call. Called on session close and,
// for every live session, on server shutdown; vardiff adjustments are not
// saved as they happen.
func (s *ReconnectStore) SaveDifficulty(ctx context.Context, workerName string, difficulty float64) error {
	if err := s.client.Set(ctx, s.key(workerName), difficulty, s.ttl).Err(); err != nil {
		return fmt.Errorf("save reconnect difficulty: %w", err)
	}
	return nil
}

// LoadDifficulty reads a worker's remembered difficulty. found is false if
// no entry exists or it has expired, in which case the caller should fall
// back to the configured default.
func (s *ReconnectStore) LoadDifficulty(ctx context.Context, workerName string) (difficulty float64, found bool, err error) {
	result, err := s.client.Get(ctx, s.key(workerName)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load reconnect difficulty: %w", err)
	}
	return result, true, nil
}

// Delete removes a worker's reconnect memory entry, used when a worker is
// explicitly retired rather than merely disconnected.
func (s *ReconnectStore) Delete(ctx context.Context, workerName string) error {
	return s.client.Del(ctx, s.key(workerName)).Err()
}
