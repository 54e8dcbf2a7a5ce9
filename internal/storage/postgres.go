package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/basaltpool/stratum-engine/internal/config"
)

// PostgresClient is the solo-payout ledger: durable user records, found
// blocks, and their payout status. Profit-share accounting across multiple
// contributors is explicitly out of scope; every block belongs to exactly
// one solving user.
type PostgresClient struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// UserRecord is a durable snapshot of a pool User, persisted periodically
// and once more when the persistence loop stops, so restarts don't lose
// all-time-best or share counts.
type UserRecord struct {
	Username               string
	Address                string
	PayoutAddressValidated bool
	AllTimeBestDifficulty  float64
	AcceptedShares         int64
	RejectedShares         int64
	FirstSeenAt            time.Time
	LastSeenAt             time.Time
}

// FoundBlock is a block this pool instance solved, pending confirmation and
// solo payout.
type FoundBlock struct {
	ID         int64
	Hash       string
	Height     int64
	Username   string
	ShareDiff  float64
	NetworkDiff float64
	FoundAt    time.Time
	Confirmed  bool
}

// NewPostgresClient opens a connection pool against cfg.DSN and ensures the
// schema exists.
func NewPostgresClient(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	client := &PostgresClient{pool: pool, logger: logger.Named("postgres")}

	if err := client.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Info("connected to postgres")
	return client, nil
}

// Close closes the connection pool.
func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) initSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS pool_users (
			username TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			payout_address_validated BOOLEAN NOT NULL DEFAULT FALSE,
			all_time_best_difficulty DOUBLE PRECISION NOT NULL DEFAULT 0,
			accepted_shares BIGINT NOT NULL DEFAULT 0,
			rejected_shares BIGINT NOT NULL DEFAULT 0,
			first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_pool_users_last_seen ON pool_users(last_seen_at);

		CREATE TABLE IF NOT EXISTS pool_blocks (
			id BIGSERIAL PRIMARY KEY,
			hash VARCHAR(64) UNIQUE NOT NULL,
			height BIGINT NOT NULL,
			username TEXT NOT NULL REFERENCES pool_users(username),
			share_diff DOUBLE PRECISION NOT NULL,
			network_diff DOUBLE PRECISION NOT NULL,
			found_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			confirmed_at TIMESTAMPTZ,
			orphaned BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE INDEX IF NOT EXISTS idx_pool_blocks_height ON pool_blocks(height);
		CREATE INDEX IF NOT EXISTS idx_pool_blocks_username ON pool_blocks(username);

		CREATE TABLE IF NOT EXISTS pool_payouts (
			id BIGSERIAL PRIMARY KEY,
			block_hash VARCHAR(64) NOT NULL REFERENCES pool_blocks(hash),
			username TEXT NOT NULL REFERENCES pool_users(username),
			amount_sats BIGINT NOT NULL,
			tx_hash VARCHAR(64),
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_pool_payouts_username ON pool_payouts(username);
		CREATE INDEX IF NOT EXISTS idx_pool_payouts_status ON pool_payouts(status);
	`

	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// UpsertUser writes a user snapshot, taking the max of the stored and
// incoming all-time-best difficulty so a stale write can never regress the
// monotonic invariant.
func (p *PostgresClient) UpsertUser(ctx context.Context, u *UserRecord) error {
	const query = `
		INSERT INTO pool_users (username, address, payout_address_validated, all_time_best_difficulty, accepted_shares, rejected_shares, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (username) DO UPDATE SET
			address = EXCLUDED.address,
			payout_address_validated = EXCLUDED.payout_address_validated,
			all_time_best_difficulty = GREATEST(pool_users.all_time_best_difficulty, EXCLUDED.all_time_best_difficulty),
			accepted_shares = EXCLUDED.accepted_shares,
			rejected_shares = EXCLUDED.rejected_shares,
			last_seen_at = EXCLUDED.last_seen_at
	`
	_, err := p.pool.Exec(ctx, query,
		u.Username, u.Address, u.PayoutAddressValidated, u.AllTimeBestDifficulty,
		u.AcceptedShares, u.RejectedShares, u.FirstSeenAt, u.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user's durable snapshot, or nil if never seen.
func (p *PostgresClient) GetUser(ctx context.Context, username string) (*UserRecord, error) {
	const query = `
		SELECT username, address, payout_address_validated, all_time_best_difficulty, accepted_shares, rejected_shares, first_seen_at, last_seen_at
		FROM pool_users WHERE username = $1
	`
	var u UserRecord
	err := p.pool.QueryRow(ctx, query, username).Scan(
		&u.Username, &u.Address, &u.PayoutAddressValidated, &u.AllTimeBestDifficulty,
		&u.AcceptedShares, &u.RejectedShares, &u.FirstSeenAt, &u.LastSeenAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// InsertBlock records a newly found block and opens its solo payout in
// pending status within the same transaction.
func (p *PostgresClient) InsertBlock(ctx context.Context, b *FoundBlock, payoutAmountSats int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertBlock = `
		INSERT INTO pool_blocks (hash, height, username, share_diff, network_diff, found_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(ctx, insertBlock, b.Hash, b.Height, b.Username, b.ShareDiff, b.NetworkDiff, b.FoundAt); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}

	const insertPayout = `
		INSERT INTO pool_payouts (block_hash, username, amount_sats, status)
		VALUES ($1, $2, $3, 'pending')
	`
	if _, err := tx.Exec(ctx, insertPayout, b.Hash, b.Username, payoutAmountSats); err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}

	return tx.Commit(ctx)
}

// ConfirmBlock marks a block confirmed and its payout completed once the
// reward transaction has enough confirmations.
func (p *PostgresClient) ConfirmBlock(ctx context.Context, hash, txHash string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE pool_blocks SET confirmed = TRUE, confirmed_at = NOW() WHERE hash = $1`, hash); err != nil {
		return fmt.Errorf("confirm block: %w", err)
	}
	const updatePayout = `UPDATE pool_payouts SET status = 'completed', tx_hash = $2, completed_at = NOW() WHERE block_hash = $1`
	if _, err := tx.Exec(ctx, updatePayout, hash, txHash); err != nil {
		return fmt.Errorf("complete payout: %w", err)
	}

	return tx.Commit(ctx)
}

// OrphanBlock marks a block orphaned and cancels its pending payout.
func (p *PostgresClient) OrphanBlock(ctx context.Context, hash string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE pool_blocks SET orphaned = TRUE WHERE hash = $1`, hash); err != nil {
		return fmt.Errorf("orphan block: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE pool_payouts SET status = 'cancelled' WHERE block_hash = $1 AND status = 'pending'`, hash); err != nil {
		return fmt.Errorf("cancel payout: %w", err)
	}

	return tx.Commit(ctx)
}

// GetRecentBlocks returns the most recently found blocks, newest first.
func (p *PostgresClient) GetRecentBlocks(ctx context.Context, limit int) ([]*FoundBlock, error) {
	const query = `
		SELECT id, hash, height, username, share_diff, network_diff, found_at, confirmed
		FROM pool_blocks
		ORDER BY found_at DESC
		LIMIT $1
	`
	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*FoundBlock
	for rows.Next() {
		var b FoundBlock
		if err := rows.Scan(&b.ID, &b.Hash, &b.Height, &b.Username, &b.ShareDiff, &b.NetworkDiff, &b.FoundAt, &b.Confirmed); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, &b)
	}
	return blocks, rows.Err()
}

// PoolStats summarizes recent pool-wide activity for the dashboard.
func (p *PostgresClient) PoolStats(ctx context.Context, activeWindow time.Duration) (activeUsers, confirmedBlocks int64, err error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM pool_users WHERE last_seen_at >= $1),
			(SELECT COUNT(*) FROM pool_blocks WHERE confirmed = TRUE)
	`
	err = p.pool.QueryRow(ctx, query, time.Now().Add(-activeWindow)).Scan(&activeUsers, &confirmedBlocks)
	if err != nil {
		return 0, 0, fmt.Errorf("get pool stats: %w", err)
	}
	return activeUsers, confirmedBlocks, nil
}
