package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sv2pool/engine/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// AuditSink is a write-only Postgres sink that records completed share
// batches and any accepted-block events the manager reports, for offline
// accounting and auditing. The Channel Manager never reads from it —
// payout accounting stays explicitly out of scope (spec Non-goals) — so a
// Postgres outage degrades to "no audit trail," never to a share-handling
// failure.
type AuditSink struct {
	pool   *pgxpool.Pool
	cfg    config.PostgresConfig
	logger *zap.Logger
}

// ShareBatchRecord is one acknowledged batch of shares on a channel.
type ShareBatchRecord struct {
	ChannelID      uint32
	Role           string
	UserIdentity   string
	AcceptedCount  uint64
	RejectedCount  uint64
	DifficultySum  float64
	LastSequenceNo uint32
	RecordedAt     time.Time
}

// BlockRecord is a share whose hash met the network target.
type BlockRecord struct {
	ChannelID    uint32
	UserIdentity string
	BlockHash    string
	Height       int64
	FoundAt      time.Time
}

// NewAuditSink creates a new Postgres-backed audit sink.
func NewAuditSink(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*AuditSink, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.MaxConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	logger.Info("connected to PostgreSQL audit sink",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)

	sink := &AuditSink{pool: pool, cfg: cfg, logger: logger.Named("postgres")}
	if err := sink.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return sink, nil
}

// Close closes the database connection pool.
func (a *AuditSink) Close() {
	a.pool.Close()
}

func (a *AuditSink) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sv2_share_batches (
			id BIGSERIAL PRIMARY KEY,
			channel_id BIGINT NOT NULL,
			role VARCHAR(32) NOT NULL,
			user_identity VARCHAR(255) NOT NULL,
			accepted_count BIGINT NOT NULL,
			rejected_count BIGINT NOT NULL,
			difficulty_sum DOUBLE PRECISION NOT NULL,
			last_sequence_no BIGINT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_sv2_share_batches_channel ON sv2_share_batches(channel_id);
		CREATE INDEX IF NOT EXISTS idx_sv2_share_batches_recorded ON sv2_share_batches(recorded_at);

		CREATE TABLE IF NOT EXISTS sv2_blocks (
			id BIGSERIAL PRIMARY KEY,
			channel_id BIGINT NOT NULL,
			user_identity VARCHAR(255) NOT NULL,
			block_hash VARCHAR(64) UNIQUE NOT NULL,
			height BIGINT NOT NULL,
			found_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_sv2_blocks_height ON sv2_blocks(height);
	`
	_, err := a.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordShareBatch appends one acknowledged share-batch record.
func (a *AuditSink) RecordShareBatch(ctx context.Context, rec ShareBatchRecord) error {
	query := `
		INSERT INTO sv2_share_batches (channel_id, role, user_identity, accepted_count, rejected_count, difficulty_sum, last_sequence_no)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := a.pool.Exec(ctx, query,
		rec.ChannelID, rec.Role, rec.UserIdentity, rec.AcceptedCount, rec.RejectedCount,
		rec.DifficultySum, rec.LastSequenceNo)
	if err != nil {
		return fmt.Errorf("failed to insert share batch: %w", err)
	}
	return nil
}

// RecordBlock appends one found-block record.
func (a *AuditSink) RecordBlock(ctx context.Context, rec BlockRecord) error {
	query := `
		INSERT INTO sv2_blocks (channel_id, user_identity, block_hash, height, found_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (block_hash) DO NOTHING
	`
	_, err := a.pool.Exec(ctx, query, rec.ChannelID, rec.UserIdentity, rec.BlockHash, rec.Height, rec.FoundAt)
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}
	return nil
}

// RecentBlocks retrieves the most recently found blocks, newest first.
func (a *AuditSink) RecentBlocks(ctx context.Context, limit int) ([]BlockRecord, error) {
	query := `
		SELECT channel_id, user_identity, block_hash, height, found_at
		FROM sv2_blocks
		ORDER BY found_at DESC
		LIMIT $1
	`
	rows, err := a.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent blocks: %w", err)
	}
	defer rows.Close()

	var blocks []BlockRecord
	for rows.Next() {
		var b BlockRecord
		if err := rows.Scan(&b.ChannelID, &b.UserIdentity, &b.BlockHash, &b.Height, &b.FoundAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}
