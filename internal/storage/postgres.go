package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chainwatch/pkg/models"
)

// PostgresStorage persists scored events and dead letters in Postgres.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to Postgres and ensures the schema exists.
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStorage{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS scored_events (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			subscription TEXT NOT NULL,
			position BIGINT NOT NULL,
			event JSONB NOT NULL,
			risk_score INT NOT NULL,
			flags JSONB,
			alert_required BOOLEAN NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event JSONB NOT NULL,
			attempts INT NOT NULL,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS scored_events_source_idx ON scored_events (source, subscription, position)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertScoredEvent writes the scored event with on-conflict(id) semantics.
func (s *PostgresStorage) UpsertScoredEvent(ctx context.Context, scored *models.ScoredEvent) error {
	eventJSON, err := json.Marshal(scored.Event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", scored.ID(), err)
	}
	flagsJSON, err := json.Marshal(scored.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags for %s: %w", scored.ID(), err)
	}

	query := `
		INSERT INTO scored_events (id, source, subscription, position, event, risk_score, flags, alert_required, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			risk_score = EXCLUDED.risk_score,
			flags = EXCLUDED.flags,
			alert_required = EXCLUDED.alert_required,
			processed_at = EXCLUDED.processed_at
	`
	_, err = s.pool.Exec(ctx, query,
		scored.ID(), scored.Event.Source, scored.Event.Subscription, int64(scored.Event.Position),
		eventJSON, scored.RiskScore, flagsJSON, scored.AlertRequired, scored.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert scored event %s: %w", scored.ID(), err)
	}
	return nil
}

// RecordDeadLetter writes a dead-letter row. Re-recording the same id is a
// no-op so redelivery cannot duplicate records.
func (s *PostgresStorage) RecordDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	eventJSON, err := json.Marshal(dl.Event)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", dl.ID, err)
	}

	query := `
		INSERT INTO dead_letters (id, event_id, event, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.pool.Exec(ctx, query, dl.ID, dl.Event.ID, eventJSON, dl.Attempts, dl.LastError, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("record dead letter %s: %w", dl.ID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStorage) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}
