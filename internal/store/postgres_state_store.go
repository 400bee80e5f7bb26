package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
)

const createStateTable = `
	CREATE TABLE IF NOT EXISTS replication_server_state (
		domain_id     TEXT     NOT NULL,
		replica_id    INTEGER  NOT NULL,
		change_number CHAR(28) NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (domain_id, replica_id)
	)
`

// PostgresStateStore keeps one row per domain and replica. Change number tokens
// sort like the change numbers, so the upsert merges with GREATEST.
type PostgresStateStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// PostgresConfig holds connection settings
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int
	MinConns int
}

// NewPostgresPool connects and pings the database
func NewPostgresPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.MaxConns, cfg.MinConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// NewPostgresStateStore creates the table if needed
func NewPostgresStateStore(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresStateStore, error) {
	if _, err := pool.Exec(ctx, createStateTable); err != nil {
		return nil, errors.StateStoreFailed("failed to create server state table", err)
	}
	return &PostgresStateStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStateStore) LoadServerState(ctx context.Context, domainID string) (*model.ServerState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT change_number FROM replication_server_state WHERE domain_id = $1`, domainID)
	if err != nil {
		return nil, errors.StateStoreFailed("failed to load server state", err)
	}

	tokens, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.StateStoreFailed("failed to scan server state", err)
	}
	return model.DecodeServerState(tokens)
}

func (s *PostgresStateStore) SaveServerState(ctx context.Context, domainID string, state *model.ServerState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.StateStoreFailed("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, rid := range state.ReplicaIDs() {
		cn := state.GetMaxChangeNumber(rid)
		batch.Queue(`
			INSERT INTO replication_server_state (domain_id, replica_id, change_number)
			VALUES ($1, $2, $3)
			ON CONFLICT (domain_id, replica_id) DO UPDATE
			SET change_number = GREATEST(replication_server_state.change_number, EXCLUDED.change_number),
			    updated_at = NOW()
		`, domainID, int32(rid), cn.String())
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.StateStoreFailed("failed to save server state", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.StateStoreFailed("failed to commit server state", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresStateStore) Close() error {
	s.pool.Close()
	return nil
}
