package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage keeps values in a PostgreSQL table.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to databaseURL and ensures the schema.
func NewPostgresStorage(ctx context.Context, databaseURL string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initStorageSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStorage{pool: pool}, nil
}

func initStorageSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_storage (
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			durability TEXT NOT NULL DEFAULT 'machine',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (scope, key)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init storage schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

// Get implements Storage.
func (s *PostgresStorage) Get(ctx context.Context, key string, scope Scope) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM task_storage WHERE scope=$1 AND key=$2`,
		scope.String(), key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements Storage.
func (s *PostgresStorage) Set(ctx context.Context, key, value string, scope Scope, durability Durability) error {
	d := "machine"
	if durability == DurabilityUser {
		d = "user"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_storage (scope, key, value, durability, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (scope, key) DO UPDATE SET
			value=EXCLUDED.value,
			durability=EXCLUDED.durability,
			updated_at=EXCLUDED.updated_at`,
		scope.String(), key, value, d,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Remove implements Storage.
func (s *PostgresStorage) Remove(ctx context.Context, key string, scope Scope) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM task_storage WHERE scope=$1 AND key=$2`, scope.String(), key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}
