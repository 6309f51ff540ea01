package persist

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open returns the storage backend named by driver: "memory", "file"
// (path is its directory) or "postgres" (dsn is its connection string).
// The returned close function releases the backend. Connecting to
// postgres is retried with backoff.
func Open(ctx context.Context, driver, path, dsn string) (Storage, func(), error) {
	switch strings.ToLower(driver) {
	case "", "memory":
		return NewMemoryStorage(), func() {}, nil
	case "file":
		s, err := NewFileStorage(path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "postgres":
		if _, err := pgxpool.ParseConfig(strings.TrimSpace(dsn)); err != nil {
			return nil, nil, fmt.Errorf("postgres dsn: %w", err)
		}
		var s *PostgresStorage
		err := retry(ctx, connectBackoff, func(ctx context.Context) error {
			var err error
			s, err = NewPostgresStorage(ctx, dsn)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
