package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store is the PostgreSQL archive for terminal executions. The engine
// works without it; when absent, finished executions are simply not kept.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New connects a pgx pool and verifies the database is reachable.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("execution archive connected")
	return &Store{db: pool, logger: logger}, nil
}

// Migrate applies every .up.sql file in dir in lexical order. Statements
// are idempotent so re-running on an up-to-date schema is safe.
func (s *Store) Migrate(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("migration applied", zap.String("file", f))
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
