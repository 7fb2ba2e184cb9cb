// Package db is the SQLite-backed durable store for agents, deployments and
// jobs.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle. All methods are safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open initializes the database connection and schema at path.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	if err := ensureDirectory(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps :memory:
	// databases shared across calls.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: sqlDB, logger: logger}
	s.enableWAL(ctx)
	if err := s.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	logger.Info("database ready", zap.String("path", path))
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func ensureDirectory(path string) error {
	if path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Store) enableWAL(ctx context.Context) {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		s.logger.Warn("could not enable WAL mode", zap.Error(err))
	}
}
