// Package db owns database bootstrap: connecting the pool and applying
// schema migrations at startup.
package db

import (
	"context"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/tracelight-io/tracelight/internal/util"
	"github.com/tracelight-io/tracelight/pkg/logger"
)

// Connect opens a pgx pool with pgvector types registered on every
// connection.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgxv5.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// The pool connects lazily; verify the database is actually reachable
	// before the worker starts consuming.
	if err := util.RetryErrWithContext(ctx, 5, func(ctx context.Context) error {
		return pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate applies pending schema migrations from the configured
// directory. A database already at the latest version is not an error.
func Migrate(databaseURL string) error {
	dir := util.GetEnvString("MIGRATIONS_DIR", "migrations")

	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("[DB] Schema already up to date")
			return nil
		}
		return err
	}
	logger.Info("[DB] Migrations applied")
	return nil
}
