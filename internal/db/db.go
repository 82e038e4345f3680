package db

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryConns is the headroom kept for stats queries on top of the
// connections pinned by LISTEN subscriptions.
const queryConns = 4

type DB struct {
	Pool *pgxpool.Pool
}

// New connects to databaseURL. listeners is the number of connections that
// will be held for LISTEN; the pool is grown so they cannot starve queries.
func New(ctx context.Context, databaseURL string, listeners int) (*DB, error) {
	cfg, err := poolConfig(databaseURL, listeners)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func poolConfig(databaseURL string, listeners int) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if floor := int32(listeners + queryConns); cfg.MaxConns < floor {
		cfg.MaxConns = floor
	}
	return cfg, nil
}

func (d *DB) Close() {
	d.Pool.Close()
}

// RunMigrations applies every pending migration under migrationsPath.
func RunMigrations(databaseURL, migrationsPath string) error {
	m, err := migrate.New("file://"+migrationsPath, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close() //nolint:errcheck

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := m.Version(); err == nil {
		log.Printf("db: schema at version %d (dirty=%v)", version, dirty)
	}
	return nil
}
