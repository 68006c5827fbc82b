package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pingTimeout bounds the startup connectivity check.
const pingTimeout = 5 * time.Second

// Store wraps the postgres pool shared by the telemetry, alert and rule
// repositories.
type Store struct {
	Pool *pgxpool.Pool
}

// NewStore opens a pool sized for the engine's write-heavy ingest path
// and verifies connectivity before handing it out. maxConns <= 0 keeps
// the pgx default.
func NewStore(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := poolConfig(dsn, maxConns)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func poolConfig(dsn string, maxConns int) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	// Telemetry arrives in bursts; let the pool shed connections held
	// only for a burst instead of pinning them until shutdown.
	cfg.MaxConnIdleTime = 5 * time.Minute
	return cfg, nil
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// ErrNotFound is the repository-level miss for single-row lookups, such
// as a baseline configuration that was never provisioned for a stream.
var ErrNotFound = errors.New("not found")
