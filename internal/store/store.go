// Package store wraps a PostgreSQL connection pool and the queries the
// proxy and analysis worker need against the single relational database
// described in spec §3: api_requests, streaming_chunks, analysis_jobs, and
// conversation_analyses.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Store wraps *pgxpool.Pool the way the teacher's Store wrapped *sql.DB:
// one struct, migrate() runs embedded DDL on startup, all query methods
// hang off this receiver.
type Store struct {
	pool *pgxpool.Pool
}

// Config controls pool sizing. AnalyticsURL is carried here but New does
// not read it: no second pool is opened, and every query runs on the
// single pool built from URL.
type Config struct {
	URL          string
	MaxConns     int32
	MinConns     int32
	AnalyticsURL string
}

// New opens the pool, runs migrations, and returns a ready Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Int32("max_conns", poolCfg.MaxConns).Msg("store: connected")
	return s, nil
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() {
	s.pool.Close()
}

// Ping is used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
