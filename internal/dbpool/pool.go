// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package dbpool wraps a Postgres connection pool with a circuit breaker,
// leak detection, and slow-query accounting, modeled after the way the
// rest of this codebase wraps external dependencies it does not control.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/reelctl/internal/metrics"
	"github.com/ManuGH/reelctl/internal/resilience"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Config controls pool sizing, timeouts, and breaker sensitivity.
type Config struct {
	DatabaseURL      string
	MinOpen          int
	MaxOpen          int
	AcquireTimeout   time.Duration
	SlowQuery        time.Duration
	LeakThreshold    time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Pool wraps *sqlx.DB with acquisition accounting and a circuit breaker that
// trips on repeated technical failures (connection refused, timeout) rather
// than application-level errors (constraint violation, no rows).
type Pool struct {
	db      *sqlx.DB
	cfg     Config
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger

	mu       sync.Mutex
	inFlight map[*sql.Conn]acquisition
}

// acquisition is the leak-sweep bookkeeping entry for one outstanding
// *sql.Conn: when it was acquired and, so a leak warning can point at the
// offending call site, the label its caller identified itself with.
type acquisition struct {
	at     time.Time
	caller string
}

// Open establishes the underlying *sql.DB and verifies connectivity with a
// single ping, without tripping the breaker on that initial check.
func Open(cfg Config, logger zerolog.Logger) (*Pool, error) {
	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("dbpool: open: %w", err)
	}

	if cfg.MaxOpen > 0 {
		db.SetMaxOpenConns(cfg.MaxOpen)
	}
	if cfg.MinOpen > 0 {
		db.SetMaxIdleConns(cfg.MinOpen)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dbpool: ping: %w", err)
	}

	breaker := resilience.NewCircuitBreaker(
		"dbpool",
		cfg.BreakerThreshold,
		cfg.BreakerThreshold,
		time.Minute,
		cfg.BreakerReset,
	)

	return &Pool{
		db:       db,
		cfg:      cfg,
		breaker:  breaker,
		logger:   logger.With().Str("component", "dbpool").Logger(),
		inFlight: make(map[*sql.Conn]acquisition),
	}, nil
}

// DB exposes the underlying *sqlx.DB for repository/ledger/lock packages
// that need sqlx's struct-scanning helpers.
func (p *Pool) DB() *sqlx.DB {
	return p.db
}

// NewForTest wraps an already-open *sqlx.DB (typically sqlx.NewDb over a
// go-sqlmock connection) with a permissive breaker, for use by other
// packages' sqlmock-based unit tests.
func NewForTest(db *sqlx.DB, logger zerolog.Logger) *Pool {
	return &Pool{
		db:       db,
		cfg:      Config{BreakerThreshold: 1 << 20, BreakerReset: time.Millisecond},
		breaker:  resilience.NewCircuitBreaker("dbpool-test", 1<<20, 1<<20, time.Minute, time.Millisecond),
		logger:   logger,
		inFlight: make(map[*sql.Conn]acquisition),
	}
}

// Acquire reserves a dedicated *sql.Conn, recording acquisition latency and
// leak-candidate bookkeeping. caller identifies the call site (e.g.
// "ledger.appendOne") so a leak-sweep warning can name the offending code
// rather than just a timestamp. Callers must call the returned release func
// exactly once. The circuit breaker gates acquisition: once open, Acquire
// fails fast with resilience.ErrCircuitOpen rather than queuing behind a
// dead database; that error does not wrap domain.ErrBreakerOpen.
func (p *Pool) Acquire(ctx context.Context, caller string) (*sql.Conn, func(), error) {
	if !p.breaker.AllowRequest() {
		metrics.ObservePoolAcquire("breaker_open", 0)
		return nil, func() {}, resilience.ErrCircuitOpen
	}

	acquireCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.AcquireTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	p.breaker.RecordAttempt()

	start := time.Now()
	conn, err := p.db.Conn(acquireCtx)
	elapsed := time.Since(start)

	if err != nil {
		p.breaker.RecordTechnicalFailure()
		metrics.ObservePoolAcquire("error", elapsed)
		return nil, func() {}, fmt.Errorf("dbpool: acquire: %w", err)
	}

	p.breaker.RecordSuccess()
	metrics.ObservePoolAcquire("ok", elapsed)

	p.mu.Lock()
	p.inFlight[conn] = acquisition{at: time.Now(), caller: caller}
	p.mu.Unlock()

	release := func() {
		p.mu.Lock()
		delete(p.inFlight, conn)
		p.mu.Unlock()
		_ = conn.Close()
	}

	return conn, release, nil
}

// queryObserve runs fn against the pool, treating non-nil errors other
// than sql.ErrNoRows as technical failures for breaker accounting, and
// recording a slow-query metric when the call exceeds the configured
// threshold.
func (p *Pool) queryObserve(fn func() error) error {
	if !p.breaker.AllowRequest() {
		return resilience.ErrCircuitOpen
	}
	p.breaker.RecordAttempt()

	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	if p.cfg.SlowQuery > 0 && elapsed > p.cfg.SlowQuery {
		metrics.PoolSlowQueriesTotal.Inc()
		p.logger.Warn().Dur("duration", elapsed).Msg("slow query")
	}

	switch {
	case err == nil, err == sql.ErrNoRows:
		p.breaker.RecordSuccess()
	default:
		p.breaker.RecordTechnicalFailure()
	}

	return err
}

// GetContext runs sqlx's GetContext through breaker and slow-query accounting.
func (p *Pool) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return p.queryObserve(func() error {
		return p.db.GetContext(ctx, dest, query, args...)
	})
}

// SelectContext runs sqlx's SelectContext through breaker and slow-query accounting.
func (p *Pool) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return p.queryObserve(func() error {
		return p.db.SelectContext(ctx, dest, query, args...)
	})
}

// ExecContext runs a write query through breaker and slow-query accounting.
func (p *Pool) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := p.queryObserve(func() error {
		var execErr error
		res, execErr = p.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// BeginTxx starts a transaction through breaker accounting.
func (p *Pool) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	var tx *sqlx.Tx
	err := p.queryObserve(func() error {
		var beginErr error
		tx, beginErr = p.db.BeginTxx(ctx, opts)
		return beginErr
	})
	return tx, err
}

// SweepLeaks reports (and counts) connections held longer than the
// configured leak threshold. It does not force-close them: a forced close
// on an in-use connection would corrupt whatever the caller is doing with
// it, so this is purely an observability signal for operators.
func (p *Pool) SweepLeaks() int {
	if p.cfg.LeakThreshold <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-p.cfg.LeakThreshold)
	p.mu.Lock()
	defer p.mu.Unlock()

	leaked := 0
	for _, acq := range p.inFlight {
		if acq.at.Before(cutoff) {
			leaked++
			caller := acq.caller
			if caller == "" {
				caller = "unknown"
			}
			p.logger.Warn().Str("caller", caller).Dur("held", time.Since(acq.at)).Msg("leaked connection detected")
		}
	}
	if leaked > 0 {
		metrics.PoolLeakedConnectionsTotal.Add(float64(leaked))
	}
	return leaked
}

// HealthCheck pings the database with a short timeout, suitable for wiring
// into an admin /readyz endpoint. A failed ping counts toward the circuit
// breaker like any other technical failure, since a database that cannot be
// pinged cannot serve real queries either.
func (p *Pool) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	p.breaker.RecordAttempt()
	if err := p.db.PingContext(ctx); err != nil {
		p.breaker.RecordTechnicalFailure()
		return fmt.Errorf("dbpool: health check: %w", err)
	}
	return nil
}

// RunMaintenance blocks, running SweepLeaks and HealthCheck on interval
// until ctx is cancelled. Mirrors jobs.Monitor.Run's shape: a single
// ticker-driven loop owned by the process entry point rather than the pool
// spawning its own goroutine at construction time.
func (p *Pool) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.SweepLeaks()
			if err := p.HealthCheck(ctx); err != nil {
				p.logger.Warn().Err(err).Msg("dbpool: maintenance health check failed")
			}
		}
	}
}

// Stats exposes database/sql's pool statistics for diagnostics.
func (p *Pool) Stats() sql.DBStats {
	return p.db.Stats()
}

// Close drains and closes the underlying connection pool. Safe to call
// during shutdown-hook teardown.
func (p *Pool) Close() error {
	return p.db.Close()
}
