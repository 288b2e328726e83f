// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package adminhttp serves the liveness/readiness/metrics surface mounted
// on the orchestrator and worker processes' admin listener.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"
)

// Status is the coarse-grained health of a single checked component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one checker's verdict.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Checker is a single readiness dependency (the database pool, the event bus).
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// ReadinessResponse is served on /readyz.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Manager aggregates checkers behind /healthz (always 200, liveness only)
// and /readyz (503 until every checker reports healthy or degraded),
// coalescing concurrent probes through a singleflight group the way a
// shared upstream dependency is protected from a thundering herd.
type Manager struct {
	version   string
	startedAt time.Time

	mu       sync.RWMutex
	checkers []Checker

	sfg singleflight.Group
}

// NewManager returns a Manager with no checkers registered.
func NewManager(version string) *Manager {
	return &Manager{version: version, startedAt: time.Now()}
}

// RegisterChecker adds a readiness dependency.
func (m *Manager) RegisterChecker(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Ready runs every registered checker (deduplicated via singleflight across
// concurrent callers) and aggregates the worst status observed.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	val, err, _ := m.sfg.Do("readyz", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		m.mu.RLock()
		checkers := append([]Checker(nil), m.checkers...)
		m.mu.RUnlock()

		resp := ReadinessResponse{Ready: true, Status: StatusHealthy, Timestamp: time.Now(), Checks: make(map[string]CheckResult)}
		for _, c := range checkers {
			res := c.Check(probeCtx)
			resp.Checks[c.Name()] = res
			switch res.Status {
			case StatusUnhealthy:
				resp.Status = StatusUnhealthy
				resp.Ready = false
			case StatusDegraded:
				if resp.Status != StatusUnhealthy {
					resp.Status = StatusDegraded
				}
			}
		}
		return resp, nil
	})
	if err != nil {
		return ReadinessResponse{Ready: false, Status: StatusUnhealthy, Timestamp: time.Now(), Error: err.Error()}
	}
	return val.(ReadinessResponse)
}

// Handler returns a chi router exposing /healthz, /readyz and /metrics.
func (m *Manager) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", m.serveHealth)
	r.Get("/readyz", m.serveReady)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (m *Manager) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  StatusHealthy,
		"version": m.version,
		"uptime":  int64(time.Since(m.startedAt).Seconds()),
	})
}

func (m *Manager) serveReady(w http.ResponseWriter, r *http.Request) {
	resp := m.Ready(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// PoolChecker reports the database pool's health.
type PoolChecker struct {
	check func(ctx context.Context) error
}

// NewPoolChecker wraps a pool's HealthCheck method.
func NewPoolChecker(check func(ctx context.Context) error) *PoolChecker {
	return &PoolChecker{check: check}
}

func (c *PoolChecker) Name() string { return "database" }

func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	if err := c.check(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "connected"}
}
