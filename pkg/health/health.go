// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents the cached result of a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

// Checker manages named health checks. Results are cached for the
// configured TTL so probes do not hammer the checked components.
type Checker struct {
	mu           sync.RWMutex
	checks       map[string]CheckFunc
	cache        map[string]*Check
	ttl          time.Duration
	checkTimeout time.Duration
}

// NewChecker creates a new health checker. Cached results are reused for
// cacheTTL; each check run is bounded by checkTimeout.
func NewChecker(cacheTTL, checkTimeout time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}
	return &Checker{
		checks:       make(map[string]CheckFunc),
		cache:        make(map[string]*Check),
		ttl:          cacheTTL,
		checkTimeout: checkTimeout,
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Health returns the overall health status and per-check results.
// Checks run without holding the checker lock so a slow check never blocks
// registration or concurrent probes.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	type pending struct {
		name string
		fn   CheckFunc
	}

	var results []Check
	var toRun []pending

	c.mu.RLock()
	for name, fn := range c.checks {
		if cached, ok := c.cache[name]; ok && time.Since(cached.LastChecked) < c.ttl {
			results = append(results, *cached)
			continue
		}
		toRun = append(toRun, pending{name: name, fn: fn})
	}
	c.mu.RUnlock()

	for _, p := range toRun {
		results = append(results, c.run(ctx, p.name, p.fn))
	}

	overall := StatusHealthy
	for _, check := range results {
		if check.Status != StatusHealthy {
			overall = StatusDegraded
		}
	}

	return overall, results
}

// run executes one check with its own timeout and caches the result.
func (c *Checker) run(ctx context.Context, name string, fn CheckFunc) Check {
	checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	start := time.Now()
	err := fn(checkCtx)
	duration := time.Since(start)

	check := Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		Duration:    duration,
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}

	c.mu.Lock()
	cached := check
	c.cache[name] = &cached
	c.mu.Unlock()

	return check
}

// HTTPHandler returns an HTTP handler for health checks.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, checks := c.Health(r.Context())

		response := map[string]interface{}{
			"status": status,
			"checks": checks,
		}

		w.Header().Set("Content-Type", "application/json")
		if status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			// Degraded still accepts traffic
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a readiness probe handler.
// Unlike HTTPHandler, a degraded status reports not ready.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, checks := c.Health(r.Context())

		response := map[string]interface{}{
			"status": status,
			"checks": checks,
		}

		w.Header().Set("Content-Type", "application/json")
		if status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(response)
	}
}
