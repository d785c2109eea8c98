// Package health serves liveness, readiness and component health for the panel service.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/panel"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
)

// Check is an optional dependency, e.g. the MQTT client.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// Checker provides health check endpoints
type Checker struct {
	view    panel.View
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	checks []Check
}

// NewChecker creates a new health checker for the panel view
func NewChecker(view panel.View, logger zerolog.Logger) *Checker {
	return &Checker{
		view:    view,
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health-checker").Logger(),
	}
}

// AddCheck registers an additional component check.
func (c *Checker) AddCheck(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
	Link       domain.Connection `json:"link"`
}

// HealthHandler returns the overall health status
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
	defer cancel()

	snap := c.view.Snapshot()
	components := map[string]string{
		"panel": string(snap.Health),
		"link":  string(snap.Link.Status),
	}

	overallStatus := statusHealthy
	if snap.Health != domain.HealthHealthy {
		overallStatus = statusDegraded
	}

	for name, err := range c.runChecks(ctx) {
		if err != nil {
			components[name] = statusUnhealthy
			overallStatus = statusDegraded
			c.logger.Debug().Err(err).Str("check", name).Msg("Health check failed")
			continue
		}
		components[name] = statusHealthy
	}

	response := HealthResponse{
		Status:     overallStatus,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
		Link:       snap.Link,
	}

	w.Header().Set("Content-Type", "application/json")

	if overallStatus != statusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}

// LiveHandler returns 200 if the process is running
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler returns 200 once the link to the panel is open and the panel is not lost
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
	defer cancel()

	snap := c.view.Snapshot()
	linkReady := snap.Link.Live() && snap.Health != domain.HealthLost

	checksReady := true
	for _, err := range c.runChecks(ctx) {
		if err != nil {
			checksReady = false
		}
	}

	w.Header().Set("Content-Type", "application/json")

	if !linkReady || !checksReady {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "not_ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"link":      linkReady,
			"checks":    checksReady,
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (c *Checker) runChecks(ctx context.Context) map[string]error {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	c.mu.RUnlock()

	results := make(map[string]error, len(checks))
	for _, check := range checks {
		results[check.Name()] = check.Check(ctx)
	}
	return results
}
