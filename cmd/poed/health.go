// health.go - Health monitoring for the proof-of-energy daemon
package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// errDegraded marks a check failure that should not fail the whole daemon.
type errDegraded struct{ error }

func degraded(err error) error { return errDegraded{err} }

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// SystemHealth represents the overall system health
type SystemHealth struct {
	OverallStatus HealthStatus      `json:"overall_status"`
	Timestamp     time.Time         `json:"timestamp"`
	Components    []ComponentHealth `json:"components"`
	Uptime        time.Duration     `json:"uptime"`
	Version       string            `json:"version"`
}

// HealthChecker runs registered component checks on demand.
type HealthChecker struct {
	mu        sync.Mutex
	startTime time.Time
	version   string
	checkers  map[string]func() error
}

func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		version:   version,
		checkers:  make(map[string]func() error),
	}
}

// RegisterComponent registers a health check for a component. A check that
// returns an error wrapped by degraded marks the component Degraded rather
// than Unhealthy.
func (hc *HealthChecker) RegisterComponent(name string, checker func() error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkers[name] = checker
}

// CheckHealth performs health checks for all registered components
func (hc *HealthChecker) CheckHealth() *SystemHealth {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	overallStatus := Healthy
	components := make([]ComponentHealth, 0, len(hc.checkers))
	for name, checker := range hc.checkers {
		start := time.Now()
		err := checker()
		c := ComponentHealth{Name: name, Status: Healthy, Message: "OK", LastCheck: time.Now(), Latency: time.Since(start)}
		var d errDegraded
		switch {
		case errors.As(err, &d):
			c.Status, c.Message = Degraded, err.Error()
		case err != nil:
			c.Status, c.Message = Unhealthy, err.Error()
		}

		if c.Status == Unhealthy {
			overallStatus = Unhealthy
		} else if c.Status == Degraded && overallStatus == Healthy {
			overallStatus = Degraded
		}
		components = append(components, c)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return &SystemHealth{
		OverallStatus: overallStatus,
		Timestamp:     time.Now(),
		Components:    components,
		Uptime:        time.Since(hc.startTime),
		Version:       hc.version,
	}
}

// ServeHTTP reports health as JSON, with 503 when unhealthy.
func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := hc.CheckHealth()
	status := http.StatusOK
	if h.OverallStatus == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(h)
}
