package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Critical  bool                   `json:"critical"`
}

// OverallHealth represents the overall health status
type OverallHealth struct {
	Status          HealthStatus                 `json:"status"`
	Message         string                       `json:"message"`
	Timestamp       time.Time                    `json:"timestamp"`
	Uptime          string                       `json:"uptime"`
	Version         string                       `json:"version,omitempty"`
	ComponentHealth map[string]HealthCheckResult `json:"component_health"`
}

// HealthChecker interface for health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) HealthCheckResult
	IsCritical() bool
}

type funcChecker struct {
	name     string
	critical bool
	check    func(ctx context.Context) HealthCheckResult
}

func (f *funcChecker) Name() string                                { return f.name }
func (f *funcChecker) IsCritical() bool                            { return f.critical }
func (f *funcChecker) Check(ctx context.Context) HealthCheckResult { return f.check(ctx) }

// NewHealthChecker adapts a function to a HealthChecker
func NewHealthChecker(name string, critical bool, check func(ctx context.Context) HealthCheckResult) HealthChecker {
	return &funcChecker{name: name, critical: critical, check: check}
}

// HealthRegistry runs the registered checkers on demand
type HealthRegistry struct {
	checkers  map[string]HealthChecker
	timeout   time.Duration
	version   string
	startTime time.Time
	mu        sync.RWMutex
}

// NewHealthRegistry creates a registry whose checks are bounded by timeout
func NewHealthRegistry(timeout time.Duration, version string) *HealthRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthRegistry{
		checkers:  make(map[string]HealthChecker),
		timeout:   timeout,
		version:   version,
		startTime: time.Now(),
	}
}

// RegisterChecker adds or replaces a checker
func (hr *HealthRegistry) RegisterChecker(checker HealthChecker) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	hr.checkers[checker.Name()] = checker
	log.Debug().Str("checker", checker.Name()).Msg("Health checker registered")
}

// UnregisterChecker removes a checker
func (hr *HealthRegistry) UnregisterChecker(name string) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	delete(hr.checkers, name)
}

// CheckHealth runs every checker concurrently and folds the results
func (hr *HealthRegistry) CheckHealth(ctx context.Context) *OverallHealth {
	hr.mu.RLock()
	checkers := make([]HealthChecker, 0, len(hr.checkers))
	for _, checker := range hr.checkers {
		checkers = append(checkers, checker)
	}
	hr.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, hr.timeout)
	defer cancel()

	resultsChan := make(chan HealthCheckResult, len(checkers))
	var wg sync.WaitGroup
	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			result := c.Check(ctx)
			result.Name = c.Name()
			result.Critical = c.IsCritical()
			result.Duration = time.Since(start)
			result.Timestamp = start
			resultsChan <- result
		}(checker)
	}
	wg.Wait()
	close(resultsChan)

	results := make(map[string]HealthCheckResult, len(checkers))
	for result := range resultsChan {
		results[result.Name] = result
	}
	return hr.calculateOverallHealth(results)
}

func (hr *HealthRegistry) calculateOverallHealth(results map[string]HealthCheckResult) *OverallHealth {
	overallStatus := HealthStatusHealthy
	var criticalIssues, degradedIssues []string

	for name, result := range results {
		switch result.Status {
		case HealthStatusDegraded:
			degradedIssues = append(degradedIssues, name)
			if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		case HealthStatusUnhealthy:
			if result.Critical {
				criticalIssues = append(criticalIssues, name)
				overallStatus = HealthStatusUnhealthy
			} else {
				degradedIssues = append(degradedIssues, name)
				if overallStatus == HealthStatusHealthy {
					overallStatus = HealthStatusDegraded
				}
			}
		}
	}
	sort.Strings(criticalIssues)
	sort.Strings(degradedIssues)

	return &OverallHealth{
		Status:          overallStatus,
		Message:         healthMessage(overallStatus, criticalIssues, degradedIssues),
		Timestamp:       time.Now(),
		Uptime:          time.Since(hr.startTime).Round(time.Second).String(),
		Version:         hr.version,
		ComponentHealth: results,
	}
}

func healthMessage(status HealthStatus, criticalIssues, degradedIssues []string) string {
	switch status {
	case HealthStatusHealthy:
		return "All health checks passing"
	case HealthStatusDegraded:
		return fmt.Sprintf("Degraded: %s", strings.Join(degradedIssues, ", "))
	default:
		return fmt.Sprintf("Critical issues detected in: %s", strings.Join(criticalIssues, ", "))
	}
}

// Handler serves the aggregated health as JSON. Unhealthy maps to 503.
func (hr *HealthRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := hr.CheckHealth(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(health)
	})
}
