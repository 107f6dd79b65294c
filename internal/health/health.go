package health

import (
	"context"
	"sync"
	"time"

	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/service"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check
type Check struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]Check       `json:"checks"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// Checker is an interface for health checkers
type Checker interface {
	Name() string
	Check(ctx context.Context) Check
}

// StatusSource reports service lifecycle states.
type StatusSource interface {
	GetAllStatuses() map[string]*service.ServiceStatus
}

// Manager runs registered checkers and aggregates their results. The worst
// check decides the overall status.
type Manager struct {
	logger    *logger.Logger
	checkers  []Checker
	services  StatusSource
	startTime time.Time
	mu        sync.RWMutex
}

// NewManager creates a new health check manager. services may be nil.
func NewManager(log *logger.Logger, services StatusSource) *Manager {
	return &Manager{
		logger:    log,
		checkers:  make([]Checker, 0),
		services:  services,
		startTime: time.Now(),
	}
}

// RegisterChecker registers a health checker
func (m *Manager) RegisterChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

// Check performs all health checks
func (m *Manager) Check(ctx context.Context) HealthReport {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	checks := make(map[string]Check, len(checkers))
	overallStatus := StatusHealthy

	for _, checker := range checkers {
		check := checker.Check(ctx)
		checks[check.Name] = check

		if check.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
		} else if check.Status == StatusDegraded && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	services := make(map[string]interface{})
	if m.services != nil {
		for name, status := range m.services.GetAllStatuses() {
			entry := map[string]interface{}{
				"status": status.GetStatus(),
				"uptime": status.GetUptime().Round(time.Second).String(),
			}
			if err := status.GetError(); err != nil {
				entry["error"] = err.Error()
			}
			services[name] = entry
		}
	}

	if overallStatus != StatusHealthy {
		m.logger.Debug("Health check not healthy", "status", string(overallStatus))
	}

	return HealthReport{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).Round(time.Second).String(),
		Checks:    checks,
		Services:  services,
	}
}
