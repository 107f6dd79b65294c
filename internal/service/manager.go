package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/petguard/edge-recorder/internal/logger"
)

// Service represents a service that can be started and stopped
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// ServiceWithEvents is a service that can publish events
type ServiceWithEvents interface {
	Service
	SetEventBus(bus *EventBus)
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	logger      *logger.Logger
	services    []Service
	statuses    map[string]*ServiceStatus
	eventBus    *EventBus
	mu          sync.RWMutex
	started     []Service
	stopTimeout time.Duration
}

// NewManager creates a new service manager
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		logger:      log,
		statuses:    make(map[string]*ServiceStatus),
		eventBus:    NewEventBus(100),
		stopTimeout: 10 * time.Second,
	}
}

// GetEventBus returns the event bus for inter-service communication
func (m *Manager) GetEventBus() *EventBus {
	return m.eventBus
}

// Register registers a service with the manager
func (m *Manager) Register(svc Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, svc)
	m.statuses[svc.Name()] = NewServiceStatus(svc.Name())

	if svcWithEvents, ok := svc.(ServiceWithEvents); ok {
		svcWithEvents.SetEventBus(m.eventBus)
	}
}

// Start starts every registered service in order. When one fails, the
// services already started are stopped again and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Starting services", "count", len(m.services))
	m.startEventMonitoring(ctx)

	for _, svc := range m.services {
		status := m.statuses[svc.Name()]
		status.SetStatus(StatusStarting)

		if err := svc.Start(ctx); err != nil {
			status.SetError(err)
			m.logger.Error("Service failed to start", "service", svc.Name(), "error", err)
			m.eventBus.Publish(Event{
				Type:   EventTypeServiceError,
				Source: svc.Name(),
				Data:   map[string]interface{}{"error": err.Error()},
			})

			stopCtx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
			rollbackErr := m.stopStarted(stopCtx)
			cancel()
			return multierr.Append(fmt.Errorf("failed to start %s: %w", svc.Name(), err), rollbackErr)
		}

		status.SetStatus(StatusRunning)
		m.started = append(m.started, svc)
		m.logger.Info("Service started", "service", svc.Name())
		m.eventBus.Publish(Event{
			Type:   EventTypeServiceStarted,
			Source: "manager",
			Data:   map[string]interface{}{"service": svc.Name()},
		})
	}
	return nil
}

// startEventMonitoring logs every bus event at debug level.
func (m *Manager) startEventMonitoring(ctx context.Context) {
	ch := m.eventBus.SubscribeAll()
	go func() {
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				m.logger.Debug("Event received",
					"type", string(event.Type),
					"source", event.Source,
					"timestamp", event.Timestamp,
				)
			case <-ctx.Done():
				m.eventBus.Unsubscribe("", ch)
				return
			}
		}
	}()
}

// Shutdown stops started services in reverse order and closes the bus.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.eventBus.Close()

	m.logger.Info("Shutting down services", "count", len(m.started))

	done := make(chan error, 1)
	go func() { done <- m.stopStarted(ctx) }()

	select {
	case err := <-done:
		m.logger.Info("All services stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

// stopStarted must be called with m.mu held.
func (m *Manager) stopStarted(ctx context.Context) error {
	var errs error
	for i := len(m.started) - 1; i >= 0; i-- {
		svc := m.started[i]
		status := m.statuses[svc.Name()]
		status.SetStatus(StatusStopping)
		m.logger.Info("Stopping service", "service", svc.Name())

		stopCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
		err := svc.Stop(stopCtx)
		cancel()
		if err != nil {
			status.SetError(err)
			m.logger.Error("Error stopping service", "service", svc.Name(), "error", err)
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
		} else {
			status.SetStatus(StatusStopped)
			m.logger.Info("Service stopped", "service", svc.Name())
		}

		m.eventBus.Publish(Event{
			Type:   EventTypeServiceStopped,
			Source: "manager",
			Data:   map[string]interface{}{"service": svc.Name()},
		})
	}
	m.started = nil
	return errs
}

// GetServiceCount returns the number of registered services
func (m *Manager) GetServiceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.services)
}

// GetServiceStatus returns the status of a service
func (m *Manager) GetServiceStatus(serviceName string) *ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statuses[serviceName]
}

// GetAllStatuses returns all service statuses
func (m *Manager) GetAllStatuses() map[string]*ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]*ServiceStatus, len(m.statuses))
	for name, status := range m.statuses {
		statuses[name] = status
	}
	return statuses
}
