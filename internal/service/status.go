package service

import (
	"sync"
	"time"
)

// Status is a service lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ServiceStatus tracks the lifecycle of one registered service.
type ServiceStatus struct {
	Name      string
	StartedAt time.Time

	mu     sync.RWMutex
	status Status
	err    error
}

// NewServiceStatus returns a status in the stopped state.
func NewServiceStatus(name string) *ServiceStatus {
	return &ServiceStatus{Name: name, status: StatusStopped}
}

// SetStatus moves to s. Entering StatusRunning stamps StartedAt and clears
// any previous error.
func (ss *ServiceStatus) SetStatus(s Status) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if s == StatusRunning && ss.status != StatusRunning {
		ss.StartedAt = time.Now()
		ss.err = nil
	}
	ss.status = s
}

func (ss *ServiceStatus) GetStatus() Status {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.status
}

// SetError records err and moves to StatusError.
func (ss *ServiceStatus) SetError(err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.err = err
	ss.status = StatusError
}

func (ss *ServiceStatus) GetError() error {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.err
}

func (ss *ServiceStatus) IsRunning() bool {
	return ss.GetStatus() == StatusRunning
}

// GetUptime is zero unless the service is running.
func (ss *ServiceStatus) GetUptime() time.Duration {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if ss.status != StatusRunning {
		return 0
	}
	return time.Since(ss.StartedAt)
}
