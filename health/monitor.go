package health

import (
	"sync"
	"time"

	"github.com/Oberacda/dblogd/component"
)

// Observer is notified whenever a component's status changes. Degraded
// components still report up: only unhealthy maps to false. The daemon uses
// this to mirror health transitions into the metrics registry.
type Observer func(componentName string, healthy bool)

// Option configures a Monitor.
type Option func(*Monitor)

// WithObserver registers an observer for status updates. Observers run
// outside the monitor's lock, on the goroutine that performed the update.
func WithObserver(fn Observer) Option {
	return func(m *Monitor) {
		m.observers = append(m.observers, fn)
	}
}

// Monitor tracks the last reported status of each daemon component (the
// inputs, the store, the metrics endpoint) and aggregates them for the
// health endpoint.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status

	// immutable after NewMonitor
	observers []Observer
}

// NewMonitor creates a monitor with no components registered; components
// appear as they report their first status.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		statuses: make(map[string]Status),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update records the status for a named component and notifies observers.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()

	for _, fn := range m.observers {
		fn(name, !status.IsUnhealthy())
	}
}

// UpdateHealthy records a component as healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy records a component as unhealthy. The message is sanitized
// before it can reach the health endpoint.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded records a component as degraded: impaired but still serving.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// UpdateFromComponent records the status a component reported through its
// Health method, translated and sanitized for the health endpoint.
func (m *Monitor) UpdateFromComponent(name string, ch component.HealthStatus) {
	m.Update(name, FromComponentHealth(name, ch))
}

// Get retrieves the last recorded status for a named component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// GetAll returns a copy of all current statuses keyed by component name.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		result[name] = status
	}
	return result
}

// Remove drops a component from monitoring, for components that are shut
// down deliberately rather than failed.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
}

// AggregateHealth rolls the per-component statuses up into one status for
// the whole daemon.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}

	return Aggregate(systemName, subStatuses)
}

// ListComponents returns the names of all components that have reported.
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	return names
}

// Count returns the number of components being monitored.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.statuses)
}
