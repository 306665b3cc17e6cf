// Package health provides health monitoring functionality for the daemon's
// components, including aggregation and readiness reporting.
package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/Oberacda/dblogd/component"
)

// Pre-compiled regexes for error message sanitization
var (
	urlRegex        = regexp.MustCompile(`[a-z]+://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a component or the whole daemon
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related metrics
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// NewHealthy creates a healthy status for a component
func NewHealthy(name, message string) Status {
	return Status{
		Component: name,
		Healthy:   true,
		Status:    "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates an unhealthy status for a component
func NewUnhealthy(name, message string) Status {
	return Status{
		Component: name,
		Healthy:   false,
		Status:    "unhealthy",
		Message:   sanitizeErrorMessage(message),
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a degraded status for a component
func NewDegraded(name, message string) Status {
	return Status{
		Component: name,
		Healthy:   false,
		Status:    "degraded",
		Message:   sanitizeErrorMessage(message),
		Timestamp: time.Now(),
	}
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == "unhealthy"
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// Aggregate combines sub-statuses into a single system status. The system is
// healthy only if every sub-status is healthy; any unhealthy sub-status makes
// the system unhealthy, otherwise a degraded sub-status degrades the system.
func Aggregate(systemName string, subStatuses []Status) Status {
	status := "healthy"
	message := "All components healthy"

	for _, sub := range subStatuses {
		if sub.IsUnhealthy() {
			status = "unhealthy"
			message = sub.Component + " unhealthy"
			break
		}
		if sub.IsDegraded() {
			status = "degraded"
			message = sub.Component + " degraded"
		}
	}

	return Status{
		Component:   systemName,
		Healthy:     status == "healthy",
		Status:      status,
		Message:     message,
		Timestamp:   time.Now(),
		SubStatuses: subStatuses,
	}
}

// sanitizeErrorMessage removes potentially sensitive information from error
// messages before they are exposed on the health endpoint: URLs, file paths,
// IP addresses, ports, and credential-looking fragments.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := urlRegex.ReplaceAllString(err, "[URL]")
	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	lower := strings.ToLower(sanitized)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "key") || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}

// FromComponentHealth converts a component.HealthStatus to a health.Status
func FromComponentHealth(name string, ch component.HealthStatus) Status {
	status := "unhealthy"
	if ch.Healthy {
		status = "healthy"
	}

	message := "Component healthy"
	if ch.LastError != "" {
		message = sanitizeErrorMessage(ch.LastError)
	}

	metrics := &Metrics{
		Uptime:       ch.Uptime,
		ErrorCount:   ch.ErrorCount,
		LastActivity: ch.LastCheck,
	}

	return Status{
		Component: name,
		Healthy:   ch.Healthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Metrics:   metrics,
	}
}
