package component

import "time"

// Metadata describes a component instance for logging and health reporting
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "input", "store"
	Description string `json:"description"`
	Version     string `json:"version"`
}

// HealthStatus reports the operational health of a component
type HealthStatus struct {
	Healthy    bool
	LastCheck  time.Time
	ErrorCount int
	LastError  string
	Uptime     time.Duration
}

// FlowMetrics reports data flow rates for a component
type FlowMetrics struct {
	MessagesPerSecond float64
	BytesPerSecond    float64
	ErrorRate         float64
	LastActivity      time.Time
}

// HealthReporter is implemented by components that expose health status
type HealthReporter interface {
	Health() HealthStatus
}

// FlowReporter is implemented by components that expose data flow metrics
type FlowReporter interface {
	DataFlow() FlowMetrics
}
