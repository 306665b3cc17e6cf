// Package component defines the lifecycle contract and introspection types
// shared by the daemon's long-running components (ingest inputs, the store).
package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component
type State int

const (
	// StateCreated indicates component was created but not initialized
	StateCreated State = iota
	// StateInitialized indicates component was initialized but not started
	StateInitialized
	// StateStarted indicates component is running
	StateStarted
	// StateStopped indicates component was stopped
	StateStopped
	// StateFailed indicates component failed during lifecycle operation
	StateFailed
)

// String returns a string representation of the component state
func (cs State) String() string {
	switch cs {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Lifecycle defines components that support full lifecycle management:
//   - Initialize() error                 // Setup/validate only, NO context
//   - Start(ctx context.Context) error   // Start with context passed through
//   - Stop(timeout time.Duration) error  // Stop with timeout for graceful shutdown
//
// The component never stores the context it receives; the caller owns
// cancellation and uses Stop to bound the drain.
type Lifecycle interface {
	Meta() Metadata
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}
