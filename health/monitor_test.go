package health

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oberacda/dblogd/component"
)

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("tcp-input", "listening")
	status, ok := m.Get("tcp-input")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "tcp-input", status.Component)
	assert.False(t, status.Timestamp.IsZero())

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestMonitor_AggregateHealth(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("tcp-input", "listening")
	m.UpdateHealthy("store", "connected")

	agg := m.AggregateHealth("dblogd")
	assert.True(t, agg.Healthy)
	assert.Len(t, agg.SubStatuses, 2)

	m.UpdateDegraded("store", "reconnecting")
	agg = m.AggregateHealth("dblogd")
	assert.True(t, agg.IsDegraded())

	m.UpdateUnhealthy("store", "connection refused")
	agg = m.AggregateHealth("dblogd")
	assert.True(t, agg.IsUnhealthy())
	assert.False(t, agg.Healthy)
}

func TestMonitor_ConcurrentUpdates(t *testing.T) {
	m := NewMonitor()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("component-%d", n%4)
			for j := 0; j < 50; j++ {
				m.UpdateHealthy(name, "ok")
				_, _ = m.Get(name)
				_ = m.AggregateHealth("dblogd")
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, m.Count())
}

func TestMonitor_ObserverSeesTransitions(t *testing.T) {
	type event struct {
		name    string
		healthy bool
	}
	var events []event
	m := NewMonitor(WithObserver(func(name string, healthy bool) {
		events = append(events, event{name, healthy})
	}))

	m.UpdateHealthy("store", "connected")
	m.UpdateUnhealthy("store", "connection refused")
	// Degraded still counts as up for the binary health gauge.
	m.UpdateDegraded("store", "reconnecting")

	require.Len(t, events, 3)
	assert.Equal(t, event{"store", true}, events[0])
	assert.Equal(t, event{"store", false}, events[1])
	assert.Equal(t, event{"store", true}, events[2])
}

func TestMonitor_UpdateFromComponent(t *testing.T) {
	m := NewMonitor()

	m.UpdateFromComponent("tcp-input", component.HealthStatus{
		Healthy:   false,
		LastError: "read tcp 10.0.0.2:443: connection reset",
	})

	status, ok := m.Get("tcp-input")
	require.True(t, ok)
	assert.True(t, status.IsUnhealthy())
	assert.NotContains(t, status.Message, "10.0.0.2")
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		notWant []string
	}{
		{"url", "dial postgres://user:pw@db.local failed", []string{"postgres://"}},
		{"ip and port", "connect to 192.168.1.50:5432 refused", []string{"192.168.1.50", ":5432"}},
		{"path", "open /etc/dblogd/server.key denied", []string{"/etc/dblogd"}},
		{"credential", "auth failed: password=hunter2", []string{"hunter2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := sanitizeErrorMessage(tt.in)
			for _, secret := range tt.notWant {
				assert.NotContains(t, out, secret)
			}
		})
	}
}

func TestFromComponentHealth(t *testing.T) {
	ch := component.HealthStatus{
		Healthy:    false,
		ErrorCount: 3,
		LastError:  "read tcp 10.0.0.2:443: connection reset",
	}
	status := FromComponentHealth("tcp-input", ch)
	assert.True(t, status.IsUnhealthy())
	assert.NotContains(t, status.Message, "10.0.0.2")
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 3, status.Metrics.ErrorCount)
}
