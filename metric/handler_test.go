package metric

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oberacda/dblogd/health"
)

func TestServer_BindFailureReportsDegraded(t *testing.T) {
	// Occupy a port so ListenAndServe fails with address-in-use.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	monitor := health.NewMonitor()
	srv := NewServer(port, "/metrics", NewMetricsRegistry(), monitor)
	require.NoError(t, srv.Start())
	defer func() { _ = srv.Stop(time.Second) }()

	// The daemon is still ingesting, so a dead metrics endpoint is
	// degraded rather than unhealthy.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := monitor.Get("metrics"); ok {
			assert.True(t, status.IsDegraded())
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("metrics server never reported the bind failure")
}
