// Package tcp provides the TLS socket input that devices stream readings
// into. Each accepted connection is handed to a bounded worker pool; a
// worker runs one connection handler for the lifetime of that connection.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Oberacda/dblogd/component"
	"github.com/Oberacda/dblogd/errors"
	"github.com/Oberacda/dblogd/message"
	"github.com/Oberacda/dblogd/metric"
	"github.com/Oberacda/dblogd/pkg/retry"
	"github.com/Oberacda/dblogd/pkg/worker"
)

// Resolver resolves a sensor name to its stable identity.
type Resolver interface {
	Resolve(ctx context.Context, name string) (int64, error)
}

// Persister commits one decoded reading atomically.
type Persister interface {
	Persist(ctx context.Context, sensorID int64, reading *message.Reading) (int64, error)
}

// Config holds the listener settings.
type Config struct {
	Bind string
	Port int

	// TLS enables encrypted listening when non-nil.
	TLS *tls.Config

	// ReadTimeout closes a connection that stays silent longer than this.
	ReadTimeout time.Duration

	// MaxFrameBytes bounds one newline-delimited message.
	MaxFrameBytes int

	// MessagesPerSecond rate-limits a single connection; 0 disables.
	MessagesPerSecond float64

	// PoolSize is the number of concurrent connection handlers;
	// QueueCapacity bounds connections waiting for a free handler.
	PoolSize      int
	QueueCapacity int
}

// Metrics holds Prometheus metrics for the TCP input.
type Metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionsRejected prometheus.Counter
	messagesReceived    prometheus.Counter
	messagesPersisted   prometheus.Counter
	bytesReceived       prometheus.Counter
	decodeErrors        prometheus.Counter
	persistErrors       prometheus.Counter
	readErrors          prometheus.Counter
	messageLatency      prometheus.Histogram
	lastActivity        prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dblogd",
			Subsystem: "tcp",
			Name:      "connections_accepted_total",
			Help:      "Total connections accepted",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dblogd",
			Subsystem: "tcp",
			Name:      "connections_active",
			Help:      "Connections currently being handled",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dblogd",
			Subsystem: "tcp",
			Name:      "connections_rejected_total",
			Help:      "Connections closed before a handler picked them up",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dblogd",
			Subsystem: "tcp",
			Name:      "messages_received_total",
			Help:      "Total framed messages read from connections",
		}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dblogd",
			Subsystem: "tcp",
			Name:      "messages_persisted_total",
			Help:      "Total readings committed to the store",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dblogd",
			Subsystem: "tcp",
			Name:      "bytes_received_total",
			Help:      "Total bytes received from devices",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dblogd",
			Subsystem: "tcp",
			Name:      "decode_errors_total",
			Help:      "Messages rejected by the decoder",
		}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dblogd",
			Subsystem: "tcp",
			Name:      "persist_errors_total",
			Help:      "Readings that failed to persist",
		}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dblogd",
			Subsystem: "tcp",
			Name:      "read_errors_total",
			Help:      "Transport-level read failures",
		}),
		messageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dblogd",
			Subsystem: "tcp",
			Name:      "message_duration_seconds",
			Help:      "Time from frame read to commit",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dblogd",
			Subsystem: "tcp",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last received message",
		}),
	}

	const serviceName = "tcp_input"
	_ = registry.RegisterCounter(serviceName, "connections_accepted", m.connectionsAccepted)
	_ = registry.RegisterGauge(serviceName, "connections_active", m.connectionsActive)
	_ = registry.RegisterCounter(serviceName, "connections_rejected", m.connectionsRejected)
	_ = registry.RegisterCounter(serviceName, "messages_received", m.messagesReceived)
	_ = registry.RegisterCounter(serviceName, "messages_persisted", m.messagesPersisted)
	_ = registry.RegisterCounter(serviceName, "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter(serviceName, "decode_errors", m.decodeErrors)
	_ = registry.RegisterCounter(serviceName, "persist_errors", m.persistErrors)
	_ = registry.RegisterCounter(serviceName, "read_errors", m.readErrors)
	_ = registry.RegisterHistogram(serviceName, "message_latency", m.messageLatency)
	_ = registry.RegisterGauge(serviceName, "last_activity", m.lastActivity)

	return m
}

// InputDeps holds runtime dependencies for the TCP input.
type InputDeps struct {
	Name            string
	Config          Config
	Resolver        Resolver
	Persister       Persister
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Input is the listening socket component.
type Input struct {
	name      string
	cfg       Config
	resolver  Resolver
	persister Persister
	logger    *slog.Logger
	metrics   *Metrics

	pool *worker.Pool[net.Conn]

	// Lifecycle management
	mu        sync.Mutex
	listener  net.Listener
	conns     map[string]net.Conn
	shutdown  chan struct{}
	done      chan struct{}
	running   atomic.Bool
	startTime time.Time

	// Flow statistics (atomic)
	messagesReceived atomic.Int64
	bytesReceived    atomic.Int64
	errorCount       atomic.Int64
	lastActivity     atomic.Value // stores time.Time
}

var _ component.Lifecycle = (*Input)(nil)
var _ component.HealthReporter = (*Input)(nil)
var _ component.FlowReporter = (*Input)(nil)

// NewInput creates the TCP input component.
func NewInput(deps InputDeps) *Input {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tcp-input", "port", deps.Config.Port)

	i := &Input{
		name:      deps.Name,
		cfg:       deps.Config,
		resolver:  deps.Resolver,
		persister: deps.Persister,
		logger:    logger,
		metrics:   newMetrics(deps.MetricsRegistry),
		conns:     make(map[string]net.Conn),
	}
	i.lastActivity.Store(time.Time{})

	i.pool = worker.NewPool[net.Conn](
		deps.Config.PoolSize,
		deps.Config.QueueCapacity,
		i.handleConnection,
		worker.WithMetricsRegistry[net.Conn](deps.MetricsRegistry, "tcp_connections"),
	)

	return i
}

// Meta returns the component metadata.
func (i *Input) Meta() component.Metadata {
	name := i.name
	if name == "" {
		name = fmt.Sprintf("tcp-input-%d", i.cfg.Port)
	}

	scheme := "tcp"
	if i.cfg.TLS != nil {
		scheme = "tls"
	}

	return component.Metadata{
		Name:        name,
		Type:        "input",
		Description: fmt.Sprintf("%s listener on %s:%d", scheme, i.cfg.Bind, i.cfg.Port),
		Version:     "1.0.0",
	}
}

// Initialize validates configuration and dependencies.
func (i *Input) Initialize() error {
	// Port 0 is allowed for OS auto-assignment.
	if i.cfg.Port < 0 || i.cfg.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", i.cfg.Port),
			"tcp-input", "Initialize", "port validation")
	}
	if i.resolver == nil {
		return errors.WrapInvalid(fmt.Errorf("nil resolver"),
			"tcp-input", "Initialize", "resolver validation")
	}
	if i.persister == nil {
		return errors.WrapInvalid(fmt.Errorf("nil persister"),
			"tcp-input", "Initialize", "persister validation")
	}
	if i.cfg.MaxFrameBytes <= 0 {
		return errors.WrapInvalid(fmt.Errorf("max frame bytes must be positive"),
			"tcp-input", "Initialize", "frame size validation")
	}
	return nil
}

// Start binds the socket and begins accepting connections.
func (i *Input) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.running.Load() {
		return nil
	}

	i.shutdown = make(chan struct{})
	i.done = make(chan struct{})

	if err := retry.Do(ctx, retry.DefaultConfig(), i.bindSocket); err != nil {
		return errors.WrapFatal(err, "tcp-input", "Start", "bind listening socket")
	}

	if err := i.pool.Start(ctx); err != nil {
		_ = i.listener.Close()
		i.listener = nil
		return errors.Wrap(err, "tcp-input", "Start", "start handler pool")
	}

	i.running.Store(true)
	i.startTime = time.Now()

	go func() {
		defer close(i.done)
		i.acceptLoop(ctx)
	}()

	i.logger.Info("listener started",
		"bind", i.cfg.Bind,
		"tls", i.cfg.TLS != nil,
		"pool_size", i.cfg.PoolSize,
		"queue_capacity", i.cfg.QueueCapacity)

	return nil
}

func (i *Input) bindSocket() error {
	addr := net.JoinHostPort(i.cfg.Bind, fmt.Sprintf("%d", i.cfg.Port))

	var (
		ln  net.Listener
		err error
	)
	if i.cfg.TLS != nil {
		ln, err = tls.Listen("tcp", addr, i.cfg.TLS)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	i.listener = ln
	return nil
}

// acceptLoop accepts connections and hands each to the worker pool. The
// submit blocks when all handlers are busy and the queue is full; that is
// the system's only backpressure mechanism.
func (i *Input) acceptLoop(ctx context.Context) {
	for {
		conn, err := i.listener.Accept()
		if err != nil {
			select {
			case <-i.shutdown:
				return
			case <-ctx.Done():
				return
			default:
			}

			i.errorCount.Add(1)
			if i.metrics != nil {
				i.metrics.readErrors.Inc()
			}
			if errors.IsTransient(err) {
				continue
			}

			i.logger.Error("accept loop terminated", "error", err)
			return
		}

		if i.metrics != nil {
			i.metrics.connectionsAccepted.Inc()
		}

		if err := i.pool.SubmitWait(ctx, conn); err != nil {
			// Pool stopped or context ended while waiting for a slot.
			_ = conn.Close()
			if i.metrics != nil {
				i.metrics.connectionsRejected.Inc()
			}

			select {
			case <-i.shutdown:
				return
			case <-ctx.Done():
				return
			default:
				i.logger.Warn("connection dropped before handling",
					"remote", conn.RemoteAddr(),
					"error", err)
			}
		}
	}
}

// Stop closes the listener, interrupts idle connections, and drains the
// handler pool. Handlers finish their current message before exiting.
func (i *Input) Stop(timeout time.Duration) error {
	if !i.running.Load() {
		return nil
	}
	i.running.Store(false)

	i.mu.Lock()
	close(i.shutdown)
	if i.listener != nil {
		_ = i.listener.Close()
	}
	// Unblock handlers sitting in a read. In-flight persists are not
	// affected; they run on an uncancellable context.
	for _, conn := range i.conns {
		_ = conn.Close()
	}
	i.mu.Unlock()

	// The pool stops first: this also unblocks an accept loop waiting in
	// SubmitWait for a free handler slot.
	poolErr := i.pool.Stop(timeout)

	// Connections still queued never reached a handler and are not in
	// i.conns; close them so peers see the shutdown instead of a hang.
	if flushed := i.pool.Flush(func(conn net.Conn) { _ = conn.Close() }); flushed > 0 {
		if i.metrics != nil {
			i.metrics.connectionsRejected.Add(float64(flushed))
		}
		i.logger.Warn("closed queued connections at shutdown", "count", flushed)
	}

	if poolErr != nil {
		return errors.WrapTransient(poolErr, "tcp-input", "Stop", "drain handler pool")
	}

	select {
	case <-i.done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("accept loop did not stop within %v", timeout),
			"tcp-input", "Stop", "graceful shutdown")
	}

	i.mu.Lock()
	i.listener = nil
	i.mu.Unlock()

	i.logger.Info("listener stopped")
	return nil
}

// Health reports whether the listener is accepting connections.
func (i *Input) Health() component.HealthStatus {
	i.mu.Lock()
	bound := i.listener != nil
	i.mu.Unlock()

	return component.HealthStatus{
		Healthy:    i.running.Load() && bound,
		LastCheck:  time.Now(),
		ErrorCount: int(i.errorCount.Load()),
		Uptime:     time.Since(i.startTime),
	}
}

// DataFlow reports message throughput for introspection endpoints.
func (i *Input) DataFlow() component.FlowMetrics {
	messages := i.messagesReceived.Load()
	bytes := i.bytesReceived.Load()
	errorCount := i.errorCount.Load()
	lastActivity, _ := i.lastActivity.Load().(time.Time)

	var messagesPerSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(i.startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(messages) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if messages > 0 {
		errorRate = float64(errorCount) / float64(messages)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Addr returns the bound listener address, or nil before Start.
func (i *Input) Addr() net.Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.listener == nil {
		return nil
	}
	return i.listener.Addr()
}

func (i *Input) trackConn(id string, conn net.Conn) {
	i.mu.Lock()
	i.conns[id] = conn
	i.mu.Unlock()

	if i.metrics != nil {
		i.metrics.connectionsActive.Inc()
	}
}

func (i *Input) untrackConn(id string) {
	i.mu.Lock()
	delete(i.conns, id)
	i.mu.Unlock()

	if i.metrics != nil {
		i.metrics.connectionsActive.Dec()
	}
}
