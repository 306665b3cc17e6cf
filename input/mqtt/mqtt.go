// Package mqtt provides an optional broker-fed input for deployments where
// devices publish readings over MQTT instead of connecting directly. The
// payload format is identical to the TCP input's framed messages.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Oberacda/dblogd/component"
	"github.com/Oberacda/dblogd/errors"
	"github.com/Oberacda/dblogd/message"
	"github.com/Oberacda/dblogd/metric"
)

// Resolver resolves a sensor name to its stable identity.
type Resolver interface {
	Resolve(ctx context.Context, name string) (int64, error)
}

// Persister commits one decoded reading atomically.
type Persister interface {
	Persist(ctx context.Context, sensorID int64, reading *message.Reading) (int64, error)
}

// Config holds the broker connection settings.
type Config struct {
	Host     string
	Port     int
	Topic    string
	QoS      byte
	ClientID string
	Username string
	Password string

	// TLS enables an encrypted broker connection when non-nil.
	TLS *tls.Config

	// ConnectTimeout bounds the initial broker handshake.
	ConnectTimeout time.Duration
}

// Metrics holds Prometheus metrics for the MQTT input.
type Metrics struct {
	messagesReceived  prometheus.Counter
	messagesPersisted prometheus.Counter
	decodeErrors      prometheus.Counter
	persistErrors     prometheus.Counter
	connected         prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dblogd",
			Subsystem: "mqtt",
			Name:      "messages_received_total",
			Help:      "Total messages received from the broker",
		}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dblogd",
			Subsystem: "mqtt",
			Name:      "messages_persisted_total",
			Help:      "Total readings committed to the store",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dblogd",
			Subsystem: "mqtt",
			Name:      "decode_errors_total",
			Help:      "Messages rejected by the decoder",
		}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dblogd",
			Subsystem: "mqtt",
			Name:      "persist_errors_total",
			Help:      "Readings that failed to persist",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dblogd",
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "Broker connection status (0=disconnected, 1=connected)",
		}),
	}

	const serviceName = "mqtt_input"
	_ = registry.RegisterCounter(serviceName, "messages_received", m.messagesReceived)
	_ = registry.RegisterCounter(serviceName, "messages_persisted", m.messagesPersisted)
	_ = registry.RegisterCounter(serviceName, "decode_errors", m.decodeErrors)
	_ = registry.RegisterCounter(serviceName, "persist_errors", m.persistErrors)
	_ = registry.RegisterGauge(serviceName, "connected", m.connected)

	return m
}

// InputDeps holds runtime dependencies for the MQTT input.
type InputDeps struct {
	Name            string
	Config          Config
	Resolver        Resolver
	Persister       Persister
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Input subscribes to one broker topic and feeds readings into the same
// resolve-persist pipeline as the TCP input.
type Input struct {
	name      string
	cfg       Config
	resolver  Resolver
	persister Persister
	logger    *slog.Logger
	metrics   *Metrics

	client    pahomqtt.Client
	running   atomic.Bool
	startTime time.Time

	messagesReceived atomic.Int64
	errorCount       atomic.Int64
	lastActivity     atomic.Value // stores time.Time
}

var _ component.Lifecycle = (*Input)(nil)
var _ component.HealthReporter = (*Input)(nil)
var _ component.FlowReporter = (*Input)(nil)

// NewInput creates the MQTT input component.
func NewInput(deps InputDeps) *Input {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt-input", "topic", deps.Config.Topic)

	i := &Input{
		name:      deps.Name,
		cfg:       deps.Config,
		resolver:  deps.Resolver,
		persister: deps.Persister,
		logger:    logger,
		metrics:   newMetrics(deps.MetricsRegistry),
	}
	i.lastActivity.Store(time.Time{})
	return i
}

// Meta returns the component metadata.
func (i *Input) Meta() component.Metadata {
	name := i.name
	if name == "" {
		name = "mqtt-input"
	}
	return component.Metadata{
		Name:        name,
		Type:        "input",
		Description: fmt.Sprintf("MQTT subscriber for %s on %s:%d", i.cfg.Topic, i.cfg.Host, i.cfg.Port),
		Version:     "1.0.0",
	}
}

// Initialize validates configuration and dependencies.
func (i *Input) Initialize() error {
	if i.cfg.Host == "" {
		return errors.WrapInvalid(fmt.Errorf("empty broker host"),
			"mqtt-input", "Initialize", "broker validation")
	}
	if i.cfg.Port < 1 || i.cfg.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", i.cfg.Port),
			"mqtt-input", "Initialize", "port validation")
	}
	if i.cfg.Topic == "" {
		return errors.WrapInvalid(fmt.Errorf("empty topic"),
			"mqtt-input", "Initialize", "topic validation")
	}
	if i.cfg.QoS > 2 {
		return errors.WrapInvalid(fmt.Errorf("qos %d out of range", i.cfg.QoS),
			"mqtt-input", "Initialize", "qos validation")
	}
	if i.resolver == nil {
		return errors.WrapInvalid(fmt.Errorf("nil resolver"),
			"mqtt-input", "Initialize", "resolver validation")
	}
	if i.persister == nil {
		return errors.WrapInvalid(fmt.Errorf("nil persister"),
			"mqtt-input", "Initialize", "persister validation")
	}
	return nil
}

// Start connects to the broker and subscribes.
func (i *Input) Start(ctx context.Context) error {
	if i.running.Load() {
		return nil
	}

	scheme := "tcp"
	if i.cfg.TLS != nil {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, i.cfg.Host, i.cfg.Port)

	clientID := i.cfg.ClientID
	if clientID == "" {
		clientID = "dblogd"
	}

	connectTimeout := i.cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(func(client pahomqtt.Client) {
			i.logger.Info("broker connected", "broker", broker)
			if i.metrics != nil {
				i.metrics.connected.Set(1)
			}
			// Re-subscribe on every (re)connect.
			token := client.Subscribe(i.cfg.Topic, i.cfg.QoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
				i.handleMessage(ctx, msg.Payload())
			})
			token.Wait()
			if err := token.Error(); err != nil {
				i.logger.Error("topic subscription failed", "topic", i.cfg.Topic, "error", err)
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			i.logger.Warn("broker connection lost", "error", err)
			if i.metrics != nil {
				i.metrics.connected.Set(0)
			}
		})

	if i.cfg.Username != "" {
		opts.SetUsername(i.cfg.Username)
		opts.SetPassword(i.cfg.Password)
	}
	if i.cfg.TLS != nil {
		opts.SetTLSConfig(i.cfg.TLS)
	}

	i.client = pahomqtt.NewClient(opts)

	token := i.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.WrapTransient(errors.ErrConnectionTimeout,
			"mqtt-input", "Start", "connect to broker")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "mqtt-input", "Start", "connect to broker")
	}

	i.running.Store(true)
	i.startTime = time.Now()
	return nil
}

// handleMessage runs one decode-resolve-persist cycle for a broker message.
func (i *Input) handleMessage(ctx context.Context, payload []byte) {
	i.messagesReceived.Add(1)
	i.lastActivity.Store(time.Now())
	if i.metrics != nil {
		i.metrics.messagesReceived.Inc()
	}

	reading, err := message.Decode(payload)
	if err != nil {
		i.errorCount.Add(1)
		if i.metrics != nil {
			i.metrics.decodeErrors.Inc()
		}
		i.logger.Warn("message discarded", "error", err)
		return
	}

	persistCtx := context.WithoutCancel(ctx)

	sensorID, err := i.resolver.Resolve(persistCtx, reading.SensorName)
	if err != nil {
		i.errorCount.Add(1)
		if i.metrics != nil {
			i.metrics.persistErrors.Inc()
		}
		i.logger.Warn("sensor resolution failed", "sensor", reading.SensorName, "error", err)
		return
	}

	recordID, err := i.persister.Persist(persistCtx, sensorID, reading)
	if err != nil {
		i.errorCount.Add(1)
		if i.metrics != nil {
			i.metrics.persistErrors.Inc()
		}
		i.logger.Warn("reading dropped", "sensor", reading.SensorName, "error", err)
		return
	}

	if i.metrics != nil {
		i.metrics.messagesPersisted.Inc()
	}
	i.logger.Debug("reading persisted",
		"sensor", reading.SensorName,
		"record_id", recordID,
		"kinds", len(reading.Values))
}

// Stop unsubscribes and disconnects from the broker, letting in-flight
// handlers finish within the timeout.
func (i *Input) Stop(timeout time.Duration) error {
	if !i.running.Load() {
		return nil
	}
	i.running.Store(false)

	if i.client != nil {
		token := i.client.Unsubscribe(i.cfg.Topic)
		token.WaitTimeout(timeout)

		// Disconnect waits this many milliseconds for work to drain.
		i.client.Disconnect(uint(timeout.Milliseconds()))
	}

	if i.metrics != nil {
		i.metrics.connected.Set(0)
	}
	i.logger.Info("broker disconnected")
	return nil
}

// Health reports broker connectivity.
func (i *Input) Health() component.HealthStatus {
	connected := i.client != nil && i.client.IsConnected()

	return component.HealthStatus{
		Healthy:    i.running.Load() && connected,
		LastCheck:  time.Now(),
		ErrorCount: int(i.errorCount.Load()),
		Uptime:     time.Since(i.startTime),
	}
}

// DataFlow reports message throughput for introspection endpoints.
func (i *Input) DataFlow() component.FlowMetrics {
	messages := i.messagesReceived.Load()
	errorCount := i.errorCount.Load()
	lastActivity, _ := i.lastActivity.Load().(time.Time)

	var messagesPerSecond, errorRate float64
	if uptime := time.Since(i.startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(messages) / uptime
	}
	if messages > 0 {
		errorRate = float64(errorCount) / float64(messages)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}
