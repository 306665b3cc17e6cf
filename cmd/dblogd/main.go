// Package main implements the entry point for the dblogd daemon.
// dblogd accepts environmental sensor readings from concurrent devices
// over TLS sockets and an optional MQTT subscription, and persists each
// reading atomically into Postgres.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Oberacda/dblogd/config"
	"github.com/Oberacda/dblogd/health"
	"github.com/Oberacda/dblogd/input/mqtt"
	"github.com/Oberacda/dblogd/input/tcp"
	"github.com/Oberacda/dblogd/metric"
	"github.com/Oberacda/dblogd/pkg/tlsutil"
	"github.com/Oberacda/dblogd/registry"
	"github.com/Oberacda/dblogd/store"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dblogd"
)

const healthCheckInterval = 15 * time.Second

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Run application with proper error handling
	if err := run(); err != nil {
		slog.Error("Daemon failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// Parse and validate CLI flags
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	// Load and validate configuration
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg, cliCfg)

	if cliCfg.Validate {
		fmt.Println("Configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	slog.Info("Starting dblogd (environmental sensor telemetry logger)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	// Signal handling covers the whole daemon lifetime so a signal during
	// startup (e.g. while waiting for the database) also terminates cleanly.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics registry is optional; inputs and the store accept nil and
	// simply skip instrumentation.
	var metricsRegistry *metric.MetricsRegistry
	var coreMetrics *metric.Metrics
	var monitorOpts []health.Option
	if cfg.Metrics.Enabled {
		metricsRegistry = metric.NewMetricsRegistry()
		coreMetrics = metricsRegistry.CoreMetrics()
		// Mirror health transitions into the health check gauge.
		monitorOpts = append(monitorOpts, health.WithObserver(coreMetrics.RecordHealthStatus))
	}
	monitor := health.NewMonitor(monitorOpts...)

	// Database connection and schema
	markComponent(coreMetrics, "store", metric.StatusStarting)
	st, err := setupStore(ctx, cfg, logger, metricsRegistry)
	if err != nil {
		markComponent(coreMetrics, "store", metric.StatusFailed)
		return err
	}
	defer func() { _ = st.Close() }()
	markComponent(coreMetrics, "store", metric.StatusRunning)
	monitor.UpdateHealthy("store", "connected")

	sensorRegistry := registry.New(st, registry.WithLogger(logger))

	// Inputs
	tcpInput, err := setupTCPInput(cfg, sensorRegistry, st, metricsRegistry, logger)
	if err != nil {
		return err
	}

	mqttInput, err := setupMQTTInput(cfg, sensorRegistry, st, metricsRegistry, logger)
	if err != nil {
		return err
	}

	// Metrics/health HTTP endpoint
	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry, monitor)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		slog.Info("Metrics endpoint listening", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	// Start inputs
	markComponent(coreMetrics, "tcp_input", metric.StatusStarting)
	if err := tcpInput.Start(ctx); err != nil {
		markComponent(coreMetrics, "tcp_input", metric.StatusFailed)
		return fmt.Errorf("start tcp input: %w", err)
	}
	markComponent(coreMetrics, "tcp_input", metric.StatusRunning)
	slog.Info("TCP input listening", "bind", cfg.Server.BindAddress, "port", cfg.Server.Port,
		"tls", cfg.Server.TLS.Enabled)

	if mqttInput != nil {
		markComponent(coreMetrics, "mqtt_input", metric.StatusStarting)
		if err := mqttInput.Start(ctx); err != nil {
			// The broker is a secondary ingest path; keep serving TCP.
			slog.Warn("MQTT input failed to start, continuing without it", "error", err)
			markComponent(coreMetrics, "mqtt_input", metric.StatusFailed)
			monitor.UpdateUnhealthy("mqtt_input", err.Error())
			mqttInput = nil
		} else {
			markComponent(coreMetrics, "mqtt_input", metric.StatusRunning)
			slog.Info("MQTT input subscribed", "host", cfg.MQTT.Host, "topic", cfg.MQTT.Topic)
		}
	}

	go healthLoop(ctx, monitor, st, tcpInput, mqttInput)

	slog.Info("dblogd started successfully")
	<-ctx.Done()
	slog.Info("Received shutdown signal")

	shutdown(cfg.ShutdownTimeout.Std(), coreMetrics, tcpInput, mqttInput, metricsServer)
	slog.Info("dblogd shutdown complete")
	return nil
}

// applyCLIOverrides lets flags take precedence over the configuration file.
func applyCLIOverrides(cfg *config.Config, cliCfg *CLIConfig) {
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
	if cliCfg.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = config.Duration(cliCfg.ShutdownTimeout)
	}
}

// setupStore opens the database, waits for connectivity, and ensures the
// schema exists.
func setupStore(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
) (*store.Store, error) {
	opts := []store.Option{store.WithLogger(logger)}
	if metricsRegistry != nil {
		opts = append(opts, store.WithMetrics(metricsRegistry.CoreMetrics()))
	}

	st, err := store.Open(store.Config{DSN: cfg.Database.DSN()}, opts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	slog.Info("Connecting to database", "host", cfg.Database.Host, "port", cfg.Database.Port,
		"database", cfg.Database.Name)
	if err := st.Connect(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("Database schema ready")

	return st, nil
}

// setupTCPInput creates and initializes the TCP listener input.
func setupTCPInput(
	cfg *config.Config,
	resolver tcp.Resolver,
	persister tcp.Persister,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*tcp.Input, error) {
	tlsCfg, err := tlsutil.LoadServerTLSConfigWithMTLS(cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("load server TLS config: %w", err)
	}

	input := tcp.NewInput(tcp.InputDeps{
		Name: "tcp_input",
		Config: tcp.Config{
			Bind:              cfg.Server.BindAddress,
			Port:              cfg.Server.Port,
			TLS:               tlsCfg,
			ReadTimeout:       cfg.Server.ReadTimeout.Std(),
			MaxFrameBytes:     cfg.Server.MaxFrameBytes,
			MessagesPerSecond: cfg.Server.MessagesPerSecond,
			PoolSize:          cfg.Workers.PoolSize,
			QueueCapacity:     cfg.Workers.QueueCapacity,
		},
		Resolver:        resolver,
		Persister:       persister,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	})

	if err := input.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize tcp input: %w", err)
	}
	return input, nil
}

// setupMQTTInput creates and initializes the optional MQTT subscriber.
// Returns nil when MQTT ingest is disabled.
func setupMQTTInput(
	cfg *config.Config,
	resolver mqtt.Resolver,
	persister mqtt.Persister,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*mqtt.Input, error) {
	if !cfg.MQTT.Enabled {
		return nil, nil
	}

	tlsCfg, err := tlsutil.LoadClientTLSConfigWithMTLS(cfg.MQTT.TLS)
	if err != nil {
		return nil, fmt.Errorf("load MQTT TLS config: %w", err)
	}

	input := mqtt.NewInput(mqtt.InputDeps{
		Name: "mqtt_input",
		Config: mqtt.Config{
			Host:     cfg.MQTT.Host,
			Port:     cfg.MQTT.Port,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			TLS:      tlsCfg,
		},
		Resolver:        resolver,
		Persister:       persister,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	})

	if err := input.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize mqtt input: %w", err)
	}
	return input, nil
}

// healthLoop periodically refreshes the health monitor from the live
// components until the daemon context is canceled.
func healthLoop(
	ctx context.Context,
	monitor *health.Monitor,
	st *store.Store,
	tcpInput *tcp.Input,
	mqttInput *mqtt.Input,
) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if st.Healthy(ctx) {
				monitor.UpdateHealthy("store", "connected")
			} else {
				monitor.UpdateUnhealthy("store", "ping failed")
			}
			monitor.UpdateFromComponent("tcp_input", tcpInput.Health())
			if mqttInput != nil {
				monitor.UpdateFromComponent("mqtt_input", mqttInput.Health())
			}
		}
	}
}

// markComponent records a component lifecycle transition on the status gauge.
// No-op when metrics are disabled.
func markComponent(core *metric.Metrics, name string, status int) {
	if core != nil {
		core.RecordComponentStatus(name, status)
	}
}

// shutdown stops components in reverse startup order. Inputs drain first so
// no reading accepted before the signal is lost; the metrics endpoint goes
// last so health stays observable during the drain.
func shutdown(timeout time.Duration, core *metric.Metrics, tcpInput *tcp.Input, mqttInput *mqtt.Input, metricsServer *metric.Server) {
	deadline := time.Now().Add(timeout)

	if mqttInput != nil {
		markComponent(core, "mqtt_input", metric.StatusStopping)
		if err := mqttInput.Stop(time.Until(deadline)); err != nil {
			slog.Error("Error stopping MQTT input", "error", err)
		}
		markComponent(core, "mqtt_input", metric.StatusStopped)
	}

	markComponent(core, "tcp_input", metric.StatusStopping)
	if err := tcpInput.Stop(time.Until(deadline)); err != nil {
		slog.Error("Error stopping TCP input", "error", err)
	}
	markComponent(core, "tcp_input", metric.StatusStopped)

	if metricsServer != nil {
		remaining := time.Until(deadline)
		if remaining < time.Second {
			remaining = time.Second
		}
		if err := metricsServer.Stop(remaining); err != nil {
			slog.Error("Error stopping metrics server", "error", err)
		}
	}
}
