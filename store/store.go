// Package store persists decoded sensor readings into Postgres.
//
// The store is the sole writer of record and measurement rows. Each reading
// commits as one transaction: one row in records plus one row per present
// measurement kind. Sensor identities are created with a conflict-tolerant
// upsert so concurrent first-sight inserts of the same name can never
// produce duplicates.
package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/Oberacda/dblogd/errors"
	"github.com/Oberacda/dblogd/message"
	"github.com/Oberacda/dblogd/metric"
	"github.com/Oberacda/dblogd/pkg/retry"
)

// Config holds connection settings for the store.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store wraps the Postgres connection pool.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With("component", "store")
		}
	}
}

// WithMetrics wires store health and persistence metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Open creates a Store from the given configuration. The connection is
// established lazily; call Connect to verify reachability.
func Open(cfg Config, opts ...Option) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "store", "Open", "read connection string")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.WrapFatal(err, "store", "Open", "open connection pool")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Connect verifies the store is reachable, retrying with backoff until it
// is or the context ends. Startup blocks on this so the daemon never begins
// accepting traffic it cannot persist.
func (s *Store) Connect(ctx context.Context) error {
	attempt := 0
	err := retry.Do(ctx, retry.Persistent(), func() error {
		attempt++
		pingErr := s.db.PingContext(ctx)
		if pingErr != nil {
			s.logger.Warn("store unreachable, retrying",
				"attempt", attempt,
				"error", pingErr)
			if s.metrics != nil {
				s.metrics.RecordStoreStatus(false)
				s.metrics.RecordStoreReconnect()
			}
		}
		return pingErr
	})
	if err != nil {
		return errors.WrapTransient(err, "store", "Connect", "reach database")
	}

	if s.metrics != nil {
		s.metrics.RecordStoreStatus(true)
	}
	s.logger.Info("store connected", "attempts", attempt)
	return nil
}

// Healthy reports whether the store currently answers a ping.
func (s *Store) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	healthy := s.db.PingContext(ctx) == nil
	if s.metrics != nil {
		s.metrics.RecordStoreStatus(healthy)
	}
	return healthy
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.metrics != nil {
		s.metrics.RecordStoreStatus(false)
	}
	return s.db.Close()
}

// ResolveSensorID inserts the sensor name if unseen and returns its id.
// The upsert form makes concurrent first-sight resolution of the same name
// race-free: both sides land on the same row and get the same id back.
func (s *Store) ResolveSensorID(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, errors.WrapInvalid(errors.ErrMissingSensor, "store", "ResolveSensorID", "validate name")
	}

	// DO UPDATE (rather than DO NOTHING) so RETURNING yields the id on
	// the conflict path as well.
	const upsert = `INSERT INTO sensor_name (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`

	var id int64
	if err := s.db.QueryRowContext(ctx, upsert, name).Scan(&id); err != nil {
		return 0, classifyPQ(err, "store", "ResolveSensorID", "upsert sensor name")
	}

	return id, nil
}

// SensorID looks up an existing sensor name without creating it.
func (s *Store) SensorID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sensor_name WHERE name = $1`, name).Scan(&id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, errors.WrapInvalid(errors.ErrSensorNotFound, "store", "SensorID", "look up sensor name")
	}
	if err != nil {
		return 0, classifyPQ(err, "store", "SensorID", "look up sensor name")
	}
	return id, nil
}

// Persist commits one reading as a single transaction: one records row plus
// one row per measurement kind present in the reading. Any failure rolls
// the whole unit back; a partial record is never observable. Returns the
// new record id.
func (s *Store) Persist(ctx context.Context, sensorID int64, reading *message.Reading) (int64, error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.RecordMessageReceived("store", "reading")
	}

	recordID, err := s.persistTx(ctx, sensorID, reading)

	if s.metrics != nil {
		s.metrics.RecordProcessingDuration("store", "persist", time.Since(start))
		status := "success"
		if err != nil {
			status = "error"
			s.metrics.RecordError("store", errorClass(err))
		}
		s.metrics.RecordMessageProcessed("store", "reading", status)
	}

	return recordID, err
}

// errorClass buckets an error for the errors_total metric label.
func errorClass(err error) string {
	switch {
	case errors.IsInvalid(err):
		return "invalid"
	case errors.IsFatal(err):
		return "fatal"
	default:
		return "transient"
	}
}

func (s *Store) persistTx(ctx context.Context, sensorID int64, reading *message.Reading) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifyPQ(err, "store", "Persist", "begin transaction")
	}
	// No-op after a successful commit.
	defer func() { _ = tx.Rollback() }()

	var recordID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO records (timestamp, sensor_id) VALUES ($1, $2) RETURNING id`,
		reading.Timestamp, sensorID,
	).Scan(&recordID)
	if err != nil {
		return 0, classifyPQ(err, "store", "Persist", "insert record")
	}

	// Deterministic kind order keeps transaction shapes consistent and
	// avoids lock-order surprises between concurrent persists.
	for _, kind := range message.Kinds() {
		value, present := reading.Values[kind]
		if !present {
			continue
		}

		kt, err := tableFor(kind)
		if err != nil {
			return 0, err
		}

		stmt := fmt.Sprintf(`INSERT INTO %s (record_id, %s) VALUES ($1, $2)`, kt.table, kt.column)
		if _, err := tx.ExecContext(ctx, stmt, recordID, value); err != nil {
			return 0, classifyPQ(err, "store", "Persist",
				fmt.Sprintf("insert %s measurement", kt.table))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, classifyPQ(err, "store", "Persist", "commit transaction")
	}

	return recordID, nil
}

// classifyPQ translates driver errors into the daemon's error classes.
// Connection-class failures are transient (the store may come back);
// constraint violations are invalid (retrying the same data cannot help).
func classifyPQ(err error, component, method, action string) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		class := string(pqErr.Code.Class())
		switch {
		case class == "08": // connection exceptions
			return errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
				component, method, action)
		case class == "53", class == "57", class == "58": // resources, operator intervention, system
			return errors.WrapTransient(err, component, method, action)
		case class == "22", class == "23": // data, integrity
			return errors.WrapInvalid(err, component, method, action)
		case class == "42": // syntax or access rule: a bug or a broken schema
			return errors.WrapFatal(err, component, method, action)
		}
	}

	if errors.IsTransient(err) {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
			component, method, action)
	}

	return errors.WrapTransient(err, component, method, action)
}
