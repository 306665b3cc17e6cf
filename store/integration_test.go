//go:build integration

package store

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Oberacda/dblogd/message"
)

func startPostgres(ctx context.Context, t *testing.T) *Store {
	t.Helper()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("sensors"),
		tcpostgres.WithUsername("dblogd"),
		tcpostgres.WithPassword("dblogd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(Config{DSN: dsn, MaxOpenConns: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.EnsureSchema(ctx))

	return s
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM `+table).Scan(&n))
	return n
}

func TestIntegration_ResolveSensorID_ConcurrentFirstSight(t *testing.T) {
	ctx := context.Background()
	s := startPostgres(ctx, t)

	const workers = 16
	ids := make([]int64, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, err := s.ResolveSensorID(ctx, "porch-1")
			assert.NoError(t, err)
			ids[n] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id, "all workers must see one identity")
	}

	var rows int
	require.NoError(t, s.db.QueryRow(
		`SELECT count(*) FROM sensor_name WHERE name = 'porch-1'`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestIntegration_ResolveSensorID_StableAcrossCalls(t *testing.T) {
	ctx := context.Background()
	s := startPostgres(ctx, t)

	first, err := s.ResolveSensorID(ctx, "roof-2")
	require.NoError(t, err)

	second, err := s.ResolveSensorID(ctx, "roof-2")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	looked, err := s.SensorID(ctx, "roof-2")
	require.NoError(t, err)
	assert.Equal(t, first, looked)

	_, err = s.SensorID(ctx, "never-seen")
	assert.Error(t, err)
}

func TestIntegration_Persist_PartialReading(t *testing.T) {
	ctx := context.Background()
	s := startPostgres(ctx, t)

	sensorID, err := s.ResolveSensorID(ctx, "porch-1")
	require.NoError(t, err)

	reading := &message.Reading{
		SensorName: "porch-1",
		Timestamp:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Values: map[message.Kind]float64{
			message.KindTemperature: 21.5,
			message.KindHumidity:    40.2,
		},
	}

	recordID, err := s.Persist(ctx, sensorID, reading)
	require.NoError(t, err)
	assert.Positive(t, recordID)

	assert.Equal(t, 1, countRows(t, s.db, "records"))
	assert.Equal(t, 1, countRows(t, s.db, "temperature"))
	assert.Equal(t, 1, countRows(t, s.db, "humidity"))
	assert.Equal(t, 0, countRows(t, s.db, "pressure"))

	var celsius float64
	require.NoError(t, s.db.QueryRow(
		`SELECT celsius FROM temperature WHERE record_id = $1`, recordID).Scan(&celsius))
	assert.Equal(t, 21.5, celsius)

	// Partial readings never surface in the aggregated view.
	assert.Equal(t, 0, countRows(t, s.db, "records_environmental"))
}

func TestIntegration_Persist_EmptyReading(t *testing.T) {
	ctx := context.Background()
	s := startPostgres(ctx, t)

	sensorID, err := s.ResolveSensorID(ctx, "porch-1")
	require.NoError(t, err)

	reading := &message.Reading{
		SensorName: "porch-1",
		Timestamp:  time.Now().UTC(),
		Values:     map[message.Kind]float64{},
	}

	recordID, err := s.Persist(ctx, sensorID, reading)
	require.NoError(t, err)
	assert.Positive(t, recordID)

	assert.Equal(t, 1, countRows(t, s.db, "records"))
	for _, kind := range message.Kinds() {
		kt, err := tableFor(kind)
		require.NoError(t, err)
		assert.Zero(t, countRows(t, s.db, kt.table))
	}
}

func TestIntegration_Persist_FullReadingAppearsInView(t *testing.T) {
	ctx := context.Background()
	s := startPostgres(ctx, t)

	sensorID, err := s.ResolveSensorID(ctx, "porch-1")
	require.NoError(t, err)

	full := &message.Reading{
		SensorName: "porch-1",
		Timestamp:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Values: map[message.Kind]float64{
			message.KindTemperature: 21.5,
			message.KindHumidity:    40.2,
			message.KindPressure:    1013.25,
			message.KindIlluminance: 5020.0,
			message.KindUVIndex:     3.1,
			message.KindUVA:         12.4,
			message.KindUVB:         0.8,
		},
	}

	recordID, err := s.Persist(ctx, sensorID, full)
	require.NoError(t, err)

	var (
		name    string
		celsius float64
		uvIndex float64
	)
	require.NoError(t, s.db.QueryRow(
		`SELECT name, celsius, uv_index FROM records_environmental WHERE id = $1`,
		recordID).Scan(&name, &celsius, &uvIndex))
	assert.Equal(t, "porch-1", name)
	assert.Equal(t, 21.5, celsius)
	assert.Equal(t, 3.1, uvIndex)

	// Six of seven kinds must not appear.
	sixOfSeven := &message.Reading{
		SensorName: "porch-1",
		Timestamp:  time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		Values:     map[message.Kind]float64{},
	}
	for kind, v := range full.Values {
		if kind == message.KindUVB {
			continue
		}
		sixOfSeven.Values[kind] = v
	}

	partialID, err := s.Persist(ctx, sensorID, sixOfSeven)
	require.NoError(t, err)

	var views int
	require.NoError(t, s.db.QueryRow(
		`SELECT count(*) FROM records_environmental WHERE id = $1`, partialID).Scan(&views))
	assert.Zero(t, views)
}

func TestIntegration_Persist_RollsBackOnMeasurementFailure(t *testing.T) {
	ctx := context.Background()
	s := startPostgres(ctx, t)

	sensorID, err := s.ResolveSensorID(ctx, "porch-1")
	require.NoError(t, err)

	// Force the final measurement insert to fail mid-transaction.
	_, err = s.db.Exec(`ALTER TABLE uvb ADD CONSTRAINT uvb_nonnegative CHECK (uvb >= 0)`)
	require.NoError(t, err)

	reading := &message.Reading{
		SensorName: "porch-1",
		Timestamp:  time.Now().UTC(),
		Values: map[message.Kind]float64{
			message.KindTemperature: 21.5,
			message.KindHumidity:    40.2,
			message.KindUVB:         -1.0,
		},
	}

	_, err = s.Persist(ctx, sensorID, reading)
	require.Error(t, err)

	// Full rollback: no record, no measurement rows from the failed unit.
	assert.Zero(t, countRows(t, s.db, "records"))
	assert.Zero(t, countRows(t, s.db, "temperature"))
	assert.Zero(t, countRows(t, s.db, "humidity"))
	assert.Zero(t, countRows(t, s.db, "uvb"))
}

func TestIntegration_Persist_UnknownSensorFails(t *testing.T) {
	ctx := context.Background()
	s := startPostgres(ctx, t)

	reading := &message.Reading{
		SensorName: "ghost",
		Timestamp:  time.Now().UTC(),
		Values:     map[message.Kind]float64{message.KindHumidity: 40.0},
	}

	_, err := s.Persist(ctx, 424242, reading)
	require.Error(t, err)
	assert.Zero(t, countRows(t, s.db, "records"))
}
