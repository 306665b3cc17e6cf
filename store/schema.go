package store

import (
	"context"

	"github.com/Oberacda/dblogd/errors"
	"github.com/Oberacda/dblogd/message"
)

// kindTable maps a measurement kind to its table and value column. The
// table-per-kind layout lets sensors report any subset of kinds without
// nullable-column sprawl; the cost is the multi-insert transaction in
// Persist.
type kindTable struct {
	table  string
	column string
}

var kindTables = map[message.Kind]kindTable{
	message.KindTemperature: {table: "temperature", column: "celsius"},
	message.KindHumidity:    {table: "humidity", column: "humidity"},
	message.KindPressure:    {table: "pressure", column: "pressure"},
	message.KindIlluminance: {table: "illuminance", column: "illuminance"},
	message.KindUVIndex:     {table: "uv_index", column: "uv_index"},
	message.KindUVA:         {table: "uva", column: "uva"},
	message.KindUVB:         {table: "uvb", column: "uvb"},
}

// schemaStatements creates the tables and the aggregated view. The layout
// is a compatibility contract with existing deployments and their readers;
// renaming anything here breaks them.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sensor_name (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		sensor_id BIGINT NOT NULL REFERENCES sensor_name (id) ON UPDATE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS temperature (
		record_id BIGINT PRIMARY KEY REFERENCES records (id) ON UPDATE CASCADE ON DELETE CASCADE,
		celsius DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS humidity (
		record_id BIGINT PRIMARY KEY REFERENCES records (id) ON UPDATE CASCADE ON DELETE CASCADE,
		humidity DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pressure (
		record_id BIGINT PRIMARY KEY REFERENCES records (id) ON UPDATE CASCADE ON DELETE CASCADE,
		pressure DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS illuminance (
		record_id BIGINT PRIMARY KEY REFERENCES records (id) ON UPDATE CASCADE ON DELETE CASCADE,
		illuminance DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS uv_index (
		record_id BIGINT PRIMARY KEY REFERENCES records (id) ON UPDATE CASCADE ON DELETE CASCADE,
		uv_index DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS uva (
		record_id BIGINT PRIMARY KEY REFERENCES records (id) ON UPDATE CASCADE ON DELETE CASCADE,
		uva DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS uvb (
		record_id BIGINT PRIMARY KEY REFERENCES records (id) ON UPDATE CASCADE ON DELETE CASCADE,
		uvb DOUBLE PRECISION NOT NULL
	)`,
	// Inner joins across all seven kind tables: a record surfaces here
	// only when every kind is present. Partial readings stay in the base
	// tables but never appear in this view.
	`CREATE OR REPLACE VIEW records_environmental AS
	SELECT records.id,
		records.timestamp,
		sensor_name.name,
		temperature.celsius,
		humidity.humidity,
		pressure.pressure,
		illuminance.illuminance,
		uva.uva,
		uvb.uvb,
		uv_index.uv_index
	FROM records
	INNER JOIN sensor_name ON records.sensor_id = sensor_name.id
	INNER JOIN temperature ON records.id = temperature.record_id
	INNER JOIN humidity ON records.id = humidity.record_id
	INNER JOIN pressure ON records.id = pressure.record_id
	INNER JOIN illuminance ON records.id = illuminance.record_id
	INNER JOIN uva ON records.id = uva.record_id
	INNER JOIN uvb ON records.id = uvb.record_id
	INNER JOIN uv_index ON records.id = uv_index.record_id`,
}

// EnsureSchema creates all tables and the aggregated view if they do not
// exist. Safe to run on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classifyPQ(err, "store", "EnsureSchema", "create schema")
		}
	}

	s.logger.Info("store schema ensured", "tables", len(schemaStatements)-1)
	return nil
}

// tableFor returns the table and value column for a measurement kind.
func tableFor(kind message.Kind) (kindTable, error) {
	kt, ok := kindTables[kind]
	if !ok {
		return kindTable{}, errors.WrapInvalid(
			errors.ErrPersistFailed, "store", "tableFor", "map unknown measurement kind")
	}
	return kt, nil
}
