// Package dblogd is a daemon that records environmental sensor telemetry
// into Postgres.
//
// Devices connect over TCP (optionally TLS, optionally mutual TLS) and send
// newline-delimited JSON readings; an optional MQTT subscription feeds the
// same pipeline from a broker. Each reading carries a sensor name, a
// timestamp, and any subset of seven measurement kinds: temperature,
// humidity, pressure, illuminance, UV index, UVA and UVB.
//
// Every reading is persisted in a single transaction: a row in the records
// table plus one row per present measurement in that measurement's table.
// A reading either lands completely or not at all; a malformed or failed
// message never leaves partial rows behind and never closes the
// connection it arrived on.
//
// # Layout
//
//   - cmd/dblogd: daemon entry point, flags and logging setup
//   - config: file-based configuration with defaults and validation
//   - input/tcp, input/mqtt: ingest paths feeding the shared pipeline
//   - message: wire format decoding into readings
//   - registry: sensor name to ID resolution with caching
//   - store: Postgres schema, persistence and error classification
//   - metric, health: Prometheus exposition and component health
//   - errors: error classification (transient, invalid, fatal)
//   - pkg/...: worker pool, retry, TLS loading and other shared utilities
package dblogd
