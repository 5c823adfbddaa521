// Package history persists attribute values observed on the broadcast
// channel.
//
// A Recorder writes every non-heartbeat values event to a Repository
// (SQLite in production). A TelemetrySink forwards numeric and boolean values
// to a time-series writer (InfluxDB). Operation lifecycle events are never
// stored.
package history
