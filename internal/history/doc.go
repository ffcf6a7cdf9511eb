// Package history records power rail samples and protection state
// transitions to InfluxDB for long-term trending. It is optional; the
// recorder only runs when influxdb.enabled is true in the bootstrap
// configuration.
package history
