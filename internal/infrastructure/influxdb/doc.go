// Package influxdb wraps the InfluxDB v2 client for the optional
// power-history sink. Writes are non-blocking and batched; the daemon
// runs fine without a server when influxdb.enabled is false.
package influxdb
