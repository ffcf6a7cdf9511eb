// Package telemetry republishes internal bus events to the MQTT broker
// so upstream collectors can watch a fleet of sleds without polling the
// HTTP API. Publishing happens on a dedicated goroutine; a slow or
// absent broker never blocks the event bus dispatcher.
package telemetry
