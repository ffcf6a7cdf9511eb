// Package mqtt wraps paho.mqtt.golang for the optional northbound
// telemetry link. It handles connection management, Last Will and
// Testament for offline detection, automatic reconnection with backoff
// and publish timeouts.
//
// The daemon runs fine without a broker; the telemetry bridge simply
// stays down when mqtt.enabled is false or the broker is unreachable.
package mqtt
