package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteRailSample writes one power rail sample.
//
// The write is non-blocking; points are batched and sent
// asynchronously. Units are millivolts, milliamps and milliwatts,
// matching the sensor layer.
func (c *Client) WriteRailSample(rail string, voltageMV, currentMA, powerMW float64, at time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"power_rail",
		map[string]string{
			"rail": rail,
		},
		map[string]interface{}{
			"voltage_mv": voltageMV,
			"current_ma": currentMA,
			"power_mw":   powerMW,
		},
		at,
	)
	c.writeAPI.WritePoint(point)
}

// WriteProtectionEvent records a protection state transition so brown
// out episodes can be correlated with rail history.
func (c *Client) WriteProtectionEvent(from, to string, voltageV float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"protection",
		map[string]string{
			"from": from,
			"to":   to,
		},
		map[string]interface{}{
			"voltage_v": voltageV,
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
