// Package power implements the power monitoring pipeline and the
// low-voltage protection policy.
//
// Sensor drivers (INA226, INA3221, PZEM-004T, ADC) expose a common
// Sensor interface producing millivolt/milliamp/milliwatt readings.
// The Monitor samples registered rails on a fixed interval, caches the
// last good reading per rail and raises threshold alerts on the event
// bus. The Policy consumes a battery voltage source and walks the
// protection state machine, shutting attached devices down on sustained
// undervoltage and restarting the system once power returns and holds.
package power
