// Package fan drives the chassis fan from the persisted fan
// configuration: a three-point temperature/duty curve in auto mode or
// a fixed duty in manual mode. The protection policy can force the fan
// off during a protected shutdown; it spins back up on recovery.
package fan
