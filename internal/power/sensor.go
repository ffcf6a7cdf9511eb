package power

import (
	"errors"
	"time"
)

// Sensor errors.
var (
	ErrBadDevice    = errors.New("power: device identification failed")
	ErrBadFrame     = errors.New("power: malformed response frame")
	ErrBadCRC       = errors.New("power: response CRC mismatch")
	ErrUnknownRail  = errors.New("power: unknown rail")
	ErrRailExists   = errors.New("power: rail already registered")
	ErrNoReading    = errors.New("power: no cached reading")
	ErrNotRunning   = errors.New("power: monitor not running")
	ErrAlreadyRuns  = errors.New("power: monitor already running")
	ErrBadThreshold = errors.New("power: invalid threshold")
)

// Reading is one rail sample. Units follow the sensors' native scale:
// millivolts, milliamps, milliwatts.
type Reading struct {
	Voltage   float64   `json:"voltage_mv"`
	Current   float64   `json:"current_ma"`
	Power     float64   `json:"power_mw"`
	Timestamp time.Time `json:"timestamp"`
}

// Sensor produces readings for one rail.
type Sensor interface {
	Read() (Reading, error)
}

// RegisterBus is the slice of an addressed I2C device the register-based
// drivers need. *hal.I2CDevice satisfies it.
type RegisterBus interface {
	ReadReg16(reg uint8) (uint16, error)
	WriteReg16(reg uint8, value uint16) error
}

// SerialPort is the byte stream the PZEM driver needs. *hal.SerialPort
// satisfies it.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
}

// Logger is the minimal logging interface the package needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
