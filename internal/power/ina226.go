package power

import (
	"fmt"
	"time"
)

// INA226 register map.
const (
	ina226RegConfig  = 0x00
	ina226RegShunt   = 0x01
	ina226RegBus     = 0x02
	ina226RegPower   = 0x03
	ina226RegCurrent = 0x04
	ina226RegCalib   = 0x05
	ina226RegManufID = 0xFE
	ina226RegDieID   = 0xFF
)

// INA226 identification and configuration values.
const (
	ina226ManufID = 0x5449 // "TI"
	ina226DieID   = 0x2260

	ina226Reset = 1 << 15

	ina226Avg16      = 0x2 << 9 // 16-sample averaging
	ina226VBus1100us = 0x4 << 6 // 1.1 ms bus conversion
	ina226VSh1100us  = 0x4 << 3 // 1.1 ms shunt conversion
	ina226ModeCont   = 0x7      // continuous shunt and bus

	ina226Config = ina226Avg16 | ina226VBus1100us | ina226VSh1100us | ina226ModeCont

	// ina226BusLSB is the bus voltage register resolution in mV.
	ina226BusLSB = 1.25

	// ina226CurrentLSB is amps per current-register count, sized for a
	// 10 A full-scale range.
	ina226CurrentLSB = 10.0 / 32768
)

// INA226 drives a TI INA226 power monitor over I2C.
type INA226 struct {
	bus RegisterBus
}

// NewINA226 verifies the chip identity, resets it and programs the
// averaging configuration and shunt calibration.
func NewINA226(bus RegisterBus, shuntOhms float64) (*INA226, error) {
	manuf, err := bus.ReadReg16(ina226RegManufID)
	if err != nil {
		return nil, fmt.Errorf("reading manufacturer id: %w", err)
	}
	die, err := bus.ReadReg16(ina226RegDieID)
	if err != nil {
		return nil, fmt.Errorf("reading die id: %w", err)
	}
	if manuf != ina226ManufID || die != ina226DieID {
		return nil, fmt.Errorf("%w: manuf 0x%04x die 0x%04x", ErrBadDevice, manuf, die)
	}

	if err := bus.WriteReg16(ina226RegConfig, ina226Reset); err != nil {
		return nil, fmt.Errorf("resetting: %w", err)
	}
	if err := bus.WriteReg16(ina226RegConfig, ina226Config); err != nil {
		return nil, fmt.Errorf("configuring: %w", err)
	}

	cal := uint16(0.00512/(ina226CurrentLSB*shuntOhms) + 0.5)
	if err := bus.WriteReg16(ina226RegCalib, cal); err != nil {
		return nil, fmt.Errorf("calibrating: %w", err)
	}

	return &INA226{bus: bus}, nil
}

// Read samples bus voltage, current and power.
func (s *INA226) Read() (Reading, error) {
	busReg, err := s.bus.ReadReg16(ina226RegBus)
	if err != nil {
		return Reading{}, fmt.Errorf("reading bus voltage: %w", err)
	}
	curReg, err := s.bus.ReadReg16(ina226RegCurrent)
	if err != nil {
		return Reading{}, fmt.Errorf("reading current: %w", err)
	}
	pwrReg, err := s.bus.ReadReg16(ina226RegPower)
	if err != nil {
		return Reading{}, fmt.Errorf("reading power: %w", err)
	}

	return Reading{
		Voltage:   float64(busReg) * ina226BusLSB,
		Current:   float64(int16(curReg)) * ina226CurrentLSB * 1000,
		Power:     float64(pwrReg) * 25 * ina226CurrentLSB * 1000,
		Timestamp: time.Now(),
	}, nil
}
