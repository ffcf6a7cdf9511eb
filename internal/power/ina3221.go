package power

import (
	"fmt"
	"time"
)

// INA3221 register map and constants.
const (
	ina3221RegConfig  = 0x00
	ina3221RegManufID = 0xFE

	ina3221ManufID = 0x5449

	// ina3221Config enables all three channels with 16-sample averaging
	// in continuous mode.
	ina3221Config = 0x7127

	// ina3221ShuntLSB is the shunt voltage resolution in mV.
	ina3221ShuntLSB = 0.04
)

// INA3221 drives one channel of a TI INA3221 triple power monitor.
// Multiple channel instances may share one RegisterBus.
type INA3221 struct {
	bus       RegisterBus
	channel   int
	shuntOhms float64
}

// NewINA3221 verifies the chip identity, programs the shared
// configuration and binds to a channel in [0,2].
func NewINA3221(bus RegisterBus, channel int, shuntOhms float64) (*INA3221, error) {
	if channel < 0 || channel > 2 {
		return nil, fmt.Errorf("%w: channel %d out of range", ErrBadDevice, channel)
	}

	manuf, err := bus.ReadReg16(ina3221RegManufID)
	if err != nil {
		return nil, fmt.Errorf("reading manufacturer id: %w", err)
	}
	if manuf != ina3221ManufID {
		return nil, fmt.Errorf("%w: manuf 0x%04x", ErrBadDevice, manuf)
	}

	if err := bus.WriteReg16(ina3221RegConfig, ina3221Config); err != nil {
		return nil, fmt.Errorf("configuring: %w", err)
	}

	return &INA3221{bus: bus, channel: channel, shuntOhms: shuntOhms}, nil
}

// Read samples the channel's bus voltage and derives current from the
// shunt drop.
func (s *INA3221) Read() (Reading, error) {
	busReg, err := s.bus.ReadReg16(uint8(0x02 + 2*s.channel))
	if err != nil {
		return Reading{}, fmt.Errorf("reading bus voltage ch%d: %w", s.channel, err)
	}
	shuntReg, err := s.bus.ReadReg16(uint8(0x01 + 2*s.channel))
	if err != nil {
		return Reading{}, fmt.Errorf("reading shunt voltage ch%d: %w", s.channel, err)
	}

	voltage := float64(int16(busReg)>>3) * 8          // mV
	shuntMV := float64(int16(shuntReg)>>3) * ina3221ShuntLSB
	current := shuntMV / s.shuntOhms                  // mA
	power := voltage * current / 1000                 // mW

	return Reading{
		Voltage:   voltage,
		Current:   current,
		Power:     power,
		Timestamp: time.Now(),
	}, nil
}
