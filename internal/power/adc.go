package power

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ADCVoltage reads a divided battery voltage through a sysfs IIO
// channel. The divider ratio converts the ADC pin voltage back to the
// rail voltage.
type ADCVoltage struct {
	rawPath   string
	scalePath string
	divider   float64
}

// NewADCVoltage binds to an IIO device channel, e.g. device
// "/sys/bus/iio/devices/iio:device0" channel 0.
func NewADCVoltage(device string, channel int, divider float64) *ADCVoltage {
	return &ADCVoltage{
		rawPath:   fmt.Sprintf("%s/in_voltage%d_raw", device, channel),
		scalePath: fmt.Sprintf("%s/in_voltage_scale", device),
		divider:   divider,
	}
}

// Read returns a voltage-only reading in millivolts.
func (s *ADCVoltage) Read() (Reading, error) {
	raw, err := readSysfsFloat(s.rawPath)
	if err != nil {
		return Reading{}, err
	}
	scale, err := readSysfsFloat(s.scalePath)
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		Voltage:   raw * scale * s.divider,
		Timestamp: time.Now(),
	}, nil
}

func readSysfsFloat(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return v, nil
}
