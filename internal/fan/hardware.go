package fan

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Hardware abstracts the fan and its temperature source.
type Hardware interface {
	// Temperature returns the sensed temperature in celsius.
	Temperature() (float64, error)
	// SetDuty sets the fan duty cycle in percent [0,100].
	SetDuty(percent int) error
}

// HwmonHardware drives a sysfs hwmon fan: a pwm file taking 0..255 and
// a temp input file in millidegrees celsius.
type HwmonHardware struct {
	pwmPath  string
	tempPath string
}

// NewHwmonHardware binds to hwmon value files, e.g.
// "/sys/class/hwmon/hwmon1/pwm1" and ".../temp1_input".
func NewHwmonHardware(pwmPath, tempPath string) *HwmonHardware {
	return &HwmonHardware{pwmPath: pwmPath, tempPath: tempPath}
}

// Temperature reads the temp input file.
func (h *HwmonHardware) Temperature() (float64, error) {
	data, err := os.ReadFile(h.tempPath)
	if err != nil {
		return 0, fmt.Errorf("reading temperature: %w", err)
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing temperature %q: %w", strings.TrimSpace(string(data)), err)
	}
	return float64(milli) / 1000, nil
}

// SetDuty writes the pwm file.
func (h *HwmonHardware) SetDuty(percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	pwm := (percent*255 + 50) / 100
	if err := os.WriteFile(h.pwmPath, []byte(strconv.Itoa(pwm)), 0o644); err != nil {
		return fmt.Errorf("writing pwm: %w", err)
	}
	return nil
}
