package power

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// GPIOControl switches the AGX and LPMU supply rails through sysfs GPIO
// lines and reads the AGX presence line.
type GPIOControl struct {
	agxPowerPath  string
	lpmuPowerPath string
	agxSensePath  string

	mu   sync.Mutex
	agx  bool
	lpmu bool
}

// NewGPIOControl binds to exported GPIO value files, e.g.
// "/sys/class/gpio/gpio17/value". The sense path may be empty when no
// presence line is wired.
func NewGPIOControl(agxPower, lpmuPower, agxSense string) *GPIOControl {
	return &GPIOControl{
		agxPowerPath:  agxPower,
		lpmuPowerPath: lpmuPower,
		agxSensePath:  agxSense,
	}
}

// AGXPowered reports the last commanded AGX rail state.
func (c *GPIOControl) AGXPowered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agx
}

// SetAGXPower switches the AGX supply rail.
func (c *GPIOControl) SetAGXPower(on bool) error {
	if err := writeGPIO(c.agxPowerPath, on); err != nil {
		return fmt.Errorf("switching AGX rail: %w", err)
	}
	c.mu.Lock()
	c.agx = on
	c.mu.Unlock()
	return nil
}

// LPMUPowered reports the last commanded LPMU rail state.
func (c *GPIOControl) LPMUPowered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lpmu
}

// SetLPMUPower switches the LPMU supply rail.
func (c *GPIOControl) SetLPMUPower(on bool) error {
	if err := writeGPIO(c.lpmuPowerPath, on); err != nil {
		return fmt.Errorf("switching LPMU rail: %w", err)
	}
	c.mu.Lock()
	c.lpmu = on
	c.mu.Unlock()
	return nil
}

// AGXConnected reads the presence line; false when no line is wired.
func (c *GPIOControl) AGXConnected() bool {
	if c.agxSensePath == "" {
		return false
	}
	data, err := os.ReadFile(c.agxSensePath)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

func writeGPIO(path string, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	return os.WriteFile(path, []byte(v), 0o644)
}

// NopControl is a DeviceControl that only tracks commanded state. Used
// in tests and on boards without switchable rails.
type NopControl struct {
	mu        sync.Mutex
	agx       bool
	lpmu      bool
	connected bool
}

// NewNopControl returns a control with both rails on.
func NewNopControl() *NopControl {
	return &NopControl{agx: true, lpmu: true, connected: true}
}

// AGXPowered reports the tracked AGX state.
func (c *NopControl) AGXPowered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agx
}

// SetAGXPower records the AGX state.
func (c *NopControl) SetAGXPower(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agx = on
	return nil
}

// LPMUPowered reports the tracked LPMU state.
func (c *NopControl) LPMUPowered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lpmu
}

// SetLPMUPower records the LPMU state.
func (c *NopControl) SetLPMUPower(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lpmu = on
	return nil
}

// AGXConnected reports the tracked presence flag.
func (c *NopControl) AGXConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetAGXConnected sets the tracked presence flag.
func (c *NopControl) SetAGXConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}
