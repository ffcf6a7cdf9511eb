package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tianshanos/tianshan-core/internal/confstore"
	"github.com/tianshanos/tianshan-core/internal/eventbus"
	"github.com/tianshanos/tianshan-core/internal/power"
)

// Device event IDs posted on eventbus.BaseSystem.
const (
	EventPowerChange eventbus.ID = iota
	EventUSBRoute
)

// PowerChange is the payload of EventPowerChange.
type PowerChange struct {
	Target string `json:"target"`
	On     bool   `json:"on"`
}

// USB host identifiers accepted by the mux.
const (
	HostAGX  = "agx"
	HostLPMU = "lpmu"
)

// Errors.
var (
	ErrUnknownTarget = errors.New("device: unknown target")
	ErrUnknownHost   = errors.New("device: unknown usb host")
)

// Mux routes the shared USB bus to one host.
type Mux interface {
	Route() string
	SetRoute(host string) error
}

// GPIOMux drives a single select line through sysfs: low routes the
// bus to the AGX, high to the LPMU.
type GPIOMux struct {
	path string

	mu    sync.Mutex
	route string
}

// NewGPIOMux binds to an exported GPIO value file.
func NewGPIOMux(path string) *GPIOMux {
	return &GPIOMux{path: path, route: HostAGX}
}

// Route reports the last commanded host.
func (m *GPIOMux) Route() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.route
}

// SetRoute switches the select line.
func (m *GPIOMux) SetRoute(host string) error {
	v := "0"
	switch host {
	case HostAGX:
	case HostLPMU:
		v = "1"
	default:
		return fmt.Errorf("%w: %q", ErrUnknownHost, host)
	}
	if err := os.WriteFile(m.path, []byte(v), 0o644); err != nil {
		return fmt.Errorf("switching usb mux: %w", err)
	}
	m.mu.Lock()
	m.route = host
	m.mu.Unlock()
	return nil
}

// NopMux tracks the commanded route without touching hardware.
type NopMux struct {
	mu    sync.Mutex
	route string
}

// NewNopMux returns a mux routed to the AGX.
func NewNopMux() *NopMux { return &NopMux{route: HostAGX} }

// Route reports the tracked host.
func (m *NopMux) Route() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.route
}

// SetRoute records the host.
func (m *NopMux) SetRoute(host string) error {
	if host != HostAGX && host != HostLPMU {
		return fmt.Errorf("%w: %q", ErrUnknownHost, host)
	}
	m.mu.Lock()
	m.route = host
	m.mu.Unlock()
	return nil
}

// Logger is the minimal logging interface the controller needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Controller applies the persisted device configuration and routes
// manual power and USB commands to the hardware.
type Controller struct {
	ctl power.DeviceControl
	mux Mux
	cfg *confstore.Engine
	bus *eventbus.Bus
	log Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger attaches a logger.
func WithLogger(l Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// NewController wires the rails, the USB mux and the configuration
// engine together. mux may be nil when no mux line is wired.
func NewController(ctl power.DeviceControl, mux Mux, cfg *confstore.Engine, bus *eventbus.Bus, opts ...Option) *Controller {
	if mux == nil {
		mux = NewNopMux()
	}
	c := &Controller{ctl: ctl, mux: mux, cfg: cfg, bus: bus, log: noopLogger{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name identifies the controller to the service orchestrator.
func (c *Controller) Name() string { return "device" }

// Start applies the boot-time device configuration: routes the USB bus
// to the configured default host, then powers the AGX on when
// auto_power_on is set, after the configured delay.
func (c *Controller) Start(ctx context.Context) error {
	host := strings.ToLower(c.cfg.GetString("device.usb.default_host", HostAGX))
	if err := c.mux.SetRoute(host); err != nil {
		c.log.Warn("usb default route failed", "host", host, "error", err)
	}

	if !c.cfg.GetBool("device.agx.auto_power_on", true) || c.ctl.AGXPowered() {
		return nil
	}

	delay := time.Duration(c.cfg.GetUint("device.agx.power_on_delay", 2000)) * time.Millisecond
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := c.SetPower(HostAGX, true); err != nil {
		return fmt.Errorf("auto power-on: %w", err)
	}
	c.log.Info("AGX powered on at boot", "delay", delay)
	return nil
}

// Stop leaves the rails as they are. Powering the AGX off belongs to
// the protection policy, not to daemon shutdown.
func (c *Controller) Stop(context.Context) error { return nil }

// SetPower switches one rail and posts the change on the bus.
func (c *Controller) SetPower(target string, on bool) error {
	var err error
	switch target {
	case HostAGX:
		err = c.ctl.SetAGXPower(on)
	case HostLPMU:
		err = c.ctl.SetLPMUPower(on)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	if err != nil {
		return err
	}
	if c.bus != nil {
		c.bus.PostSync(eventbus.BaseSystem, EventPowerChange, PowerChange{Target: target, On: on})
	}
	return nil
}

// SetUSBRoute switches the mux and persists the choice as the new
// default host.
func (c *Controller) SetUSBRoute(host string) error {
	host = strings.ToLower(host)
	if err := c.mux.SetRoute(host); err != nil {
		return err
	}
	if err := c.cfg.Set("device.usb.default_host", confstore.String(host)); err != nil {
		c.log.Warn("persisting usb route failed", "host", host, "error", err)
	}
	if c.bus != nil {
		c.bus.PostSync(eventbus.BaseSystem, EventUSBRoute, host)
	}
	return nil
}

// Status is the device.status snapshot.
type Status struct {
	AGXPowered   bool   `json:"agx_powered"`
	LPMUPowered  bool   `json:"lpmu_powered"`
	AGXConnected bool   `json:"agx_connected"`
	USBHost      string `json:"usb_host"`
}

// Status reports the current rail and mux state.
func (c *Controller) Status() Status {
	return Status{
		AGXPowered:   c.ctl.AGXPowered(),
		LPMUPowered:  c.ctl.LPMUPowered(),
		AGXConnected: c.ctl.AGXConnected(),
		USBHost:      c.mux.Route(),
	}
}
