package power

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tianshanos/tianshan-core/internal/eventbus"
)

// State is a protection state machine state.
type State int

const (
	StateNormal State = iota
	StateLowVoltage
	StateShutdown
	StateProtected
	StateRecovery
)

// String returns the uppercase state name.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateLowVoltage:
		return "LOW_VOLTAGE"
	case StateShutdown:
		return "SHUTDOWN"
	case StateProtected:
		return "PROTECTED"
	case StateRecovery:
		return "RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// Protection policy defaults and limits.
const (
	DefaultLowThreshold      = 12.6 // volts
	DefaultRecoveryThreshold = 13.0
	DefaultShutdownDelay     = 60 // seconds
	DefaultFanStopDelay      = 30
	DefaultRecoveryHold      = 10

	MinShutdownDelay = 1
	MaxShutdownDelay = 300

	// minValidVoltage rejects readings from a disconnected or failing
	// sensor.
	minValidVoltage = 5.0

	lpmuPingTimeout = 500 * time.Millisecond
)

// VoltageSource provides the supply voltage in volts.
type VoltageSource interface {
	Voltage() (float64, error)
}

// SensorVoltage adapts a Sensor (millivolt readings) to a VoltageSource.
type SensorVoltage struct {
	Sensor Sensor
}

// Voltage samples the sensor and converts to volts.
func (s SensorVoltage) Voltage() (float64, error) {
	r, err := s.Sensor.Read()
	if err != nil {
		return 0, err
	}
	return r.Voltage / 1000, nil
}

// DeviceControl switches and inspects the attached compute modules.
type DeviceControl interface {
	AGXPowered() bool
	SetAGXPower(on bool) error
	LPMUPowered() bool
	SetLPMUPower(on bool) error
	AGXConnected() bool
}

// PolicyConfig holds the protection thresholds and timers.
type PolicyConfig struct {
	LowThreshold      float64 `json:"low_voltage"`      // volts
	RecoveryThreshold float64 `json:"recovery_voltage"` // volts
	ShutdownDelay     int     `json:"shutdown_delay"`   // seconds in LOW_VOLTAGE before shutdown
	FanStopDelay      int     `json:"fan_stop_delay"`   // seconds in PROTECTED before fans stop
	RecoveryHold      int     `json:"recovery_hold"`    // seconds voltage must hold before restart

	// LPMUPingAddr, when set, is probed over TCP before the LPMU is
	// toggled during shutdown.
	LPMUPingAddr string `json:"-"`
}

// DefaultPolicyConfig returns the factory protection settings.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		LowThreshold:      DefaultLowThreshold,
		RecoveryThreshold: DefaultRecoveryThreshold,
		ShutdownDelay:     DefaultShutdownDelay,
		FanStopDelay:      DefaultFanStopDelay,
		RecoveryHold:      DefaultRecoveryHold,
	}
}

// PolicyStatus is a point-in-time snapshot of the state machine.
type PolicyStatus struct {
	State           string  `json:"state"`
	Enabled         bool    `json:"enabled"`
	Voltage         float64 `json:"voltage_v"`
	Countdown       int     `json:"countdown_s"`
	FanTimer        int     `json:"fan_timer_s"`
	RecoveryTimer   int     `json:"recovery_timer_s"`
	ProtectionCount uint32  `json:"protection_count"`
	SensorFailures  uint32  `json:"sensor_failures"`
	UptimeSeconds   int64   `json:"uptime_s"`
	AGXPowered      bool    `json:"agx_powered"`
	LPMUPowered     bool    `json:"lpmu_powered"`
	AGXConnected    bool    `json:"agx_connected"`
	TestMode        bool    `json:"test_mode"`
}

// Policy walks the low-voltage protection state machine at 1 Hz.
type Policy struct {
	source  VoltageSource
	devices DeviceControl
	bus     *eventbus.Bus
	log     Logger

	restart func()
	fanStop func()

	mu              sync.Mutex
	cfg             PolicyConfig
	enabled         bool
	state           State
	lastVoltage     float64
	countdown       int
	fanTimer        int
	recoveryTimer   int
	protectionCount uint32
	sensorFailures  uint32
	startedAt       time.Time

	testMode    bool
	testVoltage float64

	running bool
	stop    chan struct{}
	done    chan struct{}
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithPolicyLogger sets the policy logger.
func WithPolicyLogger(log Logger) PolicyOption {
	return func(p *Policy) { p.log = log }
}

// WithRestart sets the function invoked when recovery completes.
func WithRestart(fn func()) PolicyOption {
	return func(p *Policy) { p.restart = fn }
}

// WithFanStop sets the function invoked when the fan timer expires in
// the protected state.
func WithFanStop(fn func()) PolicyOption {
	return func(p *Policy) { p.fanStop = fn }
}

// NewPolicy creates an enabled policy in the normal state.
func NewPolicy(cfg PolicyConfig, source VoltageSource, devices DeviceControl, bus *eventbus.Bus, opts ...PolicyOption) (*Policy, error) {
	if cfg.LowThreshold >= cfg.RecoveryThreshold {
		return nil, fmt.Errorf("%w: low %.2f must be below recovery %.2f",
			ErrBadThreshold, cfg.LowThreshold, cfg.RecoveryThreshold)
	}
	if cfg.ShutdownDelay < MinShutdownDelay || cfg.ShutdownDelay > MaxShutdownDelay {
		return nil, fmt.Errorf("%w: shutdown delay %d outside [%d,%d]",
			ErrBadThreshold, cfg.ShutdownDelay, MinShutdownDelay, MaxShutdownDelay)
	}

	p := &Policy{
		source:    source,
		devices:   devices,
		bus:       bus,
		log:       noopLogger{},
		cfg:       cfg,
		enabled:   true,
		state:     StateNormal,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the 1 Hz tick loop.
func (p *Policy) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRuns
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop()
	p.log.Info("protection policy started",
		"low_v", p.cfg.LowThreshold, "recovery_v", p.cfg.RecoveryThreshold)
	return nil
}

// Stop halts the tick loop.
func (p *Policy) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done
	return nil
}

func (p *Policy) loop() {
	defer close(p.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// SetEnabled switches protection on or off. Disabling mid-episode
// returns the machine to normal.
func (p *Policy) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enabled == enabled {
		return
	}
	p.enabled = enabled
	if !enabled && p.state != StateNormal {
		p.transitionLocked(StateNormal)
		p.countdown = 0
		p.fanTimer = 0
		p.recoveryTimer = 0
	}
}

// SetThresholds updates the voltage thresholds; low must stay below
// recovery.
func (p *Policy) SetThresholds(low, recovery float64) error {
	if low >= recovery {
		return fmt.Errorf("%w: low %.2f must be below recovery %.2f", ErrBadThreshold, low, recovery)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.LowThreshold = low
	p.cfg.RecoveryThreshold = recovery
	return nil
}

// SetShutdownDelay updates the LOW_VOLTAGE grace period in seconds.
func (p *Policy) SetShutdownDelay(seconds int) error {
	if seconds < MinShutdownDelay || seconds > MaxShutdownDelay {
		return fmt.Errorf("%w: shutdown delay %d outside [%d,%d]",
			ErrBadThreshold, seconds, MinShutdownDelay, MaxShutdownDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.ShutdownDelay = seconds
	return nil
}

// SetRecoveryHold updates how long the voltage must hold above the
// recovery threshold before a restart, in seconds.
func (p *Policy) SetRecoveryHold(seconds int) error {
	if seconds < 1 {
		return fmt.Errorf("%w: recovery hold %d must be positive", ErrBadThreshold, seconds)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.RecoveryHold = seconds
	return nil
}

// SetFanStopDelay updates the PROTECTED grace period before fans stop,
// in seconds.
func (p *Policy) SetFanStopDelay(seconds int) error {
	if seconds < 1 {
		return fmt.Errorf("%w: fan stop delay %d must be positive", ErrBadThreshold, seconds)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.FanStopDelay = seconds
	return nil
}

// Config returns a copy of the active configuration.
func (p *Policy) Config() PolicyConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// EnableTestMode substitutes a simulated voltage for the sensor.
func (p *Policy) EnableTestMode(voltage float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.testMode = true
	p.testVoltage = voltage
	p.log.Warn("protection test mode enabled", "voltage_v", voltage)
}

// DisableTestMode returns to real sensor readings.
func (p *Policy) DisableTestMode() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.testMode = false
}

// TriggerTest drops the simulated voltage half a volt below the low
// threshold, forcing a protection episode.
func (p *Policy) TriggerTest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.testMode = true
	p.testVoltage = p.cfg.LowThreshold - 0.5
	p.log.Warn("protection test triggered", "voltage_v", p.testVoltage)
}

// Status returns a snapshot of the machine.
func (p *Policy) Status() PolicyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PolicyStatus{
		State:           p.state.String(),
		Enabled:         p.enabled,
		Voltage:         p.lastVoltage,
		Countdown:       p.countdown,
		FanTimer:        p.fanTimer,
		RecoveryTimer:   p.recoveryTimer,
		ProtectionCount: p.protectionCount,
		SensorFailures:  p.sensorFailures,
		UptimeSeconds:   int64(time.Since(p.startedAt).Seconds()),
		AGXPowered:      p.devices.AGXPowered(),
		LPMUPowered:     p.devices.LPMUPowered(),
		AGXConnected:    p.devices.AGXConnected(),
		TestMode:        p.testMode,
	}
}

// Tick advances the state machine one second. Exposed for manual
// stepping in tests.
func (p *Policy) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}

	voltage, ok := p.readVoltageLocked()
	if !ok {
		return
	}
	p.lastVoltage = voltage

	switch p.state {
	case StateNormal:
		if voltage < p.cfg.LowThreshold {
			p.enterLowVoltageLocked(voltage)
		}

	case StateLowVoltage:
		if voltage >= p.cfg.RecoveryThreshold {
			p.countdown = 0
			p.transitionLocked(StateNormal)
			break
		}
		p.countdown--
		if p.countdown <= 0 {
			p.executeShutdownLocked()
		}

	case StateProtected:
		if p.fanTimer > 0 {
			p.fanTimer--
			if p.fanTimer == 0 && p.fanStop != nil {
				p.log.Info("stopping fans after protection grace period")
				p.fanStop()
			}
		}
		if voltage >= p.cfg.RecoveryThreshold {
			p.recoveryTimer = p.cfg.RecoveryHold
			p.transitionLocked(StateRecovery)
		}

	case StateRecovery:
		switch {
		case voltage < p.cfg.LowThreshold:
			// Same episode resuming, not a new one: restart the
			// countdown without bumping the protection counter.
			p.recoveryTimer = 0
			p.countdown = p.cfg.ShutdownDelay
			p.transitionLocked(StateLowVoltage)
		case voltage < p.cfg.RecoveryThreshold:
			// Voltage sagged during the hold: wait it out protected.
			p.recoveryTimer = 0
			p.transitionLocked(StateProtected)
		default:
			p.recoveryTimer--
			if p.recoveryTimer <= 0 {
				p.completeRecoveryLocked(voltage)
			}
		}
	}
}

// readVoltageLocked returns the current voltage, rejecting implausible
// sensor output.
func (p *Policy) readVoltageLocked() (float64, bool) {
	if p.testMode {
		return p.testVoltage, true
	}

	voltage, err := p.source.Voltage()
	if err != nil || voltage <= minValidVoltage {
		p.sensorFailures++
		if p.sensorFailures == 1 || p.sensorFailures%10 == 0 {
			p.log.Error("voltage reading rejected",
				"voltage_v", voltage, "failures", p.sensorFailures, "error", err)
		}
		return 0, false
	}
	return voltage, true
}

func (p *Policy) enterLowVoltageLocked(voltage float64) {
	p.countdown = p.cfg.ShutdownDelay
	p.protectionCount++
	p.log.Warn("supply voltage below threshold",
		"voltage_v", voltage, "threshold_v", p.cfg.LowThreshold,
		"shutdown_in_s", p.countdown)
	p.transitionLocked(StateLowVoltage)
}

// executeShutdownLocked powers the attached modules down and enters the
// protected state.
func (p *Policy) executeShutdownLocked() {
	p.transitionLocked(StateShutdown)
	if p.bus != nil {
		_ = p.bus.Post(eventbus.BasePower, EventShutdown, p.lastVoltage) //nolint:errcheck // best effort
	}
	p.log.Error("executing low-voltage shutdown", "voltage_v", p.lastVoltage)

	if err := p.devices.SetAGXPower(false); err != nil {
		p.log.Error("cannot power off AGX", "error", err)
	}

	toggleLPMU := true
	if p.cfg.LPMUPingAddr != "" {
		// An unreachable LPMU is already down or absent; toggling its
		// rail then would only glitch it back on.
		conn, err := net.DialTimeout("tcp", p.cfg.LPMUPingAddr, lpmuPingTimeout)
		if err != nil {
			toggleLPMU = false
			p.log.Warn("LPMU unreachable, skipping rail toggle",
				"addr", p.cfg.LPMUPingAddr, "error", err)
		} else {
			conn.Close() //nolint:errcheck,gosec // probe only
		}
	}
	if toggleLPMU {
		if err := p.devices.SetLPMUPower(false); err != nil {
			p.log.Error("cannot power off LPMU", "error", err)
		}
	}

	p.fanTimer = p.cfg.FanStopDelay
	p.transitionLocked(StateProtected)
}

func (p *Policy) completeRecoveryLocked(voltage float64) {
	p.log.Info("supply recovered, restarting", "voltage_v", voltage)
	if p.bus != nil {
		_ = p.bus.Post(eventbus.BasePower, EventRecoveryComplete, voltage) //nolint:errcheck // best effort
	}
	p.transitionLocked(StateNormal)
	if p.restart != nil {
		p.restart()
	}
}

func (p *Policy) transitionLocked(to State) {
	if p.state == to {
		return
	}
	from := p.state
	p.state = to
	p.log.Info("protection state change", "from", from.String(), "to", to.String())
	if p.bus != nil {
		_ = p.bus.Post(eventbus.BasePower, EventStateChange, StateChange{ //nolint:errcheck // best effort
			From:    from,
			To:      to,
			Voltage: p.lastVoltage,
		})
	}
}
