package fan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tianshanos/tianshan-core/internal/confstore"
	"github.com/tianshanos/tianshan-core/internal/eventbus"
	"github.com/tianshanos/tianshan-core/internal/power"
)

// DefaultInterval is the evaluation period.
const DefaultInterval = 2 * time.Second

// Fan modes stored under fan.mode.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// Errors.
var (
	ErrNotRunning  = errors.New("fan: controller not running")
	ErrUnknownMode = errors.New("fan: unknown mode")
	ErrBadDuty     = errors.New("fan: duty must be 0 to 100 percent")
)

// Logger is the minimal logging interface the controller needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Controller evaluates the fan curve periodically and applies duty
// changes to the hardware.
type Controller struct {
	hw       Hardware
	cfg      *confstore.Engine
	bus      *eventbus.Bus
	log      Logger
	interval time.Duration

	mu         sync.Mutex
	running    bool
	stop       chan struct{}
	done       chan struct{}
	sub        *eventbus.Subscription
	duty       int
	temp       float64
	tempAtDuty float64
	forced     bool
	failures   int
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

// WithInterval overrides the evaluation period.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// NewController wires the hardware to the persisted fan configuration.
// bus may be nil; with a bus the controller resumes a forced-off fan
// when the protection policy reports recovery.
func NewController(hw Hardware, cfg *confstore.Engine, bus *eventbus.Bus, opts ...Option) *Controller {
	c := &Controller{
		hw:       hw,
		cfg:      cfg,
		bus:      bus,
		log:      noopLogger{},
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name identifies the controller to the service orchestrator.
func (c *Controller) Name() string { return "fan" }

// Start launches the evaluation loop.
func (c *Controller) Start(context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	if c.bus != nil {
		c.sub = c.bus.Subscribe(eventbus.BasePower, power.EventRecoveryComplete, func(eventbus.Event) {
			c.Resume()
		})
	}

	c.evaluate()
	go c.loop()
	return nil
}

// Stop halts the loop. The fan keeps its last duty.
func (c *Controller) Stop(context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.running = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()

	if c.sub != nil {
		c.bus.Unsubscribe(c.sub)
		c.sub = nil
	}
	<-done
	return nil
}

func (c *Controller) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evaluate()
		case <-c.stop:
			return
		}
	}
}

// evaluate reads the temperature and applies the configured policy.
func (c *Controller) evaluate() {
	temp, err := c.hw.Temperature()

	c.mu.Lock()
	if err != nil {
		c.failures++
		n := c.failures
		c.mu.Unlock()
		if n == 1 || n%10 == 0 {
			c.log.Warn("fan temperature read failed", "count", n, "error", err)
		}
		return
	}
	c.temp = temp
	if c.forced {
		c.mu.Unlock()
		return
	}
	target := c.targetDuty(temp)
	c.mu.Unlock()

	c.applyDuty(target, temp)
}

// targetDuty computes the wanted duty for a temperature. Callers hold
// the mutex.
func (c *Controller) targetDuty(temp float64) int {
	mode := strings.ToLower(c.cfg.GetString("fan.mode", ModeAuto))
	minDuty := int(c.cfg.GetUint("fan.min_duty", 20))
	maxDuty := int(c.cfg.GetUint("fan.max_duty", 100))

	if mode == ModeManual {
		return clamp(int(c.cfg.GetUint("fan.duty", uint64(minDuty))), 0, 100)
	}

	pts := [3]curvePoint{
		{float64(c.cfg.GetUint("fan.curve.t1", 30)), int(c.cfg.GetUint("fan.curve.d1", 20))},
		{float64(c.cfg.GetUint("fan.curve.t2", 50)), int(c.cfg.GetUint("fan.curve.d2", 60))},
		{float64(c.cfg.GetUint("fan.curve.t3", 70)), int(c.cfg.GetUint("fan.curve.d3", 100))},
	}
	duty := interpolate(pts, temp, minDuty)

	// Lowering the duty waits for the temperature to fall clear of the
	// point that raised it, so the fan does not hunt around a curve knee.
	hyst := float64(c.cfg.GetUint("fan.hysteresis", 5))
	if duty < c.duty && temp > c.tempAtDuty-hyst {
		duty = c.duty
	}
	return clamp(duty, minDuty, maxDuty)
}

func (c *Controller) applyDuty(duty int, temp float64) {
	c.mu.Lock()
	if duty == c.duty {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.hw.SetDuty(duty); err != nil {
		c.log.Warn("fan duty update failed", "duty", duty, "error", err)
		return
	}

	c.mu.Lock()
	c.duty = duty
	c.tempAtDuty = temp
	c.mu.Unlock()
}

type curvePoint struct {
	temp float64
	duty int
}

// interpolate maps a temperature onto the three-point curve with
// linear segments between points.
func interpolate(pts [3]curvePoint, temp float64, below int) int {
	if temp < pts[0].temp {
		return below
	}
	for i := 0; i < 2; i++ {
		a, b := pts[i], pts[i+1]
		if temp <= b.temp {
			if b.temp == a.temp {
				return b.duty
			}
			frac := (temp - a.temp) / (b.temp - a.temp)
			return a.duty + int(frac*float64(b.duty-a.duty)+0.5)
		}
	}
	return pts[2].duty
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ForceOff stops the fan regardless of mode, for protected shutdowns.
func (c *Controller) ForceOff() {
	c.mu.Lock()
	if c.forced {
		c.mu.Unlock()
		return
	}
	c.forced = true
	c.mu.Unlock()

	if err := c.hw.SetDuty(0); err != nil {
		c.log.Warn("fan force-off failed", "error", err)
	}
	c.mu.Lock()
	c.duty = 0
	c.mu.Unlock()
	c.log.Info("fan forced off")
}

// Resume lifts a force-off; the next evaluation restores curve control.
func (c *Controller) Resume() {
	c.mu.Lock()
	if !c.forced {
		c.mu.Unlock()
		return
	}
	c.forced = false
	temp := c.temp
	target := c.targetDuty(temp)
	c.mu.Unlock()

	c.applyDuty(target, temp)
	c.log.Info("fan resumed", "duty", target)
}

// Status is the fan.status snapshot.
type Status struct {
	Mode        string  `json:"mode"`
	Duty        int     `json:"duty"`
	Temperature float64 `json:"temperature"`
	Forced      bool    `json:"forced_off"`
	Running     bool    `json:"running"`
}

// Status reports the current fan state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Mode:        strings.ToLower(c.cfg.GetString("fan.mode", ModeAuto)),
		Duty:        c.duty,
		Temperature: c.temp,
		Forced:      c.forced,
		Running:     c.running,
	}
}

// SetMode switches between auto and manual control.
func (c *Controller) SetMode(mode string) error {
	mode = strings.ToLower(mode)
	if mode != ModeAuto && mode != ModeManual {
		return ErrUnknownMode
	}
	if err := c.cfg.Set("fan.mode", confstore.String(mode)); err != nil {
		return err
	}
	c.evaluate()
	return nil
}

// SetDuty sets the manual duty and switches to manual mode.
func (c *Controller) SetDuty(percent int) error {
	if percent < 0 || percent > 100 {
		return ErrBadDuty
	}
	if err := c.cfg.Set("fan.duty", confstore.Uint(uint64(percent))); err != nil {
		return err
	}
	if err := c.cfg.Set("fan.mode", confstore.String(ModeManual)); err != nil {
		return err
	}
	c.evaluate()
	return nil
}
