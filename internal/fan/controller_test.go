package fan

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tianshanos/tianshan-core/internal/confstore"
	"github.com/tianshanos/tianshan-core/internal/eventbus"
	"github.com/tianshanos/tianshan-core/internal/power"
)

// fakeHardware records duty writes and serves a settable temperature.
type fakeHardware struct {
	mu      sync.Mutex
	temp    float64
	tempErr error
	duty    int
	writes  int
}

func (f *fakeHardware) Temperature() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.temp, f.tempErr
}

func (f *fakeHardware) SetDuty(percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duty = percent
	f.writes++
	return nil
}

func (f *fakeHardware) setTemp(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temp = t
}

func (f *fakeHardware) lastDuty() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duty
}

func newTestEngine(t *testing.T) *confstore.Engine {
	t.Helper()
	e, err := confstore.New(confstore.NewMemoryBackend(), nil, nil, confstore.WithAutoSave(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := confstore.RegisterDefaultSchemas(e); err != nil {
		t.Fatalf("RegisterDefaultSchemas: %v", err)
	}
	if err := e.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestInterpolate(t *testing.T) {
	// Factory curve: (30,20) (50,60) (70,100).
	pts := [3]curvePoint{{30, 20}, {50, 60}, {70, 100}}

	cases := []struct {
		name string
		temp float64
		want int
	}{
		{"below curve", 20, 10},
		{"first point", 30, 20},
		{"mid first segment", 40, 40},
		{"second point", 50, 60},
		{"mid second segment", 60, 80},
		{"third point", 70, 100},
		{"above curve", 85, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := interpolate(pts, tc.temp, 10); got != tc.want {
				t.Errorf("interpolate(%.0f) = %d, want %d", tc.temp, got, tc.want)
			}
		})
	}
}

func TestEvaluateFollowsCurve(t *testing.T) {
	hw := &fakeHardware{temp: 40}
	c := NewController(hw, newTestEngine(t), nil)

	c.evaluate()
	if got := hw.lastDuty(); got != 40 {
		t.Errorf("duty at 40C = %d, want 40", got)
	}

	hw.setTemp(70)
	c.evaluate()
	if got := hw.lastDuty(); got != 100 {
		t.Errorf("duty at 70C = %d, want 100", got)
	}
}

func TestEvaluateClampsToMinDuty(t *testing.T) {
	hw := &fakeHardware{temp: 10}
	c := NewController(hw, newTestEngine(t), nil)

	c.evaluate()
	if got := hw.lastDuty(); got != 20 {
		t.Errorf("duty at 10C = %d, want min_duty 20", got)
	}
}

func TestHysteresisHoldsDutyOnSmallDrop(t *testing.T) {
	hw := &fakeHardware{temp: 60}
	c := NewController(hw, newTestEngine(t), nil)

	c.evaluate()
	if got := hw.lastDuty(); got != 80 {
		t.Fatalf("duty at 60C = %d, want 80", got)
	}

	// A drop inside the 5C hysteresis band keeps the duty.
	hw.setTemp(57)
	c.evaluate()
	if got := hw.lastDuty(); got != 80 {
		t.Errorf("duty at 57C = %d, want held at 80", got)
	}

	// A drop past the band lowers it.
	hw.setTemp(50)
	c.evaluate()
	if got := hw.lastDuty(); got != 60 {
		t.Errorf("duty at 50C = %d, want 60", got)
	}
}

func TestManualMode(t *testing.T) {
	hw := &fakeHardware{temp: 60}
	c := NewController(hw, newTestEngine(t), nil)

	if err := c.SetDuty(35); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	if got := hw.lastDuty(); got != 35 {
		t.Errorf("manual duty = %d, want 35", got)
	}
	if got := c.Status().Mode; got != ModeManual {
		t.Errorf("mode = %q, want manual", got)
	}

	// Temperature changes do not move a manual fan.
	hw.setTemp(75)
	c.evaluate()
	if got := hw.lastDuty(); got != 35 {
		t.Errorf("manual duty after temp change = %d, want 35", got)
	}

	if err := c.SetDuty(150); !errors.Is(err, ErrBadDuty) {
		t.Errorf("SetDuty(150) = %v, want ErrBadDuty", err)
	}
	if err := c.SetMode("turbo"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("SetMode(turbo) = %v, want ErrUnknownMode", err)
	}
}

func TestForceOffAndResume(t *testing.T) {
	hw := &fakeHardware{temp: 60}
	c := NewController(hw, newTestEngine(t), nil)

	c.evaluate()
	c.ForceOff()
	if got := hw.lastDuty(); got != 0 {
		t.Fatalf("forced duty = %d, want 0", got)
	}

	// Evaluation is inert while forced.
	hw.setTemp(80)
	c.evaluate()
	if got := hw.lastDuty(); got != 0 {
		t.Errorf("duty while forced = %d, want 0", got)
	}

	c.Resume()
	if got := hw.lastDuty(); got != 100 {
		t.Errorf("duty after resume at 80C = %d, want 100", got)
	}
}

func TestRecoveryEventResumesFan(t *testing.T) {
	bus := eventbus.New(0)
	defer bus.Stop()

	hw := &fakeHardware{temp: 60}
	c := NewController(hw, newTestEngine(t), bus)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(context.Background())

	c.ForceOff()
	bus.PostSync(eventbus.BasePower, power.EventRecoveryComplete, nil)

	if got := hw.lastDuty(); got != 80 {
		t.Errorf("duty after recovery = %d, want 80", got)
	}
	if c.Status().Forced {
		t.Error("still forced after recovery")
	}
}

func TestStopWithoutStart(t *testing.T) {
	c := NewController(&fakeHardware{}, newTestEngine(t), nil)
	if err := c.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop without Start = %v, want ErrNotRunning", err)
	}
}
