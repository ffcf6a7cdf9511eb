package power

import (
	"errors"
	"sync"
	"testing"
)

// fakeVolt is a settable VoltageSource.
type fakeVolt struct {
	mu  sync.Mutex
	v   float64
	err error
}

func (f *fakeVolt) set(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.v = v
}

func (f *fakeVolt) Voltage() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v, f.err
}

func testPolicy(t *testing.T, opts ...PolicyOption) (*Policy, *fakeVolt, *NopControl) {
	t.Helper()

	src := &fakeVolt{v: 24.0}
	dev := NewNopControl()
	cfg := PolicyConfig{
		LowThreshold:      12.6,
		RecoveryThreshold: 18.0,
		ShutdownDelay:     3,
		FanStopDelay:      2,
		RecoveryHold:      2,
	}
	p, err := NewPolicy(cfg, src, dev, nil, opts...)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p, src, dev
}

func tickN(p *Policy, n int) {
	for i := 0; i < n; i++ {
		p.Tick()
	}
}

func TestPolicyBrownOutEpisode(t *testing.T) {
	var fansStopped, restarted bool
	p, src, dev := testPolicy(t,
		WithFanStop(func() { fansStopped = true }),
		WithRestart(func() { restarted = true }),
	)

	p.Tick()
	if got := p.Status().State; got != "NORMAL" {
		t.Fatalf("state = %s, want NORMAL", got)
	}

	// Undervoltage starts the countdown.
	src.set(12.0)
	p.Tick()
	st := p.Status()
	if st.State != "LOW_VOLTAGE" || st.Countdown != 3 {
		t.Fatalf("state = %s countdown = %d, want LOW_VOLTAGE 3", st.State, st.Countdown)
	}
	if st.ProtectionCount != 1 {
		t.Errorf("protection count = %d, want 1", st.ProtectionCount)
	}

	// Three more seconds below threshold and the shutdown fires.
	tickN(p, 3)
	st = p.Status()
	if st.State != "PROTECTED" {
		t.Fatalf("state = %s, want PROTECTED after countdown", st.State)
	}
	if dev.AGXPowered() || dev.LPMUPowered() {
		t.Error("devices still powered after shutdown")
	}
	if st.FanTimer != 2 {
		t.Errorf("fan timer = %d, want 2", st.FanTimer)
	}

	// Fans run for the grace period, then stop.
	tickN(p, 2)
	if !fansStopped {
		t.Error("fans not stopped after grace period")
	}

	// Recovery hold: two seconds above the recovery threshold.
	src.set(18.5)
	p.Tick()
	st = p.Status()
	if st.State != "RECOVERY" || st.RecoveryTimer != 2 {
		t.Fatalf("state = %s timer = %d, want RECOVERY 2", st.State, st.RecoveryTimer)
	}
	tickN(p, 2)
	if !restarted {
		t.Error("restart not invoked after recovery hold")
	}
	if got := p.Status().State; got != "NORMAL" {
		t.Errorf("state = %s after recovery, want NORMAL", got)
	}
}

func TestPolicyCountdownCancelsOnRecovery(t *testing.T) {
	p, src, dev := testPolicy(t)

	src.set(12.0)
	p.Tick()
	if got := p.Status().State; got != "LOW_VOLTAGE" {
		t.Fatalf("state = %s, want LOW_VOLTAGE", got)
	}

	src.set(18.5)
	p.Tick()
	st := p.Status()
	if st.State != "NORMAL" || st.Countdown != 0 {
		t.Errorf("state = %s countdown = %d, want NORMAL 0", st.State, st.Countdown)
	}
	if !dev.AGXPowered() {
		t.Error("AGX lost power without a completed countdown")
	}
}

func TestPolicyRecoverySagReturnsToProtected(t *testing.T) {
	p, src, _ := testPolicy(t)

	// Drive into PROTECTED.
	src.set(12.0)
	tickN(p, 4)
	if got := p.Status().State; got != "PROTECTED" {
		t.Fatalf("state = %s, want PROTECTED", got)
	}

	src.set(18.5)
	p.Tick()
	if got := p.Status().State; got != "RECOVERY" {
		t.Fatalf("state = %s, want RECOVERY", got)
	}

	// Voltage sags into the dead band during the hold.
	src.set(15.0)
	p.Tick()
	st := p.Status()
	if st.State != "PROTECTED" || st.RecoveryTimer != 0 {
		t.Errorf("state = %s timer = %d, want PROTECTED 0", st.State, st.RecoveryTimer)
	}
}

func TestPolicyRejectsImplausibleReadings(t *testing.T) {
	p, src, _ := testPolicy(t)

	p.Tick()
	src.set(3.0) // below the sensor sanity floor
	tickN(p, 5)

	st := p.Status()
	if st.State != "NORMAL" {
		t.Errorf("state = %s, implausible readings must not drive transitions", st.State)
	}
	if st.SensorFailures != 5 {
		t.Errorf("sensor failures = %d, want 5", st.SensorFailures)
	}
}

func TestPolicyThresholdValidation(t *testing.T) {
	p, _, _ := testPolicy(t)

	if err := p.SetThresholds(14.0, 13.0); !errors.Is(err, ErrBadThreshold) {
		t.Errorf("inverted thresholds: got %v, want ErrBadThreshold", err)
	}
	if err := p.SetShutdownDelay(0); !errors.Is(err, ErrBadThreshold) {
		t.Errorf("delay 0: got %v, want ErrBadThreshold", err)
	}
	if err := p.SetShutdownDelay(301); !errors.Is(err, ErrBadThreshold) {
		t.Errorf("delay 301: got %v, want ErrBadThreshold", err)
	}
	// Short grace periods are legitimate on well-instrumented sleds.
	if err := p.SetShutdownDelay(3); err != nil {
		t.Errorf("delay 3: %v", err)
	}
	if err := p.SetRecoveryHold(0); !errors.Is(err, ErrBadThreshold) {
		t.Errorf("hold 0: got %v, want ErrBadThreshold", err)
	}
	if err := p.SetFanStopDelay(0); !errors.Is(err, ErrBadThreshold) {
		t.Errorf("fan delay 0: got %v, want ErrBadThreshold", err)
	}
}

func TestPolicyShutdownSkipsUnreachableLPMU(t *testing.T) {
	src := &fakeVolt{v: 24.0}
	dev := NewNopControl()
	cfg := PolicyConfig{
		LowThreshold:      12.6,
		RecoveryThreshold: 18.0,
		ShutdownDelay:     1,
		FanStopDelay:      2,
		RecoveryHold:      2,
		// Port 1 on loopback refuses immediately.
		LPMUPingAddr: "127.0.0.1:1",
	}
	p, err := NewPolicy(cfg, src, dev, nil)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	src.set(12.0)
	tickN(p, 2)
	if got := p.Status().State; got != "PROTECTED" {
		t.Fatalf("state = %s, want PROTECTED", got)
	}
	if dev.AGXPowered() {
		t.Error("AGX still powered after shutdown")
	}
	if !dev.LPMUPowered() {
		t.Error("LPMU rail toggled despite failed reachability probe")
	}
}

func TestPolicyRecoveryRelapseKeepsCount(t *testing.T) {
	p, src, _ := testPolicy(t)

	// One full episode into RECOVERY.
	src.set(12.0)
	tickN(p, 4)
	src.set(18.5)
	p.Tick()
	st := p.Status()
	if st.State != "RECOVERY" || st.ProtectionCount != 1 {
		t.Fatalf("state = %s count = %d, want RECOVERY 1", st.State, st.ProtectionCount)
	}

	// Relapse below the low threshold: the countdown restarts but the
	// episode counter must not move.
	src.set(12.0)
	p.Tick()
	st = p.Status()
	if st.State != "LOW_VOLTAGE" || st.Countdown != 3 {
		t.Fatalf("state = %s countdown = %d, want LOW_VOLTAGE 3", st.State, st.Countdown)
	}
	if st.ProtectionCount != 1 {
		t.Errorf("protection count = %d after relapse, want 1", st.ProtectionCount)
	}
}

func TestPolicyTriggerTest(t *testing.T) {
	p, _, _ := testPolicy(t)

	p.TriggerTest()
	p.Tick()
	st := p.Status()
	if st.State != "LOW_VOLTAGE" {
		t.Errorf("state = %s, want LOW_VOLTAGE after trigger", st.State)
	}
	if !st.TestMode {
		t.Error("test mode flag not set")
	}
	if st.Voltage != 12.1 {
		t.Errorf("simulated voltage = %v, want 12.1", st.Voltage)
	}

	p.DisableTestMode()
	p.Tick()
	if p.Status().TestMode {
		t.Error("test mode still set after disable")
	}
}

func TestPolicyDisableResetsEpisode(t *testing.T) {
	p, src, _ := testPolicy(t)

	src.set(12.0)
	p.Tick()
	if got := p.Status().State; got != "LOW_VOLTAGE" {
		t.Fatalf("state = %s, want LOW_VOLTAGE", got)
	}

	p.SetEnabled(false)
	st := p.Status()
	if st.State != "NORMAL" || st.Enabled {
		t.Errorf("state = %s enabled = %t, want NORMAL false", st.State, st.Enabled)
	}

	// Ticks are inert while disabled.
	p.Tick()
	if got := p.Status().State; got != "NORMAL" {
		t.Errorf("state = %s while disabled, want NORMAL", got)
	}
}
