package power

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeSensor returns a settable reading or error.
type fakeSensor struct {
	mu  sync.Mutex
	r   Reading
	err error
}

func (f *fakeSensor) set(r Reading, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.r = r
	f.err = err
}

func (f *fakeSensor) Read() (Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Reading{}, f.err
	}
	r := f.r
	r.Timestamp = time.Now()
	return r, nil
}

func TestMonitorCachesLastGoodReading(t *testing.T) {
	m := NewMonitor(nil, nil)
	s := &fakeSensor{}
	if err := m.RegisterRail("main", s); err != nil {
		t.Fatalf("RegisterRail: %v", err)
	}

	if _, err := m.Last("main"); !errors.Is(err, ErrNoReading) {
		t.Errorf("got %v, want ErrNoReading before first sample", err)
	}

	s.set(Reading{Voltage: 12000, Current: 500, Power: 6000}, nil)
	m.SampleAll()

	r, err := m.Last("main")
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if r.Voltage != 12000 {
		t.Errorf("voltage = %v, want 12000", r.Voltage)
	}

	// A failure must not clobber the cache.
	s.set(Reading{}, errors.New("bus timeout"))
	m.SampleAll()

	r, err = m.Last("main")
	if err != nil {
		t.Fatalf("Last after failure: %v", err)
	}
	if r.Voltage != 12000 {
		t.Errorf("voltage = %v after failure, want cached 12000", r.Voltage)
	}

	stats := m.Stats()["main"]
	if stats.Reads != 2 || stats.Failures != 1 {
		t.Errorf("stats = %+v, want 2 reads 1 failure", stats)
	}
}

func TestMonitorAlerts(t *testing.T) {
	m := NewMonitor(nil, nil)
	s := &fakeSensor{}
	if err := m.RegisterRail("main", s); err != nil {
		t.Fatalf("RegisterRail: %v", err)
	}
	if err := m.SetAlert("main", 11000, 13000); err != nil {
		t.Fatalf("SetAlert: %v", err)
	}

	s.set(Reading{Voltage: 12000}, nil)
	m.SampleAll()
	if got := m.Stats()["main"].Alerts; got != 0 {
		t.Errorf("alerts = %d in band, want 0", got)
	}

	s.set(Reading{Voltage: 10500}, nil)
	m.SampleAll()
	s.set(Reading{Voltage: 13500}, nil)
	m.SampleAll()
	if got := m.Stats()["main"].Alerts; got != 2 {
		t.Errorf("alerts = %d, want 2", got)
	}
}

func TestMonitorReadNowBypassesCache(t *testing.T) {
	m := NewMonitor(nil, nil)
	s := &fakeSensor{}
	if err := m.RegisterRail("main", s); err != nil {
		t.Fatalf("RegisterRail: %v", err)
	}

	s.set(Reading{Voltage: 12000}, nil)
	m.SampleAll()
	s.set(Reading{Voltage: 11000}, nil)

	r, err := m.ReadNow("main")
	if err != nil {
		t.Fatalf("ReadNow: %v", err)
	}
	if r.Voltage != 11000 {
		t.Errorf("voltage = %v, want fresh 11000", r.Voltage)
	}

	cached, err := m.Last("main")
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if cached.Voltage != 11000 {
		t.Errorf("cache = %v after ReadNow, want 11000", cached.Voltage)
	}
}

func TestMonitorTotalSumsPositivePower(t *testing.T) {
	m := NewMonitor(nil, nil)
	a := &fakeSensor{}
	b := &fakeSensor{}
	if err := m.RegisterRail("a", a); err != nil {
		t.Fatalf("RegisterRail: %v", err)
	}
	if err := m.RegisterRail("b", b); err != nil {
		t.Fatalf("RegisterRail: %v", err)
	}

	a.set(Reading{Power: 6000}, nil)
	b.set(Reading{Power: -250}, nil) // back-feeding rail is excluded
	m.SampleAll()

	if got := m.Total(); got != 6000 {
		t.Errorf("total = %v mW, want 6000", got)
	}
}

func TestMonitorRegistrationAndLifecycle(t *testing.T) {
	m := NewMonitor(nil, nil)
	s := &fakeSensor{}
	if err := m.RegisterRail("main", s); err != nil {
		t.Fatalf("RegisterRail: %v", err)
	}
	if err := m.RegisterRail("main", s); !errors.Is(err, ErrRailExists) {
		t.Errorf("duplicate rail: got %v, want ErrRailExists", err)
	}
	if err := m.SetAlert("ghost", 0, 0); !errors.Is(err, ErrUnknownRail) {
		t.Errorf("unknown rail: got %v, want ErrUnknownRail", err)
	}

	if err := m.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("stop while idle: got %v, want ErrNotRunning", err)
	}
	if err := m.Start(10 * time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(10 * time.Millisecond); !errors.Is(err, ErrAlreadyRuns) {
		t.Errorf("double start: got %v, want ErrAlreadyRuns", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
