package power

import (
	"sync"
	"time"

	"github.com/tianshanos/tianshan-core/internal/eventbus"
)

// DefaultSampleInterval is used when Start is given a non-positive
// interval.
const DefaultSampleInterval = time.Second

// RailStats counts per-rail sampler activity.
type RailStats struct {
	Reads    uint64 `json:"reads"`
	Failures uint64 `json:"failures"`
	Alerts   uint64 `json:"alerts"`
}

type railState struct {
	name   string
	sensor Sensor

	lowMV  float64
	highMV float64

	last    Reading
	hasLast bool
	stats   RailStats
}

// Monitor samples registered rails on a fixed interval. Successful
// samples refresh the per-rail cache; failures leave the last good
// reading in place.
type Monitor struct {
	bus *eventbus.Bus
	log Logger

	mu       sync.Mutex
	rails    map[string]*railState
	order    []string
	interval time.Duration
	running  bool
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates an idle monitor. The bus may be nil.
func NewMonitor(bus *eventbus.Bus, log Logger) *Monitor {
	if log == nil {
		log = noopLogger{}
	}
	return &Monitor{
		bus:   bus,
		log:   log,
		rails: make(map[string]*railState),
	}
}

// RegisterRail attaches a named sensor. Names must be unique.
func (m *Monitor) RegisterRail(name string, sensor Sensor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rails[name]; ok {
		return ErrRailExists
	}
	m.rails[name] = &railState{name: name, sensor: sensor}
	m.order = append(m.order, name)
	return nil
}

// SetAlert arms low/high voltage alerts for a rail, in millivolts.
// A zero limit disables that side.
func (m *Monitor) SetAlert(name string, lowMV, highMV float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rails[name]
	if !ok {
		return ErrUnknownRail
	}
	r.lowMV = lowMV
	r.highMV = highMV
	return nil
}

// Start launches the sampler goroutine.
func (m *Monitor) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRuns
	}
	m.running = true
	m.interval = interval
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop()
	m.log.Info("power monitor started", "interval", interval)
	return nil
}

// Stop halts the sampler and waits for it to exit.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
	m.log.Info("power monitor stopped")
	return nil
}

// Running reports whether the sampler goroutine is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Interval returns the active sample interval.
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// SetInterval changes the sample interval; takes effect on the next tick.
func (m *Monitor) SetInterval(interval time.Duration) error {
	if interval <= 0 {
		return ErrBadThreshold
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = interval
	return nil
}

func (m *Monitor) loop() {
	defer close(m.done)

	for {
		m.SampleAll()

		m.mu.Lock()
		interval := m.interval
		m.mu.Unlock()

		select {
		case <-m.stop:
			return
		case <-time.After(interval):
		}
	}
}

// SampleAll reads every rail once. Exposed for manual stepping in tests.
func (m *Monitor) SampleAll() {
	m.mu.Lock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.Unlock()

	for _, name := range names {
		m.sample(name)
	}
}

func (m *Monitor) sample(name string) {
	m.mu.Lock()
	r, ok := m.rails[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	sensor := r.sensor
	m.mu.Unlock()

	reading, err := sensor.Read()

	m.mu.Lock()
	defer m.mu.Unlock()

	r.stats.Reads++
	if err != nil {
		r.stats.Failures++
		m.log.Warn("rail sample failed", "rail", name, "error", err)
		return
	}
	r.last = reading
	r.hasLast = true

	var alert *Alert
	switch {
	case r.lowMV > 0 && reading.Voltage < r.lowMV:
		alert = &Alert{Rail: name, Voltage: reading.Voltage, Low: true, Limit: r.lowMV}
	case r.highMV > 0 && reading.Voltage > r.highMV:
		alert = &Alert{Rail: name, Voltage: reading.Voltage, Low: false, Limit: r.highMV}
	}
	if alert != nil {
		r.stats.Alerts++
		m.log.Warn("rail voltage alert", "rail", name,
			"voltage_mv", reading.Voltage, "limit_mv", alert.Limit, "low", alert.Low)
		if m.bus != nil {
			_ = m.bus.Post(eventbus.BasePower, EventAlert, *alert) //nolint:errcheck // best effort
		}
	}
}

// Last returns the cached reading for a rail.
func (m *Monitor) Last(name string) (Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rails[name]
	if !ok {
		return Reading{}, ErrUnknownRail
	}
	if !r.hasLast {
		return Reading{}, ErrNoReading
	}
	return r.last, nil
}

// ReadNow samples a rail immediately, bypassing the cache. The fresh
// reading also refreshes the cache on success.
func (m *Monitor) ReadNow(name string) (Reading, error) {
	m.mu.Lock()
	r, ok := m.rails[name]
	if !ok {
		m.mu.Unlock()
		return Reading{}, ErrUnknownRail
	}
	sensor := r.sensor
	m.mu.Unlock()

	reading, err := sensor.Read()

	m.mu.Lock()
	defer m.mu.Unlock()
	r.stats.Reads++
	if err != nil {
		r.stats.Failures++
		return Reading{}, err
	}
	r.last = reading
	r.hasLast = true
	return reading, nil
}

// Total sums positive cached power across rails, in milliwatts.
func (m *Monitor) Total() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0.0
	for _, r := range m.rails {
		if r.hasLast && r.last.Power > 0 {
			total += r.last.Power
		}
	}
	return total
}

// Rails returns registered rail names in registration order.
func (m *Monitor) Rails() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Stats returns per-rail counters keyed by rail name.
func (m *Monitor) Stats() map[string]RailStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]RailStats, len(m.rails))
	for name, r := range m.rails {
		out[name] = r.stats
	}
	return out
}

// ResetStats zeroes every rail's counters.
func (m *Monitor) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rails {
		r.stats = RailStats{}
	}
}
