package history

import (
	"context"
	"sync"
	"time"

	"github.com/tianshanos/tianshan-core/internal/eventbus"
	"github.com/tianshanos/tianshan-core/internal/power"
)

// DefaultRecordInterval is how often rail samples are written when no
// interval is configured.
const DefaultRecordInterval = 10 * time.Second

// Sink receives the recorded points. Satisfied by *influxdb.Client.
type Sink interface {
	WriteRailSample(rail string, voltageMV, currentMA, powerMW float64, at time.Time)
	WriteProtectionEvent(from, to string, voltageV float64)
	Flush()
}

// Source exposes the cached rail readings. Satisfied by *power.Monitor.
type Source interface {
	Rails() []string
	Last(rail string) (power.Reading, error)
}

// Logger is the minimal logging interface the recorder needs.
type Logger interface {
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

// Recorder periodically copies the monitor's cached readings into the
// sink and mirrors protection state transitions as they happen.
type Recorder struct {
	src      Source
	sink     Sink
	bus      *eventbus.Bus
	interval time.Duration
	log      Logger

	mu      sync.Mutex
	sub     *eventbus.Subscription
	stop    chan struct{}
	done    chan struct{}
	running bool
	written uint64
}

// Option configures the recorder.
type Option func(*Recorder)

// WithInterval sets the sampling period.
func WithInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger sets the recorder logger.
func WithLogger(log Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// NewRecorder creates a recorder. The bus may be nil, in which case
// protection transitions are not mirrored.
func NewRecorder(src Source, sink Sink, bus *eventbus.Bus, opts ...Option) *Recorder {
	r := &Recorder{
		src:      src,
		sink:     sink,
		bus:      bus,
		interval: DefaultRecordInterval,
		log:      noopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name identifies the recorder to the service orchestrator.
func (r *Recorder) Name() string { return "history" }

// Start begins periodic recording.
func (r *Recorder) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.running = true

	if r.bus != nil {
		r.sub = r.bus.Subscribe(eventbus.BasePower, power.EventStateChange, r.onStateChange)
	}

	go r.loop(r.stop, r.done)
	return nil
}

// Stop halts recording and flushes the sink.
func (r *Recorder) Stop(_ context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	if r.sub != nil && r.bus != nil {
		r.bus.Unsubscribe(r.sub)
		r.sub = nil
	}
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done
	r.sink.Flush()
	return nil
}

// Written reports how many rail samples have been recorded.
func (r *Recorder) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

func (r *Recorder) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.record()
		}
	}
}

// record writes one point per rail with a cached reading. Rails that
// have never produced a reading are skipped silently.
func (r *Recorder) record() {
	for _, rail := range r.src.Rails() {
		reading, err := r.src.Last(rail)
		if err != nil {
			continue
		}
		r.sink.WriteRailSample(rail, reading.Voltage, reading.Current, reading.Power, reading.Timestamp)

		r.mu.Lock()
		r.written++
		r.mu.Unlock()
	}
}

func (r *Recorder) onStateChange(ev eventbus.Event) {
	sc, ok := ev.Payload.(power.StateChange)
	if !ok {
		return
	}
	r.sink.WriteProtectionEvent(sc.From.String(), sc.To.String(), sc.Voltage)
	r.log.Debug("protection transition recorded", "from", sc.From.String(), "to", sc.To.String())
}
