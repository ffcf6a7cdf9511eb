package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/tianshanos/tianshan-core/internal/auth"
	"github.com/tianshanos/tianshan-core/internal/confstore"
	"github.com/tianshanos/tianshan-core/internal/eventbus"
	"github.com/tianshanos/tianshan-core/internal/infrastructure/database"
)

// DefaultListLimit bounds audit.list responses when no limit is given.
const DefaultListLimit = 100

// MaxListLimit is the hard ceiling for one query.
const MaxListLimit = 1000

// Entry is one audit record.
type Entry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Event     string    `json:"event"`
	Username  string    `json:"username,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Logger is the minimal logging interface the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Recorder listens on the event bus and appends audit entries.
type Recorder struct {
	db  *database.DB
	bus *eventbus.Bus
	log Logger

	subs []*eventbus.Subscription
}

// NewRecorder creates a recorder over an open database. The audit_log
// table must already be migrated.
func NewRecorder(db *database.DB, bus *eventbus.Bus, log Logger) *Recorder {
	if log == nil {
		log = noopLogger{}
	}
	return &Recorder{db: db, bus: bus, log: log}
}

// Name identifies the recorder to the service orchestrator.
func (r *Recorder) Name() string { return "audit" }

// Start subscribes to the security and configuration bases.
func (r *Recorder) Start(_ context.Context) error {
	r.subs = append(r.subs,
		r.bus.SubscribeAll(eventbus.BaseSecurity, r.onSecurity),
		r.bus.Subscribe(eventbus.BaseConfig, confstore.EventPersisted, r.onConfig),
		r.bus.Subscribe(eventbus.BaseConfig, confstore.EventReset, r.onConfig),
	)
	return nil
}

// Stop unsubscribes.
func (r *Recorder) Stop(_ context.Context) error {
	for _, sub := range r.subs {
		r.bus.Unsubscribe(sub)
	}
	r.subs = nil
	return nil
}

// securityEventNames maps auth event IDs to audit event names.
var securityEventNames = map[eventbus.ID]string{
	auth.EventLogin:           "login",
	auth.EventLoginFailed:     "login_failed",
	auth.EventLockout:         "lockout",
	auth.EventLogout:          "logout",
	auth.EventPasswordChanged: "password_changed",
}

func (r *Recorder) onSecurity(ev eventbus.Event) {
	name, ok := securityEventNames[ev.ID]
	if !ok {
		return
	}
	username, _ := ev.Payload.(string)
	r.append(Entry{
		Timestamp: ev.Timestamp,
		Category:  "security",
		Event:     name,
		Username:  username,
	})
}

func (r *Recorder) onConfig(ev eventbus.Event) {
	name := "persisted"
	if ev.ID == confstore.EventReset {
		name = "reset"
	}
	detail, _ := ev.Payload.(string)
	r.append(Entry{
		Timestamp: ev.Timestamp,
		Category:  "config",
		Event:     name,
		Detail:    detail,
	})
}

// Record appends an arbitrary entry, for subsystems that audit
// directly rather than through the bus.
func (r *Recorder) Record(category, event, username, detail string) error {
	return r.insert(Entry{
		Timestamp: time.Now(),
		Category:  category,
		Event:     event,
		Username:  username,
		Detail:    detail,
	})
}

// append is the bus-handler path: failures are logged, never returned,
// because handlers must not block or fail the dispatcher.
func (r *Recorder) append(e Entry) {
	if err := r.insert(e); err != nil {
		r.log.Warn("audit write failed", "event", e.Event, "error", err)
	}
}

func (r *Recorder) insert(e Entry) error {
	_, err := r.db.Exec(
		"INSERT INTO audit_log (ts, category, event, username, detail) VALUES (?, ?, ?, ?, ?)",
		e.Timestamp.UTC().Format(time.RFC3339), e.Category, e.Event, e.Username, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// List returns the newest entries, optionally filtered by category.
func (r *Recorder) List(ctx context.Context, category string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := "SELECT id, ts, category, event, username, detail FROM audit_log"
	args := []any{}
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Category, &e.Event, &e.Username, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
