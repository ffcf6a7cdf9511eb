package confstore

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tianshanos/tianshan-core/internal/eventbus"
	"github.com/tianshanos/tianshan-core/internal/media"
)

// Config event IDs posted on eventbus.BaseConfig.
const (
	EventChanged eventbus.ID = iota
	EventPersisted
	EventLoaded
	EventReset
)

// DefaultAutoSaveDelay debounces bursts of Set calls before a persist.
const DefaultAutoSaveDelay = 5 * time.Second

// ChangeOp identifies what happened to a key.
type ChangeOp int

const (
	OpSet ChangeOp = iota
	OpDelete
)

// Change is delivered to subscribed listeners.
type Change struct {
	Op     ChangeOp
	Key    string
	Old    Value
	New    Value
	Source Source
}

// ListenerFunc receives change notifications. Callbacks run synchronously
// on the mutating goroutine; they may read the engine but must not write.
type ListenerFunc func(Change)

type listener struct {
	id     int
	prefix string
	fn     ListenerFunc
}

// Media is the slice of the removable-media manager the engine needs.
// *media.Manager satisfies it; nil means no media is ever present.
type Media interface {
	Mounted() bool
	ReadConfigFile(name string) ([]byte, error)
	WriteConfigFile(name string, data []byte) error
	RemoveConfigFile(name string) error
	ConfigFileExists(name string) bool
}

// Logger is the minimal logging interface the engine needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type cacheEntry struct {
	value  Value
	source Source
}

// Engine is the unified configuration store. All methods are safe for
// concurrent use.
type Engine struct {
	nv    Backend
	meta  *metaStore
	media Media
	bus   *eventbus.Bus
	log   Logger

	autoSaveDelay time.Duration

	mu        sync.Mutex
	schemas   [ModuleCount]*Schema
	cache     map[string]cacheEntry
	dirty     [ModuleCount]bool
	listeners []listener
	nextLisID int
	autoSave  *time.Timer

	// notifying tracks the goroutines currently delivering listener
	// callbacks. A write from inside a callback on the same goroutine
	// is rejected; writes from other goroutines proceed normally.
	notifyMu  sync.Mutex
	notifying map[uint64]int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithAutoSave sets the debounce delay for automatic persistence.
// A zero or negative delay disables auto-save.
func WithAutoSave(d time.Duration) Option {
	return func(e *Engine) { e.autoSaveDelay = d }
}

// New creates an engine over a non-volatile backend and an optional
// removable-media manager. When a bus is supplied the engine posts config
// events and flushes pending exports on media mount.
func New(nv Backend, med Media, bus *eventbus.Bus, opts ...Option) (*Engine, error) {
	if err := nv.Init(); err != nil {
		return nil, fmt.Errorf("initialising backend %s: %w", nv.Name(), err)
	}

	meta, err := newMetaStore(nv)
	if err != nil {
		return nil, fmt.Errorf("loading meta record: %w", err)
	}

	e := &Engine{
		nv:            nv,
		meta:          meta,
		media:         med,
		bus:           bus,
		log:           noopLogger{},
		autoSaveDelay: DefaultAutoSaveDelay,
		cache:         make(map[string]cacheEntry),
		notifying:     make(map[uint64]int),
	}
	for _, opt := range opts {
		opt(e)
	}

	if bus != nil {
		bus.Subscribe(eventbus.BaseStorage, media.EventMounted, func(eventbus.Event) {
			if err := e.SyncPending(); err != nil {
				e.log.Warn("pending sync after mount failed", "error", err)
			}
		})
	}

	return e, nil
}

// Close flushes the auto-save timer and releases the backend.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.autoSave != nil {
		e.autoSave.Stop()
		e.autoSave = nil
	}
	anyDirty := false
	for _, d := range e.dirty {
		anyDirty = anyDirty || d
	}
	e.mu.Unlock()

	if anyDirty {
		if err := e.PersistAll(); err != nil {
			e.log.Warn("final persist on close failed", "error", err)
		}
	}
	return e.nv.Deinit()
}

// RegisterModule attaches a schema to a module slot. Must be called
// before Load or Set touches the module's keys.
func (e *Engine) RegisterModule(m Module, schema *Schema) error {
	if m < 0 || m >= ModuleCount {
		return ErrUnknownModule
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.schemas[m] != nil {
		return fmt.Errorf("%w: module %s already registered", ErrInvalidState, m)
	}
	e.schemas[m] = schema
	return nil
}

// moduleForKey splits a full dotted key into its owning module and the
// key relative to the module prefix.
func (e *Engine) moduleForKey(key string) (Module, string, error) {
	prefix, rest, ok := strings.Cut(key, ".")
	if !ok {
		return 0, "", fmt.Errorf("%w: key %q has no module prefix", ErrUnknownModule, key)
	}
	m, ok := ModuleByName(prefix)
	if !ok {
		return 0, "", fmt.Errorf("%w: %q", ErrUnknownModule, prefix)
	}
	if e.schemas[m] == nil {
		return 0, "", fmt.Errorf("%w: module %s not registered", ErrUnknownModule, m)
	}
	return m, rest, nil
}

// Get returns the cached value and its source.
func (e *Engine) Get(key string) (Value, Source, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.cache[key]
	if !ok {
		return Value{}, SourceDefault, ErrNotFound
	}
	return entry.value, entry.source, nil
}

// GetBool returns the boolean at key, or def on not-found or type mismatch.
func (e *Engine) GetBool(key string, def bool) bool {
	v, _, err := e.Get(key)
	if err != nil || v.Type != TypeBool {
		return def
	}
	return v.AsBool()
}

// GetInt returns the signed integer at key, or def.
func (e *Engine) GetInt(key string, def int64) int64 {
	v, _, err := e.Get(key)
	if err != nil || v.Type != TypeInt {
		return def
	}
	return v.AsInt()
}

// GetUint returns the unsigned integer at key, or def.
func (e *Engine) GetUint(key string, def uint64) uint64 {
	v, _, err := e.Get(key)
	if err != nil || v.Type != TypeUint {
		return def
	}
	return v.AsUint()
}

// GetFloat returns the float at key, or def.
func (e *Engine) GetFloat(key string, def float64) float64 {
	v, _, err := e.Get(key)
	if err != nil || v.Type != TypeFloat {
		return def
	}
	return v.AsFloat()
}

// GetString returns the string at key, or def.
func (e *Engine) GetString(key string, def string) string {
	v, _, err := e.Get(key)
	if err != nil || v.Type != TypeString {
		return def
	}
	return v.AsString()
}

// Exists reports whether a key is cached.
func (e *Engine) Exists(key string) bool {
	_, _, err := e.Get(key)
	return err == nil
}

// Set stores a value under key with runtime source, marks the owning
// module dirty and schedules the auto-save timer.
func (e *Engine) Set(key string, v Value) error {
	if e.inNotify() {
		return ErrReentrantWrite
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}

	m, rel, err := e.moduleForKey(key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	schema := e.schemas[m]
	if entry := schema.entry(rel); entry != nil && entry.Type != v.Type {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, got %s", ErrTypeMismatch, key, entry.Type, v.Type)
	}

	old := e.cache[key]
	e.cache[key] = cacheEntry{value: v, source: SourceRuntime}
	e.dirty[m] = true
	e.scheduleAutoSaveLocked()
	e.mu.Unlock()

	e.notify(Change{Op: OpSet, Key: key, Old: old.value, New: v, Source: SourceRuntime})
	e.postEvent(EventChanged, key)
	return nil
}

// Delete removes a key from the cache. Listeners are notified before the
// next Get observes the absence.
func (e *Engine) Delete(key string) error {
	if e.inNotify() {
		return ErrReentrantWrite
	}

	m, _, err := e.moduleForKey(key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	old, ok := e.cache[key]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	delete(e.cache, key)
	e.dirty[m] = true
	e.scheduleAutoSaveLocked()
	e.mu.Unlock()

	e.notify(Change{Op: OpDelete, Key: key, Old: old.value, Source: old.source})
	e.postEvent(EventChanged, key)
	return nil
}

// Subscribe registers a listener for keys matching prefix ("*" for all).
// Returns a handle for Unsubscribe.
func (e *Engine) Subscribe(prefix string, fn ListenerFunc) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextLisID++
	e.listeners = append(e.listeners, listener{id: e.nextLisID, prefix: prefix, fn: fn})
	return e.nextLisID
}

// Unsubscribe removes a listener by handle.
func (e *Engine) Unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

func (e *Engine) notify(change Change) {
	e.mu.Lock()
	matched := make([]ListenerFunc, 0, len(e.listeners))
	for _, l := range e.listeners {
		if l.prefix == "*" || strings.HasPrefix(change.Key, l.prefix) {
			matched = append(matched, l.fn)
		}
	}
	e.mu.Unlock()

	if len(matched) == 0 {
		return
	}

	id := goid()
	e.notifyMu.Lock()
	e.notifying[id]++
	e.notifyMu.Unlock()
	defer func() {
		e.notifyMu.Lock()
		if e.notifying[id]--; e.notifying[id] <= 0 {
			delete(e.notifying, id)
		}
		e.notifyMu.Unlock()
	}()

	for _, fn := range matched {
		fn(change)
	}
}

// inNotify reports whether the calling goroutine is inside a listener
// callback.
func (e *Engine) inNotify() bool {
	id := goid()
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	return e.notifying[id] > 0
}

// goid extracts the current goroutine's id from its stack header, the
// only way the runtime exposes it.
func goid() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	// The header reads "goroutine 123 [running]".
	var id uint64
	for _, c := range buf[len("goroutine "):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}

func (e *Engine) postEvent(id eventbus.ID, payload any) {
	if e.bus == nil {
		return
	}
	// Best effort: a full queue drops the event, same as the device.
	_ = e.bus.Post(eventbus.BaseConfig, id, payload) //nolint:errcheck
}

// Dirty reports whether a module has unsaved changes.
func (e *Engine) Dirty(m Module) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty[m]
}

// GlobalSeq returns the current persistence sequence number.
func (e *Engine) GlobalSeq() uint32 { return e.meta.GlobalSeq() }

// SyncSeq returns the sequence last mirrored to removable media.
func (e *Engine) SyncSeq() uint32 { return e.meta.SyncSeq() }

// PendingSync returns the pending-sync bitmask.
func (e *Engine) PendingSync() uint8 { return e.meta.PendingSync() }

// SchemaVersion returns the stored schema version of a module.
func (e *Engine) SchemaVersion(m Module) uint16 { return e.meta.schemaVersion(m) }

// moduleValues snapshots a module's relative key/value set.
func (e *Engine) moduleValues(m Module) map[string]Value {
	prefix := m.String() + "."
	values := make(map[string]Value)
	for key, entry := range e.cache {
		if strings.HasPrefix(key, prefix) {
			values[strings.TrimPrefix(key, prefix)] = entry.value
		}
	}
	return values
}

// Persist durably writes one module: bump global_seq, write the document
// blob to the non-volatile namespace, then mirror it to removable media.
// A media failure (or absent media) marks pending_sync and still returns
// success; a non-volatile failure propagates.
func (e *Engine) Persist(m Module) error {
	e.mu.Lock()
	schema := e.schemas[m]
	if schema == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: module %s not registered", ErrUnknownModule, m)
	}
	values := e.moduleValues(m)
	e.mu.Unlock()

	seq, err := e.meta.incrementGlobalSeq()
	if err != nil {
		return err
	}

	doc, err := encodeDocument(schema, values, seq)
	if err != nil {
		return fmt.Errorf("encoding %s document: %w", m, err)
	}

	if err := e.nv.Set(m.Namespace(), "config", doc); err != nil {
		return fmt.Errorf("writing %s record: %w", m, err)
	}
	if err := e.nv.Commit(); err != nil {
		return fmt.Errorf("committing %s record: %w", m, err)
	}
	if err := e.meta.setSchemaVersion(m, schema.Version); err != nil {
		return err
	}

	e.mu.Lock()
	e.dirty[m] = false
	e.mu.Unlock()

	e.exportToMedia(m, doc, seq)
	e.postEvent(EventPersisted, m.String())
	e.log.Debug("module persisted", "module", m.String(), "seq", seq)
	return nil
}

// exportToMedia mirrors a freshly persisted document. Failures only mark
// pending_sync; the non-volatile write has already succeeded.
func (e *Engine) exportToMedia(m Module, doc []byte, seq uint32) {
	if e.media == nil || !e.media.Mounted() {
		if err := e.meta.setPending(m); err != nil {
			e.log.Warn("cannot mark pending sync", "module", m.String(), "error", err)
		}
		return
	}

	if err := e.media.WriteConfigFile(m.FileName(), doc); err != nil {
		e.log.Warn("media export failed", "module", m.String(), "error", err)
		if err := e.meta.setPending(m); err != nil {
			e.log.Warn("cannot mark pending sync", "module", m.String(), "error", err)
		}
		return
	}

	if err := e.meta.clearPending(m); err != nil {
		e.log.Warn("cannot clear pending sync", "module", m.String(), "error", err)
	}
	if err := e.meta.setSyncSeq(seq); err != nil {
		e.log.Warn("cannot update sync seq", "module", m.String(), "error", err)
	}
}

// PersistAll persists every registered module with unsaved changes.
func (e *Engine) PersistAll() error {
	var firstErr error
	for m := Module(0); m < ModuleCount; m++ {
		e.mu.Lock()
		want := e.schemas[m] != nil && e.dirty[m]
		e.mu.Unlock()
		if !want {
			continue
		}
		if err := e.Persist(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Load populates a module's cache slice using the documented precedence:
// pending-sync NV wins over media, media over NV, NV over defaults.
func (e *Engine) Load(m Module) error {
	e.mu.Lock()
	schema := e.schemas[m]
	e.mu.Unlock()
	if schema == nil {
		return fmt.Errorf("%w: module %s not registered", ErrUnknownModule, m)
	}

	mounted := e.media != nil && e.media.Mounted()
	nvDoc, nvErr := e.nv.Get(m.Namespace(), "config")

	switch {
	case e.meta.isPending(m) && mounted && nvErr == nil:
		// NV holds changes the media never saw: NV is authoritative.
		if err := e.adoptDocument(m, schema, nvDoc, SourceNonVolatile); err != nil {
			return err
		}
		if err := e.media.WriteConfigFile(m.FileName(), nvDoc); err != nil {
			e.log.Warn("pending re-export failed", "module", m.String(), "error", err)
		} else {
			e.clearPendingAndSettle(m)
		}

	case mounted && e.media.ConfigFileExists(m.FileName()):
		fileDoc, err := e.media.ReadConfigFile(m.FileName())
		if err != nil {
			return fmt.Errorf("reading %s export: %w", m, err)
		}
		if err := e.adoptDocument(m, schema, fileDoc, SourceFile); err != nil {
			return err
		}

	case nvErr == nil:
		if err := e.adoptDocument(m, schema, nvDoc, SourceNonVolatile); err != nil {
			return err
		}
		if mounted {
			if err := e.media.WriteConfigFile(m.FileName(), nvDoc); err != nil {
				e.log.Warn("auto-export failed", "module", m.String(), "error", err)
			}
		}

	default:
		e.applyDefaults(m, schema)
	}

	e.postEvent(EventLoaded, m.String())
	return nil
}

// LoadAll loads every registered module.
func (e *Engine) LoadAll() error {
	var firstErr error
	for m := Module(0); m < ModuleCount; m++ {
		e.mu.Lock()
		registered := e.schemas[m] != nil
		e.mu.Unlock()
		if !registered {
			continue
		}
		if err := e.Load(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// adoptDocument decodes a persisted document, runs any pending schema
// migration and publishes the values into the cache.
func (e *Engine) adoptDocument(m Module, schema *Schema, data []byte, src Source) error {
	doc, err := decodeDocument(schema, data)
	if err != nil {
		return fmt.Errorf("loading %s: %w", m, err)
	}
	for _, key := range doc.Unknown {
		e.log.Warn("dropping unknown config key", "module", m.String(), "key", key)
	}

	storedVer := doc.Version
	if storedVer == 0 {
		storedVer = e.meta.schemaVersion(m)
	}
	if storedVer < schema.Version && schema.Migrate != nil {
		if err := schema.Migrate(storedVer, doc.Values); err != nil {
			return fmt.Errorf("migrating %s from v%d: %w", m, storedVer, err)
		}
		if err := e.meta.setSchemaVersion(m, schema.Version); err != nil {
			return err
		}
		e.log.Info("schema migrated", "module", m.String(),
			"from", storedVer, "to", schema.Version)
	}

	prefix := m.String() + "."

	e.mu.Lock()
	defer e.mu.Unlock()

	for key := range e.cache {
		if strings.HasPrefix(key, prefix) {
			delete(e.cache, key)
		}
	}
	for _, entry := range schema.Entries {
		v, ok := doc.Values[entry.Key]
		if ok {
			e.cache[prefix+entry.Key] = cacheEntry{value: v, source: src}
		} else {
			e.cache[prefix+entry.Key] = cacheEntry{value: entry.Default, source: SourceDefault}
		}
	}
	e.dirty[m] = false
	return nil
}

func (e *Engine) applyDefaults(m Module, schema *Schema) {
	prefix := m.String() + "."

	e.mu.Lock()
	defer e.mu.Unlock()

	for key := range e.cache {
		if strings.HasPrefix(key, prefix) {
			delete(e.cache, key)
		}
	}
	for _, entry := range schema.Entries {
		e.cache[prefix+entry.Key] = cacheEntry{value: entry.Default, source: SourceDefault}
	}
	e.dirty[m] = false
}

// clearPendingAndSettle clears a module's pending bit and, once no bits
// remain, records that media has caught up with the KV.
func (e *Engine) clearPendingAndSettle(m Module) {
	if err := e.meta.clearPending(m); err != nil {
		e.log.Warn("cannot clear pending sync", "module", m.String(), "error", err)
		return
	}
	if e.meta.PendingSync() == 0 {
		if err := e.meta.setSyncSeq(e.meta.GlobalSeq()); err != nil {
			e.log.Warn("cannot update sync seq", "error", err)
		}
	}
}

// Reset restores a module's cache to schema defaults. With erase set, the
// backing record and media export are removed and the defaults persisted.
func (e *Engine) Reset(m Module, erase bool) error {
	e.mu.Lock()
	schema := e.schemas[m]
	e.mu.Unlock()
	if schema == nil {
		return fmt.Errorf("%w: module %s not registered", ErrUnknownModule, m)
	}

	e.applyDefaults(m, schema)

	e.mu.Lock()
	e.dirty[m] = true
	e.mu.Unlock()

	if erase {
		if err := e.nv.Erase(m.Namespace(), "config"); err != nil {
			return fmt.Errorf("erasing %s record: %w", m, err)
		}
		if e.media != nil && e.media.Mounted() {
			if err := e.media.RemoveConfigFile(m.FileName()); err != nil {
				e.log.Warn("cannot remove media export", "module", m.String(), "error", err)
			}
		}
		if err := e.Persist(m); err != nil {
			return err
		}
	}

	e.postEvent(EventReset, m.String())
	return nil
}

// SyncPending mirrors every module whose pending bit is set to the
// removable media, then records media as caught up. Called on mount.
func (e *Engine) SyncPending() error {
	if e.media == nil || !e.media.Mounted() {
		return nil
	}

	pending := e.meta.PendingSync()
	if pending == 0 {
		return nil
	}

	var firstErr error
	for m := Module(0); m < ModuleCount; m++ {
		if pending&(1<<uint(m)) == 0 {
			continue
		}

		doc, err := e.nv.Get(m.Namespace(), "config")
		if err != nil {
			// Nothing stored: pending bit is stale, drop it.
			e.clearPendingAndSettle(m)
			continue
		}

		if err := e.media.WriteConfigFile(m.FileName(), doc); err != nil {
			e.log.Warn("pending export failed", "module", m.String(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := e.meta.clearPending(m); err != nil && firstErr == nil {
			firstErr = err
		}
		e.log.Info("pending module synced to media", "module", m.String())
	}

	if e.meta.PendingSync() == 0 {
		if err := e.meta.setSyncSeq(e.meta.GlobalSeq()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Keys returns the sorted full keys of a module's cache slice.
func (e *Engine) Keys(m Module) []string {
	prefix := m.String() + "."

	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make([]string, 0, 16)
	for key := range e.cache {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// RegisteredModules returns the modules that have schemas attached.
func (e *Engine) RegisteredModules() []Module {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Module, 0, ModuleCount)
	for m := Module(0); m < ModuleCount; m++ {
		if e.schemas[m] != nil {
			out = append(out, m)
		}
	}
	return out
}

// Schema returns the registered schema for a module, or nil.
func (e *Engine) Schema(m Module) *Schema {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m < 0 || m >= ModuleCount {
		return nil
	}
	return e.schemas[m]
}

// scheduleAutoSaveLocked (re)arms the debounce timer. Caller holds e.mu.
func (e *Engine) scheduleAutoSaveLocked() {
	if e.autoSaveDelay <= 0 {
		return
	}
	if e.autoSave == nil {
		e.autoSave = time.AfterFunc(e.autoSaveDelay, func() {
			if err := e.PersistAll(); err != nil {
				e.log.Warn("auto-save failed", "error", err)
			}
		})
		return
	}
	e.autoSave.Reset(e.autoSaveDelay)
}
