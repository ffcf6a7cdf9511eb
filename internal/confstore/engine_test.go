package confstore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"testing"

	"github.com/tianshanos/tianshan-core/internal/eventbus"
	"github.com/tianshanos/tianshan-core/internal/media"
)

// fakeMedia is an in-memory stand-in for the removable media manager.
type fakeMedia struct {
	mounted    bool
	failWrites bool
	files      map[string][]byte
}

func newFakeMedia(mounted bool) *fakeMedia {
	return &fakeMedia{mounted: mounted, files: make(map[string][]byte)}
}

func (f *fakeMedia) Mounted() bool { return f.mounted }

func (f *fakeMedia) ReadConfigFile(name string) ([]byte, error) {
	if !f.mounted {
		return nil, media.ErrNotMounted
	}
	data, ok := f.files[name]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func (f *fakeMedia) WriteConfigFile(name string, data []byte) error {
	if !f.mounted {
		return media.ErrNotMounted
	}
	if f.failWrites {
		return errors.New("write refused")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.files[name] = buf
	return nil
}

func (f *fakeMedia) RemoveConfigFile(name string) error {
	if !f.mounted {
		return media.ErrNotMounted
	}
	delete(f.files, name)
	return nil
}

func (f *fakeMedia) ConfigFileExists(name string) bool {
	if !f.mounted {
		return false
	}
	_, ok := f.files[name]
	return ok
}

func newTestEngine(t *testing.T, med Media, bus *eventbus.Bus) *Engine {
	t.Helper()

	e, err := New(NewMemoryBackend(), med, bus, WithAutoSave(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := RegisterDefaultSchemas(e); err != nil {
		t.Fatalf("RegisterDefaultSchemas: %v", err)
	}
	if err := e.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	return e
}

func TestPersistWritesBothSides(t *testing.T) {
	med := newFakeMedia(true)
	e := newTestEngine(t, med, nil)

	if err := e.Set("net.eth.ip", String("10.0.0.5")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !e.Dirty(ModuleNet) {
		t.Fatal("net should be dirty after Set")
	}
	if err := e.Persist(ModuleNet); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if e.Dirty(ModuleNet) {
		t.Error("net still dirty after Persist")
	}
	if got := e.GlobalSeq(); got != 1 {
		t.Errorf("GlobalSeq = %d, want 1", got)
	}
	if got := e.SyncSeq(); got != 1 {
		t.Errorf("SyncSeq = %d, want 1", got)
	}
	if got := e.PendingSync(); got != 0 {
		t.Errorf("PendingSync = %#x, want 0", got)
	}

	data, ok := med.files["net.json"]
	if !ok {
		t.Fatal("media export net.json missing")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	var meta docMeta
	if err := json.Unmarshal(doc["_meta"], &meta); err != nil {
		t.Fatalf("export meta: %v", err)
	}
	if meta.Seq != 1 || meta.Version != 1 {
		t.Errorf("meta = %+v, want seq 1 version 1", meta)
	}
	var ip string
	if err := json.Unmarshal(doc["eth.ip"], &ip); err != nil || ip != "10.0.0.5" {
		t.Errorf("eth.ip = %q (%v), want 10.0.0.5", ip, err)
	}
}

func TestPersistUnmountedMarksPendingThenSyncs(t *testing.T) {
	med := newFakeMedia(false)
	e := newTestEngine(t, med, nil)

	if err := e.Set("fan.target_temp", Uint(55)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Persist(ModuleFan); err != nil {
		t.Fatalf("Persist while unmounted should still succeed: %v", err)
	}

	if e.PendingSync()&(1<<uint(ModuleFan)) == 0 {
		t.Fatal("fan pending bit not set")
	}
	if got := e.SyncSeq(); got != 0 {
		t.Errorf("SyncSeq = %d, want 0 before media returns", got)
	}

	med.mounted = true
	if err := e.SyncPending(); err != nil {
		t.Fatalf("SyncPending: %v", err)
	}

	if _, ok := med.files["fan.json"]; !ok {
		t.Error("fan.json not exported after sync")
	}
	if got := e.PendingSync(); got != 0 {
		t.Errorf("PendingSync = %#x after sync, want 0", got)
	}
	if e.SyncSeq() != e.GlobalSeq() {
		t.Errorf("SyncSeq = %d, GlobalSeq = %d, want equal", e.SyncSeq(), e.GlobalSeq())
	}
}

func TestMountEventFlushesPending(t *testing.T) {
	bus := eventbus.New(0)
	defer bus.Stop()

	med := newFakeMedia(false)
	e, err := New(NewMemoryBackend(), med, bus, WithAutoSave(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := RegisterDefaultSchemas(e); err != nil {
		t.Fatalf("RegisterDefaultSchemas: %v", err)
	}
	if err := e.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	if err := e.Set("led.brightness", Uint(200)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Persist(ModuleLED); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if e.PendingSync() == 0 {
		t.Fatal("expected pending bit while unmounted")
	}

	med.mounted = true
	bus.PostSync(eventbus.BaseStorage, media.EventMounted, nil)

	if _, ok := med.files["led.json"]; !ok {
		t.Error("led.json not exported on mount event")
	}
	if got := e.PendingSync(); got != 0 {
		t.Errorf("PendingSync = %#x after mount, want 0", got)
	}
}

func TestLoadPrefersMediaFile(t *testing.T) {
	backend := NewMemoryBackend()
	med := newFakeMedia(true)

	// Seed divergent documents: NV says 10.0.0.1, media says 10.0.0.2.
	schema := NetSchema()
	nvDoc, err := encodeDocument(schema, map[string]Value{"eth.ip": String("10.0.0.1")}, 3)
	if err != nil {
		t.Fatalf("encode nv doc: %v", err)
	}
	fileDoc, err := encodeDocument(schema, map[string]Value{"eth.ip": String("10.0.0.2")}, 4)
	if err != nil {
		t.Fatalf("encode file doc: %v", err)
	}
	if err := backend.Set(ModuleNet.Namespace(), "config", nvDoc); err != nil {
		t.Fatalf("seed backend: %v", err)
	}
	med.files["net.json"] = fileDoc

	e, err := New(backend, med, nil, WithAutoSave(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := RegisterDefaultSchemas(e); err != nil {
		t.Fatalf("RegisterDefaultSchemas: %v", err)
	}
	if err := e.Load(ModuleNet); err != nil {
		t.Fatalf("Load: %v", err)
	}

	v, src, err := e.Get("net.eth.ip")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := v.AsString(); got != "10.0.0.2" {
		t.Errorf("eth.ip = %q, want media value 10.0.0.2", got)
	}
	if src != SourceFile {
		t.Errorf("source = %s, want file", src)
	}
}

func TestLoadPendingPrefersNonVolatile(t *testing.T) {
	backend := NewMemoryBackend()
	med := newFakeMedia(true)

	schema := NetSchema()
	nvDoc, err := encodeDocument(schema, map[string]Value{"eth.ip": String("10.0.0.1")}, 5)
	if err != nil {
		t.Fatalf("encode nv doc: %v", err)
	}
	fileDoc, err := encodeDocument(schema, map[string]Value{"eth.ip": String("10.0.0.2")}, 2)
	if err != nil {
		t.Fatalf("encode file doc: %v", err)
	}
	if err := backend.Set(ModuleNet.Namespace(), "config", nvDoc); err != nil {
		t.Fatalf("seed backend: %v", err)
	}
	med.files["net.json"] = fileDoc

	// The card missed the last persist: pending bit says NV is ahead.
	if err := backend.Set(metaNamespace, "pending_sync", []byte("1")); err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	if err := backend.Set(metaNamespace, "global_seq", []byte("5")); err != nil {
		t.Fatalf("seed global_seq: %v", err)
	}

	e, err := New(backend, med, nil, WithAutoSave(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := RegisterDefaultSchemas(e); err != nil {
		t.Fatalf("RegisterDefaultSchemas: %v", err)
	}
	if err := e.Load(ModuleNet); err != nil {
		t.Fatalf("Load: %v", err)
	}

	v, src, err := e.Get("net.eth.ip")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := v.AsString(); got != "10.0.0.1" {
		t.Errorf("eth.ip = %q, want NV value 10.0.0.1", got)
	}
	if src != SourceNonVolatile {
		t.Errorf("source = %s, want nonvolatile", src)
	}

	// Stale media file must have been replaced by the NV document.
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(med.files["net.json"], &doc); err != nil {
		t.Fatalf("re-export: %v", err)
	}
	var ip string
	if err := json.Unmarshal(doc["eth.ip"], &ip); err != nil || ip != "10.0.0.1" {
		t.Errorf("re-exported eth.ip = %q, want 10.0.0.1", ip)
	}
	if got := e.PendingSync(); got != 0 {
		t.Errorf("PendingSync = %#x after re-export, want 0", got)
	}
}

func TestLoadDefaultsWhenNothingStored(t *testing.T) {
	e := newTestEngine(t, newFakeMedia(false), nil)

	v, src, err := e.Get("wifi.ap.ssid")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := v.AsString(); got != "TianShanOS" {
		t.Errorf("ap.ssid = %q, want TianShanOS", got)
	}
	if src != SourceDefault {
		t.Errorf("source = %s, want default", src)
	}
}

func TestTypedGettersFallBackToDefault(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	if got := e.GetString("net.eth.no_such_key", "fallback"); got != "fallback" {
		t.Errorf("missing key = %q, want fallback", got)
	}
	// Wrong-typed read of an existing key also yields the caller default.
	if got := e.GetInt("net.eth.ip", 42); got != 42 {
		t.Errorf("mismatched type = %d, want 42", got)
	}
	if got := e.GetUint("led.brightness", 0); got != 128 {
		t.Errorf("led.brightness = %d, want 128", got)
	}
	if got := e.GetBool("system.ota.enabled", false); !got {
		t.Error("system.ota.enabled should default true")
	}
}

func TestSetValidation(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	if err := e.Set("net.eth.ip", Int(5)); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("schema type mismatch: got %v, want ErrTypeMismatch", err)
	}
	if err := e.Set("nosuch.key", Bool(true)); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("unknown module: got %v, want ErrUnknownModule", err)
	}

	long := "net." + string(make([]byte, MaxKeyLength))
	if err := e.Set(long, String("x")); !errors.Is(err, ErrKeyTooLong) {
		t.Errorf("long key: got %v, want ErrKeyTooLong", err)
	}
}

func TestDelete(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	if err := e.Delete("net.eth.ip"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := e.Get("net.eth.ip"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete: got %v, want ErrNotFound", err)
	}
	if err := e.Delete("net.eth.ip"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: got %v, want ErrNotFound", err)
	}
}

func TestListenersAndReentrancy(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	var got []Change
	id := e.Subscribe("fan.", func(c Change) {
		got = append(got, c)
	})

	var reentrant error
	e.Subscribe("*", func(Change) {
		reentrant = e.Set("fan.min_duty", Uint(30))
	})

	if err := e.Set("fan.target_temp", Uint(50)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Set("net.hostname", String("bench")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("fan listener fired %d times, want 1", len(got))
	}
	if got[0].Key != "fan.target_temp" || got[0].New.AsUint() != 50 {
		t.Errorf("change = %+v", got[0])
	}
	if got[0].Old.AsUint() != 45 {
		t.Errorf("old value = %d, want default 45", got[0].Old.AsUint())
	}
	if !errors.Is(reentrant, ErrReentrantWrite) {
		t.Errorf("write from listener: got %v, want ErrReentrantWrite", reentrant)
	}

	e.Unsubscribe(id)
	if err := e.Set("fan.target_temp", Uint(60)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("listener fired after Unsubscribe")
	}
}

func TestConcurrentWriteDuringNotify(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	// Park a listener so the notifying goroutine is mid-callback, then
	// write from a second goroutine. Only the callback's own goroutine
	// counts as reentrant; the other write must go through.
	entered := make(chan struct{})
	release := make(chan struct{})
	e.Subscribe("fan.", func(Change) {
		close(entered)
		<-release
	})

	innerErr := make(chan error, 1)
	go func() {
		innerErr <- e.Set("fan.target_temp", Uint(55))
	}()

	sideErr := make(chan error, 1)
	go func() {
		<-entered
		sideErr <- e.Set("net.hostname", String("bench"))
	}()

	if err := <-sideErr; err != nil {
		t.Errorf("Set from another goroutine during notify: %v", err)
	}
	close(release)

	if err := <-innerErr; err != nil {
		t.Errorf("Set: %v", err)
	}
	if v, _, err := e.Get("net.hostname"); err != nil || v.AsString() != "bench" {
		t.Errorf("net.hostname = %v, %v", v, err)
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	med := newFakeMedia(true)
	e := newTestEngine(t, med, nil)

	if err := e.Set("fan.target_temp", Uint(60)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Persist(ModuleFan); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if err := e.Reset(ModuleFan, false); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := e.GetUint("fan.target_temp", 0); got != 45 {
		t.Errorf("target_temp after reset = %d, want 45", got)
	}
	if !e.Dirty(ModuleFan) {
		t.Error("reset without erase should leave the module dirty")
	}

	// Erase rewrites both sides with defaults.
	seqBefore := e.GlobalSeq()
	if err := e.Reset(ModuleFan, true); err != nil {
		t.Fatalf("Reset erase: %v", err)
	}
	if e.GlobalSeq() != seqBefore+1 {
		t.Errorf("GlobalSeq = %d, want %d", e.GlobalSeq(), seqBefore+1)
	}
	if e.Dirty(ModuleFan) {
		t.Error("erase reset should persist and clear dirty")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(med.files["fan.json"], &doc); err != nil {
		t.Fatalf("export: %v", err)
	}
	var temp uint64
	if err := json.Unmarshal(doc["target_temp"], &temp); err != nil || temp != 45 {
		t.Errorf("exported target_temp = %d, want 45", temp)
	}
}

func TestSchemaMigrationRuns(t *testing.T) {
	backend := NewMemoryBackend()

	v1 := &Schema{
		Version: 1,
		Entries: []SchemaEntry{
			{Key: "target_temp", Type: TypeUint, Default: Uint(45)},
		},
	}
	doc, err := encodeDocument(v1, map[string]Value{"target_temp": Uint(50)}, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := backend.Set(ModuleFan.Namespace(), "config", doc); err != nil {
		t.Fatalf("seed: %v", err)
	}

	migrated := uint16(0)
	v2 := &Schema{
		Version: 2,
		Entries: []SchemaEntry{
			{Key: "target_temp", Type: TypeUint, Default: Uint(45)},
			{Key: "hysteresis", Type: TypeUint, Default: Uint(5)},
		},
		Migrate: func(from uint16, values map[string]Value) error {
			migrated = from
			values["hysteresis"] = Uint(7)
			return nil
		},
	}

	e, err := New(backend, nil, nil, WithAutoSave(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.RegisterModule(ModuleFan, v2); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}
	if err := e.Load(ModuleFan); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if migrated != 1 {
		t.Errorf("migrate called with from = %d, want 1", migrated)
	}
	if got := e.GetUint("fan.hysteresis", 0); got != 7 {
		t.Errorf("hysteresis = %d, want migrated 7", got)
	}
	if got := e.SchemaVersion(ModuleFan); got != 2 {
		t.Errorf("stored schema version = %d, want 2", got)
	}
}

func TestDocumentDropsUnknownKeysAndBadValues(t *testing.T) {
	schema := NetSchema()
	raw := []byte(`{
		"_meta": {"seq": 9, "version": 1},
		"eth.ip": "10.1.1.1",
		"eth.enabled": "not-a-bool",
		"ghost.key": 1
	}`)

	doc, err := decodeDocument(schema, raw)
	if err != nil {
		t.Fatalf("decodeDocument: %v", err)
	}
	if doc.Seq != 9 {
		t.Errorf("seq = %d, want 9", doc.Seq)
	}
	if got := doc.Values["eth.ip"].AsString(); got != "10.1.1.1" {
		t.Errorf("eth.ip = %q", got)
	}
	// Uncoercible value falls back to the schema default.
	if got := doc.Values["eth.enabled"]; !got.Equal(Bool(true)) {
		t.Errorf("eth.enabled = %v, want default true", got)
	}
	if len(doc.Unknown) != 1 || doc.Unknown[0] != "ghost.key" {
		t.Errorf("unknown keys = %v, want [ghost.key]", doc.Unknown)
	}
}
