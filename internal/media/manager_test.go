package media

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tianshanos/tianshan-core/internal/eventbus"
)

func newTestManager(t *testing.T) (*Manager, *eventbus.Bus, string) {
	t.Helper()
	bus := eventbus.New(0)
	t.Cleanup(bus.Stop)
	root := t.TempDir()
	m := New(root, time.Hour, bus)
	return m, bus, root
}

func TestMountFiresEventAndCreatesConfigDir(t *testing.T) {
	m, bus, root := newTestManager(t)

	var mounted bool
	bus.Subscribe(eventbus.BaseStorage, EventMounted, func(eventbus.Event) {
		mounted = true
	})

	m.Mount()

	if !mounted {
		t.Error("mount event not delivered")
	}
	if !m.Mounted() {
		t.Error("Mounted() = false after Mount()")
	}
	if _, err := os.Stat(filepath.Join(root, "config")); err != nil {
		t.Errorf("config dir not created: %v", err)
	}

	// Re-mounting while mounted must not fire again.
	mounted = false
	m.Mount()
	if mounted {
		t.Error("duplicate mount event fired")
	}
}

func TestUnmountBlocksFileAccess(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Mount()
	m.Unmount()

	if _, err := m.ReadConfigFile("net.json"); err != ErrNotMounted {
		t.Errorf("ReadConfigFile while unmounted = %v, want ErrNotMounted", err)
	}
	if err := m.WriteConfigFile("net.json", []byte("{}")); err != ErrNotMounted {
		t.Errorf("WriteConfigFile while unmounted = %v, want ErrNotMounted", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Mount()

	want := []byte(`{"_meta":{"seq":1,"version":1},"target_temp":55}`)
	if err := m.WriteConfigFile("fan.json", want); err != nil {
		t.Fatalf("WriteConfigFile() error: %v", err)
	}

	got, err := m.ReadConfigFile("fan.json")
	if err != nil {
		t.Fatalf("ReadConfigFile() error: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("round trip = %s, want %s", got, want)
	}

	if !m.ConfigFileExists("fan.json") {
		t.Error("ConfigFileExists() = false for written file")
	}

	// No stray temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(m.ConfigPath("fan.json")))
	if err != nil {
		t.Fatalf("reading config dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("config dir has %d entries, want 1", len(entries))
	}
}

func TestRemoveConfigFile(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Mount()

	if err := m.WriteConfigFile("led.json", []byte("{}")); err != nil {
		t.Fatalf("WriteConfigFile() error: %v", err)
	}
	if err := m.RemoveConfigFile("led.json"); err != nil {
		t.Errorf("RemoveConfigFile() error: %v", err)
	}
	if m.ConfigFileExists("led.json") {
		t.Error("file still exists after removal")
	}

	// Removing a missing file is not an error.
	if err := m.RemoveConfigFile("led.json"); err != nil {
		t.Errorf("RemoveConfigFile() on missing file: %v", err)
	}
}
