package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tianshanos/tianshan-core/internal/eventbus"
)

// Storage event IDs posted on eventbus.BaseStorage.
const (
	EventMounted eventbus.ID = iota
	EventUnmounted
)

// ErrNotMounted is returned by file operations while no media is present.
var ErrNotMounted = errors.New("media: not mounted")

// configDirName is the directory under the media root holding the
// per-module configuration exports.
const configDirName = "config"

// Logger is the minimal logging interface the manager needs.
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

// Manager watches a mount point and mediates file access to it.
type Manager struct {
	mountPoint   string
	pollInterval time.Duration
	bus          *eventbus.Bus
	log          Logger

	mu      sync.Mutex
	mounted bool

	stop chan struct{}
	done chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log Logger) Option {
	return func(m *Manager) { m.log = log }
}

// New creates a media manager for the given mount point. The manager does
// not poll until Start is called; tests drive state with Mount/Unmount.
func New(mountPoint string, pollInterval time.Duration, bus *eventbus.Bus, opts ...Option) *Manager {
	m := &Manager{
		mountPoint:   mountPoint,
		pollInterval: pollInterval,
		bus:          bus,
		log:          noopLogger{},
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins polling the mount point and immediately evaluates the
// current state.
func (m *Manager) Start() {
	m.check()
	go m.pollLoop()
}

// Stop halts the poll loop.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) pollLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check()
		case <-m.stop:
			return
		}
	}
}

// check samples the mount point and fires transitions.
func (m *Manager) check() {
	info, err := os.Stat(m.mountPoint)
	present := err == nil && info.IsDir()

	m.mu.Lock()
	was := m.mounted
	m.mounted = present
	m.mu.Unlock()

	switch {
	case present && !was:
		m.log.Info("media mounted", "mount_point", m.mountPoint)
		m.ensureConfigDir()
		m.bus.PostSync(eventbus.BaseStorage, EventMounted, m.mountPoint)
	case !present && was:
		m.log.Warn("media removed", "mount_point", m.mountPoint)
		m.bus.PostSync(eventbus.BaseStorage, EventUnmounted, m.mountPoint)
	}
}

// Mount marks the media as present without waiting for a poll cycle.
// Used by tests and by an external mount notifier when one exists.
func (m *Manager) Mount() {
	m.mu.Lock()
	was := m.mounted
	m.mounted = true
	m.mu.Unlock()

	if !was {
		m.ensureConfigDir()
		m.bus.PostSync(eventbus.BaseStorage, EventMounted, m.mountPoint)
	}
}

// Unmount marks the media as absent.
func (m *Manager) Unmount() {
	m.mu.Lock()
	was := m.mounted
	m.mounted = false
	m.mu.Unlock()

	if was {
		m.bus.PostSync(eventbus.BaseStorage, EventUnmounted, m.mountPoint)
	}
}

// Mounted reports whether media is currently present.
func (m *Manager) Mounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// ConfigPath returns the absolute path of a named file inside the media
// configuration directory.
func (m *Manager) ConfigPath(name string) string {
	return filepath.Join(m.mountPoint, configDirName, name)
}

// ReadConfigFile reads a file from the media configuration directory.
func (m *Manager) ReadConfigFile(name string) ([]byte, error) {
	if !m.Mounted() {
		return nil, ErrNotMounted
	}
	data, err := os.ReadFile(m.ConfigPath(name))
	if err != nil {
		return nil, fmt.Errorf("reading media file %s: %w", name, err)
	}
	return data, nil
}

// WriteConfigFile writes a file into the media configuration directory
// using temp-file rename semantics so readers never observe a partial
// document.
func (m *Manager) WriteConfigFile(name string, data []byte) error {
	if !m.Mounted() {
		return ErrNotMounted
	}

	m.ensureConfigDir()
	target := m.ConfigPath(name)

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+name+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()          //nolint:errcheck
		os.Remove(tmpName)   //nolint:errcheck
		return fmt.Errorf("writing temp file for %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("syncing temp file for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("closing temp file for %s: %w", name, err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("renaming %s into place: %w", name, err)
	}
	return nil
}

// RemoveConfigFile deletes a file from the configuration directory.
// A missing file is not an error.
func (m *Manager) RemoveConfigFile(name string) error {
	if !m.Mounted() {
		return ErrNotMounted
	}
	if err := os.Remove(m.ConfigPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing media file %s: %w", name, err)
	}
	return nil
}

// ConfigFileExists reports whether a named export exists on the media.
func (m *Manager) ConfigFileExists(name string) bool {
	if !m.Mounted() {
		return false
	}
	_, err := os.Stat(m.ConfigPath(name))
	return err == nil
}

func (m *Manager) ensureConfigDir() {
	dir := filepath.Join(m.mountPoint, configDirName)
	if err := os.MkdirAll(dir, 0750); err != nil {
		m.log.Warn("cannot create media config dir", "dir", dir, "error", err)
	}
}
