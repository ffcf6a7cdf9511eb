package confstore

import (
	"fmt"
	"strconv"
	"sync"
)

// metaNamespace is the non-volatile namespace holding the meta record.
const metaNamespace = "ts_meta"

// metaStore caches the meta record in RAM and pushes every mutation
// straight through to the backend so a power cut never loses sequence
// state.
type metaStore struct {
	mu      sync.Mutex
	backend Backend

	globalSeq   uint32
	syncSeq     uint32
	pendingSync uint8
	schemaVer   [ModuleCount]uint16
}

func newMetaStore(backend Backend) (*metaStore, error) {
	m := &metaStore{backend: backend}

	m.globalSeq = uint32(m.readUint("global_seq"))
	m.syncSeq = uint32(m.readUint("sync_seq"))
	m.pendingSync = uint8(m.readUint("pending_sync"))
	for i := Module(0); i < ModuleCount; i++ {
		m.schemaVer[i] = uint16(m.readUint(schemaKey(i)))
	}

	return m, nil
}

func schemaKey(m Module) string {
	return fmt.Sprintf("schema_v%d", int(m))
}

func (m *metaStore) readUint(key string) uint64 {
	raw, err := m.backend.Get(metaNamespace, key)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (m *metaStore) writeUint(key string, v uint64) error {
	if err := m.backend.Set(metaNamespace, key, []byte(strconv.FormatUint(v, 10))); err != nil {
		return err
	}
	return m.backend.Commit()
}

// incrementGlobalSeq bumps the persistence sequence and returns the new
// value.
func (m *metaStore) incrementGlobalSeq() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.globalSeq++
	if err := m.writeUint("global_seq", uint64(m.globalSeq)); err != nil {
		return 0, fmt.Errorf("persisting global_seq: %w", err)
	}
	return m.globalSeq, nil
}

func (m *metaStore) GlobalSeq() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalSeq
}

func (m *metaStore) SyncSeq() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncSeq
}

func (m *metaStore) setSyncSeq(seq uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncSeq = seq
	if err := m.writeUint("sync_seq", uint64(seq)); err != nil {
		return fmt.Errorf("persisting sync_seq: %w", err)
	}
	return nil
}

// PendingSync returns the current pending bitmask.
func (m *metaStore) PendingSync() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingSync
}

func (m *metaStore) isPending(mod Module) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingSync&(1<<uint(mod)) != 0
}

func (m *metaStore) setPending(mod Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pendingSync |= 1 << uint(mod)
	if err := m.writeUint("pending_sync", uint64(m.pendingSync)); err != nil {
		return fmt.Errorf("persisting pending_sync: %w", err)
	}
	return nil
}

func (m *metaStore) clearPending(mod Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pendingSync &^= 1 << uint(mod)
	if err := m.writeUint("pending_sync", uint64(m.pendingSync)); err != nil {
		return fmt.Errorf("persisting pending_sync: %w", err)
	}
	return nil
}

func (m *metaStore) schemaVersion(mod Module) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schemaVer[mod]
}

func (m *metaStore) setSchemaVersion(mod Module, v uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.schemaVer[mod] = v
	if err := m.writeUint(schemaKey(mod), uint64(v)); err != nil {
		return fmt.Errorf("persisting schema version: %w", err)
	}
	return nil
}
