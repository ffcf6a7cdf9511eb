package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tianshanos/tianshan-core/internal/confstore"
)

// credentialVersion is bumped when the record format changes; a
// mismatch forces recreation with factory defaults. Version 3 widened
// the level enumeration.
const credentialVersion = 3

// credNamespace is the non-volatile namespace holding credential
// records, one per username.
const credNamespace = "ts_auth"

// DefaultPassword is the factory password for both accounts.
const DefaultPassword = "rm01"

// Level is a permission level. Endpoints declare the minimum level they
// require; LevelNone marks public endpoints.
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelAdmin
	LevelRoot
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelAdmin:
		return "admin"
	case LevelRoot:
		return "root"
	default:
		return "none"
	}
}

// credRecord is the persisted credential document for one account.
type credRecord struct {
	Version         int    `json:"version"`
	Username        string `json:"username"`
	Level           Level  `json:"level"`
	Hash            string `json:"hash"`
	PasswordChanged bool   `json:"password_changed"`
}

// credStore persists credential records through the shared KV backend.
type credStore struct {
	backend confstore.Backend
}

func (s *credStore) load(username string) (*credRecord, error) {
	data, err := s.backend.Get(credNamespace, username)
	if err != nil {
		return nil, err
	}
	var rec credRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing credential record for %s: %w", username, err)
	}
	return &rec, nil
}

func (s *credStore) save(rec *credRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding credential record for %s: %w", rec.Username, err)
	}
	if err := s.backend.Set(credNamespace, rec.Username, data); err != nil {
		return fmt.Errorf("storing credential record for %s: %w", rec.Username, err)
	}
	return s.backend.Commit()
}

// ensureAccount creates or recreates an account when the record is
// missing, unreadable or from an older format version.
func (s *credStore) ensureAccount(username string, level Level) (created bool, err error) {
	rec, err := s.load(username)
	if err == nil && rec.Version == credentialVersion {
		return false, nil
	}
	if err != nil && !errors.Is(err, confstore.ErrNotFound) {
		// Corrupt record: fall through and recreate.
		_ = err
	}

	hash, err := HashPassword(DefaultPassword)
	if err != nil {
		return false, err
	}
	rec = &credRecord{
		Version:         credentialVersion,
		Username:        username,
		Level:           level,
		Hash:            hash,
		PasswordChanged: false,
	}
	if err := s.save(rec); err != nil {
		return false, err
	}
	return true, nil
}
