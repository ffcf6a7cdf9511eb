package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tianshanos/tianshan-core/internal/confstore"
	"github.com/tianshanos/tianshan-core/internal/eventbus"
)

// Auth event IDs posted on eventbus.BaseSecurity.
const (
	EventLogin eventbus.ID = iota
	EventLoginFailed
	EventLockout
	EventLogout
	EventPasswordChanged
)

// Authentication errors. Login failures deliberately share one message
// so callers cannot probe which part was wrong.
var (
	ErrAuthFailed     = errors.New("auth: invalid username or password")
	ErrLocked         = errors.New("auth: account temporarily locked")
	ErrInvalidToken   = errors.New("auth: invalid or expired token")
	ErrPasswordLength = errors.New("auth: password must be 4 to 64 characters")
	ErrOldPassword    = errors.New("auth: old password is incorrect")
)

// Password length bounds enforced on change.
const (
	MinPasswordLen = 4
	MaxPasswordLen = 64
)

// tokenBytes sizes the opaque session token (256 bits, hex encoded).
const tokenBytes = 32

// Config holds session and lockout settings, all in seconds.
type Config struct {
	TokenExpire      int
	LockoutThreshold int
	LockoutWindow    int
	LockoutCooldown  int
}

// DefaultConfig returns the factory auth settings.
func DefaultConfig() Config {
	return Config{
		TokenExpire:      86400,
		LockoutThreshold: 5,
		LockoutWindow:    60,
		LockoutCooldown:  300,
	}
}

// Session is one authenticated login.
type Session struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Level     Level     `json:"level"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// lockState tracks login failures for one account.
type lockState struct {
	failures    int
	windowStart time.Time
	lockedUntil time.Time
}

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

// Manager owns the credential store, lockout tracking and the session
// table. All methods are safe for concurrent use.
type Manager struct {
	store *credStore
	cfg   Config
	bus   *eventbus.Bus
	log   Logger
	now   func() time.Time

	mu       sync.Mutex
	byToken  map[string]*Session
	byID     map[string]*Session
	attempts map[string]*lockState
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager and ensures the two fixed accounts
// exist with the current credential format.
func NewManager(backend confstore.Backend, cfg Config, bus *eventbus.Bus, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:    &credStore{backend: backend},
		cfg:      cfg,
		bus:      bus,
		log:      noopLogger{},
		now:      time.Now,
		byToken:  make(map[string]*Session),
		byID:     make(map[string]*Session),
		attempts: make(map[string]*lockState),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, acct := range []struct {
		name  string
		level Level
	}{
		{"admin", LevelAdmin},
		{"root", LevelRoot},
	} {
		created, err := m.store.ensureAccount(acct.name, acct.level)
		if err != nil {
			return nil, fmt.Errorf("initialising account %s: %w", acct.name, err)
		}
		if created {
			m.log.Warn("account created with factory password", "username", acct.name)
		}
	}

	return m, nil
}

// Login verifies credentials and opens a session. All failures except
// lockout return ErrAuthFailed.
func (m *Manager) Login(username, password string) (*Session, error) {
	if m.locked(username) {
		m.log.Warn("login rejected, account locked", "username", username)
		return nil, ErrLocked
	}

	rec, err := m.store.load(username)
	if err != nil {
		// Burn comparable time so unknown users are not distinguishable.
		_, _ = VerifyPassword(password, burnHash) //nolint:errcheck
		m.recordFailure(username)
		return nil, ErrAuthFailed
	}

	ok, err := VerifyPassword(password, rec.Hash)
	if err != nil || !ok {
		m.recordFailure(username)
		return nil, ErrAuthFailed
	}

	m.clearFailures(username)
	sess, err := m.openSession(rec)
	if err != nil {
		return nil, err
	}

	m.log.Info("login", "username", username, "session", sess.ID)
	m.post(EventLogin, username)
	return sess, nil
}

// burnHash is a throwaway argon2id hash verified against when the
// username does not exist, keeping response timing uniform.
var burnHash = func() string {
	h, err := HashPassword("timing-equalizer")
	if err != nil {
		panic(err)
	}
	return h
}()

func (m *Manager) openSession(rec *credRecord) (*Session, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}

	now := m.now()
	sess := &Session{
		ID:        uuid.New().String(),
		Username:  rec.Username,
		Level:     rec.Level,
		Token:     hex.EncodeToString(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(m.cfg.TokenExpire) * time.Second),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(now)
	m.byToken[sess.Token] = sess
	m.byID[sess.ID] = sess
	return sess, nil
}

// Validate resolves a bearer token to its session.
func (m *Manager) Validate(token string) (*Session, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byToken[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	if now.After(sess.ExpiresAt) {
		m.evictLocked(sess)
		return nil, ErrInvalidToken
	}
	return sess, nil
}

// Logout evicts the session for a token.
func (m *Manager) Logout(token string) error {
	m.mu.Lock()
	sess, ok := m.byToken[token]
	if ok {
		m.evictLocked(sess)
	}
	m.mu.Unlock()

	if !ok {
		return ErrInvalidToken
	}
	m.log.Info("logout", "username", sess.Username, "session", sess.ID)
	m.post(EventLogout, sess.Username)
	return nil
}

// ChangePassword rotates the password of the session's account. The
// session stays valid.
func (m *Manager) ChangePassword(token, oldPassword, newPassword string) error {
	sess, err := m.Validate(token)
	if err != nil {
		return err
	}
	if len(newPassword) < MinPasswordLen || len(newPassword) > MaxPasswordLen {
		return ErrPasswordLength
	}

	rec, err := m.store.load(sess.Username)
	if err != nil {
		return fmt.Errorf("loading credential record: %w", err)
	}
	ok, err := VerifyPassword(oldPassword, rec.Hash)
	if err != nil || !ok {
		return ErrOldPassword
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	rec.Hash = hash
	rec.PasswordChanged = true
	if err := m.store.save(rec); err != nil {
		return err
	}

	m.log.Info("password changed", "username", sess.Username)
	m.post(EventPasswordChanged, sess.Username)
	return nil
}

// PasswordChanged reports whether the account has left the factory
// password behind.
func (m *Manager) PasswordChanged(username string) bool {
	rec, err := m.store.load(username)
	return err == nil && rec.PasswordChanged
}

// TokenExpire returns the configured session lifetime in seconds.
func (m *Manager) TokenExpire() int { return m.cfg.TokenExpire }

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.now())
	return len(m.byToken)
}

func (m *Manager) evictLocked(sess *Session) {
	delete(m.byToken, sess.Token)
	delete(m.byID, sess.ID)
}

// sweepLocked drops expired sessions. Called opportunistically; the
// session table is small (two accounts).
func (m *Manager) sweepLocked(now time.Time) {
	for _, sess := range m.byToken {
		if now.After(sess.ExpiresAt) {
			m.evictLocked(sess)
		}
	}
}

func (m *Manager) locked(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.attempts[username]
	return ok && m.now().Before(ls.lockedUntil)
}

func (m *Manager) recordFailure(username string) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.attempts[username]
	if !ok {
		ls = &lockState{}
		m.attempts[username] = ls
	}

	window := time.Duration(m.cfg.LockoutWindow) * time.Second
	if ls.failures == 0 || now.Sub(ls.windowStart) > window {
		ls.failures = 1
		ls.windowStart = now
	} else {
		ls.failures++
	}

	m.log.Warn("login failed", "username", username, "failures", ls.failures)
	m.post(EventLoginFailed, username)

	if ls.failures >= m.cfg.LockoutThreshold {
		ls.lockedUntil = now.Add(time.Duration(m.cfg.LockoutCooldown) * time.Second)
		ls.failures = 0
		m.log.Error("account locked", "username", username,
			"until", ls.lockedUntil.Format(time.RFC3339))
		m.post(EventLockout, username)
	}
}

func (m *Manager) clearFailures(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, username)
}

func (m *Manager) post(id eventbus.ID, payload any) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Post(eventbus.BaseSecurity, id, payload) //nolint:errcheck // best effort
}
