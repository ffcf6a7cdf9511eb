package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tianshanos/tianshan-core/internal/api"
	"github.com/tianshanos/tianshan-core/internal/confstore"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *fakeClock, confstore.Backend) {
	t.Helper()

	backend := confstore.NewMemoryBackend()
	clock := newFakeClock()
	cfg := DefaultConfig()
	m, err := NewManager(backend, cfg, nil, WithClock(clock.now))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, clock, backend
}

func TestDefaultAccountsCreated(t *testing.T) {
	m, _, _ := newTestManager(t)

	for _, tc := range []struct {
		username string
		level    Level
	}{
		{"admin", LevelAdmin},
		{"root", LevelRoot},
	} {
		sess, err := m.Login(tc.username, DefaultPassword)
		if err != nil {
			t.Fatalf("Login %s with factory password: %v", tc.username, err)
		}
		if sess.Level != tc.level {
			t.Errorf("%s level = %s, want %s", tc.username, sess.Level, tc.level)
		}
		if m.PasswordChanged(tc.username) {
			t.Errorf("%s reports changed password on a fresh store", tc.username)
		}
	}
}

// The Resolver converts levels to dispatcher permissions by value, so
// the two enumerations must stay aligned.
func TestLevelAlignsWithPermission(t *testing.T) {
	for _, tc := range []struct {
		level Level
		perm  api.Permission
	}{
		{LevelNone, api.PermissionNone},
		{LevelRead, api.PermissionRead},
		{LevelWrite, api.PermissionWrite},
		{LevelAdmin, api.PermissionAdmin},
		{LevelRoot, api.PermissionRoot},
	} {
		if api.Permission(tc.level) != tc.perm {
			t.Errorf("level %s = %d, misaligned with permission %d", tc.level, tc.level, tc.perm)
		}
	}

	for l, want := range map[Level]string{
		LevelNone: "none", LevelRead: "read", LevelWrite: "write",
		LevelAdmin: "admin", LevelRoot: "root",
	} {
		if got := l.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", l, got, want)
		}
	}
}

func TestLoginValidateLogoutRoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t)

	sess, err := m.Login("admin", DefaultPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if len(sess.Token) != 2*tokenBytes {
		t.Errorf("token length = %d, want %d hex chars", len(sess.Token), 2*tokenBytes)
	}
	if sess.ExpiresAt.Sub(sess.CreatedAt) != 86400*time.Second {
		t.Errorf("lifetime = %v, want 24h", sess.ExpiresAt.Sub(sess.CreatedAt))
	}

	got, err := m.Validate(sess.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.Username != "admin" {
		t.Errorf("username = %s, want admin", got.Username)
	}

	if err := m.Logout(sess.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := m.Validate(sess.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate after logout: got %v, want ErrInvalidToken", err)
	}
	if err := m.Logout(sess.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("double Logout: got %v, want ErrInvalidToken", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	m, clock, _ := newTestManager(t)

	sess, err := m.Login("admin", DefaultPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	clock.advance(86401 * time.Second)
	if _, err := m.Validate(sess.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate after expiry: got %v, want ErrInvalidToken", err)
	}
	if got := m.SessionCount(); got != 0 {
		t.Errorf("session count = %d after sweep, want 0", got)
	}
}

func TestLoginGenericFailure(t *testing.T) {
	m, _, _ := newTestManager(t)

	if _, err := m.Login("admin", "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("wrong password: got %v, want ErrAuthFailed", err)
	}
	if _, err := m.Login("nobody", DefaultPassword); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("unknown user: got %v, want ErrAuthFailed", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	m, clock, _ := newTestManager(t)

	// Five failures inside the window trip the lock.
	for i := 0; i < 5; i++ {
		if _, err := m.Login("admin", "wrong"); !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("attempt %d: got %v, want ErrAuthFailed", i+1, err)
		}
		clock.advance(time.Second)
	}

	// The sixth attempt, even with the right password, is refused.
	if _, err := m.Login("admin", DefaultPassword); !errors.Is(err, ErrLocked) {
		t.Fatalf("locked login: got %v, want ErrLocked", err)
	}

	// Still locked just before the cooldown elapses.
	clock.advance(290 * time.Second)
	if _, err := m.Login("admin", DefaultPassword); !errors.Is(err, ErrLocked) {
		t.Errorf("at 295s: got %v, want ErrLocked", err)
	}

	clock.advance(10 * time.Second)
	if _, err := m.Login("admin", DefaultPassword); err != nil {
		t.Errorf("after cooldown: %v", err)
	}
}

func TestLoginEndpointLockoutMessage(t *testing.T) {
	m, clock, _ := newTestManager(t)

	login := func(pw string) api.Result {
		return m.handleLogin(context.Background(), &api.Request{Params: map[string]any{
			"username": "admin",
			"password": pw,
		}})
	}

	// Failures below the threshold stay indistinguishable.
	for i := 0; i < 5; i++ {
		res := login("wrong")
		if res.Code != api.CodeAuth || res.Message != genericLoginError {
			t.Fatalf("attempt %d: code = %s message = %q, want generic failure", i+1, res.Code, res.Message)
		}
		clock.advance(time.Second)
	}

	// Once locked the caller is told, even with the right password.
	if res := login("wrong"); res.Code != api.CodeAuth || res.Message != lockedLoginError {
		t.Errorf("locked attempt: code = %s message = %q, want %q", res.Code, res.Message, lockedLoginError)
	}
	if res := login(DefaultPassword); res.Code != api.CodeAuth || res.Message != lockedLoginError {
		t.Errorf("correct password while locked: code = %s message = %q, want %q",
			res.Code, res.Message, lockedLoginError)
	}
}

func TestFailureWindowResets(t *testing.T) {
	m, clock, _ := newTestManager(t)

	for i := 0; i < 4; i++ {
		_, _ = m.Login("admin", "wrong") //nolint:errcheck
	}
	// Window lapses: the counter starts over.
	clock.advance(61 * time.Second)
	_, _ = m.Login("admin", "wrong") //nolint:errcheck

	if _, err := m.Login("admin", DefaultPassword); err != nil {
		t.Errorf("login after window reset: %v", err)
	}
}

func TestChangePasswordBounds(t *testing.T) {
	m, _, _ := newTestManager(t)

	sess, err := m.Login("admin", DefaultPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	current := DefaultPassword
	for _, tc := range []struct {
		newPw string
		want  error
	}{
		{strings.Repeat("x", 3), ErrPasswordLength},
		{strings.Repeat("y", 4), nil},
		{strings.Repeat("z", 64), nil},
		{strings.Repeat("w", 65), ErrPasswordLength},
	} {
		err := m.ChangePassword(sess.Token, current, tc.newPw)
		if !errors.Is(err, tc.want) {
			t.Errorf("len %d: got %v, want %v", len(tc.newPw), err, tc.want)
		}
		if tc.want == nil {
			current = tc.newPw
		}
	}
}

func TestChangePasswordWrongOld(t *testing.T) {
	m, _, _ := newTestManager(t)

	sess, err := m.Login("admin", DefaultPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := m.ChangePassword(sess.Token, "nope", "newpass"); !errors.Is(err, ErrOldPassword) {
		t.Errorf("got %v, want ErrOldPassword", err)
	}
	if err := m.ChangePassword("bogus-token", DefaultPassword, "newpass"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestChangePasswordPersists(t *testing.T) {
	m, _, backend := newTestManager(t)

	sess, err := m.Login("admin", DefaultPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := m.ChangePassword(sess.Token, DefaultPassword, "s3cret"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if !m.PasswordChanged("admin") {
		t.Error("password_changed flag not set")
	}

	// A new manager over the same backend sees the rotated password.
	m2, err := NewManager(backend, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m2.Login("admin", DefaultPassword); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("factory password still accepted after change")
	}
	if _, err := m2.Login("admin", "s3cret"); err != nil {
		t.Errorf("rotated password rejected: %v", err)
	}
}

func TestCredentialVersionBumpRecreates(t *testing.T) {
	backend := confstore.NewMemoryBackend()

	// Plant a stale-format record.
	if err := backend.Set(credNamespace, "admin",
		[]byte(`{"version":1,"username":"admin","level":2,"hash":"$argon2id$bogus","password_changed":true}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m, err := NewManager(backend, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.Login("admin", DefaultPassword); err != nil {
		t.Errorf("factory password rejected after recreation: %v", err)
	}
	if m.PasswordChanged("admin") {
		t.Error("recreated account kept the old password_changed flag")
	}
}
