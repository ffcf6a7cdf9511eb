package auth

import (
	"context"
	"errors"

	"github.com/tianshanos/tianshan-core/internal/api"
)

// genericLoginError is returned for bad credentials so callers cannot
// probe usernames. A lockout is reported distinctly: the account owner
// must learn that retrying is pointless until the cooldown passes.
const (
	genericLoginError = "Invalid username or password"
	lockedLoginError  = "Account locked, try again later"
)

// Resolver adapts the Manager to the dispatcher's Authenticator.
type Resolver struct {
	Manager *Manager
}

// Resolve maps a bearer token to a dispatcher session.
func (r Resolver) Resolve(token string) (api.Session, error) {
	sess, err := r.Manager.Validate(token)
	if err != nil {
		return api.Session{}, err
	}
	return api.Session{
		ID:       sess.ID,
		Username: sess.Username,
		Level:    api.Permission(sess.Level),
	}, nil
}

// RegisterEndpoints adds the auth.* endpoints. They are public at the
// dispatcher level and manage the caller's token themselves.
func RegisterEndpoints(reg *api.Registry, m *Manager) {
	reg.MustRegister(
		api.Endpoint{
			Name:        "auth.login",
			Description: "Authenticate and open a session",
			Category:    api.CategorySecurity,
			Handler:     m.handleLogin,
		},
		api.Endpoint{
			Name:        "auth.logout",
			Description: "Close the caller's session",
			Category:    api.CategorySecurity,
			Handler:     m.handleLogout,
		},
		api.Endpoint{
			Name:        "auth.status",
			Description: "Report whether the caller's token is valid",
			Category:    api.CategorySecurity,
			Handler:     m.handleStatus,
		},
		api.Endpoint{
			Name:        "auth.change_password",
			Description: "Change the caller's password",
			Category:    api.CategorySecurity,
			Handler:     m.handleChangePassword,
		},
	)
}

func (m *Manager) handleLogin(_ context.Context, req *api.Request) api.Result {
	username, okU := req.StringParam("username")
	password, okP := req.StringParam("password")
	if !okU || !okP {
		return api.Error(api.CodeInvalidArg, "username and password are required")
	}

	sess, err := m.Login(username, password)
	if errors.Is(err, ErrLocked) {
		return api.Error(api.CodeAuth, lockedLoginError)
	}
	if err != nil {
		return api.Error(api.CodeAuth, genericLoginError)
	}

	return api.OK(map[string]any{
		"token":            sess.Token,
		"username":         sess.Username,
		"level":            sess.Level.String(),
		"expires_in":       m.cfg.TokenExpire,
		"password_changed": m.PasswordChanged(sess.Username),
	})
}

func (m *Manager) handleLogout(_ context.Context, req *api.Request) api.Result {
	if req.Token == "" {
		return api.Error(api.CodeAuth, "authentication required")
	}
	if err := m.Logout(req.Token); err != nil {
		return api.Error(api.CodeAuth, "invalid or expired token")
	}
	return api.OK(nil)
}

// handleStatus never fails; an invalid token reports valid=false.
func (m *Manager) handleStatus(_ context.Context, req *api.Request) api.Result {
	sess, err := m.Validate(req.Token)
	if err != nil {
		return api.OK(map[string]any{"valid": false})
	}
	return api.OK(map[string]any{
		"valid":      true,
		"username":   sess.Username,
		"level":      sess.Level.String(),
		"expires_at": sess.ExpiresAt,
	})
}

func (m *Manager) handleChangePassword(_ context.Context, req *api.Request) api.Result {
	oldPw, okO := req.StringParam("old_password")
	newPw, okN := req.StringParam("new_password")
	if !okO || !okN {
		return api.Error(api.CodeInvalidArg, "old_password and new_password are required")
	}

	err := m.ChangePassword(req.Token, oldPw, newPw)
	switch {
	case err == nil:
		return api.OK(nil)
	case errors.Is(err, ErrInvalidToken):
		return api.Error(api.CodeAuth, "invalid or expired token")
	case errors.Is(err, ErrPasswordLength):
		return api.Error(api.CodeInvalidArg, "password must be 4 to 64 characters")
	case errors.Is(err, ErrOldPassword):
		return api.Error(api.CodeAuth, "Old password is incorrect")
	default:
		return api.Error(api.CodeInternal, "internal error")
	}
}
