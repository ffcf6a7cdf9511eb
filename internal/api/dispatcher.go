package api

import (
	"context"
)

// Session is the authenticated caller identity a transport resolved
// from a bearer token. Level values align with Permission.
type Session struct {
	ID       string
	Username string
	Level    Permission
}

// Authenticator resolves bearer tokens to sessions. Implemented by the
// auth manager; any error means the token is invalid or expired.
type Authenticator interface {
	Resolve(token string) (Session, error)
}

// Request carries one endpoint invocation.
type Request struct {
	// Params holds the decoded JSON parameter object; never nil.
	Params map[string]any

	// Session is set when the caller presented a valid token, even on
	// public endpoints.
	Session *Session

	// Token is the raw bearer token, for endpoints that manage sessions.
	Token string
}

// Handler implements one endpoint.
type Handler func(ctx context.Context, req *Request) Result

// Logger is the minimal logging interface the dispatcher needs.
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

// Dispatcher resolves endpoint names, enforces permissions and invokes
// handlers. Every transport funnels through Dispatch.
type Dispatcher struct {
	registry *Registry
	auth     Authenticator
	log      Logger
}

// NewDispatcher wires a registry and an optional authenticator. With a
// nil authenticator every protected endpoint returns AUTH.
func NewDispatcher(registry *Registry, auth Authenticator, log Logger) *Dispatcher {
	if log == nil {
		log = noopLogger{}
	}
	return &Dispatcher{registry: registry, auth: auth, log: log}
}

// Registry returns the dispatcher's endpoint table.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch invokes a named endpoint. params may be nil; token may be
// empty for public endpoints.
func (d *Dispatcher) Dispatch(ctx context.Context, name, token string, params map[string]any) Result {
	ep, ok := d.registry.lookup(name)
	if !ok {
		return Error(CodeNotFound, "unknown endpoint: %s", name)
	}

	req := &Request{Params: params, Token: token}
	if req.Params == nil {
		req.Params = map[string]any{}
	}

	if token != "" && d.auth != nil {
		if sess, err := d.auth.Resolve(token); err == nil {
			req.Session = &sess
		}
	}

	if ep.Permission > PermissionNone {
		if req.Session == nil {
			return Error(CodeAuth, "authentication required")
		}
		if req.Session.Level < ep.Permission {
			d.log.Warn("permission denied", "endpoint", name,
				"username", req.Session.Username)
			return Error(CodeNoPermission, "insufficient permission")
		}
	}

	return d.safeCall(ctx, ep, req)
}

// safeCall isolates handler panics so one broken endpoint cannot take
// the daemon down.
func (d *Dispatcher) safeCall(ctx context.Context, ep *Endpoint, req *Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("endpoint panic", "endpoint", ep.Name, "panic", r)
			res = Error(CodeInternal, "internal error")
		}
	}()
	return ep.Handler(ctx, req)
}

// Param helpers for handlers decoding the loosely typed JSON object.

// StringParam extracts a string parameter.
func (r *Request) StringParam(key string) (string, bool) {
	v, ok := r.Params[key].(string)
	return v, ok
}

// FloatParam extracts a numeric parameter.
func (r *Request) FloatParam(key string) (float64, bool) {
	v, ok := r.Params[key].(float64)
	return v, ok
}

// IntParam extracts an integer-valued numeric parameter.
func (r *Request) IntParam(key string) (int, bool) {
	v, ok := r.Params[key].(float64)
	if !ok || v != float64(int(v)) {
		return 0, false
	}
	return int(v), true
}

// BoolParam extracts a boolean parameter.
func (r *Request) BoolParam(key string) (bool, bool) {
	v, ok := r.Params[key].(bool)
	return v, ok
}
