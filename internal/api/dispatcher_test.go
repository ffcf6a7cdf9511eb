package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type fakeAuth struct {
	sessions map[string]Session
}

func (f *fakeAuth) Resolve(token string) (Session, error) {
	s, ok := f.sessions[token]
	if !ok {
		return Session{}, errors.New("invalid token")
	}
	return s, nil
}

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()

	reg := NewRegistry()
	reg.MustRegister(
		Endpoint{
			Name:        "system.echo",
			Description: "Echo the message parameter",
			Category:    CategorySystem,
			Handler: func(_ context.Context, req *Request) Result {
				msg, ok := req.StringParam("message")
				if !ok {
					return Error(CodeInvalidArg, "message is required")
				}
				return OK(map[string]string{"message": msg})
			},
		},
		Endpoint{
			Name:       "power.status",
			Category:   CategoryPower,
			Permission: PermissionRead,
			Handler: func(context.Context, *Request) Result {
				return OK(nil)
			},
		},
		Endpoint{
			Name:       "power.protection.set",
			Category:   CategoryPower,
			Permission: PermissionWrite,
			Handler: func(context.Context, *Request) Result {
				return OK(nil)
			},
		},
		Endpoint{
			Name:       "system.restart",
			Category:   CategorySystem,
			Permission: PermissionAdmin,
			Handler: func(context.Context, *Request) Result {
				return OK(nil)
			},
		},
		Endpoint{
			Name:       "system.panic",
			Category:   CategorySystem,
			Permission: PermissionNone,
			Handler: func(context.Context, *Request) Result {
				panic("boom")
			},
		},
	)

	auth := &fakeAuth{sessions: map[string]Session{
		"read-token":  {ID: "1", Username: "viewer", Level: PermissionRead},
		"write-token": {ID: "2", Username: "operator", Level: PermissionWrite},
		"admin-token": {ID: "3", Username: "admin", Level: PermissionAdmin},
	}}
	return NewDispatcher(reg, auth, nil)
}

func TestDispatchPublicEndpoint(t *testing.T) {
	d := testDispatcher(t)

	res := d.Dispatch(context.Background(), "system.echo", "",
		map[string]any{"message": "hi"})
	if res.Code != CodeOK {
		t.Fatalf("code = %s, want OK", res.Code)
	}
	data := res.Data.(map[string]string)
	if data["message"] != "hi" {
		t.Errorf("data = %v", res.Data)
	}
}

func TestDispatchUnknownEndpoint(t *testing.T) {
	d := testDispatcher(t)

	res := d.Dispatch(context.Background(), "no.such", "", nil)
	if res.Code != CodeNotFound {
		t.Errorf("code = %s, want NOT_FOUND", res.Code)
	}
}

func TestDispatchPermissionGating(t *testing.T) {
	d := testDispatcher(t)

	if res := d.Dispatch(context.Background(), "system.restart", "", nil); res.Code != CodeAuth {
		t.Errorf("no token: code = %s, want AUTH", res.Code)
	}
	if res := d.Dispatch(context.Background(), "system.restart", "bogus", nil); res.Code != CodeAuth {
		t.Errorf("bad token: code = %s, want AUTH", res.Code)
	}
	if res := d.Dispatch(context.Background(), "system.restart", "write-token", nil); res.Code != CodeNoPermission {
		t.Errorf("write level: code = %s, want NO_PERMISSION", res.Code)
	}
	if res := d.Dispatch(context.Background(), "system.restart", "admin-token", nil); res.Code != CodeOK {
		t.Errorf("admin level: code = %s, want OK", res.Code)
	}
}

func TestDispatchReadWriteSplit(t *testing.T) {
	d := testDispatcher(t)

	// A read session can query but not mutate.
	if res := d.Dispatch(context.Background(), "power.status", "read-token", nil); res.Code != CodeOK {
		t.Errorf("read on read endpoint: code = %s, want OK", res.Code)
	}
	if res := d.Dispatch(context.Background(), "power.protection.set", "read-token", nil); res.Code != CodeNoPermission {
		t.Errorf("read on write endpoint: code = %s, want NO_PERMISSION", res.Code)
	}

	// A write session covers both.
	if res := d.Dispatch(context.Background(), "power.status", "write-token", nil); res.Code != CodeOK {
		t.Errorf("write on read endpoint: code = %s, want OK", res.Code)
	}
	if res := d.Dispatch(context.Background(), "power.protection.set", "write-token", nil); res.Code != CodeOK {
		t.Errorf("write on write endpoint: code = %s, want OK", res.Code)
	}
}

func TestDispatchHandlerPanic(t *testing.T) {
	d := testDispatcher(t)

	res := d.Dispatch(context.Background(), "system.panic", "", nil)
	if res.Code != CodeInternal {
		t.Errorf("code = %s, want INTERNAL", res.Code)
	}
	if strings.Contains(res.Message, "boom") {
		t.Errorf("message leaks panic detail: %q", res.Message)
	}
}

func TestResultEnvelopeJSON(t *testing.T) {
	data, err := json.Marshal(OK(map[string]int{"count": 3}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env["success"] != true || env["code"] != "OK" {
		t.Errorf("envelope = %v", env)
	}

	data, err = json.Marshal(Error(CodeInvalidArg, "bad %s", "param"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env["success"] != false || env["code"] != "INVALID_ARG" || env["message"] != "bad param" {
		t.Errorf("envelope = %v", env)
	}
}

func TestRegistryRules(t *testing.T) {
	reg := NewRegistry()
	h := func(context.Context, *Request) Result { return OK(nil) }

	if err := reg.Register(Endpoint{Name: "a.b", Handler: h}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(Endpoint{Name: "a.b", Handler: h}); !errors.Is(err, ErrEndpointExists) {
		t.Errorf("duplicate: got %v, want ErrEndpointExists", err)
	}
	if err := reg.Register(Endpoint{Name: "", Handler: h}); !errors.Is(err, ErrBadEndpoint) {
		t.Errorf("empty name: got %v, want ErrBadEndpoint", err)
	}
	if err := reg.Register(Endpoint{Name: strings.Repeat("x", 65), Handler: h}); !errors.Is(err, ErrBadEndpoint) {
		t.Errorf("long name: got %v, want ErrBadEndpoint", err)
	}
	if err := reg.Register(Endpoint{Name: "a.c"}); !errors.Is(err, ErrBadEndpoint) {
		t.Errorf("nil handler: got %v, want ErrBadEndpoint", err)
	}

	if _, err := reg.Info("ghost"); !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("Info ghost: got %v, want ErrUnknownEndpoint", err)
	}
	info, err := reg.Info("a.b")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.RequiresAuth {
		t.Error("public endpoint reports requires_auth")
	}
}

func TestRegistryListFilter(t *testing.T) {
	reg := NewRegistry()
	h := func(context.Context, *Request) Result { return OK(nil) }
	reg.MustRegister(
		Endpoint{Name: "power.status", Category: CategoryPower, Handler: h},
		Endpoint{Name: "config.get", Category: CategoryConfig, Handler: h},
		Endpoint{Name: "power.voltage", Category: CategoryPower, Handler: h},
	)

	all := reg.List("")
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].Name != "config.get" {
		t.Errorf("list not sorted: first = %s", all[0].Name)
	}

	powerOnly := reg.List(CategoryPower)
	if len(powerOnly) != 2 {
		t.Errorf("len(power) = %d, want 2", len(powerOnly))
	}
}
