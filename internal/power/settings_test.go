package power

import (
	"context"
	"testing"

	"github.com/tianshanos/tianshan-core/internal/api"
	"github.com/tianshanos/tianshan-core/internal/confstore"
)

func newTestEngine(t *testing.T) *confstore.Engine {
	t.Helper()
	e, err := confstore.New(confstore.NewMemoryBackend(), nil, nil, confstore.WithAutoSave(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := confstore.RegisterDefaultSchemas(e); err != nil {
		t.Fatalf("RegisterDefaultSchemas: %v", err)
	}
	if err := e.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestStoredPolicyConfigDefaults(t *testing.T) {
	got := StoredPolicyConfig(nil)
	if got != DefaultPolicyConfig() {
		t.Errorf("nil engine config = %+v, want factory defaults", got)
	}

	// A fresh engine carries the schema defaults, which match factory.
	got = StoredPolicyConfig(newTestEngine(t))
	if got != DefaultPolicyConfig() {
		t.Errorf("fresh engine config = %+v, want factory defaults", got)
	}
}

func TestStoredPolicyConfigRoundTrip(t *testing.T) {
	store := newTestEngine(t)

	cfg := PolicyConfig{
		LowThreshold:      11.5,
		RecoveryThreshold: 12.5,
		ShutdownDelay:     30,
		FanStopDelay:      8,
		RecoveryHold:      5,
	}
	if err := storeProtection(store, cfg, false, true); err != nil {
		t.Fatalf("storeProtection: %v", err)
	}

	if got := StoredPolicyConfig(store); got != cfg {
		t.Errorf("reloaded config = %+v, want %+v", got, cfg)
	}
	if StoredProtectionEnabled(store) {
		t.Error("enable flag still set after storing false")
	}
}

func TestProtectionConfigEndpointPersists(t *testing.T) {
	store := newTestEngine(t)
	p, _, _ := testPolicy(t)
	ep := &endpoints{pol: p, store: store}

	res := ep.handleProtectionConfig(context.Background(), &api.Request{Params: map[string]any{
		"low_voltage":      11.5,
		"recovery_voltage": 12.5,
		"shutdown_delay":   float64(30),
		"recovery_hold":    float64(5),
		"fan_stop_delay":   float64(8),
	}})
	if res.Code != api.CodeOK {
		t.Fatalf("protection.config: %s %s", res.Code, res.Message)
	}

	cfg := p.Config()
	if cfg.LowThreshold != 11.5 || cfg.ShutdownDelay != 30 ||
		cfg.RecoveryHold != 5 || cfg.FanStopDelay != 8 {
		t.Errorf("live config = %+v, not applied", cfg)
	}

	stored := StoredPolicyConfig(store)
	if stored.LowThreshold != 11.5 || stored.RecoveryThreshold != 12.5 ||
		stored.ShutdownDelay != 30 || stored.RecoveryHold != 5 || stored.FanStopDelay != 8 {
		t.Errorf("stored config = %+v, write did not persist", stored)
	}
}

func TestProtectionSetEndpointPersistsFlag(t *testing.T) {
	store := newTestEngine(t)
	p, _, _ := testPolicy(t)
	ep := &endpoints{pol: p, store: store}

	res := ep.handleProtectionSet(context.Background(), &api.Request{Params: map[string]any{
		"enable": false,
	}})
	if res.Code != api.CodeOK {
		t.Fatalf("protection.set: %s %s", res.Code, res.Message)
	}
	if p.Status().Enabled {
		t.Error("policy still enabled")
	}
	if StoredProtectionEnabled(store) {
		t.Error("stored enable flag still true")
	}

	res = ep.handleProtectionSet(context.Background(), &api.Request{Params: map[string]any{}})
	if res.Code != api.CodeInvalidArg {
		t.Errorf("missing enable: code = %s, want INVALID_ARG", res.Code)
	}
}
