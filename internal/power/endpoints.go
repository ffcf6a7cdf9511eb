package power

import (
	"context"
	"time"

	"github.com/tianshanos/tianshan-core/internal/api"
	"github.com/tianshanos/tianshan-core/internal/confstore"
)

// endpoints bundles the monitor and policy behind the power.* API.
type endpoints struct {
	mon   *Monitor
	pol   *Policy
	store *confstore.Engine
}

// RegisterEndpoints adds the power.* endpoints. Reads need read
// permission; anything that changes behaviour needs write. store may
// be nil, in which case protection settings are not persisted.
func RegisterEndpoints(reg *api.Registry, mon *Monitor, pol *Policy, store *confstore.Engine) {
	ep := &endpoints{mon: mon, pol: pol, store: store}

	reg.MustRegister(
		api.Endpoint{
			Name:        "power.status",
			Description: "Cached readings for every rail",
			Category:    api.CategoryPower,
			Permission:  api.PermissionRead,
			Handler:     ep.handleStatus,
		},
		api.Endpoint{
			Name:        "power.voltage",
			Description: "Voltage of one rail",
			Category:    api.CategoryPower,
			Permission:  api.PermissionRead,
			Handler:     ep.handleVoltage,
		},
		api.Endpoint{
			Name:        "power.chip",
			Description: "Per-rail sensor health",
			Category:    api.CategoryPower,
			Permission:  api.PermissionRead,
			Handler:     ep.handleChip,
		},
		api.Endpoint{
			Name:        "power.stats",
			Description: "Sampler and protection counters",
			Category:    api.CategoryPower,
			Permission:  api.PermissionRead,
			Handler:     ep.handleStats,
		},
		api.Endpoint{
			Name:        "power.stats.reset",
			Description: "Zero the sampler counters",
			Category:    api.CategoryPower,
			Permission:  api.PermissionWrite,
			Handler:     ep.handleStatsReset,
		},
		api.Endpoint{
			Name:        "power.threshold.set",
			Description: "Set low/high voltage alerts for a rail",
			Category:    api.CategoryPower,
			Permission:  api.PermissionWrite,
			Handler:     ep.handleThresholdSet,
		},
		api.Endpoint{
			Name:        "power.interval.set",
			Description: "Change the sampling interval",
			Category:    api.CategoryPower,
			Permission:  api.PermissionWrite,
			Handler:     ep.handleIntervalSet,
		},
		api.Endpoint{
			Name:        "power.protection.set",
			Description: "Enable or disable low-voltage protection",
			Category:    api.CategoryPower,
			Permission:  api.PermissionWrite,
			Handler:     ep.handleProtectionSet,
		},
		api.Endpoint{
			Name:        "power.protection.config",
			Description: "Configure protection thresholds and delays",
			Category:    api.CategoryPower,
			Permission:  api.PermissionWrite,
			Handler:     ep.handleProtectionConfig,
		},
		api.Endpoint{
			Name:        "power.protection.status",
			Description: "Protection state machine snapshot",
			Category:    api.CategoryPower,
			Permission:  api.PermissionRead,
			Handler:     ep.handleProtectionStatus,
		},
		api.Endpoint{
			Name:        "power.monitor.start",
			Description: "Start the rail sampler",
			Category:    api.CategoryPower,
			Permission:  api.PermissionWrite,
			Handler:     ep.handleMonitorStart,
		},
		api.Endpoint{
			Name:        "power.monitor.stop",
			Description: "Stop the rail sampler",
			Category:    api.CategoryPower,
			Permission:  api.PermissionWrite,
			Handler:     ep.handleMonitorStop,
		},
	)
}

func (ep *endpoints) handleStatus(_ context.Context, _ *api.Request) api.Result {
	rails := make(map[string]any)
	for _, name := range ep.mon.Rails() {
		r, err := ep.mon.Last(name)
		if err != nil {
			rails[name] = map[string]any{"available": false}
			continue
		}
		rails[name] = map[string]any{
			"available":  true,
			"voltage_mv": r.Voltage,
			"current_ma": r.Current,
			"power_mw":   r.Power,
			"timestamp":  r.Timestamp,
		}
	}
	return api.OK(map[string]any{
		"rails":          rails,
		"total_power_mw": ep.mon.Total(),
		"running":        ep.mon.Running(),
	})
}

func (ep *endpoints) handleVoltage(_ context.Context, req *api.Request) api.Result {
	rail, ok := req.StringParam("rail")
	if !ok {
		return api.Error(api.CodeInvalidArg, "rail is required")
	}

	var (
		r   Reading
		err error
	)
	if fresh, _ := req.BoolParam("fresh"); fresh {
		r, err = ep.mon.ReadNow(rail)
	} else {
		r, err = ep.mon.Last(rail)
	}
	switch err {
	case nil:
	case ErrUnknownRail:
		return api.Error(api.CodeNotFound, "unknown rail: %s", rail)
	case ErrNoReading:
		return api.Error(api.CodeBusy, "no reading yet for %s", rail)
	default:
		return api.Error(api.CodeHardware, "sensor read failed")
	}

	return api.OK(map[string]any{
		"rail":       rail,
		"voltage_mv": r.Voltage,
		"timestamp":  r.Timestamp,
	})
}

func (ep *endpoints) handleChip(_ context.Context, _ *api.Request) api.Result {
	stats := ep.mon.Stats()
	chips := make([]map[string]any, 0, len(stats))
	for _, name := range ep.mon.Rails() {
		s := stats[name]
		_, err := ep.mon.Last(name)
		chips = append(chips, map[string]any{
			"rail":        name,
			"responding":  err == nil,
			"reads":       s.Reads,
			"failures":    s.Failures,
		})
	}
	return api.OK(map[string]any{"chips": chips})
}

func (ep *endpoints) handleStats(_ context.Context, _ *api.Request) api.Result {
	st := ep.pol.Status()
	return api.OK(map[string]any{
		"rails":            ep.mon.Stats(),
		"protection_count": st.ProtectionCount,
		"sensor_failures":  st.SensorFailures,
		"uptime_s":         st.UptimeSeconds,
	})
}

func (ep *endpoints) handleStatsReset(_ context.Context, _ *api.Request) api.Result {
	ep.mon.ResetStats()
	return api.OK(nil)
}

func (ep *endpoints) handleThresholdSet(_ context.Context, req *api.Request) api.Result {
	rail, ok := req.StringParam("rail")
	if !ok {
		return api.Error(api.CodeInvalidArg, "rail is required")
	}
	lowMV, _ := req.FloatParam("low_mv")
	highMV, _ := req.FloatParam("high_mv")

	if err := ep.mon.SetAlert(rail, lowMV, highMV); err != nil {
		return api.Error(api.CodeNotFound, "unknown rail: %s", rail)
	}
	return api.OK(nil)
}

func (ep *endpoints) handleIntervalSet(_ context.Context, req *api.Request) api.Result {
	ms, ok := req.IntParam("interval_ms")
	if !ok || ms <= 0 {
		return api.Error(api.CodeInvalidArg, "interval_ms must be a positive integer")
	}
	if err := ep.mon.SetInterval(time.Duration(ms) * time.Millisecond); err != nil {
		return api.Error(api.CodeInvalidArg, "%v", err)
	}
	return api.OK(nil)
}

func (ep *endpoints) handleProtectionSet(_ context.Context, req *api.Request) api.Result {
	enabled, ok := req.BoolParam("enable")
	if !ok {
		return api.Error(api.CodeInvalidArg, "enable is required")
	}
	ep.pol.SetEnabled(enabled)
	ep.saveProtection(req)
	return api.OK(map[string]any{
		"config":  ep.pol.Config(),
		"enabled": enabled,
	})
}

func (ep *endpoints) handleProtectionConfig(_ context.Context, req *api.Request) api.Result {
	cfg := ep.pol.Config()

	if low, ok := req.FloatParam("low_voltage"); ok {
		recovery, ok2 := req.FloatParam("recovery_voltage")
		if !ok2 {
			recovery = cfg.RecoveryThreshold
		}
		if err := ep.pol.SetThresholds(low, recovery); err != nil {
			return api.Error(api.CodeInvalidArg, "%v", err)
		}
	}
	if delay, ok := req.IntParam("shutdown_delay"); ok {
		if err := ep.pol.SetShutdownDelay(delay); err != nil {
			return api.Error(api.CodeInvalidArg, "%v", err)
		}
	}
	if hold, ok := req.IntParam("recovery_hold"); ok {
		if err := ep.pol.SetRecoveryHold(hold); err != nil {
			return api.Error(api.CodeInvalidArg, "%v", err)
		}
	}
	if delay, ok := req.IntParam("fan_stop_delay"); ok {
		if err := ep.pol.SetFanStopDelay(delay); err != nil {
			return api.Error(api.CodeInvalidArg, "%v", err)
		}
	}

	ep.saveProtection(req)
	return api.OK(map[string]any{"config": ep.pol.Config()})
}

// saveProtection mirrors the active settings into the configuration
// engine. A successful write persists unless the caller passed
// persist=false.
func (ep *endpoints) saveProtection(req *api.Request) {
	if ep.store == nil {
		return
	}
	persist := true
	if v, ok := req.BoolParam("persist"); ok {
		persist = v
	}
	st := ep.pol.Status()
	_ = storeProtection(ep.store, ep.pol.Config(), st.Enabled, persist) //nolint:errcheck // live settings already applied
}

func (ep *endpoints) handleProtectionStatus(_ context.Context, _ *api.Request) api.Result {
	return api.OK(ep.pol.Status())
}

func (ep *endpoints) handleMonitorStart(_ context.Context, req *api.Request) api.Result {
	interval := ep.mon.Interval()
	if ms, ok := req.IntParam("interval_ms"); ok && ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}
	switch err := ep.mon.Start(interval); err {
	case nil:
		return api.OK(nil)
	case ErrAlreadyRuns:
		return api.Error(api.CodeBusy, "monitor already running")
	default:
		return api.Error(api.CodeInternal, "cannot start monitor")
	}
}

func (ep *endpoints) handleMonitorStop(_ context.Context, _ *api.Request) api.Result {
	switch err := ep.mon.Stop(); err {
	case nil:
		return api.OK(nil)
	case ErrNotRunning:
		return api.Error(api.CodeInvalidArg, "monitor not running")
	default:
		return api.Error(api.CodeInternal, "cannot stop monitor")
	}
}
