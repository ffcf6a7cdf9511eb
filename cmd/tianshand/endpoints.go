package main

import (
	"context"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/tianshanos/tianshan-core/internal/api"
)

// restartDelay gives the HTTP response time to flush before the
// daemon asks for its own termination.
const restartDelay = 500 * time.Millisecond

// registerSystemEndpoints adds the system.* and event.* endpoints.
// These close over the app rather than living in a domain package
// because they cut across every subsystem.
func (a *app) registerSystemEndpoints() {
	a.registry.MustRegister(
		api.Endpoint{
			Name:        "system.info",
			Description: "Node identity, uptime and runtime statistics",
			Category:    api.CategorySystem,
			Permission:  api.PermissionRead,
			Handler:     a.handleSystemInfo,
		},
		api.Endpoint{
			Name:        "system.restart",
			Description: "Gracefully restart the daemon",
			Category:    api.CategorySystem,
			Permission:  api.PermissionAdmin,
			Handler:     a.handleSystemRestart,
		},
		api.Endpoint{
			Name:        "system.endpoints",
			Description: "List registered API endpoints",
			Category:    api.CategorySystem,
			Permission:  api.PermissionRead,
			Handler:     a.handleSystemEndpoints,
		},
		api.Endpoint{
			Name:        "event.stats",
			Description: "Event bus counters and queue depth",
			Category:    api.CategorySystem,
			Permission:  api.PermissionRead,
			Handler:     a.handleEventStats,
		},
	)
}

func (a *app) handleSystemInfo(_ context.Context, _ *api.Request) api.Result {
	return api.OK(map[string]any{
		"node_id":    a.cfg.Node.ID,
		"node_name":  a.cfg.Node.Name,
		"version":    version,
		"commit":     commit,
		"build_date": date,
		"uptime_s":   int64(time.Since(a.startedAt).Seconds()),
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
		"sessions":   a.authMgr.SessionCount(),
		"database":   a.db.Path(),
	})
}

// handleSystemRestart signals the daemon's own process. The service
// manager is expected to bring it back up.
func (a *app) handleSystemRestart(_ context.Context, _ *api.Request) api.Result {
	a.log.Warn("restart requested via API")
	go func() {
		time.Sleep(restartDelay)
		if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
			a.log.Error("restart signal failed", "error", err)
		}
	}()
	return api.OK(map[string]any{"restarting": true})
}

func (a *app) handleSystemEndpoints(_ context.Context, req *api.Request) api.Result {
	category, _ := req.StringParam("category")
	return api.OK(map[string]any{
		"endpoints": a.registry.List(api.Category(category)),
		"count":     a.registry.Count(),
	})
}

func (a *app) handleEventStats(_ context.Context, _ *api.Request) api.Result {
	stats := a.bus.Stats()
	return api.OK(map[string]any{
		"posted":         stats.Posted,
		"delivered":      stats.Delivered,
		"dropped":        stats.Dropped,
		"subscribers":    stats.Subscribers,
		"high_watermark": stats.HighWatermark,
		"queue_depth":    a.bus.QueueDepth(),
	})
}
