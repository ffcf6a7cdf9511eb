package service

import (
	"context"
	"errors"

	"github.com/tianshanos/tianshan-core/internal/api"
)

// RegisterEndpoints adds the service.* endpoints.
func RegisterEndpoints(reg *api.Registry, o *Orchestrator) {
	reg.MustRegister(
		api.Endpoint{
			Name:        "service.list",
			Description: "List managed services and their states",
			Category:    api.CategorySystem,
			Permission:  api.PermissionRead,
			Handler:     o.handleList,
		},
		api.Endpoint{
			Name:        "service.restart",
			Description: "Restart one restartable service",
			Category:    api.CategorySystem,
			Permission:  api.PermissionAdmin,
			Handler:     o.handleRestart,
		},
	)
}

func (o *Orchestrator) handleList(_ context.Context, _ *api.Request) api.Result {
	return api.OK(map[string]any{
		"services": o.List(),
		"stages":   o.StageTimings(),
	})
}

func (o *Orchestrator) handleRestart(ctx context.Context, req *api.Request) api.Result {
	name, ok := req.StringParam("service")
	if !ok {
		return api.Error(api.CodeInvalidArg, "service is required")
	}

	switch err := o.Restart(ctx, name); {
	case err == nil:
		return api.OK(nil)
	case errors.Is(err, ErrUnknownService):
		return api.Error(api.CodeNotFound, "unknown service: %s", name)
	case errors.Is(err, ErrNotRestartable):
		return api.Error(api.CodeNotSupported, "service %s cannot be restarted", name)
	default:
		return api.Error(api.CodeInternal, "restart failed")
	}
}
