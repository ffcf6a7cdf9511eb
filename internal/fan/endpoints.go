package fan

import (
	"context"
	"errors"

	"github.com/tianshanos/tianshan-core/internal/api"
)

// RegisterEndpoints adds the fan.* endpoints.
func RegisterEndpoints(reg *api.Registry, c *Controller) {
	reg.MustRegister(
		api.Endpoint{
			Name:        "fan.status",
			Description: "Report fan mode, duty and temperature",
			Category:    api.CategoryDevice,
			Permission:  api.PermissionRead,
			Handler:     c.handleStatus,
		},
		api.Endpoint{
			Name:        "fan.set",
			Description: "Set fan mode or manual duty cycle",
			Category:    api.CategoryDevice,
			Permission:  api.PermissionWrite,
			Handler:     c.handleSet,
		},
	)
}

func (c *Controller) handleStatus(context.Context, *api.Request) api.Result {
	return api.OK(c.Status())
}

func (c *Controller) handleSet(_ context.Context, req *api.Request) api.Result {
	mode, hasMode := req.StringParam("mode")
	duty, hasDuty := req.IntParam("duty")
	if !hasMode && !hasDuty {
		return api.Error(api.CodeInvalidArg, "provide 'mode' or 'duty'")
	}

	if hasMode {
		if err := c.SetMode(mode); err != nil {
			if errors.Is(err, ErrUnknownMode) {
				return api.Error(api.CodeInvalidArg, "mode must be %q or %q", ModeAuto, ModeManual)
			}
			return api.Error(api.CodeInternal, "storing fan mode failed")
		}
	}
	if hasDuty {
		if err := c.SetDuty(duty); err != nil {
			if errors.Is(err, ErrBadDuty) {
				return api.Error(api.CodeInvalidArg, "duty must be 0 to 100")
			}
			return api.Error(api.CodeInternal, "storing fan duty failed")
		}
	}
	return api.OK(c.Status())
}
