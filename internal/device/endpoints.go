package device

import (
	"context"
	"errors"

	"github.com/tianshanos/tianshan-core/internal/api"
)

// RegisterEndpoints adds the device.* endpoints.
func RegisterEndpoints(reg *api.Registry, c *Controller) {
	reg.MustRegister(
		api.Endpoint{
			Name:        "device.status",
			Description: "Report AGX/LPMU power and USB routing state",
			Category:    api.CategoryDevice,
			Permission:  api.PermissionRead,
			Handler:     c.handleStatus,
		},
		api.Endpoint{
			Name:        "device.agx.set",
			Description: "Switch the AGX supply rail",
			Category:    api.CategoryDevice,
			Permission:  api.PermissionWrite,
			Handler:     c.powerHandler(HostAGX),
		},
		api.Endpoint{
			Name:        "device.lpmu.set",
			Description: "Switch the LPMU supply rail",
			Category:    api.CategoryDevice,
			Permission:  api.PermissionWrite,
			Handler:     c.powerHandler(HostLPMU),
		},
		api.Endpoint{
			Name:        "device.usb.set",
			Description: "Route the shared USB bus to a host",
			Category:    api.CategoryDevice,
			Permission:  api.PermissionWrite,
			Handler:     c.handleUSBSet,
		},
	)
}

func (c *Controller) handleStatus(context.Context, *api.Request) api.Result {
	return api.OK(c.Status())
}

func (c *Controller) powerHandler(target string) api.Handler {
	return func(_ context.Context, req *api.Request) api.Result {
		on, ok := req.BoolParam("on")
		if !ok {
			return api.Error(api.CodeInvalidArg, "missing boolean parameter 'on'")
		}
		if err := c.SetPower(target, on); err != nil {
			return api.Error(api.CodeHardware, "switching %s rail failed", target)
		}
		return api.OK(c.Status())
	}
}

func (c *Controller) handleUSBSet(_ context.Context, req *api.Request) api.Result {
	host, ok := req.StringParam("host")
	if !ok {
		return api.Error(api.CodeInvalidArg, "missing string parameter 'host'")
	}
	if err := c.SetUSBRoute(host); err != nil {
		if errors.Is(err, ErrUnknownHost) {
			return api.Error(api.CodeInvalidArg, "host must be %q or %q", HostAGX, HostLPMU)
		}
		return api.Error(api.CodeHardware, "switching usb mux failed")
	}
	return api.OK(c.Status())
}
