package main

import (
	"fmt"

	"github.com/tianshanos/tianshan-core/internal/auth"
	"github.com/tianshanos/tianshan-core/internal/confstore"
	"github.com/tianshanos/tianshan-core/internal/device"
	"github.com/tianshanos/tianshan-core/internal/eventbus"
	"github.com/tianshanos/tianshan-core/internal/media"
	"github.com/tianshanos/tianshan-core/internal/power"
	"github.com/tianshanos/tianshan-core/internal/service"
)

// eventNames maps bus event IDs to stable topic segments for the
// telemetry bridge. IDs are only unique within their base.
var eventNames = map[eventbus.Base]map[eventbus.ID]string{
	eventbus.BaseSystem: {
		device.EventPowerChange: "power_change",
		device.EventUSBRoute:    "usb_route",
	},
	eventbus.BaseStorage: {
		media.EventMounted:   "mounted",
		media.EventUnmounted: "unmounted",
	},
	eventbus.BasePower: {
		power.EventAlert:            "alert",
		power.EventStateChange:      "state_change",
		power.EventShutdown:         "shutdown",
		power.EventRecoveryComplete: "recovery_complete",
	},
	eventbus.BaseConfig: {
		confstore.EventChanged:   "changed",
		confstore.EventPersisted: "persisted",
		confstore.EventLoaded:    "loaded",
		confstore.EventReset:     "reset",
	},
	eventbus.BaseService: {
		service.EventStateChange:   "state_change",
		service.EventStageComplete: "stage_complete",
		service.EventAllStarted:    "all_started",
	},
	eventbus.BaseSecurity: {
		auth.EventLogin:           "login",
		auth.EventLoginFailed:     "login_failed",
		auth.EventLockout:         "lockout",
		auth.EventLogout:          "logout",
		auth.EventPasswordChanged: "password_changed",
	},
}

// eventName renders a bus event ID as a topic segment, falling back to
// the numeric form for IDs without a registered name.
func eventName(base eventbus.Base, id eventbus.ID) string {
	if names, ok := eventNames[base]; ok {
		if name, ok := names[id]; ok {
			return name
		}
	}
	return fmt.Sprintf("evt_%d", id)
}
