package power

import "github.com/tianshanos/tianshan-core/internal/eventbus"

// Event IDs posted on eventbus.BasePower.
const (
	EventAlert eventbus.ID = iota
	EventStateChange
	EventShutdown
	EventRecoveryComplete
)

// Alert is the payload of EventAlert.
type Alert struct {
	Rail    string  `json:"rail"`
	Voltage float64 `json:"voltage_mv"`
	Low     bool    `json:"low"`
	Limit   float64 `json:"limit_mv"`
}

// StateChange is the payload of EventStateChange.
type StateChange struct {
	From    State   `json:"from"`
	To      State   `json:"to"`
	Voltage float64 `json:"voltage_v"`
}
