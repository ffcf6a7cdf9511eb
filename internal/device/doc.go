// Package device manages the attached compute modules: the AGX carrier
// rail, the LPMU rail and the shared USB mux. It applies the persisted
// device configuration at boot (auto power-on, default USB host) and
// exposes the device.* endpoints for manual control.
package device
