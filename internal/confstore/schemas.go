package confstore

// Factory schemas for the seven configuration modules. Defaults match
// the values the controller ships with.

// NetSchema covers wired networking and the hostname.
func NetSchema() *Schema {
	return &Schema{
		Version: 1,
		Entries: []SchemaEntry{
			{Key: "eth.enabled", Type: TypeBool, Default: Bool(true), Description: "Enable the ethernet interface"},
			{Key: "eth.dhcp", Type: TypeBool, Default: Bool(true), Description: "Obtain address via DHCP"},
			{Key: "eth.ip", Type: TypeString, Default: String("192.168.1.100"), Description: "Static IPv4 address"},
			{Key: "eth.netmask", Type: TypeString, Default: String("255.255.255.0"), Description: "Static netmask"},
			{Key: "eth.gateway", Type: TypeString, Default: String("192.168.1.1"), Description: "Static gateway"},
			{Key: "eth.dns", Type: TypeString, Default: String("8.8.8.8"), Description: "Static DNS server"},
			{Key: "hostname", Type: TypeString, Default: String("tianshan"), Description: "Device hostname"},
		},
	}
}

// DHCPSchema covers the on-board DHCP server.
func DHCPSchema() *Schema {
	return &Schema{
		Version: 1,
		Entries: []SchemaEntry{
			{Key: "enabled", Type: TypeBool, Default: Bool(false), Description: "Run the DHCP server"},
			{Key: "start_ip", Type: TypeString, Default: String("192.168.4.100"), Description: "First lease address"},
			{Key: "end_ip", Type: TypeString, Default: String("192.168.4.150"), Description: "Last lease address"},
			{Key: "lease_time", Type: TypeUint, Default: Uint(3600), Description: "Lease duration in seconds"},
			{Key: "dns1", Type: TypeString, Default: String("192.168.4.1"), Description: "Primary DNS offered to clients"},
			{Key: "dns2", Type: TypeString, Default: String("8.8.8.8"), Description: "Secondary DNS offered to clients"},
		},
	}
}

// WiFiSchema covers access-point and station modes.
func WiFiSchema() *Schema {
	return &Schema{
		Version: 1,
		Entries: []SchemaEntry{
			{Key: "mode", Type: TypeString, Default: String("ap"), Description: "Radio mode: ap or sta"},
			{Key: "ap.ssid", Type: TypeString, Default: String("TianShanOS"), Description: "Access point SSID"},
			{Key: "ap.password", Type: TypeString, Default: String("12345678"), Description: "Access point password"},
			{Key: "ap.channel", Type: TypeUint, Default: Uint(1), Description: "Access point channel"},
			{Key: "ap.max_conn", Type: TypeUint, Default: Uint(4), Description: "Maximum concurrent clients"},
			{Key: "ap.hidden", Type: TypeBool, Default: Bool(false), Description: "Hide the SSID"},
			{Key: "sta.ssid", Type: TypeString, Default: String(""), Description: "Station SSID"},
			{Key: "sta.password", Type: TypeString, Default: String(""), Description: "Station password"},
			{Key: "sta.dhcp", Type: TypeBool, Default: Bool(true), Description: "Station obtains address via DHCP"},
		},
	}
}

// LEDSchema covers the LED matrix and touch ring.
func LEDSchema() *Schema {
	return &Schema{
		Version: 1,
		Entries: []SchemaEntry{
			{Key: "brightness", Type: TypeUint, Default: Uint(128), Description: "Global brightness 0-255"},
			{Key: "power_on_effect", Type: TypeString, Default: String("rainbow"), Description: "Effect shown at power on"},
			{Key: "idle_effect", Type: TypeString, Default: String("breathing"), Description: "Effect shown when idle"},
			{Key: "effect_speed", Type: TypeUint, Default: Uint(50), Description: "Effect speed 0-100"},
			{Key: "matrix.enabled", Type: TypeBool, Default: Bool(true), Description: "Enable the LED matrix"},
			{Key: "matrix.rotation", Type: TypeUint, Default: Uint(0), Description: "Matrix rotation in 90 degree steps"},
			{Key: "touch.enabled", Type: TypeBool, Default: Bool(true), Description: "Enable the touch ring"},
			{Key: "touch.sensitivity", Type: TypeUint, Default: Uint(50), Description: "Touch sensitivity 0-100"},
		},
	}
}

// FanSchema covers fan control and the thermal curve.
func FanSchema() *Schema {
	return &Schema{
		Version: 1,
		Entries: []SchemaEntry{
			{Key: "mode", Type: TypeString, Default: String("auto"), Description: "Fan mode: auto, manual or curve"},
			{Key: "min_duty", Type: TypeUint, Default: Uint(20), Description: "Minimum duty cycle percent"},
			{Key: "max_duty", Type: TypeUint, Default: Uint(100), Description: "Maximum duty cycle percent"},
			{Key: "target_temp", Type: TypeUint, Default: Uint(45), Description: "Target temperature in celsius"},
			{Key: "hysteresis", Type: TypeUint, Default: Uint(5), Description: "Temperature hysteresis in celsius"},
			{Key: "curve.t1", Type: TypeUint, Default: Uint(30), Description: "Curve point 1 temperature"},
			{Key: "curve.d1", Type: TypeUint, Default: Uint(20), Description: "Curve point 1 duty"},
			{Key: "curve.t2", Type: TypeUint, Default: Uint(50), Description: "Curve point 2 temperature"},
			{Key: "curve.d2", Type: TypeUint, Default: Uint(60), Description: "Curve point 2 duty"},
			{Key: "curve.t3", Type: TypeUint, Default: Uint(70), Description: "Curve point 3 temperature"},
			{Key: "curve.d3", Type: TypeUint, Default: Uint(100), Description: "Curve point 3 duty"},
		},
	}
}

// DeviceSchema covers the attached compute modules and USB routing.
func DeviceSchema() *Schema {
	return &Schema{
		Version: 1,
		Entries: []SchemaEntry{
			{Key: "agx.auto_power_on", Type: TypeBool, Default: Bool(true), Description: "Power the AGX on at boot"},
			{Key: "agx.power_on_delay", Type: TypeUint, Default: Uint(2000), Description: "Boot power-on delay in ms"},
			{Key: "agx.force_off_timeout", Type: TypeUint, Default: Uint(10000), Description: "Forced shutdown timeout in ms"},
			{Key: "lpmu.auto_config", Type: TypeBool, Default: Bool(true), Description: "Configure the LPMU automatically"},
			{Key: "usb.default_host", Type: TypeString, Default: String("agx"), Description: "Default USB host routing"},
			{Key: "monitor.enabled", Type: TypeBool, Default: Bool(true), Description: "Enable device monitoring"},
			{Key: "monitor.interval", Type: TypeUint, Default: Uint(1000), Description: "Monitor interval in ms"},
			{Key: "protection.enable", Type: TypeBool, Default: Bool(true), Description: "Enable low-voltage protection"},
			{Key: "protection.low_voltage", Type: TypeFloat, Default: Float(12.6), Description: "Protection trigger voltage"},
			{Key: "protection.recovery_voltage", Type: TypeFloat, Default: Float(13.0), Description: "Protection recovery voltage"},
			{Key: "protection.shutdown_delay", Type: TypeUint, Default: Uint(60), Description: "Grace period before shutdown in s"},
			{Key: "protection.recovery_hold", Type: TypeUint, Default: Uint(10), Description: "Recovery hold time in s"},
			{Key: "protection.fan_stop_delay", Type: TypeUint, Default: Uint(30), Description: "Fan run-on after shutdown in s"},
		},
	}
}

// SystemSchema covers system-wide settings.
func SystemSchema() *Schema {
	return &Schema{
		Version: 1,
		Entries: []SchemaEntry{
			{Key: "timezone", Type: TypeString, Default: String("CST-8"), Description: "POSIX timezone string"},
			{Key: "log_level", Type: TypeString, Default: String("info"), Description: "Log verbosity"},
			{Key: "console.enabled", Type: TypeBool, Default: Bool(true), Description: "Enable the serial console"},
			{Key: "console.baudrate", Type: TypeUint, Default: Uint(115200), Description: "Serial console baud rate"},
			{Key: "webui.enabled", Type: TypeBool, Default: Bool(true), Description: "Serve the web interface"},
			{Key: "webui.port", Type: TypeUint, Default: Uint(80), Description: "Web interface port"},
			{Key: "ota.enabled", Type: TypeBool, Default: Bool(true), Description: "Allow over-the-air updates"},
			{Key: "telemetry.enabled", Type: TypeBool, Default: Bool(false), Description: "Publish telemetry over MQTT"},
		},
	}
}

// RegisterDefaultSchemas attaches every factory schema to the engine.
func RegisterDefaultSchemas(e *Engine) error {
	schemas := map[Module]*Schema{
		ModuleNet:    NetSchema(),
		ModuleDHCP:   DHCPSchema(),
		ModuleWiFi:   WiFiSchema(),
		ModuleLED:    LEDSchema(),
		ModuleFan:    FanSchema(),
		ModuleDevice: DeviceSchema(),
		ModuleSystem: SystemSchema(),
	}
	for m := Module(0); m < ModuleCount; m++ {
		if err := e.RegisterModule(m, schemas[m]); err != nil {
			return err
		}
	}
	return nil
}
