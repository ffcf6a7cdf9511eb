package power

import "github.com/tianshanos/tianshan-core/internal/confstore"

// Protection settings are stored in the device module so they survive
// restarts and ride along on removable media.
const (
	keyProtectionEnable   = "device.protection.enable"
	keyProtectionLow      = "device.protection.low_voltage"
	keyProtectionRecovery = "device.protection.recovery_voltage"
	keyProtectionDelay    = "device.protection.shutdown_delay"
	keyProtectionHold     = "device.protection.recovery_hold"
	keyProtectionFanStop  = "device.protection.fan_stop_delay"
)

// StoredPolicyConfig loads the persisted protection settings, falling
// back to factory defaults for missing keys. A nil engine returns the
// defaults unchanged.
func StoredPolicyConfig(store *confstore.Engine) PolicyConfig {
	def := DefaultPolicyConfig()
	if store == nil {
		return def
	}
	return PolicyConfig{
		LowThreshold:      store.GetFloat(keyProtectionLow, def.LowThreshold),
		RecoveryThreshold: store.GetFloat(keyProtectionRecovery, def.RecoveryThreshold),
		ShutdownDelay:     int(store.GetUint(keyProtectionDelay, uint64(def.ShutdownDelay))),
		FanStopDelay:      int(store.GetUint(keyProtectionFanStop, uint64(def.FanStopDelay))),
		RecoveryHold:      int(store.GetUint(keyProtectionHold, uint64(def.RecoveryHold))),
	}
}

// StoredProtectionEnabled loads the persisted enable flag. Protection
// defaults to on.
func StoredProtectionEnabled(store *confstore.Engine) bool {
	if store == nil {
		return true
	}
	return store.GetBool(keyProtectionEnable, true)
}

// storeProtection mirrors the active configuration into the engine and,
// when persist is set, writes the device module through to storage.
func storeProtection(store *confstore.Engine, cfg PolicyConfig, enabled, persist bool) error {
	if store == nil {
		return nil
	}
	sets := []struct {
		key string
		val confstore.Value
	}{
		{keyProtectionEnable, confstore.Bool(enabled)},
		{keyProtectionLow, confstore.Float(cfg.LowThreshold)},
		{keyProtectionRecovery, confstore.Float(cfg.RecoveryThreshold)},
		{keyProtectionDelay, confstore.Uint(uint64(cfg.ShutdownDelay))},
		{keyProtectionHold, confstore.Uint(uint64(cfg.RecoveryHold))},
		{keyProtectionFanStop, confstore.Uint(uint64(cfg.FanStopDelay))},
	}
	for _, s := range sets {
		if err := store.Set(s.key, s.val); err != nil {
			return err
		}
	}
	if !persist {
		return nil
	}
	return store.Persist(confstore.ModuleDevice)
}
