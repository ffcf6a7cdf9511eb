package confstore

// Module identifies a configuration module. Each module owns a disjoint
// key prefix, an isolated non-volatile namespace and one media file.
type Module int

const (
	ModuleNet Module = iota
	ModuleDHCP
	ModuleWiFi
	ModuleLED
	ModuleFan
	ModuleDevice
	ModuleSystem

	ModuleCount // sentinel
)

var moduleNames = [ModuleCount]string{
	"net", "dhcp", "wifi", "led", "fan", "device", "system",
}

// String returns the lowercase module name used as key prefix and file stem.
func (m Module) String() string {
	if m < 0 || m >= ModuleCount {
		return "unknown"
	}
	return moduleNames[m]
}

// Namespace returns the module's non-volatile namespace.
func (m Module) Namespace() string {
	return "ts_" + m.String()
}

// FileName returns the module's export file name on removable media.
func (m Module) FileName() string {
	return m.String() + ".json"
}

// ModuleByName resolves a lowercase module name. The second return is
// false when the name is unknown.
func ModuleByName(name string) (Module, bool) {
	for i, n := range moduleNames {
		if n == name {
			return Module(i), true
		}
	}
	return 0, false
}

// SchemaEntry describes one key within a module schema.
type SchemaEntry struct {
	// Key is the dotted key relative to the module prefix ("eth.ip").
	Key string

	Type ValueType

	// Default is applied when no backend carries the key.
	Default Value

	// Description is surfaced through the config API.
	Description string
}

// MigrateFunc upgrades a loaded value set from an older schema version
// in place. It runs after adoption and before the cache is published.
type MigrateFunc func(fromVersion uint16, values map[string]Value) error

// Schema is the immutable descriptor of a module's configuration.
type Schema struct {
	Version uint16
	Entries []SchemaEntry
	Migrate MigrateFunc
}

// entry returns the schema entry for a relative key, or nil.
func (s *Schema) entry(key string) *SchemaEntry {
	for i := range s.Entries {
		if s.Entries[i].Key == key {
			return &s.Entries[i]
		}
	}
	return nil
}
