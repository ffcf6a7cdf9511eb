// Package config loads the process bootstrap configuration from YAML.
//
// This covers host-side concerns only: file paths, listen addresses,
// bus device paths and bridge credentials. Device configuration (network,
// fan curves, power-protection thresholds and so on) lives in the
// confstore engine, which has its own persistence and schema layer.
package config
