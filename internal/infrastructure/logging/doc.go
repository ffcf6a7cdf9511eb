// Package logging provides structured logging for the TianShan core.
//
// It wraps log/slog with level parsing, output selection and default
// fields. Subsystems derive component loggers via With so that every
// record carries a component attribute.
package logging
