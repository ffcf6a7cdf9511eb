// Package service implements staged service lifecycle management: a
// registry of named services grouped into ordered start stages, with
// dependency-ordered startup, reverse-order shutdown, failure isolation
// (a failed service aborts only its dependents) and restart support for
// services that declare it.
package service
