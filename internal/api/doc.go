// Package api implements the unified command surface: a registry of
// named endpoints ("power.status", "config.set") dispatched through one
// permission-checked entry point, with a JSON result envelope shared by
// every transport.
//
// Domain packages register their endpoints against the Registry; the
// package itself knows nothing about any domain. Transports are the
// chi HTTP server (POST /api/{endpoint}), the websocket event stream
// and the in-process CLI caller.
package api
