package api

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MaxEndpointName is the longest accepted endpoint name.
const MaxEndpointName = 64

// Registry errors.
var (
	ErrEndpointExists  = errors.New("api: endpoint already registered")
	ErrBadEndpoint     = errors.New("api: invalid endpoint definition")
	ErrUnknownEndpoint = errors.New("api: unknown endpoint")
)

// Category groups endpoints for listing.
type Category string

// Endpoint categories.
const (
	CategorySystem   Category = "system"
	CategoryConfig   Category = "config"
	CategoryPower    Category = "power"
	CategoryDevice   Category = "device"
	CategoryNetwork  Category = "network"
	CategoryStorage  Category = "storage"
	CategorySecurity Category = "security"
)

// Permission is the minimum session level an endpoint requires.
// PermissionNone marks public endpoints. Values align with auth levels.
type Permission int

const (
	PermissionNone Permission = iota
	PermissionRead
	PermissionWrite
	PermissionAdmin
	PermissionRoot
)

// Endpoint is one registered operation.
type Endpoint struct {
	Name        string
	Description string
	Category    Category
	Permission  Permission
	Handler     Handler
}

// EndpointInfo is the introspection view of an endpoint.
type EndpointInfo struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Category     Category `json:"category"`
	RequiresAuth bool     `json:"requires_auth"`
}

// Registry holds the endpoint table. Registration normally happens at
// startup, but the table is locked so late registration is safe.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]*Endpoint)}
}

// Register adds an endpoint. Names must be unique, non-empty and at
// most MaxEndpointName characters; a handler is required.
func (r *Registry) Register(ep Endpoint) error {
	if ep.Name == "" || len(ep.Name) > MaxEndpointName {
		return fmt.Errorf("%w: bad name %q", ErrBadEndpoint, ep.Name)
	}
	if ep.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrBadEndpoint, ep.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[ep.Name]; ok {
		return fmt.Errorf("%w: %s", ErrEndpointExists, ep.Name)
	}
	r.endpoints[ep.Name] = &ep
	return nil
}

// MustRegister registers a batch and panics on definition errors; used
// for static endpoint tables at startup.
func (r *Registry) MustRegister(eps ...Endpoint) {
	for _, ep := range eps {
		if err := r.Register(ep); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) lookup(name string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	return ep, ok
}

// Info returns the introspection view of one endpoint.
func (r *Registry) Info(name string) (EndpointInfo, error) {
	ep, ok := r.lookup(name)
	if !ok {
		return EndpointInfo{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	return EndpointInfo{
		Name:         ep.Name,
		Description:  ep.Description,
		Category:     ep.Category,
		RequiresAuth: ep.Permission > PermissionNone,
	}, nil
}

// List returns endpoints sorted by name, optionally filtered by
// category ("" for all).
func (r *Registry) List(category Category) []EndpointInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]EndpointInfo, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if category != "" && ep.Category != category {
			continue
		}
		out = append(out, EndpointInfo{
			Name:         ep.Name,
			Description:  ep.Description,
			Category:     ep.Category,
			RequiresAuth: ep.Permission > PermissionNone,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered endpoints.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}
