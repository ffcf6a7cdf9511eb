package confstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/tianshanos/tianshan-core/internal/api"
)

// RegisterEndpoints adds the config.* endpoints. Reads need read
// permission; mutations need write.
func RegisterEndpoints(reg *api.Registry, e *Engine) {
	reg.MustRegister(
		api.Endpoint{
			Name:        "config.get",
			Description: "Read a configuration value",
			Category:    api.CategoryConfig,
			Permission:  api.PermissionRead,
			Handler:     e.handleGet,
		},
		api.Endpoint{
			Name:        "config.set",
			Description: "Set a configuration value",
			Category:    api.CategoryConfig,
			Permission:  api.PermissionWrite,
			Handler:     e.handleSet,
		},
		api.Endpoint{
			Name:        "config.delete",
			Description: "Remove a configuration value",
			Category:    api.CategoryConfig,
			Permission:  api.PermissionWrite,
			Handler:     e.handleDelete,
		},
		api.Endpoint{
			Name:        "config.persist",
			Description: "Persist a module (or all dirty modules)",
			Category:    api.CategoryConfig,
			Permission:  api.PermissionWrite,
			Handler:     e.handlePersist,
		},
		api.Endpoint{
			Name:        "config.load",
			Description: "Reload a module from storage",
			Category:    api.CategoryConfig,
			Permission:  api.PermissionWrite,
			Handler:     e.handleLoad,
		},
		api.Endpoint{
			Name:        "config.reset",
			Description: "Restore a module to factory defaults",
			Category:    api.CategoryConfig,
			Permission:  api.PermissionWrite,
			Handler:     e.handleReset,
		},
		api.Endpoint{
			Name:        "config.modules",
			Description: "List configuration modules and their state",
			Category:    api.CategoryConfig,
			Permission:  api.PermissionRead,
			Handler:     e.handleModules,
		},
	)
}

func (e *Engine) handleGet(_ context.Context, req *api.Request) api.Result {
	key, ok := req.StringParam("key")
	if !ok {
		return api.Error(api.CodeInvalidArg, "key is required")
	}

	v, src, err := e.Get(key)
	if errors.Is(err, ErrNotFound) {
		return api.Error(api.CodeNotFound, "key not found: %s", key)
	}
	if err != nil {
		return api.Error(api.CodeInternal, "internal error")
	}

	return api.OK(map[string]any{
		"key":    key,
		"value":  exportValue(v),
		"type":   v.Type.String(),
		"source": src.String(),
	})
}

func (e *Engine) handleSet(_ context.Context, req *api.Request) api.Result {
	key, ok := req.StringParam("key")
	if !ok {
		return api.Error(api.CodeInvalidArg, "key is required")
	}
	raw, ok := req.Params["value"]
	if !ok {
		return api.Error(api.CodeInvalidArg, "value is required")
	}

	v, err := e.importValue(key, raw)
	if err != nil {
		return api.Error(api.CodeInvalidArg, "%v", err)
	}

	switch err := e.Set(key, v); {
	case err == nil:
		return api.OK(nil)
	case errors.Is(err, ErrKeyTooLong),
		errors.Is(err, ErrTypeMismatch),
		errors.Is(err, ErrUnknownModule):
		return api.Error(api.CodeInvalidArg, "%v", err)
	case errors.Is(err, ErrReentrantWrite):
		return api.Error(api.CodeBusy, "configuration busy")
	default:
		return api.Error(api.CodeInternal, "internal error")
	}
}

func (e *Engine) handleDelete(_ context.Context, req *api.Request) api.Result {
	key, ok := req.StringParam("key")
	if !ok {
		return api.Error(api.CodeInvalidArg, "key is required")
	}

	switch err := e.Delete(key); {
	case err == nil:
		return api.OK(nil)
	case errors.Is(err, ErrNotFound):
		return api.Error(api.CodeNotFound, "key not found: %s", key)
	case errors.Is(err, ErrUnknownModule):
		return api.Error(api.CodeInvalidArg, "%v", err)
	default:
		return api.Error(api.CodeInternal, "internal error")
	}
}

func (e *Engine) handlePersist(_ context.Context, req *api.Request) api.Result {
	name, ok := req.StringParam("module")
	if !ok || name == "all" {
		if err := e.PersistAll(); err != nil {
			return api.Error(api.CodeInternal, "persist failed")
		}
		return api.OK(map[string]any{"global_seq": e.GlobalSeq()})
	}

	m, found := ModuleByName(name)
	if !found {
		return api.Error(api.CodeInvalidArg, "unknown module: %s", name)
	}
	if err := e.Persist(m); err != nil {
		return api.Error(api.CodeInternal, "persist failed")
	}
	return api.OK(map[string]any{"global_seq": e.GlobalSeq()})
}

func (e *Engine) handleLoad(_ context.Context, req *api.Request) api.Result {
	name, ok := req.StringParam("module")
	if !ok {
		return api.Error(api.CodeInvalidArg, "module is required")
	}
	m, found := ModuleByName(name)
	if !found {
		return api.Error(api.CodeInvalidArg, "unknown module: %s", name)
	}
	if err := e.Load(m); err != nil {
		return api.Error(api.CodeInternal, "load failed")
	}
	return api.OK(nil)
}

func (e *Engine) handleReset(_ context.Context, req *api.Request) api.Result {
	name, ok := req.StringParam("module")
	if !ok {
		return api.Error(api.CodeInvalidArg, "module is required")
	}
	m, found := ModuleByName(name)
	if !found {
		return api.Error(api.CodeInvalidArg, "unknown module: %s", name)
	}
	erase, _ := req.BoolParam("erase")

	if err := e.Reset(m, erase); err != nil {
		return api.Error(api.CodeInternal, "reset failed")
	}
	return api.OK(nil)
}

func (e *Engine) handleModules(_ context.Context, _ *api.Request) api.Result {
	type moduleInfo struct {
		Name    string `json:"name"`
		Version uint16 `json:"version"`
		Keys    int    `json:"keys"`
		Dirty   bool   `json:"dirty"`
	}

	modules := make([]moduleInfo, 0, int(ModuleCount))
	for _, m := range e.RegisteredModules() {
		schema := e.Schema(m)
		modules = append(modules, moduleInfo{
			Name:    m.String(),
			Version: schema.Version,
			Keys:    len(schema.Entries),
			Dirty:   e.Dirty(m),
		})
	}

	return api.OK(map[string]any{
		"modules":      modules,
		"global_seq":   e.GlobalSeq(),
		"sync_seq":     e.SyncSeq(),
		"pending_sync": e.PendingSync(),
	})
}

// importValue coerces a decoded JSON parameter to the key's schema
// type, falling back to the JSON type for schema-less keys.
func (e *Engine) importValue(key string, raw any) (Value, error) {
	var want ValueType
	known := false
	if m, rel, err := e.moduleForKey(key); err == nil {
		if entry := e.Schema(m).entry(rel); entry != nil {
			want = entry.Type
			known = true
		}
	}

	switch v := raw.(type) {
	case bool:
		return Bool(v), nil
	case string:
		return String(v), nil
	case float64:
		if !known {
			if v == float64(int64(v)) {
				return Int(int64(v)), nil
			}
			return Float(v), nil
		}
		switch want {
		case TypeInt:
			return Int(int64(v)), nil
		case TypeUint:
			if v < 0 {
				return Value{}, fmt.Errorf("value for %s must not be negative", key)
			}
			return Uint(uint64(v)), nil
		case TypeFloat:
			return Float(v), nil
		default:
			return Value{}, fmt.Errorf("value for %s must be %s", key, want)
		}
	default:
		return Value{}, fmt.Errorf("unsupported value type for %s", key)
	}
}

// exportValue renders a Value as its natural JSON type.
func exportValue(v Value) any {
	return encodeValue(v)
}
