package audit

import (
	"context"

	"github.com/tianshanos/tianshan-core/internal/api"
)

// RegisterEndpoints adds the audit.* endpoints.
func RegisterEndpoints(reg *api.Registry, r *Recorder) {
	reg.MustRegister(
		api.Endpoint{
			Name:        "audit.list",
			Description: "Read the newest audit trail entries",
			Category:    api.CategorySecurity,
			Permission:  api.PermissionAdmin,
			Handler:     r.handleList,
		},
	)
}

func (r *Recorder) handleList(ctx context.Context, req *api.Request) api.Result {
	category, _ := req.StringParam("category")
	limit, _ := req.IntParam("limit")

	entries, err := r.List(ctx, category, limit)
	if err != nil {
		return api.Error(api.CodeInternal, "audit query failed")
	}
	return api.OK(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
