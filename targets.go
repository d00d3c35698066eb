package cachesync

import (
	"github.com/itellico/cachesync/internal/util"
)

// RenderTags returns the default render-cache tags for an entity type.
func RenderTags(entityType string) []string {
	return []string{
		entityType,
		"admin-" + entityType,
		entityType + "-list",
		entityType + "-search",
	}
}

// RenderPaths returns the default route paths plus the request's affected routes.
func RenderPaths(req Request) []string {
	paths := []string{
		"/admin/" + req.EntityType,
		"/api/v1/admin/" + req.EntityType,
	}
	return util.Dedupe(append(paths, req.AffectedRoutes...))
}

// KVPatterns returns the glob patterns whose matches must be deleted from the
// key/value layer. Tenant-scoped patterns come first, global ones are always present.
func KVPatterns(req Request) []string {
	t := req.EntityType
	var out []string
	if req.TenantID != "" {
		base := "cache:" + req.TenantID + ":"
		out = append(out,
			base+t+":list:*",
			base+t+":search:*",
			base+"admin-"+t+":*",
		)
		if req.EntityID != "" {
			out = append(out, base+t+":"+req.EntityID)
		}
	}
	out = append(out,
		"cache:global:"+t+":*",
		"cache:global:admin-"+t+":*",
	)
	return out
}

// QueryKeys returns the client query keys to invalidate for req.
func QueryKeys(req Request) []QueryKey {
	t := req.EntityType
	keys := []QueryKey{
		{"admin", t},
		{"admin-users"},
		{"admin-tenants"},
		{t},
		{t, "list"},
		{t, "search"},
	}
	if req.TenantID != "" {
		keys = append(keys, QueryKey{"tenant", req.TenantID, t})
	}
	if req.EntityID != "" {
		keys = append(keys, QueryKey{t, req.EntityID}, QueryKey{"admin", t, req.EntityID})
	}
	return keys
}

// RefetchKeys returns the keys whose active queries must be refetched for req.
func RefetchKeys(req Request) []QueryKey {
	if !req.Operation.forcesRefetch() {
		return nil
	}
	return []QueryKey{{"admin", req.EntityType}}
}

// String returns the flat form used by query cache implementations.
func (k QueryKey) String() string { return util.FlattenKey(k) }
