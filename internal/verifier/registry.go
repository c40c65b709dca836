package verifier

// registry is the immutable map TenantID -> Tenant. Built once at
// construction; never mutated afterward, so no synchronization is needed on
// the read path; the registry is read-only after construction.
type registry struct {
	tenants map[TenantID]Tenant
	order   []TenantID // preserves construction order for background iteration
}

// newRegistry builds a registry from a tenant list. Duplicate TenantIDs are
// last-wins, consistent with building a Go map by repeated insertion (see
// DESIGN.md "Open Questions" for why this choice was kept rather than
// rejected at build time).
func newRegistry(tenants []Tenant) *registry {
	r := &registry{tenants: make(map[TenantID]Tenant, len(tenants))}
	for _, t := range tenants {
		if _, exists := r.tenants[t.ID]; !exists {
			r.order = append(r.order, t.ID)
		}
		r.tenants[t.ID] = t
	}
	return r
}

// get looks up a tenant by id.
func (r *registry) get(id TenantID) (Tenant, bool) {
	t, ok := r.tenants[id]
	return t, ok
}

// ids returns every registered tenant id in first-seen order, for
// background iteration (component E).
func (r *registry) ids() []TenantID {
	out := make([]TenantID, len(r.order))
	copy(out, r.order)
	return out
}
