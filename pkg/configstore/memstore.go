package configstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Reader fake for pipeline tests, grounded on the
// same entity shapes PgxStore serves without requiring a live Postgres.
type MemStore struct {
	mu      sync.Mutex
	Tenants map[string]Tenant
	Keys    map[string]APIKey // keyed by Secret
	Routes  []Route
	Policies map[string]CachePolicy
	Blocks  map[string]BlockRule // keyed by APIKeyID
	Touched map[string]time.Time
}

// NewMemStore returns an empty MemStore ready for population by tests.
func NewMemStore() *MemStore {
	return &MemStore{
		Tenants:  make(map[string]Tenant),
		Keys:     make(map[string]APIKey),
		Policies: make(map[string]CachePolicy),
		Blocks:   make(map[string]BlockRule),
		Touched:  make(map[string]time.Time),
	}
}

func (m *MemStore) LookupKey(ctx context.Context, secret string) (APIKey, Tenant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.Keys[secret]
	if !ok {
		return APIKey{}, Tenant{}, false, nil
	}
	tenant, ok := m.Tenants[key.TenantID]
	if !ok {
		return APIKey{}, Tenant{}, false, nil
	}
	return key, tenant, true, nil
}

func (m *MemStore) FindRoute(ctx context.Context, name, method, tenantID string) (MatchedRoute, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []Route
	for _, r := range m.Routes {
		if !r.Active || r.Name != name {
			continue
		}
		if !containsMethod(r.Methods, method) {
			continue
		}
		if r.TenantID != nil && *r.TenantID != tenantID {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return MatchedRoute{}, false, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		iScoped := candidates[i].TenantID != nil
		jScoped := candidates[j].TenantID != nil
		if iScoped != jScoped {
			return iScoped
		}
		return candidates[i].Priority > candidates[j].Priority
	})

	route := candidates[0]
	matched := MatchedRoute{Route: route}
	if route.PolicyID != nil {
		if policy, ok := m.Policies[*route.PolicyID]; ok {
			matched.Policy = &policy
		}
	}
	return matched, true, nil
}

func (m *MemStore) ActiveBlock(ctx context.Context, keyID string) (BlockRule, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.Blocks[keyID]
	if !ok || !rule.Active(time.Now()) {
		return BlockRule{}, false, nil
	}
	return rule, true, nil
}

func (m *MemStore) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Touched[keyID] = at
	return nil
}

func containsMethod(methods []string, method string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}
