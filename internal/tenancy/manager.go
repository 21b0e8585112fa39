package tenancy

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nimbusgraph/graphcore/internal/storage"
)

// Isolation selects how tenants' data is kept apart in the relational
// backend. The embedded backend only supports "database" (one bbolt
// file per tenant) since it has no notion of schemas or shared tables.
type Isolation string

const (
	IsolationSchema   Isolation = "schema"
	IsolationDatabase Isolation = "database"
	IsolationPrefix   Isolation = "prefix"
	IsolationShared   Isolation = "shared"
)

// Limits bound how much of the graph one tenant may occupy. The
// engine checks these after an account's discovery and before its
// results are reconciled; a breach skips reconciliation and is
// reported as engine.ErrLimitExceeded in the sync's errors rather than
// as a silent clamp.
type Limits struct {
	MaxAccounts int
	MaxNodes    int
}

// Factory builds a storage.Store for a tenant, given the isolation
// key the Manager derived for it (a schema name, a database path, a
// table prefix, or the tenant id itself for "shared" mode).
type Factory func(isolationKey string) (storage.Store, error)

// Manager hands out storage.Store handles per tenant, caching live
// handles with an LRU so idle tenants' connections are evicted under
// pressure instead of accumulating forever.
type Manager struct {
	factory   Factory
	isolation Isolation
	limits    Limits

	mu    sync.Mutex
	cache *lru.Cache[string, storage.Store]
}

// NewManager builds a Manager whose live Store cache holds at most
// maxCachedTenants handles; evicted stores are closed.
func NewManager(factory Factory, isolation Isolation, limits Limits, maxCachedTenants int) (*Manager, error) {
	m := &Manager{factory: factory, isolation: isolation, limits: limits}
	cache, err := lru.NewWithEvict[string, storage.Store](maxCachedTenants, func(tenantID string, store storage.Store) {
		_ = store.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("tenancy: build store cache: %w", err)
	}
	m.cache = cache
	return m, nil
}

// GetStorage returns the live Store for tenantID, building and
// initializing one via the Factory on first access.
func (m *Manager) GetStorage(ctx context.Context, tenantID string) (storage.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if store, ok := m.cache.Get(tenantID); ok {
		return store, nil
	}

	isolationKey := m.isolationKey(tenantID)
	store, err := m.factory(isolationKey)
	if err != nil {
		return nil, fmt.Errorf("tenancy: build store for tenant %s: %w", tenantID, err)
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("tenancy: initialize store for tenant %s: %w", tenantID, err)
	}

	m.cache.Add(tenantID, store)
	return store, nil
}

// isolationKey derives the string the Factory uses to locate this
// tenant's data, shaped by the isolation mode.
func (m *Manager) isolationKey(tenantID string) string {
	switch m.isolation {
	case IsolationSchema:
		return "tenant_" + sanitize(tenantID)
	case IsolationDatabase:
		return sanitize(tenantID) + ".db"
	case IsolationPrefix:
		return sanitize(tenantID) + "_"
	case IsolationShared:
		return tenantID
	default:
		return tenantID
	}
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Evict closes and drops the cached Store for a tenant, forcing the
// next GetStorage call to rebuild it.
func (m *Manager) Evict(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(tenantID)
}

// CheckLimits validates a prospective account count and node count
// against the configured Limits, returning a descriptive error if
// either would be exceeded.
func (m *Manager) CheckLimits(accountCount, nodeCount int) error {
	if m.limits.MaxAccounts > 0 && accountCount > m.limits.MaxAccounts {
		return fmt.Errorf("tenancy: account limit exceeded: %d > %d", accountCount, m.limits.MaxAccounts)
	}
	if m.limits.MaxNodes > 0 && nodeCount > m.limits.MaxNodes {
		return fmt.Errorf("tenancy: node limit exceeded: %d > %d", nodeCount, m.limits.MaxNodes)
	}
	return nil
}
