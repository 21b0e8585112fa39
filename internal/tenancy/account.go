// Package tenancy owns the set of cloud accounts the platform
// discovers against, and hands out per-tenant storage.Store handles
// in the isolation mode the deployment chose.
package tenancy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nimbusgraph/graphcore/internal/model"
)

// AccountAuth names how an adapter should authenticate to a cloud
// account. Exactly one variant's fields are populated, selected by
// Method.
type AccountAuthMethod string

const (
	AuthProfile          AccountAuthMethod = "profile"
	AuthAssumeRole        AccountAuthMethod = "assume-role"
	AuthServicePrincipal AccountAuthMethod = "service-principal"
	AuthServiceAccount   AccountAuthMethod = "service-account"
	AuthKubeconfig       AccountAuthMethod = "kubeconfig"
	AuthDefault          AccountAuthMethod = "default"
)

// AccountAuth carries the credential material an adapter needs,
// shaped by Method. Adapters ignore fields that don't apply to their
// Method.
type AccountAuth struct {
	Method          AccountAuthMethod
	Profile         string
	RoleARN         string
	TenantID        string
	ClientID        string
	ClientSecret    string
	ServiceAccountJSON string
	KubeconfigPath  string
}

// CloudAccount is one discovery target: a single cloud account or
// project the engine syncs on a schedule.
type CloudAccount struct {
	ID       string
	TenantID string
	Provider model.Provider
	Account  string
	Regions  []string
	Auth     AccountAuth
	Enabled  bool
}

// AccountRegistry is the in-memory set of registered cloud accounts.
// Mutations are atomic per account; filtering is read-locked.
type AccountRegistry struct {
	mu       sync.RWMutex
	accounts map[string]*CloudAccount
}

func NewAccountRegistry() *AccountRegistry {
	return &AccountRegistry{accounts: make(map[string]*CloudAccount)}
}

func (r *AccountRegistry) Add(account *CloudAccount) error {
	if account.ID == "" {
		return fmt.Errorf("tenancy: account id cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[account.ID]; exists {
		return fmt.Errorf("tenancy: account %q is already registered", account.ID)
	}
	r.accounts[account.ID] = account
	return nil
}

func (r *AccountRegistry) Update(account *CloudAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[account.ID]; !exists {
		return fmt.Errorf("tenancy: account %q not registered", account.ID)
	}
	r.accounts[account.ID] = account
	return nil
}

func (r *AccountRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[id]; !exists {
		return false
	}
	delete(r.accounts, id)
	return true
}

func (r *AccountRegistry) Get(id string) (*CloudAccount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	return a, ok
}

// List returns accounts matching the optional tenantID/provider
// filters, sorted by id for deterministic iteration.
func (r *AccountRegistry) List(tenantID string, provider model.Provider) []*CloudAccount {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*CloudAccount, 0, len(r.accounts))
	for _, a := range r.accounts {
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		if provider != "" && a.Provider != provider {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
