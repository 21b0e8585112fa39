// Package discovery defines the provider-agnostic adapter contract
// and the registry that dispatches a sync to the right adapter by
// provider. Concrete adapters (awsadapter, azureadapter, gcpadapter,
// k8sadapter) each implement Adapter against a real cloud SDK.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/tenancy"
)

// NodeInput is what an adapter reports for one discovered resource.
// The engine computes the final model.GraphNode id and merges this
// into storage; adapters never see or set ids themselves.
type NodeInput struct {
	NativeID     string
	Name         string
	Region       string
	ResourceType model.ResourceType
	Status       model.ResourceStatus
	Tags         map[string]string
	Metadata     map[string]any
	CostMonthly  *float64
	Owner        string
}

// EdgeInput is what an adapter reports for one discovered
// relationship, addressed by native id rather than computed node id
// since the adapter doesn't know the final id scheme.
type EdgeInput struct {
	SourceNativeID   string
	TargetNativeID   string
	RelationshipType model.RelationshipType
	Confidence       float64
	DiscoveredVia    model.DiscoveredVia
	Metadata         map[string]any
}

// DiscoveryError scopes a non-fatal failure to the resource class
// that produced it, so one bad API call doesn't abort the whole
// discovery run.
type DiscoveryError struct {
	Scope   string
	Message string
}

func (e DiscoveryError) Error() string { return fmt.Sprintf("%s: %s", e.Scope, e.Message) }

// DiscoverResult is the full output of one Adapter.Discover call.
type DiscoverResult struct {
	Nodes  []NodeInput
	Edges  []EdgeInput
	Errors []DiscoveryError
}

// Adapter discovers resources and relationships for one cloud
// account. Implementations must paginate, retry transient failures,
// and honor ctx cancellation between pages; see internal/discovery's
// pageloop helper for the shared plumbing.
type Adapter interface {
	Provider() model.Provider
	Discover(ctx context.Context, account *tenancy.CloudAccount) (DiscoverResult, error)
}

// Registry maps provider to the Adapter that handles it. The engine
// dispatches one sync per (provider, account) pair by looking up the
// adapter here.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Provider]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.Provider]Adapter)}
}

func (r *Registry) Register(adapter Adapter) error {
	provider := adapter.Provider()
	if provider == "" {
		return fmt.Errorf("discovery: adapter has no provider")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[provider]; exists {
		return fmt.Errorf("discovery: adapter for provider %q is already registered", provider)
	}
	r.adapters[provider] = adapter
	return nil
}

func (r *Registry) Get(provider model.Provider) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	return a, ok
}

func (r *Registry) List() []model.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Remove(provider model.Provider) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[provider]; !exists {
		return false
	}
	delete(r.adapters, provider)
	return true
}
