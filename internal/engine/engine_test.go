package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusgraph/graphcore/internal/discovery"
	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/storage"
	"github.com/nimbusgraph/graphcore/internal/storage/embedded"
	"github.com/nimbusgraph/graphcore/internal/tenancy"
)

// fakeAdapter reports a fixed set of nodes and edges, simulating one
// provider's worth of discovery without hitting a real cloud SDK.
type fakeAdapter struct {
	provider model.Provider
	result   discovery.DiscoverResult
	err      error
}

func (f *fakeAdapter) Provider() model.Provider { return f.provider }

func (f *fakeAdapter) Discover(ctx context.Context, account *tenancy.CloudAccount) (discovery.DiscoverResult, error) {
	if f.err != nil {
		return discovery.DiscoverResult{}, f.err
	}
	return f.result, nil
}

func cost(v float64) *float64 { return &v }

func setupEngine(t *testing.T, adapters ...discovery.Adapter) (*Engine, *tenancy.AccountRegistry, *tenancy.Manager) {
	t.Helper()

	dir := t.TempDir()
	factory := func(isolationKey string) (storage.Store, error) {
		store, err := embedded.Open(filepath.Join(dir, isolationKey+".db"))
		if err != nil {
			return nil, err
		}
		if err := store.Initialize(context.Background()); err != nil {
			return nil, err
		}
		return store, nil
	}
	manager, err := tenancy.NewManager(factory, tenancy.IsolationDatabase, tenancy.Limits{}, 8)
	require.NoError(t, err)

	registry := discovery.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}

	accounts := tenancy.NewAccountRegistry()

	e := New(DefaultConfig(), registry, accounts, manager)
	return e, accounts, manager
}

func TestSyncReconcilesDiscoveredNodesAndEdges(t *testing.T) {
	adapter := &fakeAdapter{
		provider: model.ProviderAWS,
		result: discovery.DiscoverResult{
			Nodes: []discovery.NodeInput{
				{NativeID: "i-1", Name: "web-1", Region: "us-east-1", ResourceType: model.ResourceCompute, Status: model.StatusRunning, CostMonthly: cost(10)},
				{NativeID: "i-2", Name: "db-1", Region: "us-east-1", ResourceType: model.ResourceDatabase, Status: model.StatusRunning, CostMonthly: cost(25)},
			},
			Edges: []discovery.EdgeInput{
				{SourceNativeID: "i-1", TargetNativeID: "i-2", RelationshipType: model.RelUses, Confidence: 1, DiscoveredVia: model.DiscoveredViaAPIField},
			},
		},
	}
	e, accounts, manager := setupEngine(t, adapter)
	require.NoError(t, accounts.Add(&tenancy.CloudAccount{ID: "acct-1", TenantID: "tenant-a", Provider: model.ProviderAWS, Account: "111111111111", Enabled: true}))

	results, err := e.Sync(context.Background(), Scope{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	result := results[0]
	assert.Equal(t, 2, result.NodesDiscovered)
	assert.Equal(t, 2, result.NodesCreated)
	assert.Equal(t, 1, result.EdgesCreated)
	assert.Empty(t, result.Errors)

	store, err := manager.GetStorage(context.Background(), "tenant-a")
	require.NoError(t, err)
	nodes, err := store.QueryNodes(context.Background(), storage.NodeFilter{})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestSyncReportsAdapterErrorWithoutAbortingOtherAccounts(t *testing.T) {
	good := &fakeAdapter{provider: model.ProviderAWS, result: discovery.DiscoverResult{
		Nodes: []discovery.NodeInput{{NativeID: "i-1", Name: "web-1", Region: "us-east-1", ResourceType: model.ResourceCompute, Status: model.StatusRunning}},
	}}
	e, accounts, _ := setupEngine(t, good)
	require.NoError(t, accounts.Add(&tenancy.CloudAccount{ID: "acct-missing", TenantID: "tenant-a", Provider: model.ProviderAzure, Account: "sub-1", Enabled: true}))
	require.NoError(t, accounts.Add(&tenancy.CloudAccount{ID: "acct-ok", TenantID: "tenant-a", Provider: model.ProviderAWS, Account: "111111111111", Enabled: true}))

	results, err := e.Sync(context.Background(), Scope{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	var sawMissingAdapter, sawSuccess bool
	for _, r := range results {
		if len(r.Errors) > 0 {
			sawMissingAdapter = true
		}
		if r.NodesCreated == 1 {
			sawSuccess = true
		}
	}
	assert.True(t, sawMissingAdapter)
	assert.True(t, sawSuccess)
}

func TestGetBlastRadiusWalksRelevantEdgeTypesBothDirections(t *testing.T) {
	adapter := &fakeAdapter{
		provider: model.ProviderAWS,
		result: discovery.DiscoverResult{
			Nodes: []discovery.NodeInput{
				{NativeID: "lb-1", Name: "lb", Region: "us-east-1", ResourceType: model.ResourceLoadBalancer, Status: model.StatusRunning, CostMonthly: cost(5)},
				{NativeID: "web-1", Name: "web", Region: "us-east-1", ResourceType: model.ResourceCompute, Status: model.StatusRunning, CostMonthly: cost(10)},
				{NativeID: "db-1", Name: "db", Region: "us-east-1", ResourceType: model.ResourceDatabase, Status: model.StatusRunning, CostMonthly: cost(25)},
				{NativeID: "unrelated-1", Name: "unrelated", Region: "us-east-1", ResourceType: model.ResourceCompute, Status: model.StatusRunning},
			},
			Edges: []discovery.EdgeInput{
				{SourceNativeID: "lb-1", TargetNativeID: "web-1", RelationshipType: model.RelConnectsTo, Confidence: 1, DiscoveredVia: model.DiscoveredViaAPIField},
				{SourceNativeID: "web-1", TargetNativeID: "db-1", RelationshipType: model.RelUses, Confidence: 1, DiscoveredVia: model.DiscoveredViaAPIField},
			},
		},
	}
	e, accounts, manager := setupEngine(t, adapter)
	require.NoError(t, accounts.Add(&tenancy.CloudAccount{ID: "acct-1", TenantID: "tenant-a", Provider: model.ProviderAWS, Account: "111111111111", Enabled: true}))
	_, err := e.Sync(context.Background(), Scope{TenantID: "tenant-a"})
	require.NoError(t, err)

	store, err := manager.GetStorage(context.Background(), "tenant-a")
	require.NoError(t, err)
	webNodes, err := store.QueryNodes(context.Background(), storage.NodeFilter{NativeID: "web-1"})
	require.NoError(t, err)
	require.Len(t, webNodes, 1)

	radius, err := e.GetBlastRadius(context.Background(), "tenant-a", webNodes[0].ID, 8)
	require.NoError(t, err)

	// web-1's blast radius includes db-1 (uses, outgoing) and reaches
	// into lb-1 through connects-to even though that edge points at
	// web-1 rather than away from it.
	assert.Len(t, radius.Nodes, 3)
	assert.Equal(t, 40.0, radius.TotalCostMonthly)
	dbNodes, err := store.QueryNodes(context.Background(), storage.NodeFilter{NativeID: "db-1"})
	require.NoError(t, err)
	require.Len(t, dbNodes, 1)
	lbNodes, err := store.QueryNodes(context.Background(), storage.NodeFilter{NativeID: "lb-1"})
	require.NoError(t, err)
	require.Len(t, lbNodes, 1)
	assert.ElementsMatch(t, []string{dbNodes[0].ID, lbNodes[0].ID}, radius.Hops[1])
}

func TestGetBlastRadiusZeroDepthReturnsOnlyRoot(t *testing.T) {
	adapter := &fakeAdapter{
		provider: model.ProviderAWS,
		result: discovery.DiscoverResult{
			Nodes: []discovery.NodeInput{
				{NativeID: "lb-1", Name: "lb", Region: "us-east-1", ResourceType: model.ResourceLoadBalancer, Status: model.StatusRunning},
				{NativeID: "web-1", Name: "web", Region: "us-east-1", ResourceType: model.ResourceCompute, Status: model.StatusRunning},
			},
			Edges: []discovery.EdgeInput{
				{SourceNativeID: "lb-1", TargetNativeID: "web-1", RelationshipType: model.RelConnectsTo, Confidence: 1, DiscoveredVia: model.DiscoveredViaAPIField},
			},
		},
	}
	e, accounts, manager := setupEngine(t, adapter)
	require.NoError(t, accounts.Add(&tenancy.CloudAccount{ID: "acct-1", TenantID: "tenant-a", Provider: model.ProviderAWS, Account: "111111111111", Enabled: true}))
	_, err := e.Sync(context.Background(), Scope{TenantID: "tenant-a"})
	require.NoError(t, err)

	store, err := manager.GetStorage(context.Background(), "tenant-a")
	require.NoError(t, err)
	lbNodes, err := store.QueryNodes(context.Background(), storage.NodeFilter{NativeID: "lb-1"})
	require.NoError(t, err)
	require.Len(t, lbNodes, 1)

	radius, err := e.GetBlastRadius(context.Background(), "tenant-a", lbNodes[0].ID, 0)
	require.NoError(t, err)
	assert.Len(t, radius.Nodes, 1)
	assert.Contains(t, radius.Nodes, lbNodes[0].ID)
}

func TestGetBlastRadiusUnknownRootReturnsEmptyResult(t *testing.T) {
	e, accounts, _ := setupEngine(t)
	require.NoError(t, accounts.Add(&tenancy.CloudAccount{ID: "acct-1", TenantID: "tenant-a", Provider: model.ProviderAWS, Account: "1", Enabled: true}))

	radius, err := e.GetBlastRadius(context.Background(), "tenant-a", "does-not-exist", 4)
	require.NoError(t, err)
	assert.Empty(t, radius.Nodes)
	assert.Equal(t, 0.0, radius.TotalCostMonthly)
}

func TestGetCostByFilterAggregatesAndRanks(t *testing.T) {
	adapter := &fakeAdapter{
		provider: model.ProviderAWS,
		result: discovery.DiscoverResult{
			Nodes: []discovery.NodeInput{
				{NativeID: "i-1", Name: "big", Region: "us-east-1", ResourceType: model.ResourceCompute, Status: model.StatusRunning, CostMonthly: cost(100)},
				{NativeID: "i-2", Name: "small", Region: "us-east-1", ResourceType: model.ResourceCompute, Status: model.StatusRunning, CostMonthly: cost(5)},
			},
		},
	}
	e, accounts, _ := setupEngine(t, adapter)
	require.NoError(t, accounts.Add(&tenancy.CloudAccount{ID: "acct-1", TenantID: "tenant-a", Provider: model.ProviderAWS, Account: "111111111111", Enabled: true}))
	_, err := e.Sync(context.Background(), Scope{TenantID: "tenant-a"})
	require.NoError(t, err)

	breakdown, err := e.GetCostByFilter(context.Background(), "tenant-a", storage.NodeFilter{}, "all")
	require.NoError(t, err)
	assert.Equal(t, 105.0, breakdown.Total)
	require.Len(t, breakdown.TopContributors, 2)
	assert.Equal(t, "big", breakdown.TopContributors[0].Name)
}

func TestDetectDriftFindsNewAndUpdatedNodes(t *testing.T) {
	first := &fakeAdapter{
		provider: model.ProviderAWS,
		result: discovery.DiscoverResult{
			Nodes: []discovery.NodeInput{
				{NativeID: "i-1", Name: "web-1", Region: "us-east-1", ResourceType: model.ResourceCompute, Status: model.StatusRunning},
			},
		},
	}
	e, accounts, _ := setupEngine(t, first)
	require.NoError(t, accounts.Add(&tenancy.CloudAccount{ID: "acct-1", TenantID: "tenant-a", Provider: model.ProviderAWS, Account: "111111111111", Enabled: true}))

	_, err := e.Sync(context.Background(), Scope{TenantID: "tenant-a"})
	require.NoError(t, err)

	first.result.Nodes[0].Status = model.StatusStopped
	first.result.Nodes = append(first.result.Nodes, discovery.NodeInput{
		NativeID: "i-2", Name: "web-2", Region: "us-east-1", ResourceType: model.ResourceCompute, Status: model.StatusRunning,
	})
	_, err = e.Sync(context.Background(), Scope{TenantID: "tenant-a"})
	require.NoError(t, err)

	drift, err := e.DetectDrift(context.Background(), "tenant-a", "")
	require.NoError(t, err)
	assert.Len(t, drift.NewNodes, 1)
	assert.Len(t, drift.DriftedNodes, 1)
	assert.Equal(t, "status", drift.DriftedNodes[0].Changes[0].Field)
}

func TestGetTimelineReturnsNewestFirst(t *testing.T) {
	adapter := &fakeAdapter{
		provider: model.ProviderAWS,
		result: discovery.DiscoverResult{
			Nodes: []discovery.NodeInput{{NativeID: "i-1", Name: "web-1", Region: "us-east-1", ResourceType: model.ResourceCompute, Status: model.StatusRunning}},
		},
	}
	e, accounts, manager := setupEngine(t, adapter)
	require.NoError(t, accounts.Add(&tenancy.CloudAccount{ID: "acct-1", TenantID: "tenant-a", Provider: model.ProviderAWS, Account: "111111111111", Enabled: true}))
	_, err := e.Sync(context.Background(), Scope{TenantID: "tenant-a"})
	require.NoError(t, err)

	adapter.result.Nodes[0].Status = model.StatusStopped
	_, err = e.Sync(context.Background(), Scope{TenantID: "tenant-a"})
	require.NoError(t, err)

	store, err := manager.GetStorage(context.Background(), "tenant-a")
	require.NoError(t, err)
	nodes, err := store.QueryNodes(context.Background(), storage.NodeFilter{NativeID: "i-1"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	timeline, err := e.GetTimeline(context.Background(), "tenant-a", nodes[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, model.ChangeCreated, timeline[len(timeline)-1].ChangeType)
	assert.Equal(t, model.ChangeUpdated, timeline[0].ChangeType)
}

func TestGetStatsPassesThroughStorage(t *testing.T) {
	adapter := &fakeAdapter{
		provider: model.ProviderAWS,
		result: discovery.DiscoverResult{
			Nodes: []discovery.NodeInput{{NativeID: "i-1", Name: "web-1", Region: "us-east-1", ResourceType: model.ResourceCompute, Status: model.StatusRunning, CostMonthly: cost(12)}},
		},
	}
	e, accounts, _ := setupEngine(t, adapter)
	require.NoError(t, accounts.Add(&tenancy.CloudAccount{ID: "acct-1", TenantID: "tenant-a", Provider: model.ProviderAWS, Account: "111111111111", Enabled: true}))
	_, err := e.Sync(context.Background(), Scope{TenantID: "tenant-a"})
	require.NoError(t, err)

	stats, err := e.GetStats(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalNodes)
	assert.Equal(t, 12.0, stats.TotalCostMonthly)
}
