// Package storagetest exercises the round-trip and idempotence laws
// every storage.Store implementation must satisfy, so the embedded
// and relational backends stay behaviorally identical without
// duplicating a full test file per backend.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/storage"
)

// Factory builds a fresh, initialized Store for one test. The
// returned cleanup function must remove any backing state.
type Factory func(t *testing.T) (store storage.Store, cleanup func())

// Run executes the full conformance suite against new(t) once per
// subtest, so backend-specific setup stays isolated between cases.
func Run(t *testing.T, newStore Factory) {
	t.Run("UpsertNodeCreateThenUpdate", func(t *testing.T) { testUpsertNodeCreateThenUpdate(t, newStore) })
	t.Run("UpsertEdgeDedupesByTriple", func(t *testing.T) { testUpsertEdgeDedupesByTriple(t, newStore) })
	t.Run("GetNodeNotFound", func(t *testing.T) { testGetNodeNotFound(t, newStore) })
	t.Run("QueryNodesDeterministicOrder", func(t *testing.T) { testQueryNodesDeterministicOrder(t, newStore) })
	t.Run("QueryNodesFilterByProvider", func(t *testing.T) { testQueryNodesFilterByProvider(t, newStore) })
	t.Run("QueryNodesFilterByNativeID", func(t *testing.T) { testQueryNodesFilterByNativeID(t, newStore) })
	t.Run("GetEdgesForNodeDirection", func(t *testing.T) { testGetEdgesForNodeDirection(t, newStore) })
	t.Run("RecordAndQueryChanges", func(t *testing.T) { testRecordAndQueryChanges(t, newStore) })
	t.Run("SaveAndGetGroup", func(t *testing.T) { testSaveAndGetGroup(t, newStore) })
	t.Run("GetStatsAggregates", func(t *testing.T) { testGetStatsAggregates(t, newStore) })
	t.Run("MarkMissingAdvancesThenDeletes", func(t *testing.T) { testMarkMissingAdvancesThenDeletes(t, newStore) })
	t.Run("MarkMissingSameSyncIsIdempotent", func(t *testing.T) { testMarkMissingSameSyncIsIdempotent(t, newStore) })
	t.Run("MarkMissingSparesNodesTouchedByCurrentSync", func(t *testing.T) { testMarkMissingSparesNodesTouchedByCurrentSync(t, newStore) })
}

func sampleNode(id, nativeID string, provider model.Provider) *model.GraphNode {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.GraphNode{
		ID:           id,
		NativeID:     nativeID,
		Name:         "node-" + nativeID,
		Provider:     provider,
		Account:      "acct-1",
		Region:       "us-east-1",
		ResourceType: model.ResourceCompute,
		Status:       model.StatusRunning,
		Tags:         map[string]string{"env": "prod"},
		Metadata:     map[string]any{"discoverySource": "test"},
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}
}

func testUpsertNodeCreateThenUpdate(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	n := sampleNode("n1", "i-1", model.ProviderAWS)
	result, err := store.UpsertNode(ctx, n)
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.False(t, result.Updated)

	n.Status = model.StatusStopped
	result, err = store.UpsertNode(ctx, n)
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.True(t, result.Updated)
	assert.Contains(t, result.FieldsChanged, "status")

	got, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, got.Status)
	assert.Equal(t, "prod", got.Tags["env"])
}

func testUpsertEdgeDedupesByTriple(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	edgeID := model.ComputeEdgeID("n1", "n2", model.RelUses)
	e := &model.GraphEdge{ID: edgeID, SourceNodeID: "n1", TargetNodeID: "n2", RelationshipType: model.RelUses, Confidence: 0.5}
	result, err := store.UpsertEdge(ctx, e)
	require.NoError(t, err)
	assert.True(t, result.Created)

	e.Confidence = 0.9
	result, err = store.UpsertEdge(ctx, e)
	require.NoError(t, err)
	assert.True(t, result.Updated)

	edges, err := store.QueryEdges(ctx, storage.EdgeFilter{Source: "n1"})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, 0.9, edges[0].Confidence)
}

func testGetNodeNotFound(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	_, err := store.GetNode(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testQueryNodesDeterministicOrder(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	ids := []string{"n3", "n1", "n2"}
	for _, id := range ids {
		_, err := store.UpsertNode(ctx, sampleNode(id, id, model.ProviderAWS))
		require.NoError(t, err)
	}

	got, err := store.QueryNodes(ctx, storage.NodeFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "n1", got[0].ID)
	assert.Equal(t, "n2", got[1].ID)
	assert.Equal(t, "n3", got[2].ID)
}

func testQueryNodesFilterByProvider(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.UpsertNode(ctx, sampleNode("aws-1", "i-1", model.ProviderAWS))
	require.NoError(t, err)
	_, err = store.UpsertNode(ctx, sampleNode("gcp-1", "i-2", model.ProviderGCP))
	require.NoError(t, err)

	got, err := store.QueryNodes(ctx, storage.NodeFilter{Provider: model.ProviderGCP})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "gcp-1", got[0].ID)
}

func testQueryNodesFilterByNativeID(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.UpsertNode(ctx, sampleNode("aws-1", "i-1", model.ProviderAWS))
	require.NoError(t, err)
	_, err = store.UpsertNode(ctx, sampleNode("aws-2", "i-2", model.ProviderAWS))
	require.NoError(t, err)

	got, err := store.QueryNodes(ctx, storage.NodeFilter{NativeID: "i-2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "aws-2", got[0].ID)
}

func testGetEdgesForNodeDirection(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	up := &model.GraphEdge{ID: model.ComputeEdgeID("a", "b", model.RelUses), SourceNodeID: "a", TargetNodeID: "b", RelationshipType: model.RelUses, Confidence: 1}
	down := &model.GraphEdge{ID: model.ComputeEdgeID("b", "c", model.RelUses), SourceNodeID: "b", TargetNodeID: "c", RelationshipType: model.RelUses, Confidence: 1}
	_, err := store.UpsertEdge(ctx, up)
	require.NoError(t, err)
	_, err = store.UpsertEdge(ctx, down)
	require.NoError(t, err)

	upstream, err := store.GetEdgesForNode(ctx, "b", storage.DirectionUpstream)
	require.NoError(t, err)
	require.Len(t, upstream, 1)
	assert.Equal(t, "a", upstream[0].SourceNodeID)

	downstream, err := store.GetEdgesForNode(ctx, "b", storage.DirectionDownstream)
	require.NoError(t, err)
	require.Len(t, downstream, 1)
	assert.Equal(t, "c", downstream[0].TargetNodeID)

	both, err := store.GetEdgesForNode(ctx, "b", storage.DirectionBoth)
	require.NoError(t, err)
	assert.Len(t, both, 2)
}

func testRecordAndQueryChanges(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	c := &model.ChangeRecord{ID: "c1", NodeID: "n1", DetectedAt: time.Now().UTC(), ChangeType: model.ChangeUpdated, Field: "status"}
	require.NoError(t, store.RecordChange(ctx, c))

	got, err := store.QueryChanges(ctx, storage.ChangeFilter{NodeID: "n1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)
}

func testSaveAndGetGroup(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	g := model.NewGroup("g1", "prod-web")
	g.AddNode("n1")
	require.NoError(t, store.SaveGroup(ctx, g))

	got, err := store.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, got.HasNode("n1"))

	all, err := store.ListGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testGetStatsAggregates(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	cost := 50.0
	n := sampleNode("n1", "i-1", model.ProviderAWS)
	n.CostMonthly = &cost
	_, err := store.UpsertNode(ctx, n)
	require.NoError(t, err)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalNodes)
	assert.Equal(t, 1, stats.NodesByProvider[model.ProviderAWS])
	assert.Equal(t, 50.0, stats.TotalCostMonthly)
}

// testMarkMissingAdvancesThenDeletes models a node discovered once
// (under sync-0) and then genuinely absent from the next two full
// syncs: Disappeared should advance once per miss and the node should
// flip to Deleted only once graceSyncs is exceeded.
func testMarkMissingAdvancesThenDeletes(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	n := sampleNode("n1", "i-1", model.ProviderAWS)
	n.LastSyncID = "sync-0"
	_, err := store.UpsertNode(ctx, n)
	require.NoError(t, err)

	affected, err := store.MarkMissing(ctx, "sync-1", storage.NodeFilter{Provider: model.ProviderAWS}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, affected)

	got, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Disappeared)
	assert.False(t, got.Deleted)

	_, err = store.MarkMissing(ctx, "sync-2", storage.NodeFilter{Provider: model.ProviderAWS}, 1)
	require.NoError(t, err)

	got, err = store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Disappeared)
	assert.True(t, got.Deleted)
}

// testMarkMissingSameSyncIsIdempotent exercises spec.md's law that
// applying MarkMissing twice in a row with the same syncId is a no-op
// the second time.
func testMarkMissingSameSyncIsIdempotent(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	n := sampleNode("n1", "i-1", model.ProviderAWS)
	n.LastSyncID = "sync-0"
	_, err := store.UpsertNode(ctx, n)
	require.NoError(t, err)

	scope := storage.NodeFilter{Provider: model.ProviderAWS}
	affected, err := store.MarkMissing(ctx, "sync-1", scope, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, affected)

	affected, err = store.MarkMissing(ctx, "sync-1", scope, 1)
	require.NoError(t, err)
	assert.Empty(t, affected)

	got, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Disappeared)
	assert.False(t, got.Deleted)
}

// testMarkMissingSparesNodesTouchedByCurrentSync is the regression
// case for a continuously rediscovered node: a sync that upserts a
// node and then calls MarkMissing with the same syncId must not count
// that node as missing, however many times this repeats.
func testMarkMissingSparesNodesTouchedByCurrentSync(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()
	scope := storage.NodeFilter{Provider: model.ProviderAWS}

	for i, syncID := range []string{"sync-1", "sync-2", "sync-3"} {
		n := sampleNode("n1", "i-1", model.ProviderAWS)
		n.LastSyncID = syncID
		_, err := store.UpsertNode(ctx, n)
		require.NoError(t, err)

		affected, err := store.MarkMissing(ctx, syncID, scope, 1)
		require.NoError(t, err)
		assert.Emptyf(t, affected, "round %d: rediscovered node must not be marked missing", i)

		got, err := store.GetNode(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, 0, got.Disappeared)
		assert.False(t, got.Deleted)
	}
}
