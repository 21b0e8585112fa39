package engine

import (
	"context"
	"time"

	"github.com/nimbusgraph/graphcore/internal/discovery"
	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/storage"
	"github.com/nimbusgraph/graphcore/internal/tenancy"
)

// reconcile upserts one sync's discovered nodes and edges into store,
// records field-level changes, and progresses disappearance state for
// everything in this account's scope that wasn't touched.
func (e *Engine) reconcile(ctx context.Context, store storage.Store, job reconcileJob) reconcileOutcome {
	var outcome reconcileOutcome
	now := time.Now().UTC()

	// nativeID -> node id, scoped to nodes this batch just touched, so
	// edges within the same discovery call resolve without a storage
	// round trip.
	batchIDs := make(map[string]string, len(job.result.Nodes))

	for _, input := range job.result.Nodes {
		node := nodeFromInput(job.account, input, job.syncID, now)
		if err := node.Validate(); err != nil {
			outcome.errors = append(outcome.errors, err.Error())
			continue
		}
		result, err := store.UpsertNode(ctx, node)
		if err != nil {
			outcome.errors = append(outcome.errors, err.Error())
			continue
		}
		batchIDs[input.NativeID] = node.ID
		if result.Created {
			outcome.nodesCreated++
			e.recordChange(ctx, store, job.syncID, node.ID, model.ChangeCreated, "", "", "")
		} else if result.Updated {
			outcome.nodesUpdated++
			for _, field := range result.FieldsChanged {
				e.recordChange(ctx, store, job.syncID, node.ID, model.ChangeUpdated, field, "", "")
			}
		}
	}

	for _, input := range job.result.Edges {
		sourceID, ok := e.resolveNodeID(ctx, store, batchIDs, input.SourceNativeID)
		if !ok {
			outcome.errors = append(outcome.errors, "engine: unresolved edge source "+input.SourceNativeID)
			continue
		}
		targetID, ok := e.resolveNodeID(ctx, store, batchIDs, input.TargetNativeID)
		if !ok {
			outcome.errors = append(outcome.errors, "engine: unresolved edge target "+input.TargetNativeID)
			continue
		}
		edge := &model.GraphEdge{
			ID:               model.ComputeEdgeID(sourceID, targetID, input.RelationshipType),
			SourceNodeID:     sourceID,
			TargetNodeID:     targetID,
			RelationshipType: input.RelationshipType,
			Confidence:       input.Confidence,
			DiscoveredVia:    input.DiscoveredVia,
			Metadata:         input.Metadata,
		}
		if err := edge.Validate(); err != nil {
			outcome.errors = append(outcome.errors, err.Error())
			continue
		}
		result, err := store.UpsertEdge(ctx, edge)
		if err != nil {
			outcome.errors = append(outcome.errors, err.Error())
			continue
		}
		if result.Created {
			outcome.edgesCreated++
		}
	}

	scope := storage.NodeFilter{Provider: job.account.Provider, Account: job.account.Account}
	missing, err := store.MarkMissing(ctx, job.syncID, scope, e.config.GraceSyncs)
	if err != nil {
		outcome.errors = append(outcome.errors, err.Error())
	}
	for _, nodeID := range missing {
		e.recordChange(ctx, store, job.syncID, nodeID, model.ChangeUpdated, "disappeared", "", "")
	}

	return outcome
}

func nodeFromInput(account *tenancy.CloudAccount, input discovery.NodeInput, syncID string, now time.Time) *model.GraphNode {
	id := model.ComputeNodeID(account.Provider, account.Account, input.Region, input.ResourceType, input.NativeID)
	return &model.GraphNode{
		ID:             id,
		NativeID:       input.NativeID,
		Name:           input.Name,
		Provider:       account.Provider,
		Account:        account.Account,
		Region:         input.Region,
		ResourceType:   input.ResourceType,
		Status:         input.Status,
		Tags:           input.Tags,
		Metadata:       input.Metadata,
		CostMonthly:    input.CostMonthly,
		Owner:          input.Owner,
		FirstSeenAt:    now,
		LastSeenAt:     now,
		LastModifiedAt: now,
		LastSyncID:     syncID,
	}
}

// resolveNodeID finds the surrogate id for a native id, first against
// this batch's own discoveries, then against storage for
// globally-addressable cross-batch/cross-account references.
func (e *Engine) resolveNodeID(ctx context.Context, store storage.Store, batch map[string]string, nativeID string) (string, bool) {
	if id, ok := batch[nativeID]; ok {
		return id, true
	}
	nodes, err := store.QueryNodes(ctx, storage.NodeFilter{NativeID: nativeID, Limit: 1})
	if err != nil || len(nodes) == 0 {
		return "", false
	}
	return nodes[0].ID, true
}

func (e *Engine) recordChange(ctx context.Context, store storage.Store, syncID, nodeID string, changeType model.ChangeType, field, prev, next string) {
	change := &model.ChangeRecord{
		ID:            syncID + "-" + nodeID + "-" + field + "-" + string(changeType),
		NodeID:        nodeID,
		DetectedAt:    time.Now().UTC(),
		ChangeType:    changeType,
		Field:         field,
		PreviousValue: prev,
		NewValue:      next,
		Source:        syncID,
	}
	if err := store.RecordChange(ctx, change); err != nil {
		e.logger.Warn("record change failed node=%s: %v", nodeID, err)
	}
}
