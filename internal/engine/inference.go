package engine

import (
	"context"
	"strings"

	"github.com/nimbusgraph/graphcore/internal/discovery"
	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/storage"
)

// InferenceRule derives candidate edges from attribute evidence across
// two account's worth of nodes, rather than from an adapter's direct
// API observation. Each rule is pure so new rules can be added without
// touching the engine loop.
type InferenceRule struct {
	Name string
	Find func(left, right []*model.GraphNode) []discovery.EdgeInput
}

// DefaultInferenceRules returns the four cross-account relationship
// kinds spec.md names: iam-trust, vpc-peering, shared-service,
// data-replication.
func DefaultInferenceRules() []InferenceRule {
	return []InferenceRule{
		{Name: "iam-trust", Find: findIAMTrust},
		{Name: "vpc-peering", Find: findVPCPeering},
		{Name: "shared-service", Find: findSharedService},
		{Name: "data-replication", Find: findDataReplication},
	}
}

// findIAMTrust links an IAM role to an account that can assume it, by
// scanning the role's trust policy document for the other account's
// account id.
func findIAMTrust(left, right []*model.GraphNode) []discovery.EdgeInput {
	var edges []discovery.EdgeInput
	for _, role := range left {
		if role.ResourceType != model.ResourceIdentity {
			continue
		}
		doc, _ := role.Metadata["assumeRolePolicyDoc"].(string)
		if doc == "" {
			continue
		}
		for _, candidate := range right {
			if candidate.Account == "" || candidate.Account == role.Account {
				continue
			}
			if strings.Contains(doc, candidate.Account) {
				edges = append(edges, discovery.EdgeInput{
					SourceNativeID:   candidate.NativeID,
					TargetNativeID:   role.NativeID,
					RelationshipType: model.RelDependsOn,
					Confidence:       0.85,
					DiscoveredVia:    model.DiscoveredViaInference,
				})
			}
		}
	}
	return edges
}

// findVPCPeering links two VPCs that reference each other's resource
// id in their metadata, the evidence a peering-connection API exposes.
func findVPCPeering(left, right []*model.GraphNode) []discovery.EdgeInput {
	return inferByMetadataReference(left, right, model.ResourceVPC, "peerConnectionIds", model.RelPeersWith, 0.8)
}

// findSharedService links a resource to a cache/queue/database it
// references by native id in its own metadata evidence.
func findSharedService(left, right []*model.GraphNode) []discovery.EdgeInput {
	var edges []discovery.EdgeInput
	sharedTypes := map[model.ResourceType]bool{model.ResourceCache: true, model.ResourceQueue: true, model.ResourceDatabase: true}
	for _, consumer := range left {
		refs, _ := consumer.Metadata["referencedResourceIds"].([]string)
		if len(refs) == 0 {
			continue
		}
		for _, provider := range right {
			if !sharedTypes[provider.ResourceType] {
				continue
			}
			for _, ref := range refs {
				if ref == provider.NativeID {
					edges = append(edges, discovery.EdgeInput{
						SourceNativeID:   consumer.NativeID,
						TargetNativeID:   provider.NativeID,
						RelationshipType: model.RelUses,
						Confidence:       0.75,
						DiscoveredVia:    model.DiscoveredViaInference,
					})
				}
			}
		}
	}
	return edges
}

// findDataReplication links a storage node to another storage node it
// names as a replication target in metadata.
func findDataReplication(left, right []*model.GraphNode) []discovery.EdgeInput {
	return inferByMetadataReference(left, right, model.ResourceStorage, "replicationTargetIds", model.RelReplicatesTo, 0.8)
}

func inferByMetadataReference(left, right []*model.GraphNode, resourceType model.ResourceType, metadataKey string, relType model.RelationshipType, confidence float64) []discovery.EdgeInput {
	var edges []discovery.EdgeInput
	for _, src := range left {
		if src.ResourceType != resourceType {
			continue
		}
		refs, _ := src.Metadata[metadataKey].([]string)
		for _, dst := range right {
			if dst.ResourceType != resourceType || dst.NativeID == src.NativeID {
				continue
			}
			for _, ref := range refs {
				if ref == dst.NativeID {
					edges = append(edges, discovery.EdgeInput{
						SourceNativeID:   src.NativeID,
						TargetNativeID:   dst.NativeID,
						RelationshipType: relType,
						Confidence:       confidence,
						DiscoveredVia:    model.DiscoveredViaInference,
					})
				}
			}
		}
	}
	return edges
}

// runInference pairs every two distinct accounts within each tenant
// in scope and runs every rule across their node sets, upserting any
// edge at confidence <= config.InferenceMinConf.
func (e *Engine) runInference(ctx context.Context, scope Scope) {
	tenantIDs := map[string]bool{}
	for _, a := range e.accounts.List(scope.TenantID, "") {
		tenantIDs[a.TenantID] = true
	}

	for tenantID := range tenantIDs {
		accounts := e.accounts.List(tenantID, "")
		store, err := e.tenants.GetStorage(ctx, tenantID)
		if err != nil {
			continue
		}

		nodesByAccount := make(map[string][]*model.GraphNode, len(accounts))
		for _, account := range accounts {
			nodes, err := store.QueryNodes(ctx, storage.NodeFilter{Account: account.Account})
			if err != nil {
				continue
			}
			nodesByAccount[account.ID] = nodes
		}

		for i := 0; i < len(accounts); i++ {
			for j := 0; j < len(accounts); j++ {
				if i == j {
					continue
				}
				left := nodesByAccount[accounts[i].ID]
				right := nodesByAccount[accounts[j].ID]
				for _, rule := range e.rules {
					for _, edgeInput := range rule.Find(left, right) {
						if edgeInput.Confidence > e.config.InferenceMinConf {
							continue
						}
						e.upsertInferredEdge(ctx, store, edgeInput)
					}
				}
			}
		}
	}
}

func (e *Engine) upsertInferredEdge(ctx context.Context, store storage.Store, input discovery.EdgeInput) {
	sourceNodes, err := store.QueryNodes(ctx, storage.NodeFilter{NativeID: input.SourceNativeID, Limit: 1})
	if err != nil || len(sourceNodes) == 0 {
		return
	}
	targetNodes, err := store.QueryNodes(ctx, storage.NodeFilter{NativeID: input.TargetNativeID, Limit: 1})
	if err != nil || len(targetNodes) == 0 {
		return
	}
	edge := &model.GraphEdge{
		ID:               model.ComputeEdgeID(sourceNodes[0].ID, targetNodes[0].ID, input.RelationshipType),
		SourceNodeID:     sourceNodes[0].ID,
		TargetNodeID:     targetNodes[0].ID,
		RelationshipType: input.RelationshipType,
		Confidence:       input.Confidence,
		DiscoveredVia:    input.DiscoveredVia,
		Metadata:         input.Metadata,
	}
	if err := edge.Validate(); err != nil {
		return
	}
	_, _ = store.UpsertEdge(ctx, edge)
}
