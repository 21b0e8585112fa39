package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/storage"
)

// MaxBlastRadiusDepth caps getBlastRadius, per spec.md's stated limit.
const MaxBlastRadiusDepth = 8

var blastRadiusTypes = map[model.RelationshipType]bool{
	model.RelUses: true, model.RelConnectsTo: true, model.RelTriggers: true,
	model.RelDependsOn: true, model.RelContains: true,
}

var dependencyChainTypes = map[model.RelationshipType]bool{
	model.RelUses: true, model.RelDependsOn: true, model.RelRunsIn: true, model.RelMemberOf: true,
}

// BlastRadius is the result of getBlastRadius.
type BlastRadius struct {
	RootNodeID       string
	Nodes            map[string]*model.GraphNode
	Hops             map[int][]string
	TotalCostMonthly float64
}

// GetBlastRadius walks outgoing and incoming edges of the
// dependency-bearing relationship types breadth-first from rootID, up
// to maxDepth hops. A nonexistent root returns an empty result rather
// than an error.
func (e *Engine) GetBlastRadius(ctx context.Context, tenantID, rootID string, maxDepth int) (*BlastRadius, error) {
	if maxDepth < 0 || maxDepth > MaxBlastRadiusDepth {
		maxDepth = MaxBlastRadiusDepth
	}
	store, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	result := &BlastRadius{RootNodeID: rootID, Nodes: map[string]*model.GraphNode{}, Hops: map[int][]string{}}

	root, err := store.GetNode(ctx, rootID)
	if err != nil {
		return result, nil
	}
	result.Nodes[rootID] = root
	result.Hops[0] = []string{rootID}
	addCost(result, root)

	frontier := []string{rootID}
	visited := map[string]bool{rootID: true}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := store.GetEdgesForNode(ctx, id, storage.DirectionBoth)
			if err != nil {
				continue
			}
			for _, edge := range edges {
				if !blastRadiusTypes[edge.RelationshipType] {
					continue
				}
				neighbor := edge.TargetNodeID
				if neighbor == id {
					neighbor = edge.SourceNodeID
				}
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				node, err := store.GetNode(ctx, neighbor)
				if err != nil {
					continue
				}
				result.Nodes[neighbor] = node
				addCost(result, node)
				next = append(next, neighbor)
			}
		}
		if len(next) > 0 {
			sort.Strings(next)
			result.Hops[depth] = next
		}
		frontier = next
	}

	return result, nil
}

func addCost(result *BlastRadius, node *model.GraphNode) {
	if node.CostMonthly != nil {
		result.TotalCostMonthly += *node.CostMonthly
	}
}

// DependencyChain is the result of getDependencyChain.
type DependencyChain struct {
	Nodes []*model.GraphNode
	Edges []*model.GraphEdge
}

// GetDependencyChain walks {uses, depends-on, runs-in, member-of}
// edges in the given direction from id, up to depth hops.
func (e *Engine) GetDependencyChain(ctx context.Context, tenantID, id string, direction storage.Direction, depth int) (*DependencyChain, error) {
	store, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	chain := &DependencyChain{}
	seenNodes := map[string]bool{}
	seenEdges := map[string]bool{}

	root, err := store.GetNode(ctx, id)
	if err != nil {
		return chain, nil
	}
	chain.Nodes = append(chain.Nodes, root)
	seenNodes[id] = true

	frontier := []string{id}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, current := range frontier {
			edges, err := store.GetEdgesForNode(ctx, current, direction)
			if err != nil {
				continue
			}
			for _, edge := range edges {
				if !dependencyChainTypes[edge.RelationshipType] {
					continue
				}
				if !seenEdges[edge.ID] {
					seenEdges[edge.ID] = true
					chain.Edges = append(chain.Edges, edge)
				}
				neighbor := neighborOf(edge, current, direction)
				if neighbor == "" || seenNodes[neighbor] {
					continue
				}
				node, err := store.GetNode(ctx, neighbor)
				if err != nil {
					continue
				}
				seenNodes[neighbor] = true
				chain.Nodes = append(chain.Nodes, node)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	return chain, nil
}

func neighborOf(edge *model.GraphEdge, from string, direction storage.Direction) string {
	switch direction {
	case storage.DirectionUpstream:
		if edge.TargetNodeID == from {
			return edge.SourceNodeID
		}
	case storage.DirectionDownstream:
		if edge.SourceNodeID == from {
			return edge.TargetNodeID
		}
	default:
		if edge.SourceNodeID == from {
			return edge.TargetNodeID
		}
		return edge.SourceNodeID
	}
	return ""
}

// Topology is the result of getTopology.
type Topology struct {
	Nodes []*model.GraphNode
	Edges []*model.GraphEdge
}

// GetTopology returns the nodes matching filter and the edges between
// them, with endpoints restricted to the included node set.
func (e *Engine) GetTopology(ctx context.Context, tenantID string, filter storage.NodeFilter) (*Topology, error) {
	store, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	nodes, err := store.QueryNodes(ctx, filter)
	if err != nil {
		return nil, err
	}
	included := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		included[n.ID] = true
	}
	allEdges, err := store.QueryEdges(ctx, storage.EdgeFilter{})
	if err != nil {
		return nil, err
	}
	var edges []*model.GraphEdge
	for _, edge := range allEdges {
		if included[edge.SourceNodeID] && included[edge.TargetNodeID] {
			edges = append(edges, edge)
		}
	}
	return &Topology{Nodes: nodes, Edges: edges}, nil
}

// CostContributor is one node's share of an aggregated cost.
type CostContributor struct {
	NodeID      string
	Name        string
	CostMonthly float64
}

// CostBreakdown is the result of getGroupCost/getCostByFilter.
type CostBreakdown struct {
	Label           string
	Total           float64
	ByResourceType  map[model.ResourceType]float64
	TopContributors []CostContributor
}

const topContributorsN = 10

// GetGroupCost aggregates cost across a group's resolved members.
func (e *Engine) GetGroupCost(ctx context.Context, tenantID, groupID string) (*CostBreakdown, error) {
	store, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	group, err := store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	allNodes, err := store.QueryNodes(ctx, storage.NodeFilter{})
	if err != nil {
		return nil, err
	}
	memberIDs := group.ResolveMembers(allNodes)
	memberSet := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		memberSet[id] = true
	}
	var members []*model.GraphNode
	for _, n := range allNodes {
		if memberSet[n.ID] {
			members = append(members, n)
		}
	}
	return aggregateCost(group.Name, members), nil
}

// GetCostByFilter aggregates cost across every node matching filter.
func (e *Engine) GetCostByFilter(ctx context.Context, tenantID string, filter storage.NodeFilter, label string) (*CostBreakdown, error) {
	store, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	nodes, err := store.QueryNodes(ctx, filter)
	if err != nil {
		return nil, err
	}
	return aggregateCost(label, nodes), nil
}

func aggregateCost(label string, nodes []*model.GraphNode) *CostBreakdown {
	breakdown := &CostBreakdown{Label: label, ByResourceType: map[model.ResourceType]float64{}}
	var contributors []CostContributor
	for _, n := range nodes {
		if n.CostMonthly == nil {
			continue
		}
		breakdown.Total += *n.CostMonthly
		breakdown.ByResourceType[n.ResourceType] += *n.CostMonthly
		contributors = append(contributors, CostContributor{NodeID: n.ID, Name: n.Name, CostMonthly: *n.CostMonthly})
	}
	sort.Slice(contributors, func(i, j int) bool { return contributors[i].CostMonthly > contributors[j].CostMonthly })
	if len(contributors) > topContributorsN {
		contributors = contributors[:topContributorsN]
	}
	breakdown.TopContributors = contributors
	return breakdown
}

// DriftedNode pairs a node with the field-level changes observed for
// it in the most recent sync cohort.
type DriftedNode struct {
	Node    *model.GraphNode
	Changes []*model.ChangeRecord
}

// DriftReport is the result of detectDrift.
type DriftReport struct {
	ScannedAt        time.Time
	DriftedNodes     []DriftedNode
	DisappearedNodes []string
	NewNodes         []string
}

// DetectDrift compares the most recent sync cohort's change records
// against the one before it, optionally restricted to one provider.
func (e *Engine) DetectDrift(ctx context.Context, tenantID string, provider model.Provider) (*DriftReport, error) {
	store, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	changes, err := store.QueryChanges(ctx, storage.ChangeFilter{})
	if err != nil {
		return nil, err
	}

	report := &DriftReport{ScannedAt: time.Now().UTC()}
	latestSyncID := latestSource(changes)
	if latestSyncID == "" {
		return report, nil
	}

	updatedByNode := map[string][]*model.ChangeRecord{}
	for _, c := range changes {
		if c.Source != latestSyncID {
			continue
		}
		if provider != "" {
			if node, err := store.GetNode(ctx, c.NodeID); err != nil || node.Provider != provider {
				continue
			}
		}
		switch {
		case c.ChangeType == model.ChangeCreated:
			report.NewNodes = append(report.NewNodes, c.NodeID)
		case c.ChangeType == model.ChangeUpdated && c.Field == "disappeared":
			report.DisappearedNodes = append(report.DisappearedNodes, c.NodeID)
		case c.ChangeType == model.ChangeUpdated:
			updatedByNode[c.NodeID] = append(updatedByNode[c.NodeID], c)
		}
	}

	for nodeID, nodeChanges := range updatedByNode {
		node, err := store.GetNode(ctx, nodeID)
		if err != nil {
			continue
		}
		if provider != "" && node.Provider != provider {
			continue
		}
		report.DriftedNodes = append(report.DriftedNodes, DriftedNode{Node: node, Changes: nodeChanges})
	}

	sort.Slice(report.DriftedNodes, func(i, j int) bool { return report.DriftedNodes[i].Node.ID < report.DriftedNodes[j].Node.ID })
	sort.Strings(report.NewNodes)
	sort.Strings(report.DisappearedNodes)

	return report, nil
}

func latestSource(changes []*model.ChangeRecord) string {
	for i := len(changes) - 1; i >= 0; i-- {
		if changes[i].Source != "" {
			return changes[i].Source
		}
	}
	return ""
}

// GetTimeline returns the most recent limit change records for a
// node, newest first.
func (e *Engine) GetTimeline(ctx context.Context, tenantID, nodeID string, limit int) ([]*model.ChangeRecord, error) {
	store, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	changes, err := store.QueryChanges(ctx, storage.ChangeFilter{NodeID: nodeID})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(changes)-1; i < j; i, j = i+1, j-1 {
		changes[i], changes[j] = changes[j], changes[i]
	}
	if limit > 0 && limit < len(changes) {
		changes = changes[:limit]
	}
	return changes, nil
}

// GetStats passes through storage.GetStats for tenantID.
func (e *Engine) GetStats(ctx context.Context, tenantID string) (storage.GraphStats, error) {
	store, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return storage.GraphStats{}, err
	}
	stats, err := store.GetStats(ctx)
	if err != nil {
		return storage.GraphStats{}, fmt.Errorf("engine: get stats: %w", err)
	}
	return stats, nil
}
