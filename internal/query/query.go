// Package query answers graph-shape questions — shortest path,
// orphans, articulation points, criticality ranking, and clustering —
// on top of a tenant's storage.Store, with an LRU result cache in
// front of the expensive ones.
package query

import (
	"context"
	"errors"
	"sort"

	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/storage"
	"github.com/nimbusgraph/graphcore/internal/tenancy"
)

// ErrNoPath is returned by ShortestPath when source and target are
// not connected by any relationship edge.
var ErrNoPath = errors.New("query: no path between nodes")

// Engine answers read-only graph-shape questions against a tenant's
// reconciled graph.
type Engine struct {
	tenants *tenancy.Manager
	cache   *Cache
}

func New(tenants *tenancy.Manager, cacheConfig CacheConfig) *Engine {
	return &Engine{tenants: tenants, cache: NewCache(cacheConfig)}
}

// InvalidateCache drops every cached result. Call after a sync
// commits so queries don't serve pre-sync topology.
func (e *Engine) InvalidateCache() { e.cache.InvalidateTenant() }

func (e *Engine) loadGraph(ctx context.Context, tenantID string) (storage.Store, []*model.GraphNode, []*model.GraphEdge, error) {
	store, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, nil, nil, err
	}
	nodes, err := store.QueryNodes(ctx, storage.NodeFilter{})
	if err != nil {
		return nil, nil, nil, err
	}
	edges, err := store.QueryEdges(ctx, storage.EdgeFilter{})
	if err != nil {
		return nil, nil, nil, err
	}
	return store, nodes, edges, nil
}

// adjacency builds an undirected neighbor list keyed by node id.
func adjacency(edges []*model.GraphEdge) map[string]map[string]bool {
	adj := make(map[string]map[string]bool)
	add := func(a, b string) {
		if adj[a] == nil {
			adj[a] = make(map[string]bool)
		}
		adj[a][b] = true
	}
	for _, edge := range edges {
		add(edge.SourceNodeID, edge.TargetNodeID)
		add(edge.TargetNodeID, edge.SourceNodeID)
	}
	return adj
}

// Path is the result of ShortestPath.
type Path struct {
	NodeIDs []string
	Edges   []*model.GraphEdge
}

// ShortestPath runs an unweighted BFS over every relationship edge,
// regardless of direction, and returns the first path found.
func (e *Engine) ShortestPath(ctx context.Context, tenantID, sourceID, targetID string) (*Path, error) {
	key := Key(tenantID, "shortest-path", map[string]any{"source": sourceID, "target": targetID})
	if cached, ok := e.cache.Get(key); ok {
		p := cached.(Path)
		return &p, nil
	}

	_, _, edges, err := e.loadGraph(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sourceID == targetID {
		result := &Path{NodeIDs: []string{sourceID}}
		e.cache.Put(key, *result)
		return result, nil
	}

	byNode := map[string][]*model.GraphEdge{}
	for _, edge := range edges {
		byNode[edge.SourceNodeID] = append(byNode[edge.SourceNodeID], edge)
		byNode[edge.TargetNodeID] = append(byNode[edge.TargetNodeID], edge)
	}

	type step struct {
		nodeID string
		via    *model.GraphEdge
	}
	prev := map[string]step{sourceID: {}}
	queue := []string{sourceID}
	found := false
	for len(queue) > 0 && !found {
		current := queue[0]
		queue = queue[1:]
		for _, edge := range byNode[current] {
			neighbor := edge.TargetNodeID
			if neighbor == current {
				neighbor = edge.SourceNodeID
			}
			if _, seen := prev[neighbor]; seen {
				continue
			}
			prev[neighbor] = step{nodeID: current, via: edge}
			if neighbor == targetID {
				found = true
				break
			}
			queue = append(queue, neighbor)
		}
	}
	if _, ok := prev[targetID]; !ok {
		return nil, ErrNoPath
	}

	var nodeIDs []string
	var pathEdges []*model.GraphEdge
	for at := targetID; at != sourceID; {
		s := prev[at]
		nodeIDs = append([]string{at}, nodeIDs...)
		pathEdges = append([]*model.GraphEdge{s.via}, pathEdges...)
		at = s.nodeID
	}
	nodeIDs = append([]string{sourceID}, nodeIDs...)

	result := &Path{NodeIDs: nodeIDs, Edges: pathEdges}
	e.cache.Put(key, *result)
	return result, nil
}

// FindOrphans returns every node with no incident edge at all.
func (e *Engine) FindOrphans(ctx context.Context, tenantID string) ([]*model.GraphNode, error) {
	key := Key(tenantID, "orphans", nil)
	if cached, ok := e.cache.Get(key); ok {
		return cached.([]*model.GraphNode), nil
	}

	_, nodes, edges, err := e.loadGraph(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	connected := make(map[string]bool, len(edges)*2)
	for _, edge := range edges {
		connected[edge.SourceNodeID] = true
		connected[edge.TargetNodeID] = true
	}
	var orphans []*model.GraphNode
	for _, n := range nodes {
		if !connected[n.ID] {
			orphans = append(orphans, n)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].ID < orphans[j].ID })

	e.cache.Put(key, orphans)
	return orphans, nil
}

// dependencyBearingTypes are the relationship types FindSinglePointsOfFailure
// walks when measuring a candidate's downstream reach; mirrors the
// engine's getDependencyChain edge set.
var dependencyBearingTypes = map[model.RelationshipType]bool{
	model.RelUses: true, model.RelDependsOn: true, model.RelRunsIn: true, model.RelMemberOf: true,
}

// dependencyAdjacency builds a directed, downstream-only neighbor
// list over dependency-bearing edges, for reachability checks rather
// than connectivity ones.
func dependencyAdjacency(edges []*model.GraphEdge) map[string][]string {
	adj := map[string][]string{}
	for _, edge := range edges {
		if dependencyBearingTypes[edge.RelationshipType] {
			adj[edge.SourceNodeID] = append(adj[edge.SourceNodeID], edge.TargetNodeID)
		}
	}
	return adj
}

// FindSinglePointsOfFailure returns the graph's articulation points —
// nodes whose removal would split their connected component in two —
// restricted to those with more than one node downstream of them
// along dependency-bearing edges. An articulation point with no
// meaningful dependents below it (a leaf-like cut vertex) isn't a
// practical single point of failure.
// Computed with Tarjan's DFS low-link algorithm over the undirected
// projection of the relationship graph.
func (e *Engine) FindSinglePointsOfFailure(ctx context.Context, tenantID string) ([]*model.GraphNode, error) {
	key := Key(tenantID, "spof", nil)
	if cached, ok := e.cache.Get(key); ok {
		return cached.([]*model.GraphNode), nil
	}

	_, nodes, edges, err := e.loadGraph(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	adj := adjacency(edges)
	byID := make(map[string]*model.GraphNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	disc := map[string]int{}
	low := map[string]int{}
	isArticulation := map[string]bool{}
	timer := 0

	var visit func(node, parent string)
	visit = func(node, parent string) {
		disc[node] = timer
		low[node] = timer
		timer++
		children := 0
		for neighbor := range adj[node] {
			if neighbor == parent {
				continue
			}
			if _, seen := disc[neighbor]; seen {
				if disc[neighbor] < low[node] {
					low[node] = disc[neighbor]
				}
				continue
			}
			children++
			visit(neighbor, node)
			if low[neighbor] < low[node] {
				low[node] = low[neighbor]
			}
			if parent != "" && low[neighbor] >= disc[node] {
				isArticulation[node] = true
			}
		}
		if parent == "" && children > 1 {
			isArticulation[node] = true
		}
	}

	for _, n := range nodes {
		if _, seen := disc[n.ID]; !seen {
			visit(n.ID, "")
		}
	}

	depAdj := dependencyAdjacency(edges)
	var result []*model.GraphNode
	for id := range isArticulation {
		if reachableCount(id, depAdj) > 1 {
			result = append(result, byID[id])
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	e.cache.Put(key, result)
	return result, nil
}

// CriticalNode ranks a node by how central it is to the graph's
// connectivity.
type CriticalNode struct {
	Node              *model.GraphNode
	InDegree          int
	OutDegree         int
	ReachabilityRatio float64
	Score             float64
}

// FindCriticalNodes scores every node by in-degree + out-degree +
// reachability ratio (the fraction of the rest of the graph
// downstream of it) and returns the top N.
func (e *Engine) FindCriticalNodes(ctx context.Context, tenantID string, topN int) ([]CriticalNode, error) {
	key := Key(tenantID, "critical-nodes", map[string]any{"topN": topN})
	if cached, ok := e.cache.Get(key); ok {
		return cached.([]CriticalNode), nil
	}

	_, nodes, edges, err := e.loadGraph(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	outAdj := map[string][]string{}
	inDegree := map[string]int{}
	outDegree := map[string]int{}
	for _, edge := range edges {
		outAdj[edge.SourceNodeID] = append(outAdj[edge.SourceNodeID], edge.TargetNodeID)
		outDegree[edge.SourceNodeID]++
		inDegree[edge.TargetNodeID]++
	}

	total := len(nodes)
	scored := make([]CriticalNode, 0, total)
	for _, n := range nodes {
		reachable := reachableCount(n.ID, outAdj)
		ratio := 0.0
		if total > 1 {
			ratio = float64(reachable) / float64(total-1)
		}
		score := float64(inDegree[n.ID]+outDegree[n.ID]) + ratio
		scored = append(scored, CriticalNode{
			Node: n, InDegree: inDegree[n.ID], OutDegree: outDegree[n.ID],
			ReachabilityRatio: ratio, Score: score,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Node.ID < scored[j].Node.ID
	})
	if topN > 0 && topN < len(scored) {
		scored = scored[:topN]
	}

	e.cache.Put(key, scored)
	return scored, nil
}

func reachableCount(start string, outAdj map[string][]string) int {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, neighbor := range outAdj[current] {
			if !visited[neighbor] {
				visited[neighbor] = true
				queue = append(queue, neighbor)
			}
		}
	}
	return len(visited) - 1
}

// Cluster is one weakly connected component.
type Cluster struct {
	NodeIDs []string
}

// FindClusters partitions the graph into weakly connected components.
// Nodes with no edges form their own singleton clusters, reported
// alongside the multi-node ones rather than dropped.
func (e *Engine) FindClusters(ctx context.Context, tenantID string) ([]Cluster, error) {
	key := Key(tenantID, "clusters", nil)
	if cached, ok := e.cache.Get(key); ok {
		return cached.([]Cluster), nil
	}

	_, nodes, edges, err := e.loadGraph(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	adj := adjacency(edges)

	visited := map[string]bool{}
	var clusters []Cluster
	for _, n := range nodes {
		if visited[n.ID] {
			continue
		}
		var members []string
		queue := []string{n.ID}
		visited[n.ID] = true
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			members = append(members, current)
			for neighbor := range adj[current] {
				if !visited[neighbor] {
					visited[neighbor] = true
					queue = append(queue, neighbor)
				}
			}
		}
		sort.Strings(members)
		clusters = append(clusters, Cluster{NodeIDs: members})
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].NodeIDs[0] < clusters[j].NodeIDs[0] })

	e.cache.Put(key, clusters)
	return clusters, nil
}
