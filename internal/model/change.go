package model

import "time"

// ChangeRecord is an append-only audit row produced whenever
// reconciliation detects a difference in a node's observed state.
type ChangeRecord struct {
	ID            string
	NodeID        string
	DetectedAt    time.Time
	ChangeType    ChangeType
	Field         string // empty for created/deleted/reappeared
	PreviousValue string
	NewValue      string
	Source        string // syncId
}

// Group is a named cost/ownership aggregation. Groups do not own
// nodes; membership is a view, either explicit (NodeIDs) or derived
// from TagsMatch at query time.
type Group struct {
	ID        string
	Name      string
	NodeIDs   map[string]struct{}
	TagsMatch map[string]string
}

func NewGroup(id, name string) *Group {
	return &Group{ID: id, Name: name, NodeIDs: make(map[string]struct{})}
}

func (g *Group) AddNode(nodeID string) {
	if g.NodeIDs == nil {
		g.NodeIDs = make(map[string]struct{})
	}
	g.NodeIDs[nodeID] = struct{}{}
}

func (g *Group) HasNode(nodeID string) bool {
	_, ok := g.NodeIDs[nodeID]
	return ok
}

// ResolveMembers returns the effective member set: explicit NodeIDs
// plus any node matching TagsMatch, deduplicated.
func (g *Group) ResolveMembers(allNodes []*GraphNode) []string {
	seen := make(map[string]struct{}, len(g.NodeIDs))
	members := make([]string, 0, len(g.NodeIDs))
	for id := range g.NodeIDs {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			members = append(members, id)
		}
	}
	if len(g.TagsMatch) == 0 {
		return members
	}
	for _, n := range allNodes {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		if n.TagsMatch(g.TagsMatch) {
			seen[n.ID] = struct{}{}
			members = append(members, n.ID)
		}
	}
	return members
}
