package model

import "fmt"

// GraphEdge is a directed, typed relationship between two nodes.
// Identity is (SourceNodeID,TargetNodeID,RelationshipType) only —
// metadata is mutable and does not participate in uniqueness
// (spec.md §9 Open Questions, resolved).
type GraphEdge struct {
	ID               string
	SourceNodeID     string
	TargetNodeID     string
	RelationshipType RelationshipType
	Confidence       float64
	DiscoveredVia    DiscoveredVia
	Metadata         map[string]any
}

// Validate enforces the edge invariants from spec.md §3: self-loops
// are only legal for depends-on, and confidence is a probability.
func (e *GraphEdge) Validate() error {
	if e.SourceNodeID == "" || e.TargetNodeID == "" {
		return fmt.Errorf("model: edge missing endpoint")
	}
	if e.SourceNodeID == e.TargetNodeID && !e.RelationshipType.AllowsSelfLoop() {
		return fmt.Errorf("model: self-loop not permitted for relationship %q", e.RelationshipType)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("model: edge confidence %f out of [0,1]", e.Confidence)
	}
	return nil
}

func (e *GraphEdge) Clone() *GraphEdge {
	if e == nil {
		return nil
	}
	c := *e
	c.Metadata = cloneAnyMap(e.Metadata)
	return &c
}
