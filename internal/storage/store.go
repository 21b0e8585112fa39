// Package storage defines the persistence contract for the graph and
// its two concrete backends (embedded, relational). Every operation
// is atomic per entity; callers needing cross-entity atomicity must
// rely on the ordering guarantees documented on each method, not on
// implicit transactions spanning multiple calls.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nimbusgraph/graphcore/internal/model"
)

// ErrNotFound is returned by single-entity getters when the id
// doesn't exist. Both backends return it unwrapped; callers use
// errors.Is so that a wrapped ErrNotFound still matches.
var ErrNotFound = errors.New("storage: not found")

// Direction constrains GetEdgesForNode to one side of the relation,
// or both.
type Direction string

const (
	DirectionUpstream   Direction = "upstream"
	DirectionDownstream Direction = "downstream"
	DirectionBoth       Direction = "both"
)

// NodeFilter narrows QueryNodes. Zero-valued fields are not applied.
// Tags must all match (AND semantics); CostMin/CostMax apply only
// when HasCostFilter is set, since zero is a valid cost.
type NodeFilter struct {
	Provider        model.Provider
	Account         string
	Region          string
	ResourceType    model.ResourceType
	Status          model.ResourceStatus
	NativeID        string
	Tags            map[string]string
	NameContains    string
	HasCostFilter   bool
	CostMin         float64
	CostMax         float64
	HasCreatedRange bool
	CreatedAfter    time.Time
	CreatedBefore   time.Time
	IncludeDeleted  bool
	Limit           int
	Offset          int
}

// EdgeFilter narrows QueryEdges.
type EdgeFilter struct {
	Source              string
	Target              string
	RelationshipType    model.RelationshipType
	MinConfidence       float64
	HasMinConfidence    bool
	Limit               int
	Offset              int
}

// ChangeFilter narrows QueryChanges.
type ChangeFilter struct {
	NodeID string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// UpsertNodeResult reports what UpsertNode actually did, so callers
// can decide whether to emit a change notification.
type UpsertNodeResult struct {
	Created      bool
	Updated      bool
	FieldsChanged []string
}

// UpsertEdgeResult reports what UpsertEdge actually did.
type UpsertEdgeResult struct {
	Created bool
	Updated bool
}

// GraphStats summarizes a tenant's graph for dashboards and the
// sync scheduler's metrics.
type GraphStats struct {
	TotalNodes         int
	TotalEdges         int
	NodesByProvider     map[model.Provider]int
	NodesByResourceType map[model.ResourceType]int
	EdgesByRelationship map[model.RelationshipType]int
	TotalCostMonthly   float64
	LastSyncAt         time.Time
	OldestChangeAt     time.Time
	NewestChangeAt     time.Time
}

// Store is the persistence contract. Both the embedded (bbolt) and
// relational (postgres) backends implement it and run the shared
// storagetest conformance suite. Only the embedded backend records
// GraphStats.LastSyncAt; the relational backend leaves it zero.
type Store interface {
	Initialize(ctx context.Context) error
	Close() error

	UpsertNode(ctx context.Context, node *model.GraphNode) (UpsertNodeResult, error)
	UpsertEdge(ctx context.Context, edge *model.GraphEdge) (UpsertEdgeResult, error)

	GetNode(ctx context.Context, id string) (*model.GraphNode, error)
	GetEdge(ctx context.Context, id string) (*model.GraphEdge, error)

	QueryNodes(ctx context.Context, filter NodeFilter) ([]*model.GraphNode, error)
	QueryEdges(ctx context.Context, filter EdgeFilter) ([]*model.GraphEdge, error)
	GetEdgesForNode(ctx context.Context, id string, direction Direction) ([]*model.GraphEdge, error)

	RecordChange(ctx context.Context, change *model.ChangeRecord) error
	QueryChanges(ctx context.Context, filter ChangeFilter) ([]*model.ChangeRecord, error)

	SaveGroup(ctx context.Context, group *model.Group) error
	GetGroup(ctx context.Context, id string) (*model.Group, error)
	ListGroups(ctx context.Context) ([]*model.Group, error)

	GetStats(ctx context.Context) (GraphStats, error)

	// MarkMissing transitions nodes within scope that were not
	// touched by syncID toward the deleted lifecycle state, per the
	// disappearance grace period. It returns the ids it affected
	// (disappearance count bumped or soft-deleted).
	MarkMissing(ctx context.Context, syncID string, scope NodeFilter, graceSyncs int) ([]string, error)
}
