// Package embedded implements storage.Store on a single-file
// go.etcd.io/bbolt database, for tests and small deployments that
// don't want a Postgres dependency.
package embedded

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/storage"
)

var (
	bucketNodes    = []byte("nodes")
	bucketEdges    = []byte("edges")
	bucketChanges  = []byte("changes")
	bucketGroups   = []byte("groups")
	bucketMeta     = []byte("meta")

	bucketIdxProvider      = []byte("idx_provider")
	bucketIdxAccountRegion = []byte("idx_account_region")
	bucketIdxResourceType  = []byte("idx_resource_type")
	bucketIdxNativeID      = []byte("idx_native_id")
	bucketIdxEdgeSource    = []byte("idx_edge_source")
	bucketIdxEdgeTarget    = []byte("idx_edge_target")
	bucketIdxChangesByNode = []byte("idx_changes_by_node")

	keyLastSyncAt = []byte("last_sync_at")

	topLevelBuckets = [][]byte{
		bucketNodes, bucketEdges, bucketChanges, bucketGroups, bucketMeta,
		bucketIdxProvider, bucketIdxAccountRegion, bucketIdxResourceType, bucketIdxNativeID,
		bucketIdxEdgeSource, bucketIdxEdgeTarget, bucketIdxChangesByNode,
	}
)

// Store is a bbolt-backed storage.Store. A single *bolt.DB handle
// serializes all writers via bbolt's native single-writer
// transaction; readers use MVCC snapshots.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database file at path. Callers must call
// Initialize before use.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("embedded: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Initialize(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func indexSetKey(value string) []byte { return []byte(value) }

func indexAdd(tx *bolt.Tx, bucket []byte, indexValue, id string) error {
	if indexValue == "" {
		return nil
	}
	root := tx.Bucket(bucket)
	set, err := root.CreateBucketIfNotExists(indexSetKey(indexValue))
	if err != nil {
		return err
	}
	return set.Put([]byte(id), []byte{1})
}

func indexRemove(tx *bolt.Tx, bucket []byte, indexValue, id string) error {
	if indexValue == "" {
		return nil
	}
	root := tx.Bucket(bucket)
	set := root.Bucket(indexSetKey(indexValue))
	if set == nil {
		return nil
	}
	return set.Delete([]byte(id))
}

func indexMembers(tx *bolt.Tx, bucket []byte, indexValue string) map[string]struct{} {
	out := make(map[string]struct{})
	root := tx.Bucket(bucket)
	set := root.Bucket(indexSetKey(indexValue))
	if set == nil {
		return out
	}
	_ = set.ForEach(func(k, v []byte) error {
		out[string(k)] = struct{}{}
		return nil
	})
	return out
}

func accountRegionKey(account, region string) string { return account + "/" + region }

func (s *Store) UpsertNode(ctx context.Context, node *model.GraphNode) (storage.UpsertNodeResult, error) {
	var result storage.UpsertNodeResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		existingBytes := b.Get([]byte(node.ID))

		if existingBytes == nil {
			result.Created = true
		} else {
			var existing model.GraphNode
			if err := json.Unmarshal(existingBytes, &existing); err != nil {
				return fmt.Errorf("decode existing node %s: %w", node.ID, err)
			}
			result.FieldsChanged = diffNodeFields(&existing, node)
			result.Updated = len(result.FieldsChanged) > 0

			if existing.Provider != node.Provider {
				if err := indexRemove(tx, bucketIdxProvider, string(existing.Provider), node.ID); err != nil {
					return err
				}
			}
			if accountRegionKey(existing.Account, existing.Region) != accountRegionKey(node.Account, node.Region) {
				if err := indexRemove(tx, bucketIdxAccountRegion, accountRegionKey(existing.Account, existing.Region), node.ID); err != nil {
					return err
				}
			}
			if existing.ResourceType != node.ResourceType {
				if err := indexRemove(tx, bucketIdxResourceType, string(existing.ResourceType), node.ID); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("encode node %s: %w", node.ID, err)
		}
		if err := b.Put([]byte(node.ID), data); err != nil {
			return err
		}

		if err := indexAdd(tx, bucketIdxProvider, string(node.Provider), node.ID); err != nil {
			return err
		}
		if err := indexAdd(tx, bucketIdxAccountRegion, accountRegionKey(node.Account, node.Region), node.ID); err != nil {
			return err
		}
		if err := indexAdd(tx, bucketIdxResourceType, string(node.ResourceType), node.ID); err != nil {
			return err
		}
		if err := indexAdd(tx, bucketIdxNativeID, node.NativeID, node.ID); err != nil {
			return err
		}
		return nil
	})
	return result, err
}

// diffNodeFields compares the mutable observed fields of a node and
// returns the names that changed, for change-record emission.
func diffNodeFields(prev, next *model.GraphNode) []string {
	var changed []string
	if prev.Name != next.Name {
		changed = append(changed, "name")
	}
	if prev.Status != next.Status {
		changed = append(changed, "status")
	}
	if !tagsEqual(prev.Tags, next.Tags) {
		changed = append(changed, "tags")
	}
	if !costEqual(prev.CostMonthly, next.CostMonthly) {
		changed = append(changed, "costMonthly")
	}
	if prev.Owner != next.Owner {
		changed = append(changed, "owner")
	}
	return changed
}

func tagsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func costEqual(a, b *float64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func (s *Store) UpsertEdge(ctx context.Context, edge *model.GraphEdge) (storage.UpsertEdgeResult, error) {
	var result storage.UpsertEdgeResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEdges)
		existing := b.Get([]byte(edge.ID))
		if existing == nil {
			result.Created = true
		} else {
			result.Updated = true
		}
		data, err := json.Marshal(edge)
		if err != nil {
			return fmt.Errorf("encode edge %s: %w", edge.ID, err)
		}
		if err := b.Put([]byte(edge.ID), data); err != nil {
			return err
		}
		if err := indexAdd(tx, bucketIdxEdgeSource, edge.SourceNodeID, edge.ID); err != nil {
			return err
		}
		if err := indexAdd(tx, bucketIdxEdgeTarget, edge.TargetNodeID, edge.ID); err != nil {
			return err
		}
		return nil
	})
	return result, err
}

func (s *Store) GetNode(ctx context.Context, id string) (*model.GraphNode, error) {
	var node *model.GraphNode
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return storage.ErrNotFound
		}
		var n model.GraphNode
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		node = &n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Store) GetEdge(ctx context.Context, id string) (*model.GraphEdge, error) {
	var edge *model.GraphEdge
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEdges).Get([]byte(id))
		if data == nil {
			return storage.ErrNotFound
		}
		var e model.GraphEdge
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		edge = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

func (s *Store) QueryNodes(ctx context.Context, filter storage.NodeFilter) ([]*model.GraphNode, error) {
	var out []*model.GraphNode
	err := s.db.View(func(tx *bolt.Tx) error {
		candidates := candidateNodeIDs(tx, filter)

		b := tx.Bucket(bucketNodes)
		for id := range candidates {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var n model.GraphNode
			if err := json.Unmarshal(data, &n); err != nil {
				return err
			}
			if matchesNodeFilter(&n, filter) {
				out = append(out, &n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginateNodes(out, filter.Offset, filter.Limit), nil
}

// candidateNodeIDs narrows using an index when an indexed field is
// set in the filter, falling back to a full bucket scan otherwise.
func candidateNodeIDs(tx *bolt.Tx, filter storage.NodeFilter) map[string]struct{} {
	switch {
	case filter.NativeID != "":
		return indexMembers(tx, bucketIdxNativeID, filter.NativeID)
	case filter.Provider != "":
		return indexMembers(tx, bucketIdxProvider, string(filter.Provider))
	case filter.Account != "" && filter.Region != "":
		return indexMembers(tx, bucketIdxAccountRegion, accountRegionKey(filter.Account, filter.Region))
	case filter.ResourceType != "":
		return indexMembers(tx, bucketIdxResourceType, string(filter.ResourceType))
	default:
		out := make(map[string]struct{})
		_ = tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			out[string(k)] = struct{}{}
			return nil
		})
		return out
	}
}

func matchesNodeFilter(n *model.GraphNode, f storage.NodeFilter) bool {
	if !f.IncludeDeleted && n.Deleted {
		return false
	}
	if f.NativeID != "" && n.NativeID != f.NativeID {
		return false
	}
	if f.Provider != "" && n.Provider != f.Provider {
		return false
	}
	if f.Account != "" && n.Account != f.Account {
		return false
	}
	if f.Region != "" && n.Region != f.Region {
		return false
	}
	if f.ResourceType != "" && n.ResourceType != f.ResourceType {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if !n.TagsMatch(f.Tags) {
		return false
	}
	if f.NameContains != "" && !strings.Contains(strings.ToLower(n.Name), strings.ToLower(f.NameContains)) {
		return false
	}
	if f.HasCostFilter {
		if n.CostMonthly == nil {
			return false
		}
		if *n.CostMonthly < f.CostMin || *n.CostMonthly > f.CostMax {
			return false
		}
	}
	if f.HasCreatedRange {
		if n.CreatedAt == nil {
			return false
		}
		if n.CreatedAt.Before(f.CreatedAfter) || n.CreatedAt.After(f.CreatedBefore) {
			return false
		}
	}
	return true
}

func paginateNodes(nodes []*model.GraphNode, offset, limit int) []*model.GraphNode {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(nodes) {
		return []*model.GraphNode{}
	}
	nodes = nodes[offset:]
	if limit > 0 && limit < len(nodes) {
		nodes = nodes[:limit]
	}
	return nodes
}

func (s *Store) QueryEdges(ctx context.Context, filter storage.EdgeFilter) ([]*model.GraphEdge, error) {
	var out []*model.GraphEdge
	err := s.db.View(func(tx *bolt.Tx) error {
		var candidates map[string]struct{}
		switch {
		case filter.Source != "":
			candidates = indexMembers(tx, bucketIdxEdgeSource, filter.Source)
		case filter.Target != "":
			candidates = indexMembers(tx, bucketIdxEdgeTarget, filter.Target)
		default:
			candidates = make(map[string]struct{})
			_ = tx.Bucket(bucketEdges).ForEach(func(k, v []byte) error {
				candidates[string(k)] = struct{}{}
				return nil
			})
		}
		b := tx.Bucket(bucketEdges)
		for id := range candidates {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var e model.GraphEdge
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			if matchesEdgeFilter(&e, filter) {
				out = append(out, &e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchesEdgeFilter(e *model.GraphEdge, f storage.EdgeFilter) bool {
	if f.Source != "" && e.SourceNodeID != f.Source {
		return false
	}
	if f.Target != "" && e.TargetNodeID != f.Target {
		return false
	}
	if f.RelationshipType != "" && e.RelationshipType != f.RelationshipType {
		return false
	}
	if f.HasMinConfidence && e.Confidence < f.MinConfidence {
		return false
	}
	return true
}

func (s *Store) GetEdgesForNode(ctx context.Context, id string, direction storage.Direction) ([]*model.GraphEdge, error) {
	var out []*model.GraphEdge
	err := s.db.View(func(tx *bolt.Tx) error {
		ids := make(map[string]struct{})
		if direction == storage.DirectionUpstream || direction == storage.DirectionBoth {
			for edgeID := range indexMembers(tx, bucketIdxEdgeTarget, id) {
				ids[edgeID] = struct{}{}
			}
		}
		if direction == storage.DirectionDownstream || direction == storage.DirectionBoth {
			for edgeID := range indexMembers(tx, bucketIdxEdgeSource, id) {
				ids[edgeID] = struct{}{}
			}
		}
		b := tx.Bucket(bucketEdges)
		for edgeID := range ids {
			data := b.Get([]byte(edgeID))
			if data == nil {
				continue
			}
			var e model.GraphEdge
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RecordChange(ctx context.Context, change *model.ChangeRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(change)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketChanges).Put([]byte(change.ID), data); err != nil {
			return err
		}
		return indexAdd(tx, bucketIdxChangesByNode, change.NodeID, change.ID)
	})
}

func (s *Store) QueryChanges(ctx context.Context, filter storage.ChangeFilter) ([]*model.ChangeRecord, error) {
	var out []*model.ChangeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var ids map[string]struct{}
		if filter.NodeID != "" {
			ids = indexMembers(tx, bucketIdxChangesByNode, filter.NodeID)
		} else {
			ids = make(map[string]struct{})
			_ = tx.Bucket(bucketChanges).ForEach(func(k, v []byte) error {
				ids[string(k)] = struct{}{}
				return nil
			})
		}
		b := tx.Bucket(bucketChanges)
		for id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var c model.ChangeRecord
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			if !filter.Since.IsZero() && c.DetectedAt.Before(filter.Since) {
				continue
			}
			if !filter.Until.IsZero() && c.DetectedAt.After(filter.Until) {
				continue
			}
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) SaveGroup(ctx context.Context, group *model.Group) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(group)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketGroups).Put([]byte(group.ID), data)
	})
}

func (s *Store) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	var group *model.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGroups).Get([]byte(id))
		if data == nil {
			return storage.ErrNotFound
		}
		var g model.Group
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		group = &g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]*model.Group, error) {
	var out []*model.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var g model.Group
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			out = append(out, &g)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetStats(ctx context.Context) (storage.GraphStats, error) {
	stats := storage.GraphStats{
		NodesByProvider:     make(map[model.Provider]int),
		NodesByResourceType: make(map[model.ResourceType]int),
		EdgesByRelationship: make(map[model.RelationshipType]int),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n model.GraphNode
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.Deleted {
				return nil
			}
			stats.TotalNodes++
			stats.NodesByProvider[n.Provider]++
			stats.NodesByResourceType[n.ResourceType]++
			if n.CostMonthly != nil {
				stats.TotalCostMonthly += *n.CostMonthly
			}
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEdges).ForEach(func(k, v []byte) error {
			var e model.GraphEdge
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			stats.TotalEdges++
			stats.EdgesByRelationship[e.RelationshipType]++
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketChanges).ForEach(func(k, v []byte) error {
			var c model.ChangeRecord
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if stats.OldestChangeAt.IsZero() || c.DetectedAt.Before(stats.OldestChangeAt) {
				stats.OldestChangeAt = c.DetectedAt
			}
			if c.DetectedAt.After(stats.NewestChangeAt) {
				stats.NewestChangeAt = c.DetectedAt
			}
			return nil
		}); err != nil {
			return err
		}
		if raw := tx.Bucket(bucketMeta).Get(keyLastSyncAt); raw != nil {
			if unixNano, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
				stats.LastSyncAt = time.Unix(0, unixNano)
			}
		}
		return nil
	})
	return stats, err
}

func (s *Store) MarkMissing(ctx context.Context, syncID string, scope storage.NodeFilter, graceSyncs int) ([]string, error) {
	var affected []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		candidates := candidateNodeIDs(tx, scope)
		b := tx.Bucket(bucketNodes)
		now := time.Now()
		for id := range candidates {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var n model.GraphNode
			if err := json.Unmarshal(data, &n); err != nil {
				return err
			}
			if !matchesNodeFilter(&n, scope) {
				continue
			}
			if n.Deleted {
				continue
			}
			if n.LastSyncID == syncID {
				continue
			}
			n.Disappeared++
			if n.Disappeared > graceSyncs {
				n.Deleted = true
				n.DeletedAt = &now
			}
			n.LastSyncID = syncID
			encoded, err := json.Marshal(&n)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(n.ID), encoded); err != nil {
				return err
			}
			affected = append(affected, n.ID)
		}
		return tx.Bucket(bucketMeta).Put(keyLastSyncAt, []byte(strconv.FormatInt(now.UnixNano(), 10)))
	})
	sort.Strings(affected)
	return affected, err
}
