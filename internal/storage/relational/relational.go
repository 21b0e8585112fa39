// Package relational implements storage.Store on PostgreSQL via
// sqlx and lib/pq. The "shared" tenancy isolation mode discriminates
// rows by a tenant_id column on every table; "schema" and "database"
// isolation modes instead point Config.Schema / Config.DSN at a
// tenant-specific schema or database and leave TenantID empty.
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/storage"
)

// Config selects the connection, schema and tenant discriminator for
// one Store instance. TablePrefix supports the "prefix" isolation
// mode by naming distinct tables per tenant within a shared schema.
type Config struct {
	DSN         string
	Schema      string
	TablePrefix string
	TenantID    string
}

type Store struct {
	db     *sqlx.DB
	cfg    Config
	tables tableNames
}

type tableNames struct {
	nodes, edges, changes, groups string
}

func Open(cfg Config) (*Store, error) {
	dsn := cfg.DSN
	if cfg.Schema != "" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn = fmt.Sprintf("%s%ssearch_path=%s", dsn, sep, cfg.Schema)
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("relational: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("relational: ping: %w", err)
	}
	prefix := cfg.TablePrefix
	return &Store{
		db:  db,
		cfg: cfg,
		tables: tableNames{
			nodes:   prefix + "nodes",
			edges:   prefix + "edges",
			changes: prefix + "changes",
			groups:  prefix + "groups",
		},
	}, nil
}

func (s *Store) Initialize(ctx context.Context) error {
	schema := s.cfg.Schema
	if schema == "" {
		schema = "public"
	}
	return applyMigrations(s.db.DB, schema)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toJSON(v any) ([]byte, error) { return json.Marshal(v) }

func fromJSON[T any](raw []byte, out *T) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (s *Store) UpsertNode(ctx context.Context, node *model.GraphNode) (storage.UpsertNodeResult, error) {
	var result storage.UpsertNodeResult

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("relational: begin: %w", err)
	}
	defer tx.Rollback()

	var existing model.GraphNode
	var tagsRaw, metaRaw []byte
	query := fmt.Sprintf(`SELECT id, native_id, name, provider, account, region, resource_type,
		status, tags, metadata, cost_monthly, owner, created_at, first_seen_at, last_seen_at,
		last_modified_at, disappeared, deleted, deleted_at, last_sync_id FROM %s WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, s.tables.nodes)
	row := tx.QueryRowxContext(ctx, query, node.ID, s.cfg.TenantID)
	err = row.Scan(&existing.ID, &existing.NativeID, &existing.Name, &existing.Provider, &existing.Account,
		&existing.Region, &existing.ResourceType, &existing.Status, &tagsRaw, &metaRaw, &existing.CostMonthly,
		&existing.Owner, &existing.CreatedAt, &existing.FirstSeenAt, &existing.LastSeenAt, &existing.LastModifiedAt,
		&existing.Disappeared, &existing.Deleted, &existing.DeletedAt, &existing.LastSyncID)

	switch {
	case err == sql.ErrNoRows:
		result.Created = true
	case err != nil:
		return result, fmt.Errorf("relational: select node for update: %w", err)
	default:
		_ = fromJSON(tagsRaw, &existing.Tags)
		_ = fromJSON(metaRaw, &existing.Metadata)
		result.FieldsChanged = diffNodeFields(&existing, node)
		result.Updated = len(result.FieldsChanged) > 0
	}

	tagsJSON, err := toJSON(node.Tags)
	if err != nil {
		return result, err
	}
	metaJSON, err := toJSON(node.Metadata)
	if err != nil {
		return result, err
	}

	upsert := fmt.Sprintf(`INSERT INTO %s (tenant_id, id, native_id, name, provider, account, region,
		resource_type, status, tags, metadata, cost_monthly, owner, created_at, first_seen_at,
		last_seen_at, last_modified_at, disappeared, deleted, deleted_at, last_sync_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (id) DO UPDATE SET
			native_id = EXCLUDED.native_id, name = EXCLUDED.name, provider = EXCLUDED.provider,
			account = EXCLUDED.account, region = EXCLUDED.region, resource_type = EXCLUDED.resource_type,
			status = EXCLUDED.status, tags = EXCLUDED.tags, metadata = EXCLUDED.metadata,
			cost_monthly = EXCLUDED.cost_monthly, owner = EXCLUDED.owner, created_at = EXCLUDED.created_at,
			last_seen_at = EXCLUDED.last_seen_at, last_modified_at = EXCLUDED.last_modified_at,
			disappeared = EXCLUDED.disappeared, deleted = EXCLUDED.deleted, deleted_at = EXCLUDED.deleted_at,
			last_sync_id = EXCLUDED.last_sync_id`,
		s.tables.nodes)

	_, err = tx.ExecContext(ctx, upsert, s.cfg.TenantID, node.ID, node.NativeID, node.Name, node.Provider,
		node.Account, node.Region, node.ResourceType, node.Status, tagsJSON, metaJSON, node.CostMonthly,
		node.Owner, node.CreatedAt, node.FirstSeenAt, node.LastSeenAt, node.LastModifiedAt, node.Disappeared,
		node.Deleted, node.DeletedAt, node.LastSyncID)
	if err != nil {
		return result, fmt.Errorf("relational: upsert node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("relational: commit: %w", err)
	}
	return result, nil
}

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
	metaJSON, err := toJSON(edge.Metadata)
	if err != nil {
		return result, err
	}

	var existingID string
	checkQuery := fmt.Sprintf(`SELECT id FROM %s WHERE id = $1 AND tenant_id = $2`, s.tables.edges)
	err = s.db.GetContext(ctx, &existingID, checkQuery, edge.ID, s.cfg.TenantID)
	switch {
	case err == sql.ErrNoRows:
		result.Created = true
	case err != nil:
		return result, fmt.Errorf("relational: check edge: %w", err)
	default:
		result.Updated = true
	}

	upsert := fmt.Sprintf(`INSERT INTO %s (tenant_id, id, source_node_id, target_node_id, relationship_type,
		confidence, discovered_via, metadata) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET confidence = EXCLUDED.confidence, discovered_via = EXCLUDED.discovered_via,
			metadata = EXCLUDED.metadata`, s.tables.edges)
	_, err = s.db.ExecContext(ctx, upsert, s.cfg.TenantID, edge.ID, edge.SourceNodeID, edge.TargetNodeID,
		edge.RelationshipType, edge.Confidence, edge.DiscoveredVia, metaJSON)
	if err != nil {
		return result, fmt.Errorf("relational: upsert edge: %w", err)
	}
	return result, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (*model.GraphNode, error) {
	query := fmt.Sprintf(`SELECT id, native_id, name, provider, account, region, resource_type, status,
		tags, metadata, cost_monthly, owner, created_at, first_seen_at, last_seen_at, last_modified_at,
		disappeared, deleted, deleted_at, last_sync_id FROM %s WHERE id = $1 AND tenant_id = $2`, s.tables.nodes)
	var n model.GraphNode
	var tagsRaw, metaRaw []byte
	row := s.db.QueryRowxContext(ctx, query, id, s.cfg.TenantID)
	err := row.Scan(&n.ID, &n.NativeID, &n.Name, &n.Provider, &n.Account, &n.Region, &n.ResourceType,
		&n.Status, &tagsRaw, &metaRaw, &n.CostMonthly, &n.Owner, &n.CreatedAt, &n.FirstSeenAt, &n.LastSeenAt,
		&n.LastModifiedAt, &n.Disappeared, &n.Deleted, &n.DeletedAt, &n.LastSyncID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relational: get node: %w", err)
	}
	_ = fromJSON(tagsRaw, &n.Tags)
	_ = fromJSON(metaRaw, &n.Metadata)
	return &n, nil
}

func (s *Store) GetEdge(ctx context.Context, id string) (*model.GraphEdge, error) {
	query := fmt.Sprintf(`SELECT id, source_node_id, target_node_id, relationship_type, confidence,
		discovered_via, metadata FROM %s WHERE id = $1 AND tenant_id = $2`, s.tables.edges)
	var e model.GraphEdge
	var metaRaw []byte
	row := s.db.QueryRowxContext(ctx, query, id, s.cfg.TenantID)
	err := row.Scan(&e.ID, &e.SourceNodeID, &e.TargetNodeID, &e.RelationshipType, &e.Confidence,
		&e.DiscoveredVia, &metaRaw)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relational: get edge: %w", err)
	}
	_ = fromJSON(metaRaw, &e.Metadata)
	return &e, nil
}

func (s *Store) QueryNodes(ctx context.Context, filter storage.NodeFilter) ([]*model.GraphNode, error) {
	where := []string{"tenant_id = $1"}
	args := []any{s.cfg.TenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.IncludeDeleted {
		where = append(where, "deleted = false")
	}
	if filter.Provider != "" {
		where = append(where, "provider = "+arg(filter.Provider))
	}
	if filter.Account != "" {
		where = append(where, "account = "+arg(filter.Account))
	}
	if filter.Region != "" {
		where = append(where, "region = "+arg(filter.Region))
	}
	if filter.ResourceType != "" {
		where = append(where, "resource_type = "+arg(filter.ResourceType))
	}
	if filter.NativeID != "" {
		where = append(where, "native_id = "+arg(filter.NativeID))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(filter.Status))
	}
	if filter.NameContains != "" {
		where = append(where, "name ILIKE "+arg("%"+filter.NameContains+"%"))
	}
	if filter.HasCostFilter {
		where = append(where, "cost_monthly >= "+arg(filter.CostMin))
		where = append(where, "cost_monthly <= "+arg(filter.CostMax))
	}
	if filter.HasCreatedRange {
		where = append(where, "created_at >= "+arg(filter.CreatedAfter))
		where = append(where, "created_at <= "+arg(filter.CreatedBefore))
	}
	for k, v := range filter.Tags {
		where = append(where, fmt.Sprintf("tags ->> %s = %s", arg(k), arg(v)))
	}

	query := fmt.Sprintf(`SELECT id, native_id, name, provider, account, region, resource_type, status,
		tags, metadata, cost_monthly, owner, created_at, first_seen_at, last_seen_at, last_modified_at,
		disappeared, deleted, deleted_at, last_sync_id FROM %s WHERE %s ORDER BY id`, s.tables.nodes, strings.Join(where, " AND "))
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("relational: query nodes: %w", err)
	}
	defer rows.Close()

	var out []*model.GraphNode
	for rows.Next() {
		var n model.GraphNode
		var tagsRaw, metaRaw []byte
		if err := rows.Scan(&n.ID, &n.NativeID, &n.Name, &n.Provider, &n.Account, &n.Region, &n.ResourceType,
			&n.Status, &tagsRaw, &metaRaw, &n.CostMonthly, &n.Owner, &n.CreatedAt, &n.FirstSeenAt, &n.LastSeenAt,
			&n.LastModifiedAt, &n.Disappeared, &n.Deleted, &n.DeletedAt, &n.LastSyncID); err != nil {
			return nil, err
		}
		_ = fromJSON(tagsRaw, &n.Tags)
		_ = fromJSON(metaRaw, &n.Metadata)
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *Store) QueryEdges(ctx context.Context, filter storage.EdgeFilter) ([]*model.GraphEdge, error) {
	where := []string{"tenant_id = $1"}
	args := []any{s.cfg.TenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Source != "" {
		where = append(where, "source_node_id = "+arg(filter.Source))
	}
	if filter.Target != "" {
		where = append(where, "target_node_id = "+arg(filter.Target))
	}
	if filter.RelationshipType != "" {
		where = append(where, "relationship_type = "+arg(filter.RelationshipType))
	}
	if filter.HasMinConfidence {
		where = append(where, "confidence >= "+arg(filter.MinConfidence))
	}

	query := fmt.Sprintf(`SELECT id, source_node_id, target_node_id, relationship_type, confidence,
		discovered_via, metadata FROM %s WHERE %s ORDER BY id`, s.tables.edges, strings.Join(where, " AND "))
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("relational: query edges: %w", err)
	}
	defer rows.Close()

	var out []*model.GraphEdge
	for rows.Next() {
		var e model.GraphEdge
		var metaRaw []byte
		if err := rows.Scan(&e.ID, &e.SourceNodeID, &e.TargetNodeID, &e.RelationshipType, &e.Confidence,
			&e.DiscoveredVia, &metaRaw); err != nil {
			return nil, err
		}
		_ = fromJSON(metaRaw, &e.Metadata)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) GetEdgesForNode(ctx context.Context, id string, direction storage.Direction) ([]*model.GraphEdge, error) {
	var clause string
	switch direction {
	case storage.DirectionUpstream:
		clause = "target_node_id = $2"
	case storage.DirectionDownstream:
		clause = "source_node_id = $2"
	default:
		clause = "(source_node_id = $2 OR target_node_id = $2)"
	}
	query := fmt.Sprintf(`SELECT id, source_node_id, target_node_id, relationship_type, confidence,
		discovered_via, metadata FROM %s WHERE tenant_id = $1 AND %s ORDER BY id`, s.tables.edges, clause)
	rows, err := s.db.QueryxContext(ctx, query, s.cfg.TenantID, id)
	if err != nil {
		return nil, fmt.Errorf("relational: edges for node: %w", err)
	}
	defer rows.Close()

	var out []*model.GraphEdge
	for rows.Next() {
		var e model.GraphEdge
		var metaRaw []byte
		if err := rows.Scan(&e.ID, &e.SourceNodeID, &e.TargetNodeID, &e.RelationshipType, &e.Confidence,
			&e.DiscoveredVia, &metaRaw); err != nil {
			return nil, err
		}
		_ = fromJSON(metaRaw, &e.Metadata)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) RecordChange(ctx context.Context, change *model.ChangeRecord) error {
	query := fmt.Sprintf(`INSERT INTO %s (tenant_id, id, node_id, detected_at, change_type, field,
		previous_value, new_value, source) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING`, s.tables.changes)
	_, err := s.db.ExecContext(ctx, query, s.cfg.TenantID, change.ID, change.NodeID, change.DetectedAt,
		change.ChangeType, change.Field, change.PreviousValue, change.NewValue, change.Source)
	if err != nil {
		return fmt.Errorf("relational: record change: %w", err)
	}
	return nil
}

func (s *Store) QueryChanges(ctx context.Context, filter storage.ChangeFilter) ([]*model.ChangeRecord, error) {
	where := []string{"tenant_id = $1"}
	args := []any{s.cfg.TenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = "+arg(filter.NodeID))
	}
	if !filter.Since.IsZero() {
		where = append(where, "detected_at >= "+arg(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "detected_at <= "+arg(filter.Until))
	}
	query := fmt.Sprintf(`SELECT id, node_id, detected_at, change_type, field, previous_value, new_value,
		source FROM %s WHERE %s ORDER BY detected_at`, s.tables.changes, strings.Join(where, " AND "))
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("relational: query changes: %w", err)
	}
	defer rows.Close()

	var out []*model.ChangeRecord
	for rows.Next() {
		var c model.ChangeRecord
		if err := rows.Scan(&c.ID, &c.NodeID, &c.DetectedAt, &c.ChangeType, &c.Field, &c.PreviousValue,
			&c.NewValue, &c.Source); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *Store) SaveGroup(ctx context.Context, group *model.Group) error {
	nodeIDsJSON, err := toJSON(group.NodeIDs)
	if err != nil {
		return err
	}
	tagsJSON, err := toJSON(group.TagsMatch)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (tenant_id, id, name, node_ids, tags_match) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, node_ids = EXCLUDED.node_ids,
			tags_match = EXCLUDED.tags_match`, s.tables.groups)
	_, err = s.db.ExecContext(ctx, query, s.cfg.TenantID, group.ID, group.Name, nodeIDsJSON, tagsJSON)
	if err != nil {
		return fmt.Errorf("relational: save group: %w", err)
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	query := fmt.Sprintf(`SELECT id, name, node_ids, tags_match FROM %s WHERE id = $1 AND tenant_id = $2`, s.tables.groups)
	var g model.Group
	var nodeIDsRaw, tagsRaw []byte
	row := s.db.QueryRowxContext(ctx, query, id, s.cfg.TenantID)
	if err := row.Scan(&g.ID, &g.Name, &nodeIDsRaw, &tagsRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("relational: get group: %w", err)
	}
	_ = fromJSON(nodeIDsRaw, &g.NodeIDs)
	_ = fromJSON(tagsRaw, &g.TagsMatch)
	return &g, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]*model.Group, error) {
	query := fmt.Sprintf(`SELECT id, name, node_ids, tags_match FROM %s WHERE tenant_id = $1 ORDER BY id`, s.tables.groups)
	rows, err := s.db.QueryxContext(ctx, query, s.cfg.TenantID)
	if err != nil {
		return nil, fmt.Errorf("relational: list groups: %w", err)
	}
	defer rows.Close()

	var out []*model.Group
	for rows.Next() {
		var g model.Group
		var nodeIDsRaw, tagsRaw []byte
		if err := rows.Scan(&g.ID, &g.Name, &nodeIDsRaw, &tagsRaw); err != nil {
			return nil, err
		}
		_ = fromJSON(nodeIDsRaw, &g.NodeIDs)
		_ = fromJSON(tagsRaw, &g.TagsMatch)
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *Store) GetStats(ctx context.Context) (storage.GraphStats, error) {
	stats := storage.GraphStats{
		NodesByProvider:     make(map[model.Provider]int),
		NodesByResourceType: make(map[model.ResourceType]int),
		EdgesByRelationship: make(map[model.RelationshipType]int),
	}

	nodeRows, err := s.db.QueryxContext(ctx, fmt.Sprintf(
		`SELECT provider, resource_type, COALESCE(cost_monthly, 0) FROM %s WHERE tenant_id = $1 AND deleted = false`,
		s.tables.nodes), s.cfg.TenantID)
	if err != nil {
		return stats, fmt.Errorf("relational: stats nodes: %w", err)
	}
	defer nodeRows.Close()
	for nodeRows.Next() {
		var provider model.Provider
		var resourceType model.ResourceType
		var cost float64
		if err := nodeRows.Scan(&provider, &resourceType, &cost); err != nil {
			return stats, err
		}
		stats.TotalNodes++
		stats.NodesByProvider[provider]++
		stats.NodesByResourceType[resourceType]++
		stats.TotalCostMonthly += cost
	}

	edgeRows, err := s.db.QueryxContext(ctx, fmt.Sprintf(
		`SELECT relationship_type FROM %s WHERE tenant_id = $1`, s.tables.edges), s.cfg.TenantID)
	if err != nil {
		return stats, fmt.Errorf("relational: stats edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var relType model.RelationshipType
		if err := edgeRows.Scan(&relType); err != nil {
			return stats, err
		}
		stats.TotalEdges++
		stats.EdgesByRelationship[relType]++
	}

	row := s.db.QueryRowxContext(ctx, fmt.Sprintf(
		`SELECT MIN(detected_at), MAX(detected_at) FROM %s WHERE tenant_id = $1`, s.tables.changes), s.cfg.TenantID)
	var oldest, newest sql.NullTime
	if err := row.Scan(&oldest, &newest); err == nil {
		if oldest.Valid {
			stats.OldestChangeAt = oldest.Time
		}
		if newest.Valid {
			stats.NewestChangeAt = newest.Time
		}
	}

	return stats, nil
}

func (s *Store) MarkMissing(ctx context.Context, syncID string, scope storage.NodeFilter, graceSyncs int) ([]string, error) {
	nodes, err := s.QueryNodes(ctx, scope)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("relational: begin mark missing: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var affected []string
	update := fmt.Sprintf(`UPDATE %s SET disappeared = $1, deleted = $2, deleted_at = $3, last_sync_id = $4 WHERE id = $5 AND tenant_id = $6`, s.tables.nodes)
	for _, n := range nodes {
		if n.Deleted {
			continue
		}
		if n.LastSyncID == syncID {
			continue
		}
		disappeared := n.Disappeared + 1
		deleted := disappeared > graceSyncs
		var deletedAt *time.Time
		if deleted {
			deletedAt = &now
		}
		if _, err := tx.ExecContext(ctx, update, disappeared, deleted, deletedAt, syncID, n.ID, s.cfg.TenantID); err != nil {
			return nil, fmt.Errorf("relational: mark missing %s: %w", n.ID, err)
		}
		affected = append(affected, n.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("relational: commit mark missing: %w", err)
	}
	sort.Strings(affected)
	return affected, nil
}
