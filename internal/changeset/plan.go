package changeset

import (
	"fmt"
	"sort"
)

// Section names of a per-database Plan changeset document.
const (
	SectionAnalyzers        = "analyzers"
	SectionCollections      = "collections"
	SectionDatabases        = "databases"
	SectionViews            = "views"
	SectionReplicatedLogs   = "replicatedLogs"
	SectionReplicatedStates = "replicatedStates"
)

// Well-known field names within Plan and Local documents.
const (
	FieldName                  = "name"
	FieldPlanID                = "planId"
	FieldTheLeader             = "theLeader"
	FieldServers               = "servers"
	FieldShards                = "shards"
	FieldIndexes               = "indexes"
	FieldID                    = "id"
	FieldType                  = "type"
	FieldWaitForSync           = "waitForSync"
	FieldCacheEnabled          = "cacheEnabled"
	FieldSchema                = "schema"
	FieldInternalValidatorType = "internalValidatorType"
)

// ComparableProperties are the mutable collection-level fields the diff
// engine compares between Plan and Local.
var ComparableProperties = []string{
	FieldWaitForSync,
	FieldCacheEnabled,
	FieldSchema,
	FieldInternalValidatorType,
}

// IndexSpec describes one index of a planned or local collection.
type IndexSpec struct {
	ID     string
	Type   string
	Fields []string
	Def    map[string]interface{}
}

// IsPrimary reports whether this is the implicit primary index, which is
// never created or dropped by maintenance.
func (s IndexSpec) IsPrimary() bool {
	return s.Type == "primary"
}

// PlanCollection is a typed view over one collection entry of a Plan
// changeset document.
type PlanCollection struct {
	ID      string
	Name    string
	Shards  map[string][]string
	Indexes []IndexSpec
	props   map[string]interface{}
}

// Property returns a comparable collection property, if set.
func (c PlanCollection) Property(name string) (interface{}, bool) {
	v, ok := c.props[name]
	return v, ok
}

// Props returns the full collection parameter object (read-only).
func (c PlanCollection) Props() map[string]interface{} {
	return c.props
}

// ShardNames returns the collection's shard names in sorted order.
func (c PlanCollection) ShardNames() []string {
	names := make([]string, 0, len(c.Shards))
	for name := range c.Shards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PlanHasDatabase reports whether the Plan changeset declares the database.
func PlanHasDatabase(doc *Document, database string) bool {
	return doc != nil && doc.Has(SectionDatabases, database)
}

// PlanCollections extracts the typed collection views from a Plan changeset
// document. A malformed collection entry fails the whole extraction; the
// caller treats that as a per-database structural error.
func PlanCollections(doc *Document) (map[string]PlanCollection, error) {
	out := make(map[string]PlanCollection)
	if doc == nil {
		return out, nil
	}
	cols, ok := doc.Object(SectionCollections)
	if !ok {
		// No collections section means no collections planned.
		return out, nil
	}
	for id, raw := range cols {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("plan collection %s: expected object, got %T", id, raw)
		}
		col := PlanCollection{
			ID:     id,
			Shards: make(map[string][]string),
			props:  entry,
		}
		if name, ok := entry[FieldName].(string); ok {
			col.Name = name
		}
		shards, ok := entry[FieldShards].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("plan collection %s: missing shards object", id)
		}
		for shard, rawServers := range shards {
			servers, err := toStringSlice(rawServers)
			if err != nil {
				return nil, fmt.Errorf("plan collection %s shard %s: %w", id, shard, err)
			}
			col.Shards[shard] = servers
		}
		indexes, err := extractIndexes(entry)
		if err != nil {
			return nil, fmt.Errorf("plan collection %s: %w", id, err)
		}
		col.Indexes = indexes
		out[id] = col
	}
	return out, nil
}

// LocalShard is a typed view over one shard entry of a Local changeset
// document.
type LocalShard struct {
	Name      string
	PlanID    string
	TheLeader string
	Servers   []string
	Indexes   []IndexSpec
	props     map[string]interface{}
}

// Property returns a comparable collection property of the local shard.
func (s LocalShard) Property(name string) (interface{}, bool) {
	v, ok := s.props[name]
	return v, ok
}

// LocalShards extracts the typed shard views from a Local changeset
// document (database name -> shard name -> shard state).
func LocalShards(doc *Document) (map[string]LocalShard, error) {
	out := make(map[string]LocalShard)
	if doc == nil {
		return out, nil
	}
	for _, name := range doc.Keys() {
		entry, ok := doc.Object(name)
		if !ok {
			return nil, fmt.Errorf("local shard %s: expected object", name)
		}
		shard := LocalShard{Name: name, props: entry}
		if planID, ok := entry[FieldPlanID].(string); ok {
			shard.PlanID = planID
		}
		leader, ok := entry[FieldTheLeader].(string)
		if !ok {
			return nil, fmt.Errorf("local shard %s: missing theLeader", name)
		}
		shard.TheLeader = leader
		if rawServers, ok := entry[FieldServers]; ok {
			servers, err := toStringSlice(rawServers)
			if err != nil {
				return nil, fmt.Errorf("local shard %s: %w", name, err)
			}
			shard.Servers = servers
		}
		indexes, err := extractIndexes(entry)
		if err != nil {
			return nil, fmt.Errorf("local shard %s: %w", name, err)
		}
		shard.Indexes = indexes
		out[name] = shard
	}
	return out, nil
}

func extractIndexes(entry map[string]interface{}) ([]IndexSpec, error) {
	raw, ok := entry[FieldIndexes]
	if !ok {
		return nil, nil
	}
	arr, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("indexes: expected array, got %T", raw)
	}
	out := make([]IndexSpec, 0, len(arr))
	for i, rawIdx := range arr {
		def, ok := rawIdx.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("index %d: expected object", i)
		}
		spec := IndexSpec{Def: def}
		if id, ok := def[FieldID].(string); ok {
			spec.ID = id
		}
		if typ, ok := def[FieldType].(string); ok {
			spec.Type = typ
		}
		if fields, err := toStringSlice(def["fields"]); err == nil {
			spec.Fields = fields
		}
		out = append(out, spec)
	}
	return out, nil
}

func toStringSlice(v interface{}) ([]string, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array of strings, got %T", v)
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("expected string element, got %T", e)
		}
		out = append(out, s)
	}
	return out, nil
}
