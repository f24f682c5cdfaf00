package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/keeldb/keel/internal/changeset"
	"github.com/keeldb/keel/internal/logging"
	"github.com/keeldb/keel/internal/maintenance"
)

// Applier executes maintenance actions against the local state store. It
// is the in-process storage backend of the phase-two executor: every
// action mutates the store so that the next diff pass sees the effect.
type Applier struct {
	store    *Store
	serverID string
	logger   *logging.Logger
}

// NewApplier creates an applier bound to a store.
func NewApplier(store *Store, serverID string, logger *logging.Logger) *Applier {
	return &Applier{store: store, serverID: serverID, logger: logger}
}

// Apply dispatches one action. Unknown action names fail.
func (a *Applier) Apply(ctx context.Context, action *maintenance.ActionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, _ := action.Lookup(maintenance.PropDatabase)
	shard, _ := action.Lookup(maintenance.PropShard)

	switch action.Name() {
	case maintenance.CreateDatabase:
		a.store.EnsureDatabase(db)
		return nil

	case maintenance.DropDatabase:
		a.store.DropDatabase(db)
		return nil

	case maintenance.CreateCollection:
		return a.createCollection(action, db, shard)

	case maintenance.DropCollection:
		a.store.DropShard(db, shard)
		return nil

	case maintenance.UpdateCollection:
		return a.updateCollection(action, db, shard)

	case maintenance.EnsureIndex:
		return a.ensureIndex(action, db, shard)

	case maintenance.DropIndex:
		return a.dropIndex(action, db, shard)

	case maintenance.TakeoverShardLeadership:
		return a.store.UpdateShard(db, shard, func(doc map[string]interface{}) {
			doc[changeset.FieldTheLeader] = ""
		})

	case maintenance.ResignShardLeadership:
		return a.store.UpdateShard(db, shard, func(doc map[string]interface{}) {
			doc[changeset.FieldTheLeader] = maintenance.LeaderNotYetKnown
		})

	default:
		return fmt.Errorf("unknown maintenance action %q", action.Name())
	}
}

func (a *Applier) createCollection(action *maintenance.ActionDescription, db, shard string) error {
	payload := action.Properties()
	if payload == nil {
		return fmt.Errorf("CreateCollection for %s/%s: missing collection parameters", db, shard)
	}
	props, ok := payload.Object()
	if !ok {
		return fmt.Errorf("CreateCollection for %s/%s: parameters are not an object", db, shard)
	}

	doc := make(map[string]interface{}, len(props)+4)
	for k, v := range props {
		if k == changeset.FieldShards {
			continue
		}
		doc[k] = v
	}
	doc[changeset.FieldName] = shard
	if colID, ok := action.Lookup(maintenance.PropCollection); ok {
		doc[changeset.FieldPlanID] = colID
	}
	leader, _ := action.Lookup(maintenance.PropLeader)
	doc[changeset.FieldTheLeader] = leader

	// Only an acting leader tracks the shard's replica set; a follower
	// learns it when it takes leadership over.
	if leader == "" {
		if servers, ok := payload.StringSlice(changeset.FieldShards, shard); ok {
			plain := make([]interface{}, 0, len(servers))
			for _, s := range servers {
				plain = append(plain, strings.TrimPrefix(s, "_"))
			}
			doc[changeset.FieldServers] = plain
		}
	}

	a.store.PutShard(db, shard, doc)
	a.logger.Debug("Created local shard", "database", db, "shard", shard, "leader", leader)
	return nil
}

func (a *Applier) updateCollection(action *maintenance.ActionDescription, db, shard string) error {
	if toDrop, ok := action.Lookup(maintenance.PropFollowersToDrop); ok && toDrop != "" {
		dropped := make(map[string]struct{})
		for _, s := range strings.Split(toDrop, ",") {
			dropped[s] = struct{}{}
		}
		return a.store.UpdateShard(db, shard, func(doc map[string]interface{}) {
			servers, _ := doc[changeset.FieldServers].([]interface{})
			kept := make([]interface{}, 0, len(servers))
			for _, s := range servers {
				name, _ := s.(string)
				if _, gone := dropped[name]; !gone {
					kept = append(kept, s)
				}
			}
			doc[changeset.FieldServers] = kept
		})
	}

	payload := action.Properties()
	if payload == nil {
		return fmt.Errorf("UpdateCollection for %s/%s: empty update", db, shard)
	}
	changed, ok := payload.Object()
	if !ok {
		return fmt.Errorf("UpdateCollection for %s/%s: payload is not an object", db, shard)
	}
	return a.store.UpdateShard(db, shard, func(doc map[string]interface{}) {
		for k, v := range changed {
			doc[k] = v
		}
	})
}

func (a *Applier) ensureIndex(action *maintenance.ActionDescription, db, shard string) error {
	payload := action.Properties()
	if payload == nil {
		return fmt.Errorf("EnsureIndex for %s/%s: missing index definition", db, shard)
	}
	def, ok := payload.Object()
	if !ok {
		return fmt.Errorf("EnsureIndex for %s/%s: definition is not an object", db, shard)
	}
	return a.store.UpdateShard(db, shard, func(doc map[string]interface{}) {
		indexes, _ := doc[changeset.FieldIndexes].([]interface{})
		doc[changeset.FieldIndexes] = append(indexes, def)
	})
}

func (a *Applier) dropIndex(action *maintenance.ActionDescription, db, shard string) error {
	indexID, err := action.Get(maintenance.PropIndex)
	if err != nil {
		return err
	}
	return a.store.UpdateShard(db, shard, func(doc map[string]interface{}) {
		indexes, _ := doc[changeset.FieldIndexes].([]interface{})
		kept := make([]interface{}, 0, len(indexes))
		for _, raw := range indexes {
			def, _ := raw.(map[string]interface{})
			if id, _ := def[changeset.FieldID].(string); id == indexID {
				continue
			}
			kept = append(kept, raw)
		}
		doc[changeset.FieldIndexes] = kept
	})
}
