package state

import (
	"context"
	"testing"

	"github.com/keeldb/keel/internal/changeset"
	"github.com/keeldb/keel/internal/logging"
	"github.com/keeldb/keel/internal/maintenance"
)

func testApplier() (*Applier, *Store) {
	store := testStore()
	return NewApplier(store, "PRMR-0001", logging.NewDevelopment()), store
}

func testAction(t *testing.T, name, db, shard string, extra map[string]string, payload *changeset.Document) *maintenance.ActionDescription {
	t.Helper()
	props := map[string]string{
		maintenance.PropName:     name,
		maintenance.PropDatabase: db,
	}
	if shard != "" {
		props[maintenance.PropShard] = shard
	}
	for k, v := range extra {
		props[k] = v
	}
	action, err := maintenance.NewActionDescription(props, maintenance.NormalPriority, false, payload)
	if err != nil {
		t.Fatalf("Failed to build action: %v", err)
	}
	return action
}

func TestApplierDatabaseActions(t *testing.T) {
	a, store := testApplier()
	ctx := context.Background()

	if err := a.Apply(ctx, testAction(t, maintenance.CreateDatabase, "db1", "", nil, nil)); err != nil {
		t.Fatalf("CreateDatabase failed: %v", err)
	}
	if !store.HasDatabase("db1") {
		t.Error("Expected db1 after CreateDatabase")
	}

	if err := a.Apply(ctx, testAction(t, maintenance.DropDatabase, "db1", "", nil, nil)); err != nil {
		t.Fatalf("DropDatabase failed: %v", err)
	}
	if store.HasDatabase("db1") {
		t.Error("Expected db1 gone after DropDatabase")
	}
}

func TestApplierCreateCollection(t *testing.T) {
	a, store := testApplier()

	payload := changeset.FromMap(map[string]interface{}{
		"waitForSync": true,
		"shards": map[string]interface{}{
			"s100": []interface{}{"_PRMR-0001", "PRMR-0002", "PRMR-0003"},
		},
	})
	action := testAction(t, maintenance.CreateCollection, "db1", "s100", map[string]string{
		maintenance.PropCollection: "10000001",
		maintenance.PropLeader:     "",
	}, payload)

	if err := a.Apply(context.Background(), action); err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}

	doc, ok := store.Shard("db1", "s100")
	if !ok {
		t.Fatal("Expected shard s100 after CreateCollection")
	}
	if v, _ := doc.String(changeset.FieldName); v != "s100" {
		t.Errorf("name = %q, want shard name", v)
	}
	if v, _ := doc.String(changeset.FieldPlanID); v != "10000001" {
		t.Errorf("planId = %q", v)
	}
	if v, _ := doc.String(changeset.FieldTheLeader); v != "" {
		t.Errorf("theLeader = %q, want self", v)
	}
	if v, _ := doc.Bool("waitForSync"); !v {
		t.Error("Expected waitForSync carried over from parameters")
	}
	if doc.Has(changeset.FieldShards) {
		t.Error("Shard map must not leak into the shard document")
	}
	servers, ok := doc.StringSlice(changeset.FieldServers)
	if !ok || len(servers) != 3 {
		t.Fatalf("servers = %v", servers)
	}
	// The resigned-leader marker is plan syntax, not local state.
	if servers[0] != "PRMR-0001" {
		t.Errorf("servers[0] = %q, want the prefix stripped", servers[0])
	}
}

// A follower-created shard does not track the replica set; only the
// acting leader keeps the servers list.
func TestApplierCreateCollectionFollowerOmitsServers(t *testing.T) {
	a, store := testApplier()

	payload := changeset.FromMap(map[string]interface{}{
		"shards": map[string]interface{}{
			"s100": []interface{}{"PRMR-0002", "PRMR-0001"},
		},
	})
	action := testAction(t, maintenance.CreateCollection, "db1", "s100", map[string]string{
		maintenance.PropCollection: "10000001",
		maintenance.PropLeader:     "PRMR-0002",
	}, payload)

	if err := a.Apply(context.Background(), action); err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}

	doc, ok := store.Shard("db1", "s100")
	if !ok {
		t.Fatal("Expected shard s100 after CreateCollection")
	}
	if v, _ := doc.String(changeset.FieldTheLeader); v != "PRMR-0002" {
		t.Errorf("theLeader = %q", v)
	}
	if doc.Has(changeset.FieldServers) {
		t.Error("Follower shard must not carry a servers list")
	}
}

func TestApplierCreateCollectionRequiresParameters(t *testing.T) {
	a, _ := testApplier()
	action := testAction(t, maintenance.CreateCollection, "db1", "s100", nil, nil)
	if err := a.Apply(context.Background(), action); err == nil {
		t.Error("Expected error for CreateCollection without parameters")
	}
}

func TestApplierDropCollection(t *testing.T) {
	a, store := testApplier()
	store.PutShard("db1", "s100", shardDoc("10000001", ""))

	action := testAction(t, maintenance.DropCollection, "db1", "s100", map[string]string{
		maintenance.PropCollection: "10000001",
	}, nil)
	if err := a.Apply(context.Background(), action); err != nil {
		t.Fatalf("DropCollection failed: %v", err)
	}
	if _, ok := store.Shard("db1", "s100"); ok {
		t.Error("Expected shard gone after DropCollection")
	}
}

func TestApplierUpdateCollectionMergesProperties(t *testing.T) {
	a, store := testApplier()
	store.PutShard("db1", "s100", map[string]interface{}{
		"planId":      "10000001",
		"theLeader":   "",
		"waitForSync": false,
	})

	payload := changeset.FromMap(map[string]interface{}{"waitForSync": true})
	action := testAction(t, maintenance.UpdateCollection, "db1", "s100", nil, payload)
	if err := a.Apply(context.Background(), action); err != nil {
		t.Fatalf("UpdateCollection failed: %v", err)
	}

	doc, _ := store.Shard("db1", "s100")
	if v, _ := doc.Bool("waitForSync"); !v {
		t.Error("Expected waitForSync updated")
	}
	if v, _ := doc.String("planId"); v != "10000001" {
		t.Error("Untouched properties must survive the update")
	}
}

func TestApplierUpdateCollectionDropsFollowers(t *testing.T) {
	a, store := testApplier()
	store.PutShard("db1", "s100", map[string]interface{}{
		"planId":    "10000001",
		"theLeader": "",
		"servers":   []interface{}{"PRMR-0001", "PRMR-0002", "PRMR-0003"},
	})

	action := testAction(t, maintenance.UpdateCollection, "db1", "s100", map[string]string{
		maintenance.PropFollowersToDrop: "PRMR-0002,PRMR-0003",
	}, nil)
	if err := a.Apply(context.Background(), action); err != nil {
		t.Fatalf("UpdateCollection failed: %v", err)
	}

	doc, _ := store.Shard("db1", "s100")
	servers, _ := doc.StringSlice(changeset.FieldServers)
	if len(servers) != 1 || servers[0] != "PRMR-0001" {
		t.Errorf("servers = %v, want only the leader left", servers)
	}
}

func TestApplierUpdateCollectionRequiresChanges(t *testing.T) {
	a, store := testApplier()
	store.PutShard("db1", "s100", shardDoc("10000001", ""))

	action := testAction(t, maintenance.UpdateCollection, "db1", "s100", nil, nil)
	if err := a.Apply(context.Background(), action); err == nil {
		t.Error("Expected error for UpdateCollection without payload or followersToDrop")
	}
}

func TestApplierIndexActions(t *testing.T) {
	a, store := testApplier()
	store.PutShard("db1", "s100", map[string]interface{}{
		"planId":    "10000001",
		"theLeader": "",
		"indexes": []interface{}{
			map[string]interface{}{"id": "0", "type": "primary"},
		},
	})
	ctx := context.Background()

	payload := changeset.FromMap(map[string]interface{}{
		"id": "101", "type": "hash", "fields": []interface{}{"value"},
	})
	ensure := testAction(t, maintenance.EnsureIndex, "db1", "s100", map[string]string{
		maintenance.PropIndex: "101",
	}, payload)
	if err := a.Apply(ctx, ensure); err != nil {
		t.Fatalf("EnsureIndex failed: %v", err)
	}

	doc, _ := store.Shard("db1", "s100")
	indexes, _ := doc.Array(changeset.FieldIndexes)
	if len(indexes) != 2 {
		t.Fatalf("Expected 2 indexes, got %d", len(indexes))
	}

	drop := testAction(t, maintenance.DropIndex, "db1", "s100", map[string]string{
		maintenance.PropIndex: "101",
	}, nil)
	if err := a.Apply(ctx, drop); err != nil {
		t.Fatalf("DropIndex failed: %v", err)
	}

	doc, _ = store.Shard("db1", "s100")
	indexes, _ = doc.Array(changeset.FieldIndexes)
	if len(indexes) != 1 {
		t.Fatalf("Expected 1 index after drop, got %d", len(indexes))
	}
	def, _ := indexes[0].(map[string]interface{})
	if def["type"] != "primary" {
		t.Error("Primary index must survive DropIndex of another index")
	}
}

func TestApplierDropIndexRequiresIndexID(t *testing.T) {
	a, store := testApplier()
	store.PutShard("db1", "s100", shardDoc("10000001", ""))

	action := testAction(t, maintenance.DropIndex, "db1", "s100", nil, nil)
	if err := a.Apply(context.Background(), action); err == nil {
		t.Error("Expected error for DropIndex without an index id")
	}
}

func TestApplierLeadershipActions(t *testing.T) {
	a, store := testApplier()
	store.PutShard("db1", "s100", shardDoc("10000001", "PRMR-0002"))
	ctx := context.Background()

	takeover := testAction(t, maintenance.TakeoverShardLeadership, "db1", "s100", map[string]string{
		maintenance.PropLocalLeader:   "PRMR-0002",
		maintenance.PropPlanRaftIndex: "7",
	}, nil)
	if err := a.Apply(ctx, takeover); err != nil {
		t.Fatalf("TakeoverShardLeadership failed: %v", err)
	}
	doc, _ := store.Shard("db1", "s100")
	if v, _ := doc.String("theLeader"); v != "" {
		t.Errorf("theLeader = %q after takeover, want leading", v)
	}

	resign := testAction(t, maintenance.ResignShardLeadership, "db1", "s100", nil, nil)
	if err := a.Apply(ctx, resign); err != nil {
		t.Fatalf("ResignShardLeadership failed: %v", err)
	}
	doc, _ = store.Shard("db1", "s100")
	if v, _ := doc.String("theLeader"); v != maintenance.LeaderNotYetKnown {
		t.Errorf("theLeader = %q after resign", v)
	}
}

func TestApplierUnknownAction(t *testing.T) {
	a, _ := testApplier()
	action := testAction(t, "CompactShard", "db1", "s100", nil, nil)
	if err := a.Apply(context.Background(), action); err == nil {
		t.Error("Expected error for unknown action name")
	}
}

func TestApplierCancelledContext(t *testing.T) {
	a, store := testApplier()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	action := testAction(t, maintenance.CreateDatabase, "db1", "", nil, nil)
	if err := a.Apply(ctx, action); err == nil {
		t.Error("Expected error for cancelled context")
	}
	if store.HasDatabase("db1") {
		t.Error("Cancelled action must not mutate the store")
	}
}
