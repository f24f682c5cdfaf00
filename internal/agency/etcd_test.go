package agency

import (
	"context"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"

	"github.com/keeldb/keel/internal/changeset"
	"github.com/keeldb/keel/internal/logging"
)

// setupTestEtcd starts an embedded etcd server on random ports.
func setupTestEtcd(t *testing.T) []string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "etcd-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	cfg := embed.NewConfig()
	cfg.Dir = tmpDir

	clientURL, _ := url.Parse("http://127.0.0.1:0")
	peerURL, _ := url.Parse("http://127.0.0.1:0")
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.LogLevel = "error"
	cfg.Logger = "zap"

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("Failed to start etcd: %v", err)
	}
	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(5 * time.Second):
		e.Close()
		_ = os.RemoveAll(tmpDir)
		t.Fatal("Etcd server took too long to start")
	}

	t.Cleanup(func() {
		e.Close()
		_ = os.RemoveAll(tmpDir)
	})
	return []string{e.Clients[0].Addr().String()}
}

func testPlan(t *testing.T, endpoints []string) *EtcdPlan {
	t.Helper()
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create etcd client: %v", err)
	}
	plan := NewEtcdPlanWithClient(client, "/keel/plan", logging.NewDevelopment())
	t.Cleanup(func() { _ = plan.Close() })
	return plan
}

func planDoc(t *testing.T, data string) *changeset.Document {
	t.Helper()
	doc, err := changeset.Parse([]byte(data))
	if err != nil {
		t.Fatalf("Failed to parse plan document: %v", err)
	}
	return doc
}

func TestEtcdPlanFetchEmpty(t *testing.T) {
	endpoints := setupTestEtcd(t)
	plan := testPlan(t, endpoints)

	snap, err := plan.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(snap.Databases) != 0 {
		t.Errorf("Expected empty snapshot, got %d databases", len(snap.Databases))
	}
}

func TestEtcdPlanPutFetchRemove(t *testing.T) {
	endpoints := setupTestEtcd(t)
	plan := testPlan(t, endpoints)
	ctx := context.Background()

	doc := planDoc(t, `{"collections":{"c100":{"id":"c100","name":"orders","shards":{"s100":["PRMR-0001"]}}}}`)
	if err := plan.PutDatabase(ctx, "db1", doc); err != nil {
		t.Fatalf("PutDatabase failed: %v", err)
	}
	if err := plan.PutDatabase(ctx, "db2", planDoc(t, `{"collections":{}}`)); err != nil {
		t.Fatalf("PutDatabase failed: %v", err)
	}

	snap, err := plan.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(snap.Databases) != 2 {
		t.Fatalf("Expected 2 databases, got %d", len(snap.Databases))
	}
	if snap.Index == 0 {
		t.Error("Expected a non-zero plan index")
	}
	if name, _ := snap.Databases["db1"].String("collections", "c100", "name"); name != "orders" {
		t.Errorf("collection name = %q", name)
	}

	if err := plan.RemoveDatabase(ctx, "db1"); err != nil {
		t.Fatalf("RemoveDatabase failed: %v", err)
	}
	snap2, err := plan.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if _, ok := snap2.Databases["db1"]; ok {
		t.Error("Expected db1 gone after RemoveDatabase")
	}
	if snap2.Index <= snap.Index {
		t.Errorf("Plan index must advance: %d -> %d", snap.Index, snap2.Index)
	}
}

func TestEtcdPlanFetchSkipsMalformedDocuments(t *testing.T) {
	endpoints := setupTestEtcd(t)
	plan := testPlan(t, endpoints)
	ctx := context.Background()

	if _, err := plan.client.Put(ctx, "/keel/plan/bad", "{not json"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := plan.PutDatabase(ctx, "good", planDoc(t, `{"collections":{}}`)); err != nil {
		t.Fatalf("PutDatabase failed: %v", err)
	}

	snap, err := plan.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if _, ok := snap.Databases["bad"]; ok {
		t.Error("Malformed document must be skipped")
	}
	if _, ok := snap.Databases["good"]; !ok {
		t.Error("Well-formed document must survive a malformed sibling")
	}
}

func TestEtcdPlanWatchReportsChangedDatabases(t *testing.T) {
	endpoints := setupTestEtcd(t)
	plan := testPlan(t, endpoints)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	changed := make(map[string]int)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- plan.Watch(ctx, func(database string) {
			mu.Lock()
			changed[database]++
			mu.Unlock()
		})
	}()

	// Give the watch a moment to establish before writing.
	time.Sleep(200 * time.Millisecond)

	if err := plan.PutDatabase(ctx, "db1", planDoc(t, `{"collections":{}}`)); err != nil {
		t.Fatalf("PutDatabase failed: %v", err)
	}
	if err := plan.RemoveDatabase(ctx, "db1"); err != nil {
		t.Fatalf("RemoveDatabase failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := changed["db1"]
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	if changed["db1"] < 2 {
		t.Errorf("Expected put and delete notifications for db1, got %d", changed["db1"])
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-watchDone:
		if err == nil {
			t.Error("Expected context error from cancelled watch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop on cancel")
	}
}

func TestDatabaseFromKey(t *testing.T) {
	plan := &EtcdPlan{prefix: "/keel/plan"}

	cases := map[string]string{
		"/keel/plan/db1":        "db1",
		"/keel/plan/":           "",
		"/keel/plan/db1/nested": "",
		"/other/db1":            "",
	}
	for key, want := range cases {
		if got := plan.databaseFromKey(key); got != want {
			t.Errorf("databaseFromKey(%q) = %q, want %q", key, got, want)
		}
	}
}
