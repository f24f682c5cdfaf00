package agency

import (
	"context"
	"fmt"
	"path"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/keeldb/keel/internal/changeset"
	"github.com/keeldb/keel/internal/config"
	"github.com/keeldb/keel/internal/logging"
)

const defaultPlanPrefix = "/keel/plan"

// EtcdPlan reads the cluster Plan from etcd. Each database's changeset
// document lives under one key, `<prefix>/<database>`, and the etcd store
// revision serves as the plan index.
type EtcdPlan struct {
	client *clientv3.Client
	prefix string
	logger *logging.Logger
}

// NewEtcdPlan connects to etcd and returns a Plan reader.
func NewEtcdPlan(cfg config.EtcdConfig, logger *logging.Logger) (*EtcdPlan, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return NewEtcdPlanWithClient(client, cfg.PlanPrefix, logger), nil
}

// NewEtcdPlanWithClient wraps an existing client (used in tests with an
// embedded server).
func NewEtcdPlanWithClient(client *clientv3.Client, prefix string, logger *logging.Logger) *EtcdPlan {
	if prefix == "" {
		prefix = defaultPlanPrefix
	}
	return &EtcdPlan{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger,
	}
}

// Fetch reads all per-database Plan documents in one ranged get. The
// response header revision becomes the snapshot index, so every document
// in the snapshot is from the same store revision.
func (p *EtcdPlan) Fetch(ctx context.Context) (*Snapshot, error) {
	resp, err := p.client.Get(ctx, p.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch plan from etcd: %w", err)
	}

	snap := &Snapshot{
		Databases: make(map[string]*changeset.Document, len(resp.Kvs)),
		Index:     uint64(resp.Header.Revision),
	}
	for _, kv := range resp.Kvs {
		db := p.databaseFromKey(string(kv.Key))
		if db == "" {
			continue
		}
		doc, err := changeset.Parse(kv.Value)
		if err != nil {
			p.logger.Warn("Skipping malformed plan document",
				"database", db,
				"error", err.Error())
			continue
		}
		snap.Databases[db] = doc
	}
	return snap, nil
}

// Watch streams Plan changes and reports the affected database names. A
// closed or errored watch channel ends the call; the caller decides
// whether to re-establish it.
func (p *EtcdPlan) Watch(ctx context.Context, onChange func(database string)) error {
	watchCh := p.client.Watch(ctx, p.prefix+"/", clientv3.WithPrefix())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-watchCh:
			if !ok {
				return fmt.Errorf("plan watch channel closed")
			}
			if err := resp.Err(); err != nil {
				return fmt.Errorf("plan watch failed: %w", err)
			}
			for _, ev := range resp.Events {
				db := p.databaseFromKey(string(ev.Kv.Key))
				if db == "" {
					continue
				}
				onChange(db)
			}
		}
	}
}

// PutDatabase writes one database's Plan document. Used by tooling and
// tests; the production Plan is written by the cluster's supervisor.
func (p *EtcdPlan) PutDatabase(ctx context.Context, database string, doc *changeset.Document) error {
	data, err := doc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal plan document: %w", err)
	}
	key := path.Join(p.prefix, database)
	if _, err := p.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to store plan document in etcd: %w", err)
	}
	return nil
}

// RemoveDatabase deletes one database's Plan document.
func (p *EtcdPlan) RemoveDatabase(ctx context.Context, database string) error {
	key := path.Join(p.prefix, database)
	if _, err := p.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete plan document from etcd: %w", err)
	}
	return nil
}

// Client exposes the underlying etcd client for collaborators sharing
// the connection, e.g. the server registration.
func (p *EtcdPlan) Client() *clientv3.Client {
	return p.client
}

// Close closes the etcd client.
func (p *EtcdPlan) Close() error {
	return p.client.Close()
}

func (p *EtcdPlan) databaseFromKey(key string) string {
	rest := strings.TrimPrefix(key, p.prefix+"/")
	if rest == key || rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}
