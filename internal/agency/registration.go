package agency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/keeldb/keel/internal/logging"
)

const serversPrefix = "/keel/servers"

// ServerInfo is the record a maintenance node announces about itself.
// RebootID changes on every process start; the supervisor compares it
// against the one recorded in the Plan to detect rebooted leaders.
type ServerInfo struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	ShardCount int       `json:"shardCount"`
	RebootID   int64     `json:"rebootId"`
	StartedAt  time.Time `json:"startedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ServerRegistration keeps this node's presence record in etcd alive
// under a lease, so the record disappears when the node does.
type ServerRegistration struct {
	client  *clientv3.Client
	leaseID clientv3.LeaseID
	info    ServerInfo
	logger  *logging.Logger
}

// NewServerRegistration creates a registration for this node. The reboot
// id is taken from the current time at construction.
func NewServerRegistration(client *clientv3.Client, id, address string, logger *logging.Logger) *ServerRegistration {
	now := time.Now()
	return &ServerRegistration{
		client: client,
		info: ServerInfo{
			ID:        id,
			Address:   address,
			RebootID:  now.UnixNano(),
			StartedAt: now,
		},
		logger: logger,
	}
}

// Register announces the node and starts the keep-alive loop. shardCount
// is the number of local shards found by the state scan.
func (r *ServerRegistration) Register(ctx context.Context, shardCount int) error {
	r.info.ShardCount = shardCount
	r.info.UpdatedAt = time.Now()

	lease, err := r.client.Grant(ctx, 10)
	if err != nil {
		return fmt.Errorf("failed to create server lease: %w", err)
	}
	r.leaseID = lease.ID

	if err := r.put(ctx); err != nil {
		return err
	}

	r.logger.Info("Server registered",
		"server_id", r.info.ID,
		"address", r.info.Address,
		"shards", shardCount,
		"lease_id", int64(r.leaseID))

	go r.keepAlive(ctx)
	return nil
}

// Deregister removes the presence record and releases the lease.
func (r *ServerRegistration) Deregister(ctx context.Context) error {
	if _, err := r.client.Delete(ctx, r.key()); err != nil {
		return fmt.Errorf("failed to deregister server: %w", err)
	}
	if r.leaseID != 0 {
		_, _ = r.client.Revoke(ctx, r.leaseID)
	}
	r.logger.Info("Server deregistered", "server_id", r.info.ID)
	return nil
}

func (r *ServerRegistration) key() string {
	return fmt.Sprintf("%s/%s", serversPrefix, r.info.ID)
}

func (r *ServerRegistration) put(ctx context.Context) error {
	data, err := json.Marshal(r.info)
	if err != nil {
		return fmt.Errorf("failed to marshal server info: %w", err)
	}
	if _, err := r.client.Put(ctx, r.key(), string(data), clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to register server: %w", err)
	}
	return nil
}

// keepAlive holds the lease open, re-registering with a fresh lease (and
// the same reboot id) when the channel closes unexpectedly.
func (r *ServerRegistration) keepAlive(ctx context.Context) {
	ch, err := r.client.KeepAlive(ctx, r.leaseID)
	if err != nil {
		r.logger.Error("Failed to start server keep-alive", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ka, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("Server lease lost, re-registering")
				time.Sleep(2 * time.Second)
				if err := r.Register(ctx, r.info.ShardCount); err != nil {
					r.logger.Error("Failed to re-register server", "error", err)
				}
				return
			}
			if ka == nil {
				continue
			}
			r.logger.Debug("Server heartbeat", "ttl", ka.TTL)
		}
	}
}
