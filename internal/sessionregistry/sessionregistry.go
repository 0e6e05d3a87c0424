// Package sessionregistry tracks which operator connections are subscribed
// to which console sessions, backed by a shared key-value store so that
// membership is visible across every fan-out hub instance behind a load
// balancer.
//
// Every membership update touches two keys -- the per-server connection set
// and the per-connection server set -- and must never be visible half-done,
// so updates go through the store's native transaction rather than a
// read-modify-write round trip.
package sessionregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the sliding expiry renewed on every touch to a connection's
// membership keys, so a hub crash without a clean disconnect self-heals.
const DefaultTTL = 2 * time.Hour

// Store is the session registry contract. Implementations must add/remove
// both directions of a membership atomically.
type Store interface {
	AddConnection(ctx context.Context, connID, serverID, tenantID, operatorID string) error
	RemoveConnection(ctx context.Context, connID, serverID string) error
	RemoveAllConnections(ctx context.Context, connID string) error
	IsConnectedToServer(ctx context.Context, connID, serverID string) (bool, error)
	GetServerConnections(ctx context.Context, serverID string) ([]string, error)
	GetConnectionServers(ctx context.Context, connID string) ([]string, error)
}

type connectionMeta struct {
	OperatorID string    `json:"operatorId"`
	TenantID   string    `json:"tenantId"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// RedisStore is the production Store backed by Redis sets, used across
// every hub instance.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func serverConnectionsKey(serverID string) string { return "server:" + serverID + ":connections" }
func connectionServersKey(connID string) string    { return "conn:" + connID + ":servers" }
func metadataKey(connID, serverID string) string   { return "metadata:" + connID + ":" + serverID }

// AddConnection registers connID against serverID in both directions and
// writes the join metadata, all inside one Redis transaction so a concurrent
// disconnect can never observe only one side of the membership.
func (s *RedisStore) AddConnection(ctx context.Context, connID, serverID, tenantID, operatorID string) error {
	meta := connectionMeta{OperatorID: operatorID, TenantID: tenantID, JoinedAt: time.Now()}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal connection metadata: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, serverConnectionsKey(serverID), connID)
		pipe.Expire(ctx, serverConnectionsKey(serverID), s.ttl)
		pipe.SAdd(ctx, connectionServersKey(connID), serverID)
		pipe.Expire(ctx, connectionServersKey(connID), s.ttl)
		pipe.Set(ctx, metadataKey(connID, serverID), data, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add connection %s to server %s: %w", connID, serverID, err)
	}
	return nil
}

// RemoveConnection tears down both directions of a single membership.
func (s *RedisStore) RemoveConnection(ctx context.Context, connID, serverID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, serverConnectionsKey(serverID), connID)
		pipe.SRem(ctx, connectionServersKey(connID), serverID)
		pipe.Del(ctx, metadataKey(connID, serverID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove connection %s from server %s: %w", connID, serverID, err)
	}
	return nil
}

// RemoveAllConnections tears down every server membership for connID, used
// when the operator's websocket closes.
func (s *RedisStore) RemoveAllConnections(ctx context.Context, connID string) error {
	servers, err := s.client.SMembers(ctx, connectionServersKey(connID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("list servers for connection %s: %w", connID, err)
	}
	if len(servers) == 0 {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, serverID := range servers {
			pipe.SRem(ctx, serverConnectionsKey(serverID), connID)
			pipe.Del(ctx, metadataKey(connID, serverID))
		}
		pipe.Del(ctx, connectionServersKey(connID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove all connections for %s: %w", connID, err)
	}
	return nil
}

func (s *RedisStore) IsConnectedToServer(ctx context.Context, connID, serverID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, serverConnectionsKey(serverID), connID).Result()
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) GetServerConnections(ctx context.Context, serverID string) ([]string, error) {
	conns, err := s.client.SMembers(ctx, serverConnectionsKey(serverID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list connections for server %s: %w", serverID, err)
	}
	return conns, nil
}

func (s *RedisStore) GetConnectionServers(ctx context.Context, connID string) ([]string, error) {
	servers, err := s.client.SMembers(ctx, connectionServersKey(connID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list servers for connection %s: %w", connID, err)
	}
	return servers, nil
}
