// Package storage declares the persistence interfaces used by the relay
// server: client identity, request/response queues, and the response
// cache. Two backings implement these interfaces: storage/memstore
// (in-process, single relay instance) and storage/redisstore (shared,
// multi-instance deployments).
package storage

import (
	"context"

	"github.com/fluxrelay/trabas/protocol"
)

// ClientRegistry tracks connected tunnel clients and their aliases. A
// client may hold multiple concurrent tunnels, so records are keyed by
// the pair (client id, tunnel id) — matching the hash-of-hashes keyspace
// "tunnel_clients_{client_id}" -> {tunnel_id: TunnelClient JSON}.
type ClientRegistry interface {
	// Create registers c under (clientID, tunnelID), replacing any
	// existing record for that pair.
	Create(ctx context.Context, clientID, tunnelID string, c protocol.TunnelClient) error
	// CreateAlias maps alias to clientID so public requests can route by
	// alias instead of the raw client id.
	CreateAlias(ctx context.Context, alias, clientID string) error
	// Get returns the tunnel record for (clientID, tunnelID), or ok=false
	// if unknown.
	Get(ctx context.Context, clientID, tunnelID string) (c protocol.TunnelClient, ok bool, err error)
	// GetAll returns every live tunnel record for clientID.
	GetAll(ctx context.Context, clientID string) ([]protocol.TunnelClient, error)
	// GetIDByAlias resolves alias back to a client id.
	GetIDByAlias(ctx context.Context, alias string) (id string, ok bool, err error)
	// GetConnectionCount returns the number of live tunnels for a client.
	GetConnectionCount(ctx context.Context, clientID string) (int, error)
	// Remove deletes the (clientID, tunnelID) record.
	Remove(ctx context.Context, clientID, tunnelID string) error
	// RemoveAlias deletes a single alias mapping.
	RemoveAlias(ctx context.Context, alias string) error
}

// RequestQueue holds public requests awaiting pickup by a client, plus a
// pending-marker used to guarantee at-most-once response delivery.
type RequestQueue interface {
	// PushBack enqueues req for clientID.
	PushBack(ctx context.Context, clientID string, req protocol.PublicRequest) error
	// PopFront dequeues the oldest request for clientID, or ok=false if empty.
	PopFront(ctx context.Context, clientID string) (req protocol.PublicRequest, ok bool, err error)
	// QueueLen reports how many requests are queued for clientID.
	QueueLen(ctx context.Context, clientID string) (int, error)
	// AckPending marks requestID as awaiting a response.
	AckPending(ctx context.Context, clientID, requestID string) error
	// AckDone clears the pending marker for requestID.
	AckDone(ctx context.Context, clientID, requestID string) error
	// IsPending reports whether requestID is still awaiting a response.
	IsPending(ctx context.Context, clientID, requestID string) (bool, error)
}

// ResponseStore holds at most one response per request id. Pop is a
// destructive read: a response may be claimed by exactly one waiter.
type ResponseStore interface {
	Set(ctx context.Context, clientID string, resp protocol.PublicResponse) error
	Pop(ctx context.Context, clientID, requestID string) (resp protocol.PublicResponse, ok bool, err error)
}

// CacheStore persists cached response bodies and the per-route cache
// configuration that controls which requests get cached and for how long.
type CacheStore interface {
	// Enabled reports whether this backing can actually serve cache
	// reads/writes. memstore is always enabled; redisstore is enabled
	// whenever it holds a non-nil client, without checking reachability.
	Enabled() bool

	GetCache(ctx context.Context, key string) (protocol.Cache, bool, error)
	SetCache(ctx context.Context, key string, c protocol.Cache) error

	GetCacheConfig(ctx context.Context, key string) (protocol.CacheConfig, bool, error)
	SetCacheConfig(ctx context.Context, key string, cfg protocol.CacheConfig) error
	RemoveCacheConfig(ctx context.Context, key string) error
	GetCacheConfigs(ctx context.Context) ([]protocol.CacheConfig, error)
}

// Backend bundles the four stores a relay server needs. Both memstore and
// redisstore construct a Backend from a single entry point.
type Backend struct {
	Clients   ClientRegistry
	Requests  RequestQueue
	Responses ResponseStore
	Cache     CacheStore
}
