// Package redisstore implements storage.Backend on top of Redis, for relay
// deployments with more than one server instance sharing client and
// request state. The keyspace mirrors the reference implementation:
//
//	tunnel_clients_{client_id}           hash   tunnel_id -> TunnelClient (JSON)
//	tunnel_clients_alias_map             hash   alias -> client_id
//	public_requests_{client_id}          list   queued requests (JSON)
//	pending_public_requests_{client_id}  hash   request_id -> "1"
//	public_responses_{client_id}         hash   request_id -> response (JSON)
//	request_cache                        hash   cache key -> Cache (JSON)
//	request_cache_config                 hash   config key -> CacheConfig (JSON)
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fluxrelay/trabas/internal/relayerr"
	"github.com/fluxrelay/trabas/protocol"
	"github.com/fluxrelay/trabas/storage"
)

const (
	keyClientsPrefix  = "tunnel_clients_"
	keyAliasMap       = "tunnel_clients_alias_map"
	keyRequestsPrefix = "public_requests_"
	keyPendingPrefix  = "pending_public_requests_"
	keyResponsePrefix = "public_responses_"
	keyCache          = "request_cache"
	keyCacheConfig    = "request_cache_config"
)

// New builds a storage.Backend backed by an existing *redis.Client. The
// caller owns the client's lifecycle (dialing, TLS, auth).
func New(rdb *redis.Client) *storage.Backend {
	return &storage.Backend{
		Clients:   &clientRegistry{rdb: rdb},
		Requests:  &requestQueue{rdb: rdb},
		Responses: &responseStore{rdb: rdb},
		Cache:     &cacheStore{rdb: rdb},
	}
}

func wrapErr(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return relayerr.Wrap(relayerr.PathServer, relayerr.StageStorage, relayerr.CodeStorage, err)
}

type clientRegistry struct{ rdb *redis.Client }

func (r *clientRegistry) Create(ctx context.Context, clientID, tunnelID string, c protocol.TunnelClient) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return wrapErr(r.rdb.HSet(ctx, keyClientsPrefix+clientID, tunnelID, body).Err())
}

func (r *clientRegistry) CreateAlias(ctx context.Context, alias, clientID string) error {
	return wrapErr(r.rdb.HSet(ctx, keyAliasMap, alias, clientID).Err())
}

func (r *clientRegistry) Get(ctx context.Context, clientID, tunnelID string) (protocol.TunnelClient, bool, error) {
	body, err := r.rdb.HGet(ctx, keyClientsPrefix+clientID, tunnelID).Result()
	if errors.Is(err, redis.Nil) {
		return protocol.TunnelClient{}, false, nil
	}
	if err != nil {
		return protocol.TunnelClient{}, false, wrapErr(err)
	}
	var c protocol.TunnelClient
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return protocol.TunnelClient{}, false, err
	}
	return c, true, nil
}

func (r *clientRegistry) GetAll(ctx context.Context, clientID string) ([]protocol.TunnelClient, error) {
	all, err := r.rdb.HGetAll(ctx, keyClientsPrefix+clientID).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]protocol.TunnelClient, 0, len(all))
	for _, body := range all {
		var c protocol.TunnelClient
		if json.Unmarshal([]byte(body), &c) == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *clientRegistry) GetIDByAlias(ctx context.Context, alias string) (string, bool, error) {
	id, err := r.rdb.HGet(ctx, keyAliasMap, alias).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err)
	}
	return id, true, nil
}

func (r *clientRegistry) GetConnectionCount(ctx context.Context, clientID string) (int, error) {
	n, err := r.rdb.HLen(ctx, keyClientsPrefix+clientID).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return int(n), nil
}

func (r *clientRegistry) Remove(ctx context.Context, clientID, tunnelID string) error {
	return wrapErr(r.rdb.HDel(ctx, keyClientsPrefix+clientID, tunnelID).Err())
}

func (r *clientRegistry) RemoveAlias(ctx context.Context, alias string) error {
	return wrapErr(r.rdb.HDel(ctx, keyAliasMap, alias).Err())
}

type requestQueue struct{ rdb *redis.Client }

func (q *requestQueue) PushBack(ctx context.Context, clientID string, req protocol.PublicRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return wrapErr(q.rdb.LPush(ctx, keyRequestsPrefix+clientID, body).Err())
}

func (q *requestQueue) PopFront(ctx context.Context, clientID string) (protocol.PublicRequest, bool, error) {
	body, err := q.rdb.RPop(ctx, keyRequestsPrefix+clientID).Result()
	if errors.Is(err, redis.Nil) {
		return protocol.PublicRequest{}, false, nil
	}
	if err != nil {
		return protocol.PublicRequest{}, false, wrapErr(err)
	}
	var req protocol.PublicRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return protocol.PublicRequest{}, false, err
	}
	return req, true, nil
}

func (q *requestQueue) QueueLen(ctx context.Context, clientID string) (int, error) {
	n, err := q.rdb.LLen(ctx, keyRequestsPrefix+clientID).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return int(n), nil
}

func (q *requestQueue) AckPending(ctx context.Context, clientID, requestID string) error {
	return wrapErr(q.rdb.HSet(ctx, keyPendingPrefix+clientID, requestID, "1").Err())
}

func (q *requestQueue) AckDone(ctx context.Context, clientID, requestID string) error {
	return wrapErr(q.rdb.HDel(ctx, keyPendingPrefix+clientID, requestID).Err())
}

func (q *requestQueue) IsPending(ctx context.Context, clientID, requestID string) (bool, error) {
	ok, err := q.rdb.HExists(ctx, keyPendingPrefix+clientID, requestID).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return ok, nil
}

type responseStore struct{ rdb *redis.Client }

func (s *responseStore) Set(ctx context.Context, clientID string, resp protocol.PublicResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return wrapErr(s.rdb.HSet(ctx, keyResponsePrefix+clientID, resp.RequestID, body).Err())
}

func (s *responseStore) Pop(ctx context.Context, clientID, requestID string) (protocol.PublicResponse, bool, error) {
	body, err := s.rdb.HGet(ctx, keyResponsePrefix+clientID, requestID).Result()
	if errors.Is(err, redis.Nil) {
		return protocol.PublicResponse{}, false, nil
	}
	if err != nil {
		return protocol.PublicResponse{}, false, wrapErr(err)
	}
	// Best-effort delete: a lost race here only risks a duplicate future
	// read of a response that the request path has already consumed and
	// returned to its caller, never a double HTTP write.
	_ = s.rdb.HDel(ctx, keyResponsePrefix+clientID, requestID).Err()
	var resp protocol.PublicResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return protocol.PublicResponse{}, false, err
	}
	return resp, true, nil
}

type cacheStore struct{ rdb *redis.Client }

// Enabled reports whether a Redis client was supplied. It does not check
// reachability; New performs no PING (cmd/trabas-server pings once at
// startup before calling New).
func (c *cacheStore) Enabled() bool {
	return c.rdb != nil
}

func (c *cacheStore) GetCache(ctx context.Context, key string) (protocol.Cache, bool, error) {
	body, err := c.rdb.HGet(ctx, keyCache, key).Result()
	if errors.Is(err, redis.Nil) {
		return protocol.Cache{}, false, nil
	}
	if err != nil {
		return protocol.Cache{}, false, wrapErr(err)
	}
	var entry protocol.Cache
	if err := json.Unmarshal([]byte(body), &entry); err != nil {
		return protocol.Cache{}, false, err
	}
	return entry, true, nil
}

func (c *cacheStore) SetCache(ctx context.Context, key string, entry protocol.Cache) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return wrapErr(c.rdb.HSet(ctx, keyCache, key, body).Err())
}

func (c *cacheStore) GetCacheConfig(ctx context.Context, key string) (protocol.CacheConfig, bool, error) {
	body, err := c.rdb.HGet(ctx, keyCacheConfig, key).Result()
	if errors.Is(err, redis.Nil) {
		return protocol.CacheConfig{}, false, nil
	}
	if err != nil {
		return protocol.CacheConfig{}, false, wrapErr(err)
	}
	var cfg protocol.CacheConfig
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		return protocol.CacheConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *cacheStore) SetCacheConfig(ctx context.Context, key string, cfg protocol.CacheConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return wrapErr(c.rdb.HSet(ctx, keyCacheConfig, key, body).Err())
}

func (c *cacheStore) RemoveCacheConfig(ctx context.Context, key string) error {
	return wrapErr(c.rdb.HDel(ctx, keyCacheConfig, key).Err())
}

func (c *cacheStore) GetCacheConfigs(ctx context.Context) ([]protocol.CacheConfig, error) {
	all, err := c.rdb.HGetAll(ctx, keyCacheConfig).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]protocol.CacheConfig, 0, len(all))
	for _, body := range all {
		var cfg protocol.CacheConfig
		if err := json.Unmarshal([]byte(body), &cfg); err != nil {
			return nil, fmt.Errorf("redisstore: decode cache config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, nil
}
