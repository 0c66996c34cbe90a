// Package memstore implements storage.Backend in-process, for a single
// relay instance. Request/response state lives behind mutex-guarded maps
// (matching the reference implementation's ProcMem repositories); the
// response cache and cache configs are held in patrickmn/go-cache. Cache
// entries are stored without a go-cache expiration, so they are never
// evicted in the background; expiry is checked on read by cache.Engine.
package memstore

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/fluxrelay/trabas/internal/relayerr"
	"github.com/fluxrelay/trabas/protocol"
	"github.com/fluxrelay/trabas/storage"
)

// New builds an in-process storage.Backend. Nothing here talks to the
// network.
func New() *storage.Backend {
	return &storage.Backend{
		Clients:   newClientRegistry(),
		Requests:  newRequestQueue(),
		Responses: newResponseStore(),
		Cache:     newCacheStore(),
	}
}

type clientRegistry struct {
	mu      sync.RWMutex
	clients map[string]map[string]protocol.TunnelClient // client_id -> tunnel_id -> record
	aliases map[string]string
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{
		clients: make(map[string]map[string]protocol.TunnelClient),
		aliases: make(map[string]string),
	}
}

func (r *clientRegistry) Create(_ context.Context, clientID, tunnelID string, c protocol.TunnelClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[clientID] == nil {
		r.clients[clientID] = make(map[string]protocol.TunnelClient)
	}
	r.clients[clientID][tunnelID] = c
	return nil
}

func (r *clientRegistry) CreateAlias(_ context.Context, alias, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = clientID
	return nil
}

func (r *clientRegistry) Get(_ context.Context, clientID, tunnelID string) (protocol.TunnelClient, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID][tunnelID]
	return c, ok, nil
}

func (r *clientRegistry) GetAll(_ context.Context, clientID string) ([]protocol.TunnelClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byTunnel := r.clients[clientID]
	out := make([]protocol.TunnelClient, 0, len(byTunnel))
	for _, c := range byTunnel {
		out = append(out, c)
	}
	return out, nil
}

func (r *clientRegistry) GetIDByAlias(_ context.Context, alias string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.aliases[alias]
	return id, ok, nil
}

func (r *clientRegistry) GetConnectionCount(_ context.Context, clientID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients[clientID]), nil
}

func (r *clientRegistry) Remove(_ context.Context, clientID, tunnelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients[clientID], tunnelID)
	if len(r.clients[clientID]) == 0 {
		delete(r.clients, clientID)
	}
	return nil
}

func (r *clientRegistry) RemoveAlias(_ context.Context, alias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aliases, alias)
	return nil
}

type requestQueue struct {
	mu      sync.Mutex
	queues  map[string][]protocol.PublicRequest
	pending map[string]map[string]bool
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		queues:  make(map[string][]protocol.PublicRequest),
		pending: make(map[string]map[string]bool),
	}
}

func (q *requestQueue) PushBack(_ context.Context, clientID string, req protocol.PublicRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[clientID] = append(q.queues[clientID], req)
	return nil
}

func (q *requestQueue) PopFront(_ context.Context, clientID string) (protocol.PublicRequest, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.queues[clientID]
	if len(list) == 0 {
		return protocol.PublicRequest{}, false, nil
	}
	head := list[0]
	q.queues[clientID] = list[1:]
	return head, true, nil
}

func (q *requestQueue) QueueLen(_ context.Context, clientID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[clientID]), nil
}

func (q *requestQueue) AckPending(_ context.Context, clientID, requestID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[clientID] == nil {
		q.pending[clientID] = make(map[string]bool)
	}
	q.pending[clientID][requestID] = true
	return nil
}

func (q *requestQueue) AckDone(_ context.Context, clientID, requestID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending[clientID], requestID)
	return nil
}

func (q *requestQueue) IsPending(_ context.Context, clientID, requestID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[clientID][requestID], nil
}

type responseStore struct {
	mu   sync.Mutex
	resp map[string]map[string]protocol.PublicResponse
}

func newResponseStore() *responseStore {
	return &responseStore{resp: make(map[string]map[string]protocol.PublicResponse)}
}

func (s *responseStore) Set(_ context.Context, clientID string, resp protocol.PublicResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resp[clientID] == nil {
		s.resp[clientID] = make(map[string]protocol.PublicResponse)
	}
	s.resp[clientID][resp.RequestID] = resp
	return nil
}

// Pop is a destructive read: once claimed, a response cannot be claimed
// again. This intentionally diverges from the reference implementation's
// in-process repository, whose pop leaves the entry in place (its Redis
// counterpart does delete); the destructive contract here matches what
// the relay's at-most-once delivery guarantee requires.
func (s *responseStore) Pop(_ context.Context, clientID, requestID string) (protocol.PublicResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byReq := s.resp[clientID]
	if byReq == nil {
		return protocol.PublicResponse{}, false, nil
	}
	resp, ok := byReq[requestID]
	if !ok {
		return protocol.PublicResponse{}, false, nil
	}
	delete(byReq, requestID)
	return resp, true, nil
}

type cacheStore struct {
	entries *gocache.Cache
	configs *gocache.Cache
}

func newCacheStore() *cacheStore {
	return &cacheStore{
		entries: gocache.New(gocache.NoExpiration, 10*time.Minute),
		configs: gocache.New(gocache.NoExpiration, 0),
	}
}

func (c *cacheStore) Enabled() bool {
	return true
}

func (c *cacheStore) GetCache(_ context.Context, key string) (protocol.Cache, bool, error) {
	v, ok := c.entries.Get(key)
	if !ok {
		return protocol.Cache{}, false, nil
	}
	entry, ok := v.(protocol.Cache)
	if !ok {
		return protocol.Cache{}, false, relayerr.Wrap(relayerr.PathServer, relayerr.StageCache, relayerr.CodeStorage, nil)
	}
	return entry, true, nil
}

func (c *cacheStore) SetCache(_ context.Context, key string, entry protocol.Cache) error {
	c.entries.Set(key, entry, gocache.NoExpiration)
	return nil
}

func (c *cacheStore) GetCacheConfig(_ context.Context, key string) (protocol.CacheConfig, bool, error) {
	v, ok := c.configs.Get(key)
	if !ok {
		return protocol.CacheConfig{}, false, nil
	}
	cfg, ok := v.(protocol.CacheConfig)
	if !ok {
		return protocol.CacheConfig{}, false, relayerr.Wrap(relayerr.PathServer, relayerr.StageCache, relayerr.CodeStorage, nil)
	}
	return cfg, true, nil
}

func (c *cacheStore) SetCacheConfig(_ context.Context, key string, cfg protocol.CacheConfig) error {
	c.configs.Set(key, cfg, gocache.NoExpiration)
	return nil
}

func (c *cacheStore) RemoveCacheConfig(_ context.Context, key string) error {
	c.configs.Delete(key)
	return nil
}

func (c *cacheStore) GetCacheConfigs(_ context.Context) ([]protocol.CacheConfig, error) {
	items := c.configs.Items()
	out := make([]protocol.CacheConfig, 0, len(items))
	for _, item := range items {
		if cfg, ok := item.Object.(protocol.CacheConfig); ok {
			out = append(out, cfg)
		}
	}
	return out, nil
}
