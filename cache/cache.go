// Package cache computes cache keys for public requests and mediates
// reads/writes against a storage.CacheStore, including the per-route
// cache configuration that decides whether a request is cacheable at all.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"sort"
	"strings"
	"time"

	"github.com/fluxrelay/trabas/internal/relayerr"
	"github.com/fluxrelay/trabas/protocol"
	"github.com/fluxrelay/trabas/storage"
)

// Engine is the cache lookup/write facade used by the public request pipeline.
type Engine struct {
	store storage.CacheStore
}

// New builds an Engine over store.
func New(store storage.CacheStore) *Engine {
	return &Engine{store: store}
}

// Key fingerprints a cacheable request into a stable hex digest. body
// should already be canonicalized via CanonicalizeBody when the request
// is multipart, so that boundary strings (which change per-request) never
// leak into the key.
func Key(clientID, uri, method string, body []byte) string {
	sum := sha256.Sum256([]byte(clientID + uri + method + string(body)))
	return hex.EncodeToString(sum[:])
}

// ConfigKey fingerprints a (client, method, path) route into the key used
// to look up its cache configuration.
func ConfigKey(clientID, method, path string) string {
	sum := sha256.Sum256([]byte(clientID + method + path))
	return hex.EncodeToString(sum[:])
}

// Enabled reports whether the underlying store can serve cache reads and
// writes at all, independent of whether any given route has a cache
// configuration registered.
func (e *Engine) Enabled() bool {
	return e.store.Enabled()
}

// Get returns the cached response body for key if present and not expired.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, ok, err := e.store.GetCache(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.ExpiredAt) {
		return nil, false, nil
	}
	return entry.Data, true, nil
}

// Set stores data under key with an expiry ttl seconds from now. ttl of 0
// disables caching entirely (the caller should not call Set in that case).
func (e *Engine) Set(ctx context.Context, key string, data []byte, ttl uint32) error {
	entry := protocol.Cache{
		ExpiredAt: time.Now().Add(time.Duration(ttl) * time.Second),
		Data:      data,
	}
	return e.store.SetCache(ctx, key, entry)
}

// Config looks up the cache configuration for a route, returning ok=false
// if the route has no configuration (and is therefore never cached).
func (e *Engine) Config(ctx context.Context, clientID, method, path string) (protocol.CacheConfig, bool, error) {
	return e.store.GetCacheConfig(ctx, ConfigKey(clientID, method, path))
}

// SetConfig registers or replaces the cache configuration for a route.
func (e *Engine) SetConfig(ctx context.Context, cfg protocol.CacheConfig) error {
	if cfg.ExpDuration == 0 {
		return relayerr.Wrap(relayerr.PathServer, relayerr.StageCache, relayerr.CodeParse, fmt.Errorf("exp_duration must be > 0"))
	}
	return e.store.SetCacheConfig(ctx, ConfigKey(cfg.ClientID, cfg.Method, cfg.Path), cfg)
}

// RemoveConfig deletes the cache configuration for a route.
func (e *Engine) RemoveConfig(ctx context.Context, clientID, method, path string) error {
	return e.store.RemoveCacheConfig(ctx, ConfigKey(clientID, method, path))
}

// ListConfigs returns every registered cache configuration, sorted by
// client id, then path, then method — matching the CLI table ordering of
// the reference implementation's show_cache_config.
func (e *Engine) ListConfigs(ctx context.Context) ([]protocol.CacheConfig, error) {
	configs, err := e.store.GetCacheConfigs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(configs, func(i, j int) bool {
		if configs[i].ClientID != configs[j].ClientID {
			return configs[i].ClientID < configs[j].ClientID
		}
		if configs[i].Path != configs[j].Path {
			return configs[i].Path < configs[j].Path
		}
		return configs[i].Method < configs[j].Method
	})
	return configs, nil
}

// CanonicalizeBody rewrites a request body into a form stable across
// multipart boundary strings, so that two requests with identical fields
// in identical order produce identical cache keys. Non-multipart bodies
// are returned unchanged.
func CanonicalizeBody(contentType string, body []byte) []byte {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return body
	}
	boundary, ok := params["boundary"]
	if !ok {
		return body
	}
	reader := multipart.NewReader(strings.NewReader(string(body)), boundary)
	var sb strings.Builder
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		data, err := readAll(part)
		if err != nil {
			break
		}
		ct := part.Header.Get("Content-Type")
		if ct == "" {
			ct = "text/plain"
		}
		kind := "Text"
		if !strings.HasPrefix(ct, "text/") && ct != "application/json" {
			kind = "Binary"
		}
		fmt.Fprintf(&sb, "Content-Type: %s, Field: %s, %s Data: %s", ct, part.FormName(), kind, data)
	}
	if sb.Len() == 0 {
		return body
	}
	return []byte(sb.String())
}

func readAll(p *multipart.Part) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := p.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return buf, err
		}
	}
}
