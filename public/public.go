// Package public implements the public request pipeline (C5): parse an
// inbound HTTP/1.1 request, route it to a client by URL prefix (or
// alias/cookie/query fallback), short-circuit on a fresh cache hit,
// otherwise enqueue it for a tunnel to pick up and poll for the response
// within a fixed deadline.
package public

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fluxrelay/trabas/cache"
	"github.com/fluxrelay/trabas/internal/idgen"
	"github.com/fluxrelay/trabas/internal/relayerr"
	"github.com/fluxrelay/trabas/internal/telemetry"
	"github.com/fluxrelay/trabas/protocol"
	"github.com/fluxrelay/trabas/storage"
)

const (
	// RoutingCookie is the fallback client-id carrier when the URL's
	// first path segment is absent or unrecognized.
	RoutingCookie = "trabas_client_id"
	// RoutingQueryParam is the query-string equivalent of RoutingCookie.
	RoutingQueryParam = "trabas_client_id"
)

// Config tunes the pipeline's deadlines and per-client admission control.
type Config struct {
	ResponseDeadline   time.Duration // default 30s
	PollInterval       time.Duration // default 10ms
	ClientRequestLimit int           // 0 = unbounded
}

func (c Config) withDefaults() Config {
	if c.ResponseDeadline <= 0 {
		c.ResponseDeadline = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	return c
}

// Pipeline handles one accepted public connection end to end.
type Pipeline struct {
	Store  *storage.Backend
	Cache  *cache.Engine
	Config Config
	Log    *zap.Logger
}

// Handle reads one HTTP request off conn, routes and serves it, and
// closes conn when done. It never panics on malformed input; every
// failure path writes a JSON error response first.
func (p *Pipeline) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	cfg := p.Config.withDefaults()

	// The deadline covers both the header read below and the body read
	// further down: req.Body still reads off the same conn through the
	// bufio.Reader, so a stalled public client can't hold this goroutine
	// open past it just by trickling bytes in slowly.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		writeJSONError(conn, http.StatusBadRequest, "malformed request")
		return
	}

	clientID, rewritten, rerr := p.route(req)
	if rerr != nil {
		writeJSONError(conn, http.StatusBadRequest, rerr.Error())
		return
	}

	var bodyBytes []byte
	if rewritten.Body != nil {
		bodyBytes, err = io.ReadAll(rewritten.Body)
		rewritten.Body.Close()
		if err != nil {
			writeJSONError(conn, http.StatusBadRequest, "failed to read request body")
			return
		}
	}
	conn.SetReadDeadline(time.Time{})
	rewritten.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var buf bytes.Buffer
	if err := rewritten.Write(&buf); err != nil {
		writeJSONError(conn, http.StatusBadRequest, "failed to rebuild request")
		return
	}
	rawOut := buf.Bytes()

	method := rewritten.Method
	path := rewritten.URL.Path
	contentType := rewritten.Header.Get("Content-Type")
	canonicalBody := cache.CanonicalizeBody(contentType, bodyBytes)

	var cacheCfg protocol.CacheConfig
	var hasCacheCfg bool
	if p.Cache.Enabled() {
		cacheCfg, hasCacheCfg, err = p.Cache.Config(ctx, clientID, method, path)
		if err != nil {
			p.Log.Warn("cache config lookup failed", zap.Error(err))
		}
	}

	var cacheKey string
	if hasCacheCfg {
		cacheKey = cache.Key(clientID, rewritten.URL.String(), method, canonicalBody)
		if cached, hit, err := p.Cache.Get(ctx, cacheKey); err == nil && hit {
			telemetry.Get().CacheHit(clientID)
			conn.Write(cached)
			return
		}
		telemetry.Get().CacheMiss(clientID)
	}

	requestID := idgen.RequestID(clientID, time.Now())

	if cfg.ClientRequestLimit > 0 {
		n, err := p.Store.Requests.QueueLen(ctx, clientID)
		if err == nil && n > cfg.ClientRequestLimit {
			telemetry.Get().RequestRateLimited(clientID)
			writeJSONError(conn, http.StatusServiceUnavailable, "too many in-flight requests for this client")
			return
		}
	}

	if err := p.Store.Requests.AckPending(ctx, clientID, requestID); err != nil {
		writeJSONError(conn, http.StatusBadRequest, "internal queue error")
		return
	}
	if err := p.Store.Requests.PushBack(ctx, clientID, protocol.PublicRequest{
		ID:       requestID,
		ClientID: clientID,
		Data:     rawOut,
	}); err != nil {
		writeJSONError(conn, http.StatusBadRequest, "internal queue error")
		return
	}
	telemetry.Get().RequestEnqueued(clientID)

	start := time.Now()
	resp, ok := p.awaitResponse(ctx, clientID, requestID, cfg)
	if !ok {
		_ = p.Store.Requests.AckDone(ctx, clientID, requestID)
		telemetry.Get().RequestTimedOut(clientID)
		writeJSONError(conn, http.StatusBadRequest, fmt.Sprintf("Timeout reached after %.0f seconds", cfg.ResponseDeadline.Seconds()))
		return
	}
	_ = p.Store.Requests.AckDone(ctx, clientID, requestID)
	p.Log.Debug("response received", zap.String("request_id", requestID), zap.String("tunnel_id", resp.TunnelID))
	telemetry.Get().RequestForwarded(clientID, time.Since(start).Seconds())

	conn.Write(resp.Data)

	if hasCacheCfg {
		if err := p.Cache.Set(ctx, cacheKey, resp.Data, cacheCfg.ExpDuration); err != nil {
			p.Log.Warn("cache set failed", zap.Error(err))
		}
	}
}

func (p *Pipeline) awaitResponse(ctx context.Context, clientID, requestID string, cfg Config) (protocol.PublicResponse, bool) {
	deadline := time.Now().Add(cfg.ResponseDeadline)
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		resp, ok, err := p.Store.Responses.Pop(ctx, clientID, requestID)
		if err != nil {
			p.Log.Warn("response poll failed", zap.Error(err))
		}
		if ok {
			return resp, true
		}
		if time.Now().After(deadline) {
			return protocol.PublicResponse{}, false
		}
		select {
		case <-ctx.Done():
			return protocol.PublicResponse{}, false
		case <-ticker.C:
		}
	}
}

// route extracts the client/alias id and returns a copy of req rewritten
// to the path the origin should actually see: the first path segment
// stripped, with the original query string preserved. This follows the
// reference implementation's actual rewrite (not the simplified "/rest"
// form): an unmodified remainder path lets origins serve normal
// multi-segment routes unmodified.
func (p *Pipeline) route(req *http.Request) (clientID string, rewritten *http.Request, err error) {
	segment, remainder := splitFirstSegment(req.URL.Path)

	id := segment
	resolved := p.resolveClientOrAlias(req.Context(), id)
	if resolved == "" {
		// Fall back to cookie or query parameter routing when the first
		// path segment is absent or unrecognized.
		if c, cookieErr := req.Cookie(RoutingCookie); cookieErr == nil && c.Value != "" {
			if alt := p.resolveClientOrAlias(req.Context(), c.Value); alt != "" {
				resolved = alt
				remainder = req.URL.Path
			}
		}
		if resolved == "" {
			if q := req.URL.Query().Get(RoutingQueryParam); q != "" {
				if alt := p.resolveClientOrAlias(req.Context(), q); alt != "" {
					resolved = alt
					remainder = req.URL.Path
				}
			}
		}
	}
	if resolved == "" {
		return "", nil, relayerr.Wrap(relayerr.PathServer, relayerr.StagePublic, relayerr.CodeRoute, fmt.Errorf("unknown client or alias %q", id))
	}

	out := req.Clone(req.Context())
	out.URL.Path = remainder
	out.RequestURI = ""
	return resolved, out, nil
}

func (p *Pipeline) resolveClientOrAlias(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}
	if realID, ok, err := p.Store.Clients.GetIDByAlias(ctx, id); err == nil && ok {
		return realID
	}
	// id may already be a client id with at least one live tunnel.
	if n, err := p.Store.Clients.GetConnectionCount(ctx, id); err == nil && n > 0 {
		return id
	}
	return ""
}

func splitFirstSegment(path string) (segment, remainder string) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return trimmed, "/"
	}
	return trimmed[:idx], trimmed[idx:]
}

func writeJSONError(conn net.Conn, status int, message string) {
	body, _ := json.Marshal(protocol.HTTPError{Success: false, Message: message})
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
	conn.Write([]byte(resp))
}
