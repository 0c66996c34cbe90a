package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/fluxrelay/trabas/protocol"
)

func TestClientRegistry(t *testing.T) {
	ctx := context.Background()
	r := newClientRegistry()

	t.Run("create and get by tunnel id", func(t *testing.T) {
		c := protocol.TunnelClient{ID: "client1", AliasID: "abc123"}
		if err := r.Create(ctx, "client1", "tun1", c); err != nil {
			t.Fatal(err)
		}
		got, ok, err := r.Get(ctx, "client1", "tun1")
		if err != nil || !ok {
			t.Fatalf("expected to find record: ok=%v err=%v", ok, err)
		}
		if got.AliasID != "abc123" {
			t.Fatalf("unexpected record: %+v", got)
		}
	})

	t.Run("multiple tunnels accumulate connection count", func(t *testing.T) {
		_ = r.Create(ctx, "client2", "tunA", protocol.TunnelClient{ID: "client2"})
		_ = r.Create(ctx, "client2", "tunB", protocol.TunnelClient{ID: "client2"})
		n, err := r.GetConnectionCount(ctx, "client2")
		if err != nil || n != 2 {
			t.Fatalf("expected count 2, got %d (err=%v)", n, err)
		}
		all, err := r.GetAll(ctx, "client2")
		if err != nil || len(all) != 2 {
			t.Fatalf("expected 2 records, got %d (err=%v)", len(all), err)
		}
	})

	t.Run("remove drops only the targeted tunnel", func(t *testing.T) {
		_ = r.Create(ctx, "client3", "tunA", protocol.TunnelClient{ID: "client3"})
		_ = r.Create(ctx, "client3", "tunB", protocol.TunnelClient{ID: "client3"})
		if err := r.Remove(ctx, "client3", "tunA"); err != nil {
			t.Fatal(err)
		}
		n, _ := r.GetConnectionCount(ctx, "client3")
		if n != 1 {
			t.Fatalf("expected count 1 after removing one tunnel, got %d", n)
		}
	})

	t.Run("alias round-trip", func(t *testing.T) {
		if err := r.CreateAlias(ctx, "al1", "client1"); err != nil {
			t.Fatal(err)
		}
		id, ok, err := r.GetIDByAlias(ctx, "al1")
		if err != nil || !ok || id != "client1" {
			t.Fatalf("unexpected alias resolution: id=%s ok=%v err=%v", id, ok, err)
		}
		_ = r.RemoveAlias(ctx, "al1")
		if _, ok, _ := r.GetIDByAlias(ctx, "al1"); ok {
			t.Fatal("expected alias to be removed")
		}
	})
}

func TestRequestQueue(t *testing.T) {
	ctx := context.Background()
	q := newRequestQueue()

	t.Run("FIFO order", func(t *testing.T) {
		_ = q.PushBack(ctx, "c1", protocol.PublicRequest{ID: "r1"})
		_ = q.PushBack(ctx, "c1", protocol.PublicRequest{ID: "r2"})
		first, ok, _ := q.PopFront(ctx, "c1")
		if !ok || first.ID != "r1" {
			t.Fatalf("expected r1 first, got %+v", first)
		}
		second, ok, _ := q.PopFront(ctx, "c1")
		if !ok || second.ID != "r2" {
			t.Fatalf("expected r2 second, got %+v", second)
		}
		if _, ok, _ := q.PopFront(ctx, "c1"); ok {
			t.Fatal("expected queue to be empty")
		}
	})

	t.Run("pending marker lifecycle", func(t *testing.T) {
		_ = q.AckPending(ctx, "c1", "r3")
		pending, _ := q.IsPending(ctx, "c1", "r3")
		if !pending {
			t.Fatal("expected r3 to be pending")
		}
		_ = q.AckDone(ctx, "c1", "r3")
		pending, _ = q.IsPending(ctx, "c1", "r3")
		if pending {
			t.Fatal("expected r3 to no longer be pending")
		}
	})
}

func TestResponseStorePopIsDestructive(t *testing.T) {
	ctx := context.Background()
	s := newResponseStore()
	_ = s.Set(ctx, "c1", protocol.PublicResponse{RequestID: "r1", Data: []byte("ok")})

	resp, ok, err := s.Pop(ctx, "c1", "r1")
	if err != nil || !ok || string(resp.Data) != "ok" {
		t.Fatalf("unexpected first pop: ok=%v err=%v resp=%+v", ok, err, resp)
	}
	if _, ok, _ := s.Pop(ctx, "c1", "r1"); ok {
		t.Fatal("expected second pop of the same request id to fail")
	}
}

func TestCacheStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newCacheStore()

	_ = c.SetCache(ctx, "k1", protocol.Cache{ExpiredAt: time.Now().Add(time.Hour), Data: []byte("fresh")})
	entry, ok, err := c.GetCache(ctx, "k1")
	if err != nil || !ok || string(entry.Data) != "fresh" {
		t.Fatalf("unexpected cache read: ok=%v err=%v", ok, err)
	}

	t.Run("config CRUD and listing", func(t *testing.T) {
		_ = c.SetCacheConfig(ctx, "kb", protocol.CacheConfig{ClientID: "b", Path: "/x", Method: "GET", ExpDuration: 10})
		_ = c.SetCacheConfig(ctx, "ka", protocol.CacheConfig{ClientID: "a", Path: "/x", Method: "GET", ExpDuration: 10})
		configs, err := c.GetCacheConfigs(ctx)
		if err != nil || len(configs) != 2 {
			t.Fatalf("expected 2 configs, got %d (err=%v)", len(configs), err)
		}
		_ = c.RemoveCacheConfig(ctx, "ka")
		configs, _ = c.GetCacheConfigs(ctx)
		if len(configs) != 1 {
			t.Fatalf("expected 1 config after removal, got %d", len(configs))
		}
	})
}
