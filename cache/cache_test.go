package cache

import (
	"context"
	"testing"

	"github.com/fluxrelay/trabas/protocol"
	"github.com/fluxrelay/trabas/storage/memstore"
)

func TestCanonicalizeBody(t *testing.T) {
	t.Run("non-multipart body passes through unchanged", func(t *testing.T) {
		body := []byte(`{"a":1}`)
		got := CanonicalizeBody("application/json", body)
		if string(got) != string(body) {
			t.Fatalf("expected passthrough, got %q", got)
		}
	})

	t.Run("distinct boundaries over identical fields canonicalize identically", func(t *testing.T) {
		bodyA := "--AAAA\r\nContent-Disposition: form-data; name=\"field\"\r\n\r\nvalue\r\n--AAAA--\r\n"
		bodyB := "--BBBB\r\nContent-Disposition: form-data; name=\"field\"\r\n\r\nvalue\r\n--BBBB--\r\n"
		gotA := CanonicalizeBody("multipart/form-data; boundary=AAAA", []byte(bodyA))
		gotB := CanonicalizeBody("multipart/form-data; boundary=BBBB", []byte(bodyB))
		if string(gotA) != string(gotB) {
			t.Fatalf("expected identical canonical forms, got %q vs %q", gotA, gotB)
		}
	})
}

func TestEngineKeyStability(t *testing.T) {
	k1 := Key("client1", "/weather", "GET", []byte("body"))
	k2 := Key("client1", "/weather", "GET", []byte("body"))
	if k1 != k2 {
		t.Fatal("expected identical inputs to produce identical keys")
	}
	if k1 == Key("client2", "/weather", "GET", []byte("body")) {
		t.Fatal("expected different client ids to produce different keys")
	}
}

func TestEngineGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	e := New(backend.Cache)

	key := Key("client1", "/weather", "GET", nil)
	if _, hit, _ := e.Get(ctx, key); hit {
		t.Fatal("expected a miss before any write")
	}
	if err := e.Set(ctx, key, []byte("sunny"), 60); err != nil {
		t.Fatal(err)
	}
	data, hit, err := e.Get(ctx, key)
	if err != nil || !hit || string(data) != "sunny" {
		t.Fatalf("unexpected cache read: hit=%v err=%v data=%q", hit, err, data)
	}
}

func TestConfigCRUDAndSortedListing(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	e := New(backend.Cache)

	_ = e.SetConfig(ctx, protocol.CacheConfig{ClientID: "b", Method: "GET", Path: "/z", ExpDuration: 30})
	_ = e.SetConfig(ctx, protocol.CacheConfig{ClientID: "a", Method: "GET", Path: "/z", ExpDuration: 30})
	_ = e.SetConfig(ctx, protocol.CacheConfig{ClientID: "a", Method: "GET", Path: "/a", ExpDuration: 30})

	configs, err := e.ListConfigs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 3 {
		t.Fatalf("expected 3 configs, got %d", len(configs))
	}
	if configs[0].ClientID != "a" || configs[0].Path != "/a" {
		t.Fatalf("expected (a,/a) sorted first, got %+v", configs[0])
	}

	cfg, ok, err := e.Config(ctx, "a", "GET", "/a")
	if err != nil || !ok || cfg.ExpDuration != 30 {
		t.Fatalf("unexpected config lookup: ok=%v err=%v cfg=%+v", ok, err, cfg)
	}

	if err := e.RemoveConfig(ctx, "a", "GET", "/a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := e.Config(ctx, "a", "GET", "/a"); ok {
		t.Fatal("expected config to be removed")
	}
}

func TestSetConfigRejectsZeroExpiry(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	e := New(backend.Cache)
	if err := e.SetConfig(ctx, protocol.CacheConfig{ClientID: "a", Method: "GET", Path: "/x"}); err == nil {
		t.Fatal("expected an error for exp_duration == 0")
	}
}
