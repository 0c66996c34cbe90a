package handshake

import (
	"context"
	"testing"

	"github.com/fluxrelay/trabas/internal/hmacsig"
	"github.com/fluxrelay/trabas/protocol"
	"github.com/fluxrelay/trabas/storage/memstore"
)

func newGate() *Gate {
	return &Gate{
		SharedSecret:     []byte("topsecret"),
		ServerVersion:    "1.2.0",
		MinClientVersion: "1.0.0",
		PublicEndpoints:  []string{"https://relay.example/{client_id}"},
	}
}

func signedClient(secret []byte, id, aliasID, clVersion, minSvVersion string) protocol.TunnelClient {
	sig := hmacsig.Sign(secret, id+"_"+aliasID)
	return protocol.TunnelClient{
		ID:           id,
		AliasID:      aliasID,
		Signature:    sig,
		ClVersion:    clVersion,
		MinSvVersion: minSvVersion,
	}
}

func TestNegotiate(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()

	t.Run("accepts a compatible, correctly signed client", func(t *testing.T) {
		g := newGate()
		client := signedClient(g.SharedSecret, "client1", "abc1234567", "1.0.0", "1.0.0")
		res, err := g.Negotiate(ctx, backend.Clients, client)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Ack.Success {
			t.Fatalf("expected success, got message %q", res.Ack.Message)
		}
		if len(res.TunnelID) != 32 {
			t.Fatalf("expected a 32-char tunnel id, got %q", res.TunnelID)
		}
		expectedSig := hmacsig.Sign(g.SharedSecret, res.TunnelID+"_"+client.AliasID)
		if res.Ack.Signature != expectedSig {
			t.Fatal("ack signature does not match expected HMAC")
		}
	})

	t.Run("rejects a bad signature", func(t *testing.T) {
		g := newGate()
		client := signedClient(g.SharedSecret, "client1", "abc1234567", "1.0.0", "1.0.0")
		client.Signature = "deadbeef"
		res, err := g.Negotiate(ctx, backend.Clients, client)
		if err != nil {
			t.Fatal(err)
		}
		if res.Ack.Success {
			t.Fatal("expected signature check to fail")
		}
	})

	t.Run("rejects an incompatible client version", func(t *testing.T) {
		g := newGate()
		client := signedClient(g.SharedSecret, "client1", "abc1234567", "0.5.0", "1.0.0")
		res, err := g.Negotiate(ctx, backend.Clients, client)
		if err != nil {
			t.Fatal(err)
		}
		if res.Ack.Success {
			t.Fatal("expected version gate to reject client below min_client_version")
		}
	})

	t.Run("rejects a server below the client's min_sv_version", func(t *testing.T) {
		g := newGate()
		client := signedClient(g.SharedSecret, "client1", "abc1234567", "1.0.0", "9.9.9")
		res, err := g.Negotiate(ctx, backend.Clients, client)
		if err != nil {
			t.Fatal(err)
		}
		if res.Ack.Success {
			t.Fatal("expected version gate to reject a server below the client's required version")
		}
	})

	t.Run("enforces max tunnels per client", func(t *testing.T) {
		g := newGate()
		g.MaxTunnelsPerClient = 1
		_ = backend.Clients.Create(ctx, "client2", "existing-tunnel", protocol.TunnelClient{ID: "client2"})
		client := signedClient(g.SharedSecret, "client2", "abc1234567", "1.0.0", "1.0.0")
		res, err := g.Negotiate(ctx, backend.Clients, client)
		if err != nil {
			t.Fatal(err)
		}
		if res.Ack.Success {
			t.Fatal("expected the tunnel ceiling to reject a second concurrent tunnel")
		}
	})
}
