package tunnel

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fluxrelay/trabas/protocol"
	"github.com/fluxrelay/trabas/storage/memstore"
	"github.com/fluxrelay/trabas/wire/frame"
)

func TestSession_PacingIsSoloWhenOneTunnel(t *testing.T) {
	s := &Session{Log: zap.NewNop()}
	s.tunnelCount.Store(1)
	if got := s.acquiredIdleSleep(); got != 0 {
		t.Fatalf("solo tunnel should never yield after a send, got %v", got)
	}
	if got := s.notAcquiredIdleSleep(); got != soloIdleSleep {
		t.Fatalf("expected solo idle sleep %v, got %v", soloIdleSleep, got)
	}
}

func TestSession_PacingYieldsProportionallyToSiblingCount(t *testing.T) {
	s := &Session{Log: zap.NewNop()}
	s.tunnelCount.Store(3)
	if got, want := s.acquiredIdleSleep(), 15*time.Millisecond; got != want {
		t.Fatalf("expected %v for k=3, got %v", want, got)
	}
	if got, want := s.notAcquiredIdleSleep(), 5*time.Millisecond; got != want {
		t.Fatalf("expected %v for k=3, got %v", want, got)
	}
}

func TestSession_ShutdownRemovesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	_ = backend.Clients.Create(ctx, "client1", "tun1", protocol.TunnelClient{ID: "client1"})
	_ = backend.Clients.CreateAlias(ctx, "al1", "client1")

	client, server := net.Pipe()
	defer client.Close()
	s := &Session{
		Conn:     server,
		Store:    backend,
		ClientID: "client1",
		AliasID:  "al1",
		TunnelID: "tun1",
		Log:      zap.NewNop(),
	}

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			s.shutdown(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	if _, ok, _ := backend.Clients.Get(ctx, "client1", "tun1"); ok {
		t.Fatal("expected tunnel record to be removed exactly once")
	}
	if _, ok, _ := backend.Clients.GetIDByAlias(ctx, "al1"); ok {
		t.Fatal("expected alias to be removed")
	}
}

// TestSession_SenderDeliversQueuedRequestOverWire exercises the sender
// loop end to end: a request pushed to the store arrives framed on the
// wire, matching what a real tunnel client's receiver would decode.
func TestSession_SenderDeliversQueuedRequestOverWire(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	backend := memstore.New()
	_ = backend.Clients.Create(ctx, "client1", "tun1", protocol.TunnelClient{ID: "client1"})
	_ = backend.Requests.PushBack(ctx, "client1", protocol.PublicRequest{ID: "r1", ClientID: "client1", Data: []byte("GET / HTTP/1.1\r\n\r\n")})

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	s := &Session{
		Conn:     serverSide,
		Store:    backend,
		ClientID: "client1",
		AliasID:  "",
		TunnelID: "tun1",
		Log:      zap.NewNop(),
	}
	go s.Run(ctx)

	reader := frame.NewReader(clientSide)
	var got protocol.PublicRequest
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		frames, _, err := reader.ReadFrames()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		found := false
		for _, f := range frames {
			if frame.IsHeartbeat(f) {
				continue
			}
			if jsonErr := json.Unmarshal(f, &got); jsonErr == nil && got.ID == "r1" {
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if got.ID != "r1" {
		t.Fatalf("expected to receive request r1 over the wire, got %+v", got)
	}
}

// TestSession_RunReturnsWhenWireDies exercises teardown on a dead
// transport rather than ctx cancellation: closing the client side should
// make the receiver observe io.EOF, set stopped, and have the sender and
// validity monitor notice and exit too, so Run returns and the registry
// entry is removed — all without ctx ever being cancelled.
func TestSession_RunReturnsWhenWireDies(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	_ = backend.Clients.Create(ctx, "client1", "tun1", protocol.TunnelClient{ID: "client1"})
	_ = backend.Clients.CreateAlias(ctx, "al1", "client1")

	clientSide, serverSide := net.Pipe()

	s := &Session{
		Conn:     serverSide,
		Store:    backend,
		ClientID: "client1",
		AliasID:  "al1",
		TunnelID: "tun1",
		Log:      zap.NewNop(),
	}

	runDone := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(runDone)
	}()

	// Give the three tasks a moment to start, then kill the wire.
	time.Sleep(20 * time.Millisecond)
	clientSide.Close()

	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Session.Run did not return after the wire died; validityMonitor likely never observed stopped")
	}

	if _, ok, _ := backend.Clients.Get(ctx, "client1", "tun1"); ok {
		t.Fatal("expected tunnel record to be removed after wire death")
	}
	if _, ok, _ := backend.Clients.GetIDByAlias(ctx, "al1"); ok {
		t.Fatal("expected alias to be removed after wire death")
	}
}
