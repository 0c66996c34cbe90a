package forwarder

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

// echoOrigin starts a one-shot TCP listener that reads everything the
// client sends, then writes back a fixed response and closes.
func echoOrigin(t *testing.T, response []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()
		_, _ = io.ReadAll(conn)
		_, _ = conn.Write(response)
	}()
	return ln.Addr().String()
}

func TestForwarder_RoundTripMatchesOriginBytes(t *testing.T) {
	want := []byte("HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\npong")
	addr := echoOrigin(t, want)

	f, err := New(Config{Addr: addr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := f.Forward(ctx, []byte("GET /ping HTTP/1.1\r\nHost: origin\r\n\r\n"))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("expected origin bytes to round-trip unchanged, got %q want %q", got, want)
	}
}

func TestForwarder_DialFailureReturnsError(t *testing.T) {
	f, err := New(Config{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = f.Forward(context.Background(), []byte("GET / HTTP/1.1\r\n\r\n"))
	if err == nil {
		t.Fatal("expected an error dialing a closed port")
	}
}
