package idgen

import (
	"testing"
	"time"
)

func TestRandID(t *testing.T) {
	id := RandID(32)
	if len(id) != 32 {
		t.Fatalf("expected length 32, got %d", len(id))
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
			t.Fatalf("unexpected character %q in id %q", c, id)
		}
	}
	if RandID(32) == id {
		t.Fatal("expected two successive ids to differ")
	}
}

func TestHMACKey(t *testing.T) {
	k := HMACKey(5)
	if len(k) != 10 {
		t.Fatalf("expected 10 hex chars for a 5-byte key, got %d", len(k))
	}
}

func TestRequestID(t *testing.T) {
	now := time.Now()
	id1 := RequestID("client1", now)
	if len(id1) != 32 {
		t.Fatalf("expected a 32-char request id, got %d", len(id1))
	}
	id2 := RequestID("client1", now.Add(time.Nanosecond))
	if id1 == id2 {
		t.Fatal("expected distinct nanosecond timestamps to fingerprint differently")
	}
}
