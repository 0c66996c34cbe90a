package frame

import (
	"bytes"
	"testing"

	"github.com/fluxrelay/trabas/protocol"
)

func TestSplit(t *testing.T) {
	t.Run("splits multiple complete frames", func(t *testing.T) {
		buf := append(Encode([]byte("one")), Encode([]byte("two"))...)
		frames, hb, remainder := Split(buf)
		if len(frames) != 2 || string(frames[0]) != "one" || string(frames[1]) != "two" {
			t.Fatalf("unexpected frames: %q", frames)
		}
		if hb {
			t.Fatal("did not expect a heartbeat ack")
		}
		if len(remainder) != 0 {
			t.Fatalf("unexpected remainder: %q", remainder)
		}
	})

	t.Run("retains a trailing partial frame", func(t *testing.T) {
		buf := append(Encode([]byte("complete")), []byte("partial")...)
		frames, _, remainder := Split(buf)
		if len(frames) != 1 || string(frames[0]) != "complete" {
			t.Fatalf("unexpected frames: %q", frames)
		}
		if string(remainder) != "partial" {
			t.Fatalf("expected remainder %q, got %q", "partial", remainder)
		}
	})

	t.Run("consumes heartbeat acks without surfacing them", func(t *testing.T) {
		buf := append(Encode([]byte(protocol.HeartbeatAck)), Encode([]byte("app"))...)
		frames, hb, _ := Split(buf)
		if !hb {
			t.Fatal("expected heartbeat ack to be detected")
		}
		if len(frames) != 1 || string(frames[0]) != "app" {
			t.Fatalf("expected only the application frame, got %q", frames)
		}
	})
}

func TestReader(t *testing.T) {
	payload := append(Encode([]byte("hello")), Encode([]byte("world"))...)
	r := NewReader(bytes.NewReader(payload))

	var got [][]byte
	for len(got) < 2 {
		frames, _, err := r.ReadFrames()
		got = append(got, frames...)
		if err != nil {
			break
		}
	}
	if len(got) != 2 || string(got[0]) != "hello" || string(got[1]) != "world" {
		t.Fatalf("unexpected frames from Reader: %q", got)
	}
}

func TestIsHeartbeat(t *testing.T) {
	if !IsHeartbeat([]byte(protocol.HeartbeatPing)) {
		t.Fatal("expected ping to be recognized as heartbeat")
	}
	if IsHeartbeat([]byte("not a heartbeat")) {
		t.Fatal("did not expect an application frame to be recognized as heartbeat")
	}
}
