// Package frame implements the sentinel-delimited framing codec used on
// the tunnel wire. Frames are plain byte slices (typically JSON-encoded
// DTOs from the protocol package); the codec only knows how to split and
// join them, never what they contain.
package frame

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/fluxrelay/trabas/protocol"
)

const separator = protocol.PacketSeparator

// Encode appends the sentinel to payload, ready to be written to the wire.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+len(separator))
	out = append(out, payload...)
	out = append(out, separator...)
	return out
}

// Split breaks a raw read buffer into individual frames on the sentinel,
// trimming surrounding whitespace from each. It reports whether any
// heartbeat-ack control packet was present among them, since callers
// treat that as a distinct, non-application event. The trailing remainder
// (bytes after the last separator, belonging to a frame not yet fully
// received) is returned so the caller can prepend it to the next read.
func Split(buf []byte) (frames [][]byte, sawHeartbeatAck bool, remainder []byte) {
	parts := bytes.Split(buf, []byte(separator))
	if len(parts) == 0 {
		return nil, false, nil
	}
	remainder = parts[len(parts)-1]
	for _, p := range parts[:len(parts)-1] {
		trimmed := bytes.TrimSpace(p)
		if len(trimmed) == 0 {
			continue
		}
		if string(trimmed) == protocol.HeartbeatAck {
			sawHeartbeatAck = true
			continue
		}
		frames = append(frames, trimmed)
	}
	return frames, sawHeartbeatAck, remainder
}

// Reader incrementally decodes frames off an io.Reader, buffering partial
// reads across calls. It is not safe for concurrent use by multiple
// goroutines; callers serialize reads through a single receiver loop
// (tunnel sessions keep one Reader per read-half).
type Reader struct {
	br      *bufio.Reader
	pending []byte
}

// NewReader wraps r for incremental frame decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrames blocks for at least one read from the underlying reader and
// returns any complete frames it yielded, along with whether a
// heartbeat-ack was seen in that batch.
func (fr *Reader) ReadFrames() (frames [][]byte, sawHeartbeatAck bool, err error) {
	buf := make([]byte, 64*1024)
	n, readErr := fr.br.Read(buf)
	if n > 0 {
		combined := append(fr.pending, buf[:n]...)
		var f [][]byte
		f, sawHeartbeatAck, fr.pending = Split(combined)
		frames = f
	}
	if readErr != nil {
		return frames, sawHeartbeatAck, readErr
	}
	return frames, sawHeartbeatAck, nil
}

// IsHeartbeat reports whether payload is the ping control packet.
func IsHeartbeat(payload []byte) bool {
	return strings.TrimSpace(string(payload)) == protocol.HeartbeatPing
}
