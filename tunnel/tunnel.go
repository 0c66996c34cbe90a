// Package tunnel implements the per-tunnel session (C4): three
// concurrent tasks — sender, receiver, validity monitor — sharing a
// single TCP (or TLS) connection split into independently-mutexed read
// and write halves. The split is the deadlock-avoidance mechanism: the
// sender only ever touches the write half and the request queue; the
// receiver only ever touches the read half and the response store. The
// two never block on each other's lock.
package tunnel

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fluxrelay/trabas/internal/telemetry"
	"github.com/fluxrelay/trabas/protocol"
	"github.com/fluxrelay/trabas/storage"
	"github.com/fluxrelay/trabas/wire/frame"
)

const (
	heartbeatInterval  = 30 * time.Second
	receiverIdleWindow = 3 * time.Second
	validityPollEvery  = 1 * time.Second
	soloIdleSleep      = 50 * time.Millisecond
)

// Session drives one active tunnel connection for its entire lifetime.
// Construct one per accepted, handshaken socket and call Run.
type Session struct {
	Conn     net.Conn
	Store    *storage.Backend
	ClientID string
	AliasID  string
	TunnelID string
	Log      *zap.Logger

	writeMu sync.Mutex
	readMu  sync.Mutex
	reader  *frame.Reader

	stopped atomic.Bool
	dcOnce  sync.Once

	tunnelCount atomic.Int64
}

// Run blocks until the tunnel is torn down, either by a transport error,
// the validity monitor observing the client's connection count drop to
// zero, or ctx being cancelled. Exactly one removal from storage happens
// regardless of which of the three internal tasks notices first.
func (s *Session) Run(ctx context.Context) {
	s.reader = frame.NewReader(s.Conn)
	s.tunnelCount.Store(1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.senderLoop(ctx) }()
	go func() { defer wg.Done(); s.receiverLoop(ctx) }()
	go func() { defer wg.Done(); s.validityMonitor(ctx) }()
	wg.Wait()

	s.shutdown(context.Background())
}

func (s *Session) senderLoop(ctx context.Context) {
	lastSent := time.Now()
	for !s.stopped.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, ok, err := s.Store.Requests.PopFront(ctx, s.ClientID)
		if err != nil {
			s.Log.Warn("sender: dequeue failed", zap.Error(err))
			s.stopped.Store(true)
			return
		}
		if !ok {
			if time.Since(lastSent) >= heartbeatInterval {
				if err := s.write([]byte(protocol.HeartbeatAck)); err != nil {
					s.stopped.Store(true)
					return
				}
				lastSent = time.Now()
			}
			time.Sleep(s.notAcquiredIdleSleep())
			continue
		}

		body, err := json.Marshal(req)
		if err != nil {
			s.Log.Warn("sender: encode request failed", zap.Error(err))
			continue
		}
		if err := s.write(body); err != nil {
			s.stopped.Store(true)
			return
		}
		lastSent = time.Now()
		time.Sleep(s.acquiredIdleSleep())
	}
}

func (s *Session) write(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.Conn.Write(frame.Encode(payload))
	return err
}

// acquiredIdleSleep and notAcquiredIdleSleep implement the approximate
// round-robin pacing of §4.4: with K>1 tunnels for this client, a tunnel
// that just sent a request yields 5*K ms to its siblings; one that found
// nothing waits only 5ms before polling again. A lone tunnel never yields.
func (s *Session) acquiredIdleSleep() time.Duration {
	k := s.tunnelCount.Load()
	if k <= 1 {
		return 0
	}
	return time.Duration(5*k) * time.Millisecond
}

func (s *Session) notAcquiredIdleSleep() time.Duration {
	k := s.tunnelCount.Load()
	if k <= 1 {
		return soloIdleSleep
	}
	return 5 * time.Millisecond
}

func (s *Session) receiverLoop(ctx context.Context) {
	lastData := time.Now()
	for !s.stopped.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.readMu.Lock()
		s.Conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		frames, sawHeartbeatAck, err := s.reader.ReadFrames()
		s.readMu.Unlock()
		if len(frames) > 0 || sawHeartbeatAck {
			// Heartbeat acks are the designed idle keepalive and never
			// surface as application frames (they're stripped in
			// frame.Split), but they still count as liveness: the watchdog
			// must not fire while the peer is heartbeating on schedule.
			lastData = time.Now()
		}
		for _, f := range frames {
			if frame.IsHeartbeat(f) {
				continue
			}
			var resp protocol.PublicResponse
			if jsonErr := json.Unmarshal(f, &resp); jsonErr != nil {
				s.Log.Debug("receiver: undecodable frame", zap.Error(jsonErr))
				continue
			}
			resp.TunnelID = s.TunnelID
			if setErr := s.Store.Responses.Set(ctx, s.ClientID, resp); setErr != nil {
				s.Log.Warn("receiver: store response failed", zap.Error(setErr))
			}
		}

		if err != nil {
			if isTimeout(err) {
				if time.Since(lastData) >= receiverIdleWindow {
					s.Log.Debug("receiver: idle watchdog fired")
					s.stopped.Store(true)
					return
				}
				continue
			}
			if err == io.EOF {
				s.stopped.Store(true)
				return
			}
			s.Log.Debug("receiver: read error", zap.Error(err))
			s.stopped.Store(true)
			return
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (s *Session) validityMonitor(ctx context.Context) {
	ticker := time.NewTicker(validityPollEvery)
	defer ticker.Stop()
	for {
		if s.stopped.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.stopped.Load() {
			return
		}
		n, err := s.Store.Clients.GetConnectionCount(ctx, s.ClientID)
		if err != nil {
			s.Log.Warn("validity monitor: count lookup failed", zap.Error(err))
			continue
		}
		s.tunnelCount.Store(int64(n))
		telemetry.Get().TunnelCount(s.ClientID, n)
		if n <= 0 {
			s.stopped.Store(true)
			return
		}
	}
}

// shutdown removes this tunnel's registry entry exactly once, regardless
// of which of the three tasks observed handler_stopped first.
func (s *Session) shutdown(ctx context.Context) {
	s.dcOnce.Do(func() {
		if err := s.Store.Clients.Remove(ctx, s.ClientID, s.TunnelID); err != nil {
			s.Log.Warn("shutdown: remove client record failed", zap.Error(err))
		}
		if s.AliasID != "" {
			if err := s.Store.Clients.RemoveAlias(ctx, s.AliasID); err != nil {
				s.Log.Warn("shutdown: remove alias failed", zap.Error(err))
			}
		}
		_ = s.Conn.Close()
		telemetry.Get().TunnelDisconnected(s.ClientID)
		s.Log.Info("tunnel closed", zap.String("client_id", s.ClientID), zap.String("tunnel_id", s.TunnelID))
	})
}
