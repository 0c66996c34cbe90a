// Package tunnelclient implements the client half of the tunnel
// protocol: connect-with-retry, the handshake send/ack exchange, and the
// sender/receiver loops that forward queued requests to the local origin
// and relay responses back over the wire.
package tunnelclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/fluxrelay/trabas/forwarder"
	"github.com/fluxrelay/trabas/internal/hmacsig"
	"github.com/fluxrelay/trabas/internal/idgen"
	"github.com/fluxrelay/trabas/internal/relayerr"
	"github.com/fluxrelay/trabas/protocol"
	"github.com/fluxrelay/trabas/wire/frame"
)

const (
	maxConnectAttempts = 1000
	connectBackoff     = 5 * time.Second
	// heartbeatInterval must stay comfortably under the server receiver's
	// 3s no-data watchdog (tunnel.receiverIdleWindow): an idle tunnel that
	// never forwards a response still has to keep the wire alive on this
	// schedule or the server tears it down.
	heartbeatInterval = 1 * time.Second
	loopSleep         = 100 * time.Millisecond
)

// Config describes one client's identity and where to reach the relay and origin.
type Config struct {
	ServerAddr   string
	ServerTLS    *tls.Config // nil for plaintext
	ClientID     string
	SharedSecret []byte
	ClVersion    string
	MinSvVersion string
}

// Client runs the connect/handshake/forward loop for one tunnel.
type Client struct {
	Config    Config
	Forwarder *forwarder.Forwarder
	Log       *zap.Logger
}

// Run connects, handshakes, and forwards requests until ctx is
// cancelled or the tunnel is declared dead, retrying the dial up to
// maxConnectAttempts times with a fixed backoff between attempts.
func (c *Client) Run(ctx context.Context) error {
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := c.dial(ctx)
		if err != nil {
			c.Log.Warn("connect failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(connectBackoff):
			}
			continue
		}

		ack, err := c.handshake(conn)
		if err != nil {
			c.Log.Warn("handshake failed", zap.Error(err))
			conn.Close()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(connectBackoff):
			}
			continue
		}
		if !ack.Success {
			conn.Close()
			return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeHandshake, nil)
		}
		c.Log.Info("tunnel established", zap.String("tunnel_id", ack.ID))

		c.serve(ctx, conn)
		conn.Close()
		attempt = 0 // a successfully established tunnel resets the retry budget
	}
	return relayerr.Wrap(relayerr.PathClient, relayerr.StageTunnel, relayerr.CodeTransport, nil)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if c.Config.ServerTLS != nil {
		return tls.DialWithDialer(dialer, "tcp", c.Config.ServerAddr, c.Config.ServerTLS)
	}
	return dialer.DialContext(ctx, "tcp", c.Config.ServerAddr)
}

func (c *Client) handshake(conn net.Conn) (protocol.TunnelAck, error) {
	// aliasID is minted fresh per connection attempt (generate_hmac_key(5)
	// in the original) rather than derived from the client id: it is a
	// routing nickname, not an identity, and reconnects should not keep
	// handing out the same one.
	aliasID := idgen.HMACKey(5)
	sig := hmacsig.Sign(c.Config.SharedSecret, c.Config.ClientID+"_"+aliasID)

	hello := protocol.TunnelClient{
		ID:           c.Config.ClientID,
		AliasID:      aliasID,
		Signature:    sig,
		ClVersion:    c.Config.ClVersion,
		MinSvVersion: c.Config.MinSvVersion,
		ConnEstAt:    time.Now(),
	}
	body, err := json.Marshal(hello)
	if err != nil {
		return protocol.TunnelAck{}, err
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(frame.Encode(body)); err != nil {
		return protocol.TunnelAck{}, err
	}

	reader := frame.NewReader(conn)
	for {
		frames, _, err := reader.ReadFrames()
		if err != nil {
			return protocol.TunnelAck{}, err
		}
		if len(frames) > 0 {
			var ack protocol.TunnelAck
			if err := json.Unmarshal(frames[0], &ack); err != nil {
				return protocol.TunnelAck{}, err
			}
			conn.SetDeadline(time.Time{})
			return ack, nil
		}
	}
}

// serve runs the forward/respond loop for one established tunnel until
// the connection dies or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn net.Conn) {
	reader := frame.NewReader(conn)
	responses := make(chan protocol.PublicResponse, 64)
	done := make(chan struct{})

	go func() {
		defer close(done)
		c.receiverLoop(ctx, reader, responses)
	}()
	c.senderLoop(ctx, conn, responses, done)
}

func (c *Client) receiverLoop(ctx context.Context, reader *frame.Reader, out chan<- protocol.PublicResponse) {
	for {
		if ctx.Err() != nil {
			return
		}
		frames, _, err := reader.ReadFrames()
		if err != nil {
			c.Log.Debug("receiver: connection closed", zap.Error(err))
			return
		}
		for _, f := range frames {
			if frame.IsHeartbeat(f) {
				continue
			}
			var req protocol.PublicRequest
			if err := json.Unmarshal(f, &req); err != nil {
				continue
			}
			go c.forwardAndRespond(ctx, req, out)
		}
	}
}

func (c *Client) forwardAndRespond(ctx context.Context, req protocol.PublicRequest, out chan<- protocol.PublicResponse) {
	data, err := c.Forwarder.Forward(ctx, req.Data)
	if err != nil {
		data = []byte("HTTP/1.1 400 Bad Request\r\nContent-Type: application/json\r\nConnection: close\r\n\r\n" +
			`{"success":false,"message":"origin forward failed"}`)
	}
	select {
	case out <- protocol.PublicResponse{RequestID: req.ID, Data: data}:
	case <-ctx.Done():
	}
}

func (c *Client) senderLoop(ctx context.Context, conn net.Conn, in <-chan protocol.PublicResponse, done <-chan struct{}) {
	lastSent := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case resp := <-in:
			body, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			if _, err := conn.Write(frame.Encode(body)); err != nil {
				return
			}
			lastSent = time.Now()
		case <-time.After(loopSleep):
			if time.Since(lastSent) >= heartbeatInterval {
				if _, err := conn.Write(frame.Encode([]byte(protocol.HeartbeatAck))); err != nil {
					return
				}
				lastSent = time.Now()
			}
		}
	}
}
