// Package acceptor implements the relay server's two TLS-optional
// listeners (C8): the public HTTP port dispatches to the public request
// pipeline; the tunnel port runs the handshake gate and, on success,
// spawns a tunnel session for the lifetime of the connection.
package acceptor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/fluxrelay/trabas/handshake"
	"github.com/fluxrelay/trabas/internal/relayerr"
	"github.com/fluxrelay/trabas/internal/telemetry"
	"github.com/fluxrelay/trabas/protocol"
	"github.com/fluxrelay/trabas/public"
	"github.com/fluxrelay/trabas/storage"
	"github.com/fluxrelay/trabas/tunnel"
	"github.com/fluxrelay/trabas/wire/frame"
)

// TLSConfig optionally wraps a listener in TLS. A nil *tls.Config means plaintext.
type TLSConfig = tls.Config

// PublicAcceptor runs the public HTTP listener.
type PublicAcceptor struct {
	Addr     string
	TLS      *TLSConfig
	Pipeline *public.Pipeline
	Log      *zap.Logger
}

// Serve blocks accepting connections until ctx is cancelled or the
// listener errors. Each accepted connection is handled in its own
// goroutine so one slow public caller never blocks another.
func (a *PublicAcceptor) Serve(ctx context.Context) error {
	ln, err := listen(a.Addr, a.TLS)
	if err != nil {
		return err
	}
	defer ln.Close()
	go closeOnDone(ctx, ln)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.Log.Warn("public accept failed", zap.Error(err))
			continue
		}
		go a.Pipeline.Handle(ctx, conn)
	}
}

// TunnelAcceptor runs the tunnel listener: handshake then hand off to a tunnel.Session.
type TunnelAcceptor struct {
	Addr  string
	TLS   *TLSConfig
	Gate  *handshake.Gate
	Store *storage.Backend
	Log   *zap.Logger
}

// Serve blocks accepting tunnel connections until ctx is cancelled.
func (a *TunnelAcceptor) Serve(ctx context.Context) error {
	ln, err := listen(a.Addr, a.TLS)
	if err != nil {
		return err
	}
	defer ln.Close()
	go closeOnDone(ctx, ln)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.Log.Warn("tunnel accept failed", zap.Error(err))
			continue
		}
		go a.handleTunnel(ctx, conn)
	}
}

func (a *TunnelAcceptor) handleTunnel(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(handshake.ReadDeadline))
	reader := frame.NewReader(conn)

	frames, _, err := readUntilFrame(reader)
	if err != nil {
		a.Log.Debug("handshake: read failed", zap.Error(err))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	var client protocol.TunnelClient
	if len(frames) == 0 {
		writeAck(conn, protocol.TunnelAck{Success: false, Message: "no handshake frame received"})
		conn.Close()
		return
	}
	if err := json.Unmarshal(frames[0], &client); err != nil {
		writeAck(conn, protocol.TunnelAck{Success: false, Message: "malformed handshake frame"})
		conn.Close()
		return
	}

	res, err := a.Gate.Negotiate(ctx, a.Store.Clients, client)
	if err != nil {
		a.Log.Warn("handshake: negotiate failed", zap.Error(relayerr.Wrap(relayerr.PathServer, relayerr.StageHandshake, relayerr.CodeHandshake, err)))
		conn.Close()
		return
	}
	writeAck(conn, res.Ack)
	if !res.Ack.Success {
		telemetry.Get().HandshakeRejected(res.Ack.Message)
		conn.Close()
		return
	}

	if err := a.Gate.Register(ctx, a.Store.Clients, res); err != nil {
		a.Log.Warn("handshake: register failed", zap.Error(err))
		conn.Close()
		return
	}
	telemetry.Get().TunnelConnected(client.ID)

	sess := &tunnel.Session{
		Conn:     conn,
		Store:    a.Store,
		ClientID: client.ID,
		AliasID:  client.AliasID,
		TunnelID: res.TunnelID,
		Log:      a.Log,
	}
	sess.Run(ctx)
}

func readUntilFrame(r *frame.Reader) ([][]byte, bool, error) {
	for {
		frames, hb, err := r.ReadFrames()
		if len(frames) > 0 || err != nil {
			return frames, hb, err
		}
	}
}

func writeAck(conn net.Conn, ack protocol.TunnelAck) {
	body, err := json.Marshal(ack)
	if err != nil {
		return
	}
	conn.Write(frame.Encode(body))
}

func listen(addr string, tlsConf *TLSConfig) (net.Listener, error) {
	if tlsConf != nil {
		return tls.Listen("tcp", addr, tlsConf)
	}
	return net.Listen("tcp", addr)
}

func closeOnDone(ctx context.Context, ln net.Listener) {
	<-ctx.Done()
	ln.Close()
}
