// Package handshake implements the tunnel registration state machine
// (C3): one framed exchange that authenticates a new tunnel socket,
// checks version compatibility, mints a tunnel id, and returns the
// TunnelAck that activates the tunnel.
package handshake

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fluxrelay/trabas/internal/hmacsig"
	"github.com/fluxrelay/trabas/internal/idgen"
	"github.com/fluxrelay/trabas/internal/relayerr"
	"github.com/fluxrelay/trabas/internal/semver"
	"github.com/fluxrelay/trabas/protocol"
	"github.com/fluxrelay/trabas/storage"
)

// ReadDeadline bounds how long the server waits for the client's first frame.
const ReadDeadline = 5 * time.Second

// RegisterPause is the grace pause after a successful handshake, before
// the tunnel is registered and marked active, to avoid racing the
// client's first heartbeat.
const RegisterPause = 1500 * time.Millisecond

// Gate holds the process-wide, read-only state the handshake checks
// every registration attempt against.
type Gate struct {
	SharedSecret        []byte
	ServerVersion       string
	MinClientVersion    string
	PublicEndpoints     []string
	MaxTunnelsPerClient int // 0 = unbounded
	Log                 *zap.Logger
}

// Result is the outcome of a completed handshake attempt.
type Result struct {
	Ack      protocol.TunnelAck
	Client   protocol.TunnelClient
	TunnelID string
}

// Negotiate runs the full handshake state machine against one already
// read TunnelClient frame, returning either a success Result (ack.Success
// == true) or one where ack.Success == false — the caller is responsible
// for writing the ack and closing on failure either way.
func (g *Gate) Negotiate(ctx context.Context, store storage.ClientRegistry, client protocol.TunnelClient) (Result, error) {
	if err := g.versionCheck(client); err != nil {
		return g.fail(client, err.Error()), nil
	}
	if !g.signatureCheck(client) {
		return g.fail(client, "signature verification failed"), nil
	}
	if g.MaxTunnelsPerClient > 0 {
		n, err := store.GetConnectionCount(ctx, client.ID)
		if err != nil {
			return Result{}, relayerr.Wrap(relayerr.PathServer, relayerr.StageStorage, relayerr.CodeStorage, err)
		}
		if n >= g.MaxTunnelsPerClient {
			return g.fail(client, "maximum concurrent tunnels reached for this client"), nil
		}
	}

	tunnelID := idgen.RandID(32)
	sig := hmacsig.Sign(g.SharedSecret, tunnelID+"_"+client.AliasID)
	ack := protocol.TunnelAck{
		ID:              tunnelID,
		Signature:       sig,
		Success:         true,
		Message:         "ok",
		PublicEndpoints: g.PublicEndpoints,
	}
	return Result{Ack: ack, Client: client, TunnelID: tunnelID}, nil
}

// Register finalizes a successful Negotiate result: it sleeps the grace
// pause, then writes the client record and alias mapping to storage and
// bumps the client's connection count. Call this only after the ack
// frame has been written to the wire.
func (g *Gate) Register(ctx context.Context, store storage.ClientRegistry, res Result) error {
	select {
	case <-time.After(RegisterPause):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := store.Create(ctx, res.Client.ID, res.TunnelID, res.Client); err != nil {
		return relayerr.Wrap(relayerr.PathServer, relayerr.StageStorage, relayerr.CodeStorage, err)
	}
	if res.Client.AliasID != "" {
		if err := store.CreateAlias(ctx, res.Client.AliasID, res.Client.ID); err != nil {
			return relayerr.Wrap(relayerr.PathServer, relayerr.StageStorage, relayerr.CodeStorage, err)
		}
	}
	return nil
}

func (g *Gate) versionCheck(client protocol.TunnelClient) error {
	serverVer := semver.Parse(g.ServerVersion)
	minSv := semver.Parse(client.MinSvVersion)
	clVer := semver.Parse(client.ClVersion)
	minCl := semver.Parse(g.MinClientVersion)
	if !serverVer.GTE(minSv) || !clVer.GTE(minCl) {
		return fmt.Errorf("incompatible version: server=%s requires client>=%s; client=%s requires server>=%s",
			g.ServerVersion, g.MinClientVersion, client.ClVersion, client.MinSvVersion)
	}
	return nil
}

func (g *Gate) signatureCheck(client protocol.TunnelClient) bool {
	msg := client.ID + "_" + client.AliasID
	return hmacsig.Verify(g.SharedSecret, msg, client.Signature)
}

func (g *Gate) fail(client protocol.TunnelClient, message string) Result {
	if g.Log != nil {
		g.Log.Warn("handshake rejected", zap.String("client_id", client.ID), zap.String("reason", message))
	}
	return Result{Ack: protocol.TunnelAck{ID: client.ID, Success: false, Message: message}, Client: client}
}
