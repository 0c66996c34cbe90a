package acceptor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxrelay/trabas/storage"
)

// diagnosticsUpgrader mirrors the teacher's realtime/ws upgrade options,
// kept narrow since this endpoint is read-only telemetry, not a tunnel
// transport.
var diagnosticsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DiagnosticsHandler streams a client's live tunnel count over a
// websocket once per second, for operators watching a single client's
// connection health without scraping Prometheus. cmd/trabas-server mounts
// it at /__diagnostics on its own HTTP listener, started only when the
// server config sets diagnostics_addr; the core tunnel wire never uses
// websockets.
func DiagnosticsHandler(store *storage.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			http.Error(w, "missing client_id", http.StatusBadRequest)
			return
		}
		conn, err := diagnosticsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			// A websocket connection only signals closure on a failed
			// read; this goroutine exists solely to notice that and
			// unblock the ticker loop below.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.Clients.GetConnectionCount(ctx, clientID)
				if err != nil {
					return
				}
				body, _ := json.Marshal(struct {
					ClientID    string `json:"client_id"`
					TunnelCount int    `json:"tunnel_count"`
					Timestamp   int64  `json:"timestamp"`
				}{ClientID: clientID, TunnelCount: n, Timestamp: time.Now().Unix()})
				if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
					return
				}
			}
		}
	}
}
