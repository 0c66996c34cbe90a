// Package forwarder implements the client-side origin dial (C6): for
// each relayed request, open one fresh TCP (optionally TLS) connection
// to the local origin, write the raw HTTP bytes, and read the response
// back to EOF. There is no connection pooling or keep-alive — origins
// are expected to be simple local services, and the one-shot model keeps
// the client free of the bookkeeping a pooled transport would need.
package forwarder

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/fluxrelay/trabas/internal/relayerr"
)

// Config describes the local origin a client forwards requests to.
type Config struct {
	Addr       string // host:port
	TLS        bool
	CACertFile string // optional; required only when TLS is true and the origin uses a private CA
	DialTimeout time.Duration
}

// Forwarder dials Config.Addr for every Forward call.
type Forwarder struct {
	cfg     Config
	tlsConf *tls.Config
}

// New builds a Forwarder from cfg, pre-loading the CA certificate once
// (if configured) rather than re-reading it from disk on every request.
func New(cfg Config) (*Forwarder, error) {
	f := &Forwarder{cfg: cfg}
	if cfg.TLS {
		pool := x509.NewCertPool()
		if cfg.CACertFile != "" {
			pem, err := os.ReadFile(cfg.CACertFile)
			if err != nil {
				return nil, fmt.Errorf("forwarder: read CA cert: %w", err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("forwarder: no certificates parsed from %s", cfg.CACertFile)
			}
			f.tlsConf = &tls.Config{RootCAs: pool}
		} else {
			f.tlsConf = &tls.Config{}
		}
	}
	return f, nil
}

// Forward dials the origin, writes raw request bytes, and returns the
// raw response bytes read until EOF. Any dial/write/read failure is
// reported as a relayerr so the caller can turn it into an HTTP error
// payload sent back over the tunnel, rather than dropping the request.
func (f *Forwarder) Forward(ctx context.Context, request []byte) ([]byte, error) {
	dialTimeout := f.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error
	if f.cfg.TLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", f.cfg.Addr, f.tlsConf)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", f.cfg.Addr)
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.PathClient, relayerr.StageForward, relayerr.CodeTransport, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(request); err != nil {
		return nil, relayerr.Wrap(relayerr.PathClient, relayerr.StageForward, relayerr.CodeTransport, err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.PathClient, relayerr.StageForward, relayerr.CodeTransport, err)
	}
	return data, nil
}
