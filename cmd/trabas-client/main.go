// Command trabas-client connects to a trabas-server tunnel listener and
// forwards routed public requests to a local origin HTTP service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fluxrelay/trabas/forwarder"
	"github.com/fluxrelay/trabas/internal/config"
	"github.com/fluxrelay/trabas/internal/logging"
	"github.com/fluxrelay/trabas/tunnelclient"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to client config JSON (overrides "+config.EnvPathClient+")")
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogFile,
		Fields:   []zap.Field{zap.String("component", "trabas-client"), zap.String("client_id", cfg.ClientID), zap.String("version", version)},
	})
	defer log.Sync()
	log.Info("starting", zap.String("commit", commit))

	fwd, err := forwarder.New(forwarder.Config{
		Addr:       cfg.OriginAddr,
		TLS:        cfg.OriginUseTLS,
		CACertFile: cfg.OriginCACert,
	})
	if err != nil {
		log.Fatal("forwarder setup failed", zap.Error(err))
	}

	var serverTLS *tls.Config
	if cfg.ServerUseTLS {
		serverTLS = &tls.Config{RootCAs: systemCertPoolOrEmpty()}
	}

	c := &tunnelclient.Client{
		Config: tunnelclient.Config{
			ServerAddr:   cfg.ServerAddr,
			ServerTLS:    serverTLS,
			ClientID:     cfg.ClientID,
			SharedSecret: []byte(cfg.SharedSecret),
			ClVersion:    cfg.ClVersion,
			MinSvVersion: cfg.MinSvVersion,
		},
		Forwarder: fwd,
		Log:       log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("client stopped", zap.Error(err))
		os.Exit(1)
	}
}

func systemCertPoolOrEmpty() *x509.CertPool {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		return x509.NewCertPool()
	}
	return pool
}
