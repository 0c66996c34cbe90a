// Command trabas-server runs the rendezvous relay: a public HTTP
// listener and a tunnel listener, backed by either an in-process or
// Redis-shared storage layer.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fluxrelay/trabas/acceptor"
	"github.com/fluxrelay/trabas/cache"
	"github.com/fluxrelay/trabas/handshake"
	"github.com/fluxrelay/trabas/internal/config"
	"github.com/fluxrelay/trabas/internal/logging"
	"github.com/fluxrelay/trabas/internal/telemetry"
	"github.com/fluxrelay/trabas/internal/telemetry/prom"
	"github.com/fluxrelay/trabas/public"
	"github.com/fluxrelay/trabas/storage/memstore"
	"github.com/fluxrelay/trabas/storage/redisstore"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to server config JSON (overrides "+config.EnvPathServer+")")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogFile,
		Fields:   []zap.Field{zap.String("component", "trabas-server"), zap.String("version", version)},
	})
	defer log.Sync()
	log.Info("starting", zap.String("commit", commit))

	reg := prometheus.NewRegistry()
	telemetry.Set(prom.New(reg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := memstore.New()
	if cfg.Storage.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			log.Fatal("invalid redis_url", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
		backend = redisstore.New(rdb)
		log.Info("using redis storage backend", zap.String("addr", opts.Addr))
	} else {
		log.Info("using in-process storage backend")
	}

	gate := &handshake.Gate{
		SharedSecret:        []byte(cfg.SharedSecret),
		ServerVersion:       cfg.ServerVersion,
		MinClientVersion:    cfg.MinClientVersion,
		PublicEndpoints:     cfg.PublicEndpoints,
		MaxTunnelsPerClient: cfg.MaxTunnelsPerClient,
		Log:                 log,
	}

	pipeline := &public.Pipeline{
		Store: backend,
		Cache: cache.New(backend.Cache),
		Config: public.Config{
			ClientRequestLimit: cfg.ClientRequestLimit,
		},
		Log: log,
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if cfg.DiagnosticsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/__diagnostics", acceptor.DiagnosticsHandler(backend))
			log.Info("diagnostics ws listening", zap.String("addr", cfg.DiagnosticsAddr))
			if err := http.ListenAndServe(cfg.DiagnosticsAddr, mux); err != nil && ctx.Err() == nil {
				log.Warn("diagnostics server stopped", zap.Error(err))
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && ctx.Err() == nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	var tlsConf *tls.Config
	if cfg.TLSCertFile != "" || cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			log.Fatal("failed to load tls cert/key", zap.Error(err))
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		log.Info("tls enabled on both listeners")
	}

	publicAcceptor := &acceptor.PublicAcceptor{Addr: cfg.PublicAddr, TLS: tlsConf, Pipeline: pipeline, Log: log}
	tunnelAcceptor := &acceptor.TunnelAcceptor{Addr: cfg.TunnelAddr, TLS: tlsConf, Gate: gate, Store: backend, Log: log}

	errCh := make(chan error, 2)
	go func() { errCh <- publicAcceptor.Serve(ctx) }()
	go func() { errCh <- tunnelAcceptor.Serve(ctx) }()

	log.Info("listening", zap.String("public_addr", cfg.PublicAddr), zap.String("tunnel_addr", cfg.TunnelAddr))

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			log.Error("acceptor stopped", zap.Error(err))
		}
	}
}
