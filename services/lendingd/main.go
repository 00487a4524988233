package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"lendclient/internal/stack"
	netcfg "lendclient/config"
	"lendclient/gateway/middleware"
	"lendclient/observability/logging"
	telemetry "lendclient/observability/otel"
	"lendclient/services/lendingd/config"
	"lendclient/services/lendingd/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service: "lendingd",
		Env:     cfg.Environment,
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
	})
	logger.Info("configuration loaded", slog.Any("config", cfg.Sanitized()))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("lendingd", cfg.Environment))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	networks, err := netcfg.Load(cfg.NetworksFile)
	if err != nil {
		log.Fatalf("load networks: %v", err)
	}
	network, err := networks.Network(cfg.Network)
	if err != nil {
		log.Fatalf("select network: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := stack.Build(ctx, network, stack.Options{
		DataDir:     filepath.Join(cfg.DataDir, "cache"),
		JournalPath: filepath.Join(cfg.DataDir, "journal.db"),
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("build lending stack: %v", err)
	}
	defer st.Close()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if !cfg.Auth.Enabled {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(cfg.Environment, "dev") && !loopback {
			log.Fatalf("unauthenticated lendingd is restricted to loopback listeners or dev environment")
		}
	}

	srv := server.New(server.Backend{
		Network:   network,
		Reader:    st.Node,
		Prices:    st.Prices,
		Rates:     st.Rates,
		Terms:     st.Terms,
		Market:    st.Market,
		Dashboard: st.Dashboard,
		Preflight: st.Preflight,
	}, server.Options{
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		},
		RateLimits:  rateLimits(cfg.RateLimits),
		CORS:        middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		LogRequests: true,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Timeouts.Read,
		ReadTimeout:       cfg.Timeouts.Read,
		WriteTimeout:      cfg.Timeouts.Write,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", slog.String("addr", listener.Addr().String()), slog.String("network", network.Name))
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.Any("error", err))
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}

func rateLimits(in map[string]config.RateLimit) map[string]middleware.RateLimit {
	out := make(map[string]middleware.RateLimit, len(in))
	for group, limit := range in {
		out[group] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	return out
}
