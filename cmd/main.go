// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/mqproxy/auth"
	"github.com/absmach/mqproxy/backend"
	"github.com/absmach/mqproxy/config"
	"github.com/absmach/mqproxy/devauth"
	mqtls "github.com/absmach/mqproxy/pkg/tls"
	"github.com/absmach/mqproxy/proxy"
	"github.com/absmach/mqproxy/ratelimit"
	"github.com/absmach/mqproxy/router"
	"github.com/absmach/mqproxy/server/health"
	"github.com/absmach/mqproxy/server/otel"
	"github.com/absmach/mqproxy/server/tcp"
	"github.com/absmach/mqproxy/server/websocket"
	"github.com/absmach/mqproxy/storage"
	"github.com/absmach/mqproxy/storage/badger"
	"github.com/absmach/mqproxy/storage/memory"
	"github.com/absmach/mqproxy/tenant"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := cfg.Proxy.ProxyID + "-" + uuid.NewString()[:8]
	slog.Info("Starting MQTT proxy", "version", cfg.Telemetry.ServiceVersion, "instance", instanceID)
	slog.Info("Configuration loaded",
		"tcp_listener", listenerAddr(cfg.Server.TCP.Enabled, cfg.Server.TCP.Addr),
		"tls_listener", listenerAddr(cfg.Server.TLS.Enabled, cfg.Server.TLS.Addr),
		"ws_listener", listenerAddr(cfg.Server.WebSocket.Enabled, cfg.Server.WebSocket.Addr),
		"health_listener", listenerAddr(cfg.Server.Health.Enabled, cfg.Server.Health.Addr),
		"backend", cfg.Backend.Address,
		"tenants", len(cfg.Tenants),
		"log_level", cfg.Log.Level)

	var store storage.Store
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory user storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir:        cfg.Storage.BadgerDir,
			GCInterval: cfg.Storage.GCInterval,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB persistent user storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	if err := seedUsers(store.Users(), cfg.Users, cfg.Auth.BcryptCost); err != nil {
		slog.Error("Failed to seed local users", "error", err)
		os.Exit(1)
	}

	tenants, err := tenant.NewStore(cfg.Rules, cfg.Tenants, cfg.WillPolicy)
	if err != nil {
		slog.Error("Failed to compile tenants", "error", err)
		os.Exit(1)
	}

	rateLimitManager := ratelimit.NewManager(cfg.RateLimit)
	defer rateLimitManager.Stop()
	if cfg.RateLimit.Enabled {
		slog.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
			slog.Bool("fair_use", cfg.RateLimit.FairUse.Enabled),
			slog.Bool("auth", cfg.RateLimit.Auth.Enabled))
	} else {
		slog.Info("Rate limiting disabled")
	}

	var external auth.Checker
	if cfg.Auth.External.URL != "" {
		external = auth.NewHTTPAuthenticator(cfg.Auth.External, logger)
		slog.Info("External authenticator enabled", "url", cfg.Auth.External.URL)
	}
	authService := auth.NewService(store.Users(), external, rateLimitManager, cfg.Auth.Timeout, logger)

	var registrar proxy.Registrar
	if cfg.Auth.Registrar.URL != "" {
		registrar = auth.NewHTTPRegistrar(cfg.Auth.Registrar, logger)
		slog.Info("Device registrar enabled", "url", cfg.Auth.Registrar.URL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	devices := devauth.New(cfg.Devices, logger)
	go devices.Run(ctx)

	var eventRouter proxy.Router
	if cfg.Router.Enabled {
		r, err := router.New(cfg.Router, cfg.Proxy.ProxyID, router.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize event router", "error", err)
			os.Exit(1)
		}
		defer r.Close()
		eventRouter = r
		slog.Info("Event routing enabled",
			"endpoints", len(cfg.Router.Endpoints),
			"workers", cfg.Router.Workers,
			"queue_size", cfg.Router.QueueSize)
	} else {
		slog.Info("Event routing disabled")
	}

	backendTLS, err := cfg.Backend.Security.ClientTLS()
	if err != nil {
		slog.Error("Failed to build backend TLS configuration", "error", err)
		os.Exit(1)
	}
	backendCfg := cfg.Backend.Config
	backendCfg.TLS = backendTLS
	if backendCfg.MaxPacketSize == 0 {
		backendCfg.MaxPacketSize = cfg.Proxy.MaxPacketSize
	}
	dialer := backend.NewDialer(backendCfg, logger)

	var (
		otelShutdown func(context.Context) error
		metrics      *otel.Metrics
		tracer       trace.Tracer
		p            *proxy.Proxy
	)
	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		shutdown, err := otel.InitProvider(cfg.Telemetry, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)

		if cfg.Telemetry.MetricsEnabled {
			// Observed only on export, after the proxy exists.
			m, err := otel.NewMetrics(func() proxy.StatsSnapshot { return p.Stats() })
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			defer m.Close()
			metrics = m
		}
		if cfg.Telemetry.TracesEnabled {
			tracer = otel.Tracer()
			slog.Info("Connect tracing enabled", "sample_rate", cfg.Telemetry.TraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	deps := proxy.Deps{
		Tenants:   tenants,
		Auth:      authService,
		Registrar: registrar,
		Devices:   devices,
		Router:    eventRouter,
		Dialer:    dialer,
		Limiter:   rateLimitManager,
		Tracer:    tracer,
	}
	if metrics != nil {
		deps.Metrics = metrics
	}
	p, err = proxy.New(cfg.Proxy, deps, logger)
	if err != nil {
		slog.Error("Failed to create proxy", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)
	run := func(name string, listen func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listen(ctx); err != nil {
				slog.Error("Server stopped with error", "server", name, "error", err)
				serverErr <- err
			}
		}()
	}

	tcpSlots := []struct {
		name string
		cfg  config.ListenerConfig
	}{
		{name: "tcp", cfg: cfg.Server.TCP},
		{name: "tls", cfg: cfg.Server.TLS},
	}
	for _, slot := range tcpSlots {
		if !slot.cfg.Enabled {
			continue
		}
		tlsCfg, err := mqtls.LoadTLSConfig(&slot.cfg.TLS)
		if err != nil {
			slog.Error("Failed to build TLS configuration", "listener", slot.name, "error", err)
			os.Exit(1)
		}
		server := tcp.New(tcp.Config{
			Address:          slot.cfg.Addr,
			TLSConfig:        tlsCfg,
			Logger:           logger,
			ShutdownTimeout:  cfg.Server.ShutdownTimeout,
			HandshakeTimeout: slot.cfg.HandshakeTimeout,
			TCPKeepAlive:     slot.cfg.TCPKeepAlive,
			MaxConnections:   slot.cfg.MaxConnections,
			BufferSize:       slot.cfg.BufferSize,
			Link:             cfg.Server.Link,
		}, p, rateLimitManager)
		slog.Info("Starting MQTT listener", "listener", slot.name, "address", slot.cfg.Addr, "tls", tlsCfg != nil)
		run(slot.name, server.Listen)
	}

	if ws := cfg.Server.WebSocket; ws.Enabled {
		tlsCfg, err := mqtls.LoadTLSConfig(&ws.TLS)
		if err != nil {
			slog.Error("Failed to build WebSocket TLS configuration", "error", err)
			os.Exit(1)
		}
		server := websocket.New(websocket.Config{
			Address:         ws.Addr,
			Path:            ws.Path,
			TLSConfig:       tlsCfg,
			Logger:          logger,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxConnections:  ws.MaxConnections,
			TrustForwarded:  ws.TrustForwarded,
			Link:            cfg.Server.Link,
		}, p, rateLimitManager)
		slog.Info("Starting WebSocket listener", "address", ws.Addr, "path", ws.Path, "tls", tlsCfg != nil)
		run("websocket", server.Listen)
	}

	if cfg.Server.Health.Enabled {
		checks := map[string]health.Checker{
			"backend": dialCheck(cfg.Backend.Address),
		}
		hs := health.New(health.Config{
			Address:         cfg.Server.Health.Addr,
			ShutdownTimeout: 5 * time.Second,
		}, p, checks, logger)
		run("health", hs.Listen)
	}

	slog.Info("MQTT proxy started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Sessions get their DISCONNECT before the listeners drain.
	p.Close()
	cancel()
	wg.Wait()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("MQTT proxy stopped")
}

func listenerAddr(enabled bool, addr string) string {
	if !enabled {
		return "disabled"
	}
	return addr
}

// seedUsers stores the configured local users, hashing plain passwords.
func seedUsers(users storage.UserStore, cfgs []config.UserConfig, cost int) error {
	for _, uc := range cfgs {
		hash := uc.PasswordHash
		if hash == "" {
			h, err := auth.HashPassword(uc.Password, cost)
			if err != nil {
				return err
			}
			hash = h
		}
		u := &storage.User{
			Org:          uc.Org,
			Name:         uc.Name,
			PasswordHash: hash,
			Masks:        uc.Masks,
			UpdatedAt:    time.Now(),
		}
		if err := users.Save(u); err != nil {
			return errors.Join(errors.New("user "+u.Key()), err)
		}
	}
	if len(cfgs) > 0 {
		slog.Info("Local users loaded", "count", len(cfgs))
	}
	return nil
}

// dialCheck reports the backend ready when a TCP connection succeeds.
func dialCheck(addr string) health.Checker {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
