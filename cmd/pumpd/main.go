package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"google.golang.org/grpc"

	"pumpctl.org/internal/audit"
	"pumpctl.org/internal/auth"
	"pumpctl.org/internal/config"
	"pumpctl.org/internal/devicesim"
	"pumpctl.org/internal/httpapi"
	"pumpctl.org/internal/ids"
	"pumpctl.org/internal/obs"
	"pumpctl.org/internal/session"
	"pumpctl.org/internal/store/pg"
	"pumpctl.org/internal/transport"
	"pumpctl.org/internal/transport/dialer"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit, "pumpd")

	cfg := config.Load()
	obs.SetLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		fatal("config_invalid", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		fatal("auth_init_failed", err)
	}
	resolver := auth.NewResolver(cfg.AdminEmails)

	var broker *transport.Broker
	if cfg.Transport == config.TransportMemory {
		broker = transport.NewBroker()
		startSimulators(ctx, cfg, broker)
	}
	dial, err := dialer.New(cfg, broker)
	if err != nil {
		fatal("transport_init_failed", err)
	}

	// Подключение к БД (если задан DSN): аудит команд и /readyz
	var store *pg.Store
	sinks := []audit.Sink{}
	if cfg.PostgresDSN != "" {
		store, err = pg.Open(cfg.PostgresDSN)
		if err != nil {
			fatal("db_open_failed", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			fatal("db_schema_failed", err)
		}
		sinks = append(sinks, store)
	}
	recorder := audit.NewRecorder(sinks...)

	// A dedicated connection tells /readyz whether the broker is reachable.
	monitor := dial("pumpd-monitor-"+ids.New(), nil)
	if err := monitor.Connect(ctx); err != nil {
		obs.Warn("broker_unreachable", map[string]any{"transport": cfg.Transport, "error": err})
	}
	probe := httpapi.ReadyProbe{Broker: func(context.Context) error {
		if st := monitor.State(); st != transport.StateConnected {
			return transport.ErrUnavailable
		}
		return nil
	}}
	opts := []httpapi.Option{
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	}
	if store != nil {
		probe.DB = store.DB()
		opts = append(opts, httpapi.WithHistory(store))
	}

	sessions := session.NewManager(cfg.Session(), dial,
		session.WithIdleTTL(cfg.SessionIdleTTL),
		session.WithSessionOptions(session.WithAuditor(recorder)),
	)
	go sessions.Run(ctx, time.Minute)

	api := httpapi.New(probe, version, verifier, resolver, sessions, opts...)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// no WriteTimeout: /v1/events streams and firmware uploads outlive it
		IdleTimeout: 60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCHealth(probe)
	health.Register(grpcSrv)
	go health.Run(ctx, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		fatal("grpc_listen_failed", err)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			obs.Error("grpc_serve_failed", map[string]any{"error": err})
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("http_listen_failed", err)
		}
	}()
	obs.Info("pumpd_started", map[string]any{
		"version":   version,
		"http":      cfg.HTTPAddr,
		"grpc":      cfg.GRPCAddr,
		"transport": cfg.Transport,
		"prefix":    cfg.TopicPrefix,
		"audit_db":  store != nil,
	})

	<-ctx.Done()
	obs.Info("pumpd_stopping", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	sessions.Close()
	_ = monitor.Close()
	if store != nil {
		_ = store.Close()
	}
	obs.Info("pumpd_stopped", nil)
}

func newVerifier(ctx context.Context, cfg config.Config) (auth.Verifier, error) {
	if cfg.JWKSURLs != "" {
		return auth.NewJWKSVerifier(ctx, cfg.JWKSURLs, cfg.JWTIssuer, cfg.JWTAudience)
	}
	obs.Warn("auth_dev_secret", map[string]any{"msg": "verifying HS256 tokens with a shared secret"})
	var opts []auth.HMACOption
	if cfg.JWTIssuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
	}
	return auth.NewHMACVerifier(cfg.AuthSecret, opts...)
}

// startSimulators runs one emulated pump per known device on the in-process
// broker, so a memory deployment has something to talk to.
func startSimulators(ctx context.Context, cfg config.Config, broker *transport.Broker) {
	known, _ := cfg.Devices()
	for _, id := range known {
		conn := broker.Dial("sim-"+string(id), nil)
		dev := devicesim.New(devicesim.Config{
			Prefix:    cfg.TopicPrefix,
			ID:        id,
			Heartbeat: 10 * time.Second,
			Info:      devicesim.DefaultInfo(id),
		}, conn)
		go func() {
			if err := dev.Run(ctx); err != nil {
				obs.Error("devicesim_failed", map[string]any{"device": id, "error": err})
			}
		}()
	}
}

func fatal(msg string, err error) {
	obs.Error(msg, map[string]any{"error": err})
	os.Exit(1)
}
