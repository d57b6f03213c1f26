package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"webcrawler/provisioner/internal/api"
	"webcrawler/provisioner/internal/clients"
	"webcrawler/provisioner/internal/config"
	"webcrawler/provisioner/internal/provisioner"
	"webcrawler/provisioner/internal/telemetry"
)

// AppContext holds the dependencies shared by every subcommand. It is built
// once in PersistentPreRunE.
type AppContext struct {
	cfg          *config.Config
	otelProvider *telemetry.Provider
	locker       *clients.RedisLocker
	provisioner  *provisioner.Provisioner
	router       *api.Router
}

// buildAppContext wires the provisioner from cfg. Telemetry is best-effort;
// the lock and the notifier are only created when configured.
func buildAppContext(ctx context.Context, cfg *config.Config) (*AppContext, error) {
	app := &AppContext{cfg: cfg}

	// Without an endpoint the SDK stays on its no-op globals.
	if cfg.Telemetry.OTLPEndpoint == "" {
		slog.Debug("OTEL telemetry disabled (no endpoint configured)")
	} else {
		tp, err := telemetry.InitProvider(ctx, cfg.Telemetry, version)
		if err != nil {
			slog.Warn("OTEL provider init failed, telemetry disabled", "err", err)
		} else {
			app.otelProvider = tp
		}
	}

	b := cfg.Bootstrap
	opts := []provisioner.Option{
		provisioner.WithStrict(b.Strict),
		provisioner.WithSecretUpdate(b.UpdateSecret),
		provisioner.WithLoginCheck(b.VerifyLogin),
	}

	// One breaker per dependency so each trips independently.
	if b.Redis.Enabled() {
		app.locker = clients.NewRedisLocker(b.Redis, clients.NewCircuitBreaker("redis"))
		opts = append(opts, provisioner.WithLocker(app.locker))
	}
	if b.NATS.Enabled() {
		opts = append(opts, provisioner.WithNotifier(
			clients.NewNATSNotifier(b.NATS, clients.NewCircuitBreaker("nats"))))
	}

	conn := clients.NewMongoConnector(b.Mongo, clients.NewCircuitBreaker("mongo"))
	plan := provisioner.DefaultPlan(b.TargetDB, b.Principal.Name, b.Principal.Secret, b.Principal.AuthDB)

	app.provisioner = provisioner.New(conn, plan, opts...)

	// Release mode keeps gin's debug banner off stdout, which carries the
	// JSON result.
	gin.SetMode(gin.ReleaseMode)
	app.router = api.NewRouter(app.provisioner, cfg.Telemetry.ServiceName, b.Timeout)

	return app, nil
}

// Close flushes telemetry and releases the Redis client.
func (a *AppContext) Close() {
	if a.otelProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelProvider.Shutdown(ctx); err != nil {
			slog.Warn("OTEL shutdown error", "err", err)
		}
	}
	if a.locker != nil {
		if err := a.locker.Close(); err != nil {
			slog.Warn("closing redis client failed", "err", err)
		}
	}
}
