package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"github.com/samirrijal/mapprobe/internal/adapters/elevation"
	"github.com/samirrijal/mapprobe/internal/adapters/http"
	natsadapter "github.com/samirrijal/mapprobe/internal/adapters/nats"
	"github.com/samirrijal/mapprobe/internal/adapters/postgres"
	"github.com/samirrijal/mapprobe/internal/adapters/valkey"
	"github.com/samirrijal/mapprobe/internal/core/ports"
	"github.com/samirrijal/mapprobe/internal/core/usecases"
	"github.com/samirrijal/mapprobe/internal/pkg/config"
	"github.com/samirrijal/mapprobe/internal/pkg/logging"
	"github.com/samirrijal/mapprobe/internal/pkg/telemetry"
)

var version = "dev"

func main() {
	_ = godotenv.Load() // .env is optional

	cfg, err := config.Load("mapprobe")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.TempoAddr)
		if err != nil {
			slog.Warn("telemetry init failed", "error", err)
		} else {
			defer shutdown()
		}
	}

	// Elevation backend
	backend, err := elevation.NewClient(elevation.Config{
		Endpoint:   cfg.Elevation.Endpoint,
		Credential: cfg.Elevation.Credential,
		Unit:       cfg.Elevation.Unit,
		Timeout:    cfg.Elevation.Timeout(),
		RatePerSec: cfg.Elevation.RatePerSec,
	})
	if err != nil {
		log.Fatalf("elevation client: %v", err)
	}

	deps := &http.Dependencies{Version: version}

	// Cache
	var cache ports.CacheService
	if cfg.Valkey.Enabled {
		vc, err := valkey.New(cfg.Valkey.Addr)
		if err != nil {
			slog.Warn("valkey unavailable, elevation cache disabled", "error", err)
		} else {
			defer vc.Close()
			cache = vc
			deps.Cache = vc
		}
	}

	// Query log
	var queries ports.QueryLogRepository
	if cfg.Database.Enabled {
		db, err := postgres.New(ctx, postgres.Options{
			DSN:      cfg.Database.DSN(),
			MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer db.Close()
		queries = postgres.NewQueryRepo(db)
		deps.DB = db
	}

	// NATS state fan-out
	var publisher ports.StatePublisher
	if cfg.NATS.Enabled {
		pub, err := natsadapter.NewPublisher(cfg.NATS.URL)
		if err != nil {
			slog.Warn("nats unavailable, state fan-out disabled", "error", err)
		} else {
			defer pub.Close()
			publisher = pub
			deps.NATS = pub
		}
	}

	// Use cases
	deps.Elevation = usecases.NewElevationService(backend, cache, cfg.Elevation.CacheTTLSeconds)
	deps.Probes = usecases.NewProbeService(deps.Elevation, queries, publisher, usecases.ProbeOptions{
		ViewportDelay:  cfg.Probe.ViewportDelay(),
		ElevationDelay: cfg.Probe.ElevationDelay(),
	})

	// Fiber
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    64 * 1024,
		AppName:      "mapprobe",
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		MaxAge:       3600,
	}))

	http.SetupRoutes(app, deps)

	// Graceful shutdown
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		slog.Info("probe server starting", "addr", addr, "elevation_endpoint", cfg.Elevation.Endpoint)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received, disposing sessions", "signal", sig.String(), "sessions", deps.Probes.Count())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Disposing sessions closes their sockets, which lets the HTTP server drain.
	if err := deps.Probes.Shutdown(shutdownCtx); err != nil {
		slog.Error("probe sessions did not drain", "error", err)
	}
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}
