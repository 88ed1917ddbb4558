package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"practice-session-system/handlers"
	"practice-session-system/middleware"
	"practice-session-system/services"
	"practice-session-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Run the HTTP API and background sweeps",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(seed)
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", true, "upsert the mission catalog before serving")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Create or update the database schema",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			if err := migrate(db); err != nil {
				return err
			}
			log.Info("schema migrated", "driver", cfg.DBDriver)
			return nil
		},
	}
}

func newSeedMissionsCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:          "seed-missions",
		Short:        "Upsert the mission catalog from a YAML file",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer log.Sync()
			if path == "" {
				path = cfg.MissionCatalog
			}

			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			if err := migrate(db); err != nil {
				return err
			}
			missions := services.NewMissionService(db, log, services.NewProgressionService(db))
			n, err := missions.SeedFromFile(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d missions from %s\n", n, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "catalog path (defaults to MISSION_CATALOG)")
	return cmd
}

func runServe(seed bool) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.GatewayToken == "" {
		return fmt.Errorf("GAME_SERVICE_TOKEN environment variable not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	if err := migrate(db); err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	progression := services.NewProgressionService(db)
	missions := services.NewMissionService(db, log, progression)
	if seed {
		if n, err := missions.SeedFromFile(ctx, cfg.MissionCatalog); err != nil {
			log.Warn("mission catalog not seeded", "path", cfg.MissionCatalog, "error", err)
		} else {
			log.Info("mission catalog seeded", "path", cfg.MissionCatalog, "count", n)
		}
	}

	sessions := services.NewSessionService(db, log, missions, services.SessionOptions{
		Clock:           clock,
		Zone:            cfg.StreakZone,
		SettlementTries: cfg.SettlementTries,
	})
	idem := services.NewIdempotency(services.NewGormIdempotencyStore(db), log, clock, cfg.IdempotencyTTL)

	var (
		limiter    services.Limiter
		memLimiter *services.MemoryLimiter
	)
	rdb, err := openRedis(ctx, cfg.RedisAddr, log)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		limiter = services.NewRedisLimiter(rdb, log)
	} else {
		memLimiter = services.NewMemoryLimiter(clock)
		limiter = memLimiter
	}

	if err := workers.NewRetentionWorker(idem, memLimiter, cfg.SweepEvery, clock, log).Start(ctx); err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		BodyLimit:    1 * 1024 * 1024,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})

	// GLOBAL: Only Gateway requests allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.GatewayToken, log))

	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID, Idempotency-Key",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID, Retry-After, Idempotent-Replayed",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	secured := app.Group("/", middleware.UserContextMiddleware(log))
	handlers.SetupSessionRoutes(secured, sessions, idem, handlers.RateLimits{
		Limiter:         limiter,
		Capacity:        cfg.RateLimitCap,
		RefillPerSecond: cfg.RateLimitRefill,
	}, log)
	handlers.SetupProgressionRoutes(secured, progression, log)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error("server error", "error", err)
			stop()
		}
	}()
	log.Info("server running", "port", cfg.Port, "driver", cfg.DBDriver, "redis_limiter", rdb != nil)

	<-ctx.Done()
	log.Info("shutting down server")
	return app.ShutdownWithTimeout(10 * time.Second)
}
