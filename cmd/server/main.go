package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/sync/errgroup"

	"github.com/moltty/termcast/internal/auth"
	"github.com/moltty/termcast/internal/buffer"
	"github.com/moltty/termcast/internal/config"
	"github.com/moltty/termcast/internal/database"
	"github.com/moltty/termcast/internal/history"
	"github.com/moltty/termcast/internal/logging"
	"github.com/moltty/termcast/internal/offload"
	"github.com/moltty/termcast/internal/session"
	"github.com/moltty/termcast/internal/stream"
	"github.com/moltty/termcast/internal/tail"
	"github.com/moltty/termcast/internal/terminal"
)

func main() {
	cfg := config.Load()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.Component("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	if err := database.AutoMigrate(db, &session.Session{}, &session.Remote{}); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	sessionRepo := session.NewRepository(db)

	// History and CPU offload
	cache := history.NewCache(ctx, cfg.RedisURL, cfg.HistoryCacheTTL)
	pool := offload.Shared(offload.WithSize(cfg.OffloadPoolSize))
	runner := offload.NewRunner(pool)

	// Recording tails and the screens fed from them
	watcher := tail.New(sessionRepo,
		tail.WithCache(cache, cfg.HistoryTailLines),
		tail.WithRunner(runner),
	)
	screens := terminal.NewManager(watcher)

	aggregator := buffer.New(screens, sessionRepo,
		buffer.WithCache(cache),
		buffer.WithRunner(runner),
		buffer.WithIdleTimeout(cfg.UpstreamIdleTimeout),
		buffer.WithServiceToken(func(string) (string, error) {
			return auth.SignServiceToken(cfg.JWTSecret, cfg.ServerID, time.Now())
		}),
	)

	// Handlers
	sessionHandler := session.NewHandler(sessionRepo)
	streamHandler := stream.NewHandler(watcher,
		func(ctx context.Context, subject, sessionID string) error {
			_, err := sessionRepo.Authorize(ctx, subject, sessionID)
			return err
		},
		stream.NewLimiter(cfg.MaxEventStreamPerKey),
	)

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:             1 * 1024 * 1024,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
	}))

	// Buffer websocket (token in the query string)
	app.Use("/buffers", auth.UpgradeMiddleware(cfg.JWTSecret))
	app.Get("/buffers", aggregator.Handler())

	api := app.Group("/api")

	// EventSource cannot set headers either, so the stream is registered
	// before the bearer-protected group.
	api.Get("/sessions/:id/stream", auth.QueryTokenMiddleware(cfg.JWTSecret), streamHandler.Stream)

	protected := api.Group("", auth.JWTMiddleware(cfg.JWTSecret))
	sessions := protected.Group("/sessions")
	sessions.Get("/", sessionHandler.List)
	sessions.Post("/", sessionHandler.Create)
	sessions.Get("/:id", sessionHandler.Get)
	sessions.Get("/:id/history", streamHandler.History)

	protected.Post("/remotes", sessionHandler.AddRemote)

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "server": cfg.ServerID})
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Str("server", cfg.ServerID).Msg("server starting")
		return app.Listen(":" + cfg.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		return app.ShutdownWithTimeout(10 * time.Second)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped")
	}

	if err := aggregator.Close(); err != nil {
		log.Warn().Err(err).Msg("closing buffer aggregator")
	}
	if err := watcher.Close(); err != nil {
		log.Warn().Err(err).Msg("closing tail watcher")
	}
	if err := cache.Close(); err != nil {
		log.Warn().Err(err).Msg("closing history cache")
	}
	pool.Destroy()
}
