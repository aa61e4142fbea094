// Command live-relay announces Twitch go-live events in Discord channels.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Opens the Discord gateway session used to post announcements.
//   - Serves the EventSub webhook plus health, metrics and admin endpoints.
//   - Runs the leader-elected reconciliation monitor and the app token warmer.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"

	"github.com/onnwee/live-relay/badges"
	"github.com/onnwee/live-relay/config"
	"github.com/onnwee/live-relay/db"
	"github.com/onnwee/live-relay/discord"
	"github.com/onnwee/live-relay/eventsub"
	"github.com/onnwee/live-relay/logging"
	"github.com/onnwee/live-relay/monitor"
	"github.com/onnwee/live-relay/notifier"
	"github.com/onnwee/live-relay/oauth"
	"github.com/onnwee/live-relay/registry"
	"github.com/onnwee/live-relay/server"
	"github.com/onnwee/live-relay/telemetry"
	"github.com/onnwee/live-relay/tracker"
	"github.com/onnwee/live-relay/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Init(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("logger initialized", slog.String("level", cfg.LogLevel), slog.String("format", cfg.LogFormat))

	if err := run(cfg); err != nil {
		slog.Error("live-relay exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("live-relay", "1.0.0")
	if err != nil {
		return err
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded idempotent schema covers
	// databases that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			return err
		}
	}

	tokens := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	warmCtx, cancelWarm := context.WithTimeout(ctx, 8*time.Second)
	if tok, err := tokens.Get(warmCtx); err != nil {
		slog.Warn("twitch app token fetch failed", slog.Any("err", err))
	} else if len(tok) > 6 {
		slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
	}
	cancelWarm()

	helix := twitchapi.NewHelixClient(tokens, cfg.TwitchClientID,
		twitchapi.WithEventSubTransport(cfg.CallbackURL(), cfg.EventSubSecret))

	session, err := discord.Open(cfg.DiscordToken)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("discord session close failed", slog.Any("err", err))
		}
	}()

	store := registry.New(database, cfg.MaxBroadcasters)
	if n, err := store.CountDistinctBroadcasters(ctx); err == nil {
		telemetry.SetTrackedBroadcasters(n)
	}

	readyChecks := []server.ReadyCheck{server.DiscordCheck(session.Ready)}
	var badgeCache badges.Cache = badges.NewMemoryCache(clockwork.NewRealClock())
	if cfg.RedisURL != "" {
		rdb, err := badges.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			slog.Warn("redis unavailable, badge cache stays in memory", slog.Any("err", err))
		} else {
			defer func() { _ = rdb.Close() }()
			badgeCache = badges.NewRedisCache(rdb)
			readyChecks = append(readyChecks, server.ReadyCheck{
				Name:  "redis",
				Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			})
		}
	}

	notify := notifier.New(store, session, helix)
	webhook := eventsub.NewHandler(cfg.EventSubSecret, notify)
	follows := tracker.New(store, helix)

	mon := monitor.New(db.NewAdvisoryLock(database, cfg.MonitorLockKey), store, helix,
		monitor.WithInterval(cfg.MonitorInterval),
		monitor.WithBadges(&badges.Refresher{Source: helix, Cache: badgeCache}),
	)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		err := mon.Run(ctx)
		switch {
		case errors.Is(err, monitor.ErrNotLeader):
			slog.Info("another replica leads reconciliation; this instance only serves webhooks")
		case err != nil:
			slog.Error("monitor exited with error", slog.Any("err", err))
		}
	}()

	oauth.StartRefresher(ctx, tokens, cfg.TokenWarmInterval, 15*time.Minute)

	deps := server.DepsFromConfig(cfg)
	deps.DB = database
	deps.Webhook = webhook
	deps.Tracker = follows
	deps.Monitor = mon
	deps.Badges = badgeCache
	deps.Checks = readyChecks

	slog.Info("live-relay started",
		slog.String("callback_url", cfg.CallbackURL()),
		slog.Int("max_broadcasters", store.MaxBroadcasters()),
		slog.Duration("monitor_interval", cfg.MonitorInterval))

	err = server.Start(ctx, server.NewRouter(deps), cfg.HTTPAddr)
	slog.Info("shutting down")
	// The monitor releases its advisory lock on exit; that needs the database.
	stop()
	<-monDone
	return err
}
