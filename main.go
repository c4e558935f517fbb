// Command chatwarden is the main entrypoint for the chat monitor service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs versioned migrations.
//   - Builds the per-tenant session supervisor, the command dispatcher, call
//     intake and the outbound sender, and resumes tenants marked active.
//   - Starts the bot token refresher, recorded chat retention and the HTTP
//     control API.
//
// Shutdown is graceful on SIGINT/SIGTERM. Tenants stay marked active so the
// next process picks them up again.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/commands"
	"github.com/onnwee/chatwarden/config"
	"github.com/onnwee/chatwarden/crypto"
	"github.com/onnwee/chatwarden/db"
	"github.com/onnwee/chatwarden/eventchannel"
	"github.com/onnwee/chatwarden/intake"
	"github.com/onnwee/chatwarden/kickapi"
	"github.com/onnwee/chatwarden/monitor"
	"github.com/onnwee/chatwarden/oauth"
	"github.com/onnwee/chatwarden/sender"
	"github.com/onnwee/chatwarden/server"
	"github.com/onnwee/chatwarden/telemetry"
	"github.com/onnwee/chatwarden/twitchapi"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	shutdownTracing, err := telemetry.InitTracing("chatwarden", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(ctx, database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err), slog.String("component", "db_migrate"))
		os.Exit(1)
	}

	keys, err := loadKeyring(cfg)
	if err != nil {
		slog.Error("encryption keys invalid", slog.Any("err", err))
		os.Exit(1)
	}
	store := db.NewStore(database, keys)
	clock := clockwork.NewRealClock()
	httpClient := &http.Client{Timeout: 15 * time.Second}

	// Cooldowns are shared through Redis when configured so replicas agree.
	var cooldowns commands.Cooldowns = commands.NewMemoryCooldowns(clock)
	var ready []server.ReadyCheck
	if cfg.RedisURL != "" {
		rdb, err := commands.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			slog.Warn("redis unavailable, using in-process cooldowns", slog.Any("err", err))
		} else {
			defer func() { _ = rdb.Close() }()
			cooldowns = commands.NewRedisCooldowns(rdb, clock)
			ready = append(ready, server.ReadyCheck{Name: "redis", Fn: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
		}
	}

	// Platform clients
	kick := &kickapi.Client{APIBase: cfg.KickAPIBase, ChannelBase: cfg.KickChannelBase, HTTPClient: httpClient, UserAgent: "chatwarden/" + version}
	twitchApp := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, HTTPClient: httpClient}
	helix := &twitchapi.HelixClient{BaseURL: cfg.TwitchAPIBase, AppTokenSource: twitchApp, ClientID: cfg.TwitchClientID, HTTPClient: httpClient}
	checkAppTokens(ctx, cfg, twitchApp, httpClient)

	resolver := &monitor.PlatformResolver{
		KickDialer: eventchannel.PusherDialer{URL: cfg.PusherURL, ReadTimeout: cfg.ReadTimeout},
		TwitchDialer: eventchannel.IRCDialer{
			Addr: cfg.TwitchIRCAddr,
			TLS:  strings.HasSuffix(cfg.TwitchIRCAddr, ":6697"),
		},
	}
	resolver.Kick = kick
	if cfg.TwitchEnabled() {
		resolver.Twitch = helix
	} else {
		slog.Info("twitch credentials missing; twitch tenants cannot be resolved")
	}

	// Bot tokens and outbound messages
	oauthConfigs := map[string]*oauth2.Config{
		db.PlatformKick:   {ClientID: cfg.KickClientID, ClientSecret: cfg.KickClientSecret, Endpoint: kickapi.Endpoint(cfg.KickAuthBase), Scopes: kickapi.BotScopes},
		db.PlatformTwitch: {ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, Endpoint: twitchapi.Endpoint(""), Scopes: twitchapi.BotScopes},
	}
	tokens := oauth.NewProvider(store, oauthConfigs, httpClient)
	tokens.StartRefresher(ctx, cfg.TokenRefresh, cfg.TokenWindow)

	out := sender.New(sender.Config{Timeout: cfg.SendTimeout, RatePerSecond: cfg.SendRate, Burst: cfg.SendBurst}, store, tokens, kick, helix)

	// Chat handling
	calls := intake.NewHandler(&intake.PGStore{DB: database},
		intake.WithAck(out, cfg.IntakeAckTemplate),
		intake.WithMaxItemLen(cfg.IntakeMaxItemLen),
	)
	commandStore := &commands.PGStore{DB: database}
	dispatcher := commands.NewDispatcher(commandStore, store, out, cooldowns, clock)

	display := monitor.NewFanout()
	hub := monitor.NewHub(64)
	go hub.Run(ctx, display.Add("live", 256))
	if cfg.RecordChat {
		recorder := &chat.Recorder{DB: database}
		go recorder.Run(ctx, display.Add("recorder", 1024))
	}
	go chat.StartRetentionJob(ctx, database, store, chat.RetentionPolicy{
		KeepDays:      cfg.ChatRetentionDays,
		KeepPerTenant: cfg.ChatRetentionKeep,
		DryRun:        cfg.ChatRetentionDryRun,
		Interval:      cfg.ChatRetentionInterval,
	})

	router := &monitor.Router{
		IntakeToken: strings.ToLower(cfg.IntakeCommand),
		Intake:      calls,
		Dispatcher:  dispatcher,
		Display:     display,
	}
	sup := monitor.NewSupervisor(store, resolver, router, monitor.Config{
		MaxRetries:          cfg.MaxRetries,
		ConnectTimeout:      cfg.ConnectTimeout,
		FlushInterval:       cfg.FlushInterval,
		HeartbeatSweepEvery: cfg.HeartbeatSweepEvery,
		StaleAfter:          cfg.StaleAfter,
		HealthCheckEvery:    cfg.HealthCheckEvery,
		EvictAfter:          cfg.EvictAfter,
		Classifier:          chat.NewClassifier(cfg.CommandPrefix),
		Clock:               clock,
	})
	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		sup.Run(ctx)
	}()

	startPprof()

	handler := server.NewMux(ctx, cfg, server.Deps{
		Supervisor: sup,
		Sender:     out,
		Batches:    &intake.PGStore{DB: database},
		Monitors:   store,
		Commands:   commandStore,
		Streams:    hub,
		Ready:      ready,
	})
	go func() {
		if err := server.Start(ctx, handler, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()
	slog.Info("chatwarden started", slog.String("addr", cfg.HTTPAddr))

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		slog.Warn("supervisor shutdown incomplete", slog.Any("err", err))
	}
	<-supDone
	out.Wait()
}

// setupLogging configures the default logger. Defaults: level=info, format=text.
func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	format = strings.ToLower(format)
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	if unknown {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// loadKeyring returns nil when no key is configured.
func loadKeyring(cfg *config.Config) (*crypto.Keyring, error) {
	raw := cfg.EncryptionKeys
	if raw == "" {
		raw = cfg.EncryptionKey
	}
	if raw == "" {
		return nil, nil
	}
	return crypto.ParseKeyring(raw)
}

// checkAppTokens fetches app access tokens once so bad credentials show up at
// startup instead of on the first channel lookup.
func checkAppTokens(ctx context.Context, cfg *config.Config, twitchApp *twitchapi.TokenSource, httpClient *http.Client) {
	ctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	if cfg.TwitchEnabled() {
		if tok, err := twitchApp.Get(ctx); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else {
			slog.Info("twitch app token acquired", slog.String("tail", maskToken(tok)))
		}
	}
	if cfg.KickEnabled() {
		kickApp := &kickapi.AppTokenSource{ClientID: cfg.KickClientID, ClientSecret: cfg.KickClientSecret, AuthBase: cfg.KickAuthBase, HTTPClient: httpClient}
		if tok, err := kickApp.Get(ctx); err != nil {
			slog.Warn("kick app token fetch failed", slog.Any("err", err))
		} else {
			slog.Info("kick app token acquired", slog.String("tail", maskToken(tok)))
		}
	}
}

func maskToken(tok string) string {
	if len(tok) > 6 {
		return "***" + tok[len(tok)-6:]
	}
	return "***"
}

// startPprof enables profiling endpoints in debug mode (ENABLE_PPROF=1).
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
