package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicebridge/internal/auth"
	"voicebridge/internal/call"
	"voicebridge/internal/calllog"
	"voicebridge/internal/config"
	"voicebridge/internal/stt"
	"voicebridge/internal/telephony"
	"voicebridge/internal/tts"
	"voicebridge/internal/tunnel"
	"voicebridge/pkg/logger"
	"voicebridge/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		log.Error("provider init failed", "err", err)
		os.Exit(1)
	}

	authManager, err := auth.NewManager(cfg.ToolAPI.JWTSecret, cfg.ToolAPI.TokenTTL)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	records, closeDB, err := buildRecords(rootCtx, cfg, log)
	if err != nil {
		log.Error("call log init failed", "err", err)
		os.Exit(1)
	}
	defer closeDB()

	limiter, closeRedis, err := buildLimiter(rootCtx, cfg, log)
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer closeRedis()

	tun := tunnel.NewManager(cfg.Tunnel.NgrokAuthtoken, cfg.App.Port, log)
	if err := tun.Start(rootCtx); err != nil {
		log.Error("tunnel start failed", "err", err)
		os.Exit(1)
	}
	defer tun.Stop()

	synth, err := tts.NewOpenAISynthesizer(cfg.OpenAI.APIKey, cfg.OpenAI.TTSVoice)
	if err != nil {
		log.Error("tts init failed", "err", err)
		os.Exit(1)
	}

	newSTT := func(ctx context.Context) (call.Transcriber, error) {
		session := stt.NewSession(stt.Config{
			APIKey:  cfg.OpenAI.APIKey,
			Silence: cfg.OpenAI.STTSilence,
			Logger:  log,
		})
		if err := session.Connect(ctx); err != nil {
			return nil, err
		}
		return session, nil
	}

	core := call.NewCore(
		call.CoreConfig{
			FromNumber:           cfg.Phone.FromNumber,
			UserNumber:           cfg.Phone.UserNumber,
			PublicURL:            tun.PublicURL,
			TranscriptTimeout:    cfg.OpenAI.TranscriptTimeout,
			AllowTokenlessAttach: cfg.Tunnel.AllowTokenlessAttach,
			IsEphemeralHost:      tunnel.IsEphemeralHost,
		},
		provider,
		synth,
		newSTT,
		records,
		limiter,
		log,
	)

	webhook := &telephony.WebhookHandler{
		Provider:        provider,
		Calls:           core,
		TelnyxPublicKey: cfg.Provider.TelnyxPublicKey,
		TwilioAuthToken: cfg.Provider.TwilioAuthToken,
		PublicHost:      tun.PublicHost,
		IsEphemeralHost: tunnel.IsEphemeralHost,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, core, webhook, authManager, records, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// Read/write timeouts stay unset: tool operations block for the
		// length of a listen turn and the media websocket is long-lived.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("voicebridge listening", "addr", srv.Addr, "public_url", tun.PublicURL(), "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Say goodbye on every live call before the listener goes away.
	core.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

func buildProvider(cfg config.Config) (telephony.Provider, error) {
	switch cfg.Provider.Name {
	case "telnyx":
		return telephony.NewTelnyxProvider(telephony.TelnyxConfig{
			APIKey:       cfg.Provider.TelnyxAPIKey,
			ConnectionID: cfg.Provider.TelnyxConnectionID,
		})
	case "twilio":
		return telephony.NewTwilioProvider(telephony.TwilioConfig{
			AccountSID: cfg.Provider.TwilioAccountSID,
			AuthToken:  cfg.Provider.TwilioAuthToken,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}

func buildRecords(ctx context.Context, cfg config.Config, log *slog.Logger) (calllog.Repository, func(), error) {
	if !cfg.HasDB() {
		return calllog.NewMemoryRepo(), func() {}, nil
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, nil, err
	}
	repo := calllog.NewPostgresRepo(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	log.Info("call log backed by postgres")
	return repo, func() { _ = db.Close() }, nil
}

func buildLimiter(ctx context.Context, cfg config.Config, log *slog.Logger) (call.Limiter, func(), error) {
	if !cfg.HasRedis() || cfg.Redis.MaxConcurrentCalls <= 0 {
		return nil, func() {}, nil
	}

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		return nil, nil, err
	}
	log.Info("concurrent call cap enabled", "limit", cfg.Redis.MaxConcurrentCalls)
	return call.NewRedisLimiter(rdb, cfg.Redis.MaxConcurrentCalls, log), func() { _ = rdb.Close() }, nil
}
