package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tigerden/api/internal/app"
	"tigerden/api/internal/blob"
	"tigerden/api/internal/config"
	"tigerden/api/internal/events"
	"tigerden/api/internal/identity"
	"tigerden/api/internal/ratelimit"
	"tigerden/api/internal/realtime"
	"tigerden/api/internal/search"
	"tigerden/api/internal/session"
	"tigerden/api/internal/store"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func main() {
	fmt.Println(color.YellowString(" _____ _                 ____\n|_   _(_) __ _  ___ _ __|  _ \\  ___ _ __\n  | | | |/ _` |/ _ \\ '__| | | |/ _ \\ '_ \\\n  | | | | (_| |  __/ |  | |_| |  __/ | | |\n  |_| |_|\\__, |\\___|_|  |____/ \\___|_| |_|\n         |___/"))
	fmt.Printf("%s\n", color.New(color.FgHiYellow).Add(color.Bold).Sprintf("TigerDen API"))
	color.HiBlack("==========================================\n")

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg(".env could not be read")
	}
	cfg := config.Load()
	if level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	pg := store.NewPostgresStore(db)

	deps := app.Dependencies{
		Store:    pg,
		Sessions: pg,
		Events:   events.NewPublisher(cfg.AMQPURL),
	}

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		redisClient = redisStore.Client()
		deps.Sessions = redisStore
		deps.Notices = realtime.NewNoticeFeed(redisClient)
		log.Info().Msg("using redis for sessions, notices and rate limits")
	} else {
		log.Info().Msg("using postgres for sessions; notice stream disabled")
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPgFTS(db))
	deps.Search = searchService
	go searchService.ReindexAllFromPG(ctx)

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := blob.New(ctx, blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Error().Err(err).Msg("object storage unavailable, note uploads disabled")
		} else {
			deps.Blob = objects
		}
	}

	accounts := identity.NewService(pg)
	accounts.RequireConfirmation = cfg.RequireEmailCheck
	deps.Accounts = accounts

	service := app.New(cfg, deps)
	limiter := ratelimit.New(redisClient, ratelimit.Config{
		Capacity:  cfg.RateLimitBurst,
		PerMinute: cfg.RateLimitPerMinute,
	})

	quartz := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
	if _, err := quartz.AddFunc(cfg.ReconcileSchedule, func() { service.Reconcile(context.Background()) }); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.ReconcileSchedule).Msg("invalid reconcile schedule")
	}
	quartz.Start()
	service.Reconcile(ctx)

	gin.SetMode(gin.ReleaseMode)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, limiter)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("TigerDen API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	<-quartz.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
