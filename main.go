package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"outreach/config"
	"outreach/health"
	"outreach/mailbox"
	"outreach/middleware"
	"outreach/queue"
	"outreach/routes"
	"outreach/store"
	"outreach/transport"
	"outreach/utils"
	"outreach/worker"
)

func main() {
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	if err := utils.InitLogging(cfg.LogLevel, cfg.Environment, cfg.SentryDSN, cfg.LogJSON); err != nil {
		logrus.WithError(err).Warn("sentry disabled")
	}
	defer utils.FlushLogging()
	log := logrus.StandardLogger()

	if err := config.ConnectDB(); err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := config.ConnectRedis(ctx); err != nil {
		logrus.Fatalf("Failed to connect to redis: %v", err)
	}

	st := store.New(config.DB)
	sendQueue := queue.NewRedisQueue(config.Redis, cfg.Send.Queue, cfg.Send.VisibilityTimeout)
	tracker := health.NewTracker(st, health.Thresholds{
		MaxErrorStreak:  cfg.Health.MaxErrorStreak,
		MaxBounceRate:   cfg.Health.MaxBounceRate,
		MinSendsForRate: cfg.Health.MinSendsForRate,
		MaxComplaints:   cfg.Health.MaxComplaints,
	}, log)
	links := utils.NewTracker(cfg.TrackingBaseURL, cfg.TrackingSecret)
	transports := &transport.AccountFactory{
		Decrypt: utils.Decrypt,
		Encrypt: utils.Encrypt,
		Clients: map[string]transport.OAuthClient{
			"google":    {ClientID: cfg.Google.ClientID, ClientSecret: cfg.Google.ClientSecret},
			"microsoft": {ClientID: cfg.Microsoft.ClientID, ClientSecret: cfg.Microsoft.ClientSecret},
		},
		Tokens: st,
		Log:    log,
	}
	hub := worker.NewHub()

	sequencer := worker.NewSequencer(st, sendQueue, log)
	delivery := worker.NewDeliveryWorker(st, sequencer, tracker, transports, links, worker.DeliveryOptions{
		SendTimeout:   cfg.Send.Timeout,
		DisabledGrace: cfg.Send.DisabledGrace,
		Events:        hub,
		Log:           log,
	})
	pool := worker.NewPool(sendQueue, delivery, worker.PoolConfig{
		Concurrency: cfg.Send.Concurrency,
		MaxAttempts: cfg.Send.MaxAttempts,
		BackoffBase: cfg.Send.BackoffBase,
		BackoffMax:  cfg.Send.BackoffMax,
	}, log)
	matcher := worker.NewReplyMatcher(st, hub, log)
	replies := worker.NewReplyWorker(st, &mailbox.IMAPOpener{
		Decrypt:        utils.Decrypt,
		TokenSource:    transports.TokenSource,
		DialTimeout:    30 * time.Second,
		CommandTimeout: time.Minute,
	}, matcher, worker.ReplyOptions{
		Interval:    cfg.Reply.PollInterval,
		Lookback:    cfg.Reply.Lookback,
		Concurrency: cfg.Reply.Concurrency,
		Log:         log,
	})
	dailyReset := worker.NewDailyReset(st, time.UTC, log)
	engagement := worker.NewEngagement(st, tracker, links, hub, log)

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){pool.Start, replies.Start, dailyReset.Start} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})
	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           3600,
	}))
	routes.SetupRoutes(app, routes.Deps{
		Store:       st,
		Queue:       sendQueue,
		Sequencer:   sequencer,
		Engagement:  engagement,
		Hub:         hub,
		Transports:  transports,
		APISecret:   []byte(cfg.APISecret),
		RateLimit:   cfg.APIRateLimit,
		RateStorage: middleware.NewRedisStorage(config.Redis, "outreach:ratelimit:"),
		AccessLog:   cfg.Environment == "development",
		Log:         log,
	})

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.Infof("🚀 Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		log.WithError(err).Error("server stopped")
		stop()
	}

	wg.Wait()
	if err := config.Redis.Close(); err != nil {
		log.WithError(err).Warn("failed to close redis")
	}
	log.Info("workers stopped")
}
