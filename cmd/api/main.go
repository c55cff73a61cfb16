package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pickup-go-api/internal/config"
	"github.com/noah-isme/pickup-go-api/internal/database"
	"github.com/noah-isme/pickup-go-api/internal/handler"
	"github.com/noah-isme/pickup-go-api/internal/messaging"
	"github.com/noah-isme/pickup-go-api/internal/middleware"
	"github.com/noah-isme/pickup-go-api/internal/repository"
	"github.com/noah-isme/pickup-go-api/internal/router"
	"github.com/noah-isme/pickup-go-api/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if cfg.AppEnv == "production" {
		logger = logger.Level(zerolog.InfoLevel)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(rootCtx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, change fan-out limited to redis")
		} else {
			defer natsConn.Drain()
		}
	}

	var publisher service.CompletionPublisher
	if cfg.RabbitMQURL != "" {
		rabbit, err := messaging.NewRabbitPublisher(cfg.RabbitMQURL, cfg.CompletedQueue, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("rabbitmq unavailable, completed pickups will not be published")
		} else {
			publisher = rabbit
			defer rabbit.Close()
		}
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	retry := service.RetryPolicy{Attempts: cfg.RetryAttempts, BaseBackoff: cfg.RetryBaseBackoff}

	actorRepo := repository.NewActorRepository(db)
	schoolRepo := repository.NewSchoolRepository(db)
	authorizationRepo := repository.NewAuthorizationRepository(db)
	requestRepo := repository.NewPickupRequestRepository(db)
	historyRepo := repository.NewPickupHistoryRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	feedOpts := service.ChangeFeedOptions{
		Redis:       redisClient,
		NATS:        natsConn,
		ChannelBase: cfg.RealtimeChannel,
	}
	if cfg.PostgresNotify {
		feedOpts.PostgresDSN = cfg.DatabaseURL
	}
	feed := service.NewChangeFeed(feedOpts, logger)
	feed.Start(rootCtx)

	identityService := service.NewIdentityService(actorRepo, service.DefaultIdentitySources(actorRepo, redisClient), cfg.IdentityCacheTTL, nil, logger)
	accessService := service.NewAccessService(schoolRepo, authorizationRepo, redisClient, cfg.AccessCacheTTL, retry, logger)
	authorizationService := service.NewAuthorizationService(authorizationRepo, schoolRepo, accessService, feed, validate, nil, cfg.Timezone, retry, logger)
	departureService := service.NewDepartureService(authorizationRepo, schoolRepo, requestRepo, accessService, validate, nil, cfg.Timezone, retry, logger)
	pickupService := service.NewPickupService(requestRepo, historyRepo, schoolRepo, accessService, feed, publisher, validate, service.PickupServiceOptions{
		AutoCompleteDelay: cfg.AutoCompleteDelay,
		Location:          cfg.Timezone,
		Retry:             retry,
	}, logger)
	defer pickupService.Close()

	recovered, err := pickupService.RecoverTimers(rootCtx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to re-arm auto-complete timers")
	} else {
		logger.Info().Int("timers", recovered).Msg("auto-complete timers re-armed")
	}

	activityService := service.NewActivityService(activityRepo, accessService, validate, nil, cfg.Timezone, retry, logger)
	activityService.Start(rootCtx, feed)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{
		Logger:    &logger,
		AccessLog: cfg.AppEnv == "development",
	})
	router.Register(app, cfg, router.Dependencies{
		PickupHandler: handler.NewPickupHandler(pickupService, accessService, validate, logger),
		LiveHandler: handler.NewLiveHandler(pickupService, accessService, feed, handler.LiveOptions{
			Debounce:     cfg.SyncDebounce,
			MaxWait:      cfg.SyncMaxWait,
			PollInterval: cfg.SyncPollInterval,
		}, logger),
		AuthorizationHandler: handler.NewAuthorizationHandler(authorizationService, validate, logger),
		DepartureHandler:     handler.NewDepartureHandler(departureService, validate, logger),
		AccessHandler:        handler.NewAccessHandler(accessService, pickupService.Now, cfg.Timezone, logger),
		SessionHandler:       handler.NewSessionHandler(identityService, accessService, logger),
		ActivityHandler:      handler.NewActivityHandler(activityService, logger),
		HealthProbes: []handler.HealthProbe{
			{Name: "postgres", Check: func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			}},
			{Name: "redis", Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}},
		},
		JWTMiddleware:      middleware.JWTProtected(cfg.JWTSecret),
		IdentityMiddleware: middleware.ResolveActor(identityService),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(rootCtx, app, logger)
}

func waitForShutdown(ctx context.Context, app *fiber.App, logger zerolog.Logger) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
