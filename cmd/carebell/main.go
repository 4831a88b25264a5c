package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/carebell/carebell/internal/api"
	"github.com/carebell/carebell/internal/circuitbreaker"
	"github.com/carebell/carebell/internal/config"
	"github.com/carebell/carebell/internal/db"
	"github.com/carebell/carebell/internal/escalation"
	"github.com/carebell/carebell/internal/events"
	"github.com/carebell/carebell/internal/metrics"
	"github.com/carebell/carebell/internal/notify"
	"github.com/carebell/carebell/internal/observ"
	"github.com/carebell/carebell/internal/queue"
	"github.com/carebell/carebell/internal/redis"
	"github.com/carebell/carebell/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting carebell",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Duration("grace_period", cfg.GracePeriod),
		zap.Int("follow_up_minutes", cfg.FollowUpMinutes),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs escalation dedup and rate limiting; both degrade
	// gracefully when it is down.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, dedup and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var guard *redis.Dedup
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		guard = redis.NewDedup(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  60,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	dispatcher, err := buildDispatcher(ctx, cfg, logger)
	if err != nil {
		return err
	}

	notifier := notify.NewNotifier(repo, dispatcher, logger)

	var publisher *events.Publisher
	if cfg.SQSEventsURL != "" {
		publisher, err = events.NewPublisher(ctx, events.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSEventsURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs publisher unavailable, event fan-out disabled",
				zap.Error(err),
			)
		}
	}

	taskQueue := queue.New(repo, cfg.Horizon, logger)
	sched := scheduler.New(taskQueue, repo, cfg.GracePeriod, logger)

	machine := newMachine(repo, sched, notifier, guard, publisher, logger)

	poller := queue.NewPoller(repo, queue.Config{
		PollInterval: cfg.QueuePollInterval,
		BatchSize:    cfg.QueueBatchSize,
		MaxRetries:   cfg.QueueMaxRetries,
	}, logger)
	poller.Register(db.TaskSend, machine.HandleSend)
	poller.Register(db.TaskTimeout, machine.HandleTimeout)

	pollerCtx, pollerCancel := context.WithCancel(context.Background())
	defer pollerCancel()
	go poller.Start(pollerCtx)

	logger.Info("task poller started",
		zap.Duration("poll_interval", cfg.QueuePollInterval),
	)

	handler := api.NewHandler(logger, repo, sched, machine, cfg.FollowUpMinutes)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/reminders", handler.CreateReminder)
		r.Get("/reminders", handler.ListReminders)
		r.Get("/reminders/{id}", handler.GetReminder)
		r.Patch("/reminders/{id}", handler.UpdateReminder)
		r.Delete("/reminders/{id}", handler.DeleteReminder)

		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))
			r.Post("/reminders/{id}/action", handler.HandleAction)
		})
	})

	r.Route("/internal/tasks", func(r chi.Router) {
		r.Post("/send", handler.TaskCallback(db.TaskSend))
		r.Post("/timeout", handler.TaskCallback(db.TaskTimeout))
	})

	r.Get("/health", handler.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		pollerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildDispatcher assembles the channel dispatchers behind circuit breakers.
// Development runs with no AWS credentials fall back to the log dispatcher.
func buildDispatcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notify.Dispatcher, error) {
	if cfg.Env == "development" {
		logger.Info("using log dispatcher (development mode)")
		return notify.NewLogDispatcher(logger), nil
	}

	snsDispatcher, err := notify.NewSNSDispatcher(ctx, notify.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SNS dispatcher: %w", err)
	}

	sesDispatcher, err := notify.NewSESDispatcher(ctx, notify.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES dispatcher: %w", err)
	}

	webhookDispatcher := notify.NewWebhookDispatcher(logger, notify.WebhookConfig{
		Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	})

	protect := func(name string, d notify.Dispatcher) notify.Dispatcher {
		return circuitbreaker.NewProtectedDispatcher(d,
			circuitbreaker.New(circuitbreaker.DefaultConfig(name), logger),
			logger,
		)
	}

	return notify.NewMultiDispatcher(logger,
		protect("sns", snsDispatcher),
		protect("ses", sesDispatcher),
		protect("webhook", webhookDispatcher),
	), nil
}

// newMachine keeps the nil-interface plumbing out of run: a typed nil inside
// a non-nil interface would defeat the machine's nil checks.
func newMachine(repo *db.Repository, sched *scheduler.Scheduler, notifier *notify.Notifier, guard *redis.Dedup, publisher *events.Publisher, logger *zap.Logger) *escalation.Machine {
	var g escalation.Guard
	if guard != nil {
		g = guard
	}
	var p escalation.Publisher
	if publisher != nil {
		p = publisher
	}
	return escalation.New(repo, sched, notifier, g, p, logger)
}
