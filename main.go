package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crmflow/config"
	"crmflow/queue"
	"crmflow/routes"
	"crmflow/services"
	"crmflow/utils"
	"crmflow/worker"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	logger := utils.SetupLogging(cfg.LogLevel, cfg.LogFile)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.Warnf("Sentry disabled: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := newStore(cfg)
	if err != nil {
		logger.Fatalf("Failed to create job store: %v", err)
	}
	q := queue.New(store, queue.Config{
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BaseBackoff:  cfg.Queue.BaseBackoff,
		MaxBackoff:   cfg.Queue.MaxBackoff,
	}, logger)

	notifier := newNotifier(cfg, logger)

	sequences := services.NewSequenceService(config.DB, q, notifier, cfg.FromEmail, logger)
	actions := services.NewActionRunner(config.DB, notifier, sequences, cfg.FromEmail, logger)
	workflows := services.NewWorkflowService(config.DB, q, actions, logger)
	announcements := services.NewAnnouncementService(config.DB, q, notifier, cfg.FromEmail, logger)
	contacts := services.NewContactService(config.DB, workflows, logger)
	stats := services.NewStatsService(config.DB)

	automationWorker := worker.NewAutomationWorker(q, workflows, sequences, announcements, logger)
	scheduledWorker := worker.NewScheduledTriggerWorker(workflows, logger)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	routes.SetupRoutes(app, config.DB, q, routes.Services{
		Contacts:  contacts,
		Workflows: workflows,
		Stats:     stats,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return automationWorker.Start(gctx) })
	g.Go(func() error { return scheduledWorker.Start(gctx) })
	g.Go(func() error {
		logger.Infof("🚀 Server starting on port %s", cfg.ServerPort)
		return app.Listen(":" + cfg.ServerPort)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("Shutdown with error: %v", err)
	}
	logger.Info("Stopped")
}

func newStore(cfg config.Config) (queue.Store, error) {
	if !cfg.Redis.Enabled {
		return queue.NewMemoryStore()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return queue.NewRedisStore(client, cfg.Redis.Prefix, cfg.Queue.VisibilityTimeout), nil
}

func newNotifier(cfg config.Config, logger *logrus.Logger) utils.Notifier {
	fallback := &utils.LogNotifier{Logger: logger}

	var email utils.Notifier = fallback
	if cfg.SMTPHost != "" {
		email = utils.NewSMTPMailer(utils.SMTPConfig{
			Host:       cfg.SMTPHost,
			Port:       cfg.SMTPPort,
			Username:   cfg.SMTPUsername,
			Password:   cfg.SMTPPassword,
			FromEmail:  cfg.FromEmail,
			FromName:   cfg.FromName,
			RatePerSec: cfg.SendRatePerSecond,
		})
	}

	// sms and push have no provider yet and are only logged
	return utils.NewChannelNotifier(map[string]utils.Notifier{
		utils.ChannelEmail: email,
		utils.ChannelSMS:   fallback,
		utils.ChannelPush:  fallback,
	})
}
