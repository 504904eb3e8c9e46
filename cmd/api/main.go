package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"brokerdesk/api/internal/app"
	"brokerdesk/api/internal/assistant"
	"brokerdesk/api/internal/billing"
	"brokerdesk/api/internal/config"
	"brokerdesk/api/internal/email"
	"brokerdesk/api/internal/export"
	"brokerdesk/api/internal/logging"
	"brokerdesk/api/internal/redislock"
	"brokerdesk/api/internal/reminder"
	"brokerdesk/api/internal/search"
	"brokerdesk/api/internal/session"
	"brokerdesk/api/internal/storage"
	"brokerdesk/api/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "brokerdesk-api",
	Short:         "BrokerDesk API server and workers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	migrateCmd.Flags().Bool("down", false, "roll back the latest applied migration")
	rootCmd.AddCommand(serveCmd, migrateCmd, dispatchCmd)
}

// runtime holds the process-wide dependencies shared by every subcommand.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	db     *sql.DB
	store  *store.PostgresStore
	redis  *redis.Client

	closers []func()
}

func setup(ctx context.Context) (*runtime, error) {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: logger, db: db, store: store.NewPostgresStore(db)}
	rt.closers = append(rt.closers, func() { _ = db.Close() })
	return rt, nil
}

// dialRedis connects lazily; an empty REDIS_URL keeps sessions in Postgres.
func (rt *runtime) dialRedis() (*redis.Client, error) {
	if rt.redis != nil || strings.TrimSpace(rt.cfg.RedisURL) == "" {
		return rt.redis, nil
	}
	client, err := session.Dial(rt.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	rt.redis = client
	rt.closers = append(rt.closers, func() { _ = client.Close() })
	return client, nil
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	_ = rt.logger.Sync()
}

func (rt *runtime) migrate(ctx context.Context) error {
	applied, err := store.ApplyMigrations(ctx, rt.db, rt.cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	for _, name := range applied {
		rt.logger.Info("migration applied", zap.String("migration", name))
	}
	return nil
}

func newMailer(cfg config.Config, logger *zap.Logger) *email.Service {
	var transport email.Transport
	switch {
	case cfg.ResendAPIKey != "":
		resendTransport, err := email.NewResendTransport(cfg.ResendAPIKey, cfg.EmailFrom, cfg.EmailFromName, "")
		if err != nil {
			logger.Warn("resend disabled", zap.Error(err))
			break
		}
		transport = resendTransport
	case cfg.SMTPHost != "":
		transport = email.NewSMTPTransport(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
			FromName: cfg.EmailFromName,
		})
	}
	mailer := email.NewService(transport, cfg.EmailFromName)
	if !mailer.IsConfigured() {
		logger.Warn("email delivery disabled; verification and reset tokens are returned in API responses")
	}
	return mailer
}

func newDispatcher(rt *runtime, mailer *email.Service) *reminder.Dispatcher {
	var locker *redislock.Locker
	if rt.redis != nil {
		locker = redislock.New(rt.redis)
	}
	return reminder.NewDispatcher(rt.store, mailer, locker, rt.logger, reminder.Options{
		PollInterval: rt.cfg.ReminderPollInterval,
		LateWindow:   rt.cfg.ReminderLateWindow,
		MaxAttempts:  rt.cfg.ReminderMaxAttempts,
		PublicURL:    rt.cfg.PublicURL,
	})
}

// buildService wires every optional backend into the application service.
func buildService(ctx context.Context, rt *runtime) (*app.Service, *email.Service, error) {
	cfg := rt.cfg
	logger := rt.logger

	opts := []app.Option{app.WithLogger(logger)}

	redisClient, err := rt.dialRedis()
	if err != nil {
		return nil, nil, err
	}
	if redisClient != nil {
		sessions := session.NewRedisStoreWithClient(redisClient)
		opts = append(opts, app.WithSessionStore(sessions, sessions))
		logger.Info("refresh sessions stored in redis")
	} else {
		logger.Info("refresh sessions stored in postgres")
	}

	objects, err := storage.New(storage.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	})
	switch {
	case errors.Is(err, storage.ErrStorageNotConfigured):
		logger.Warn("document storage disabled")
	case err != nil:
		return nil, nil, err
	default:
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.Warn("ensure bucket", zap.String("bucket", cfg.S3Bucket), zap.Error(err))
		}
		opts = append(opts, app.WithObjectStore(objects))
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meili, search.NewPgFTS(rt.db), logger)
	rt.closers = append(rt.closers, searchService.Close)
	opts = append(opts, app.WithSearch(searchService))
	go searchService.ReindexAllFromPG(ctx)

	mailer := newMailer(cfg, logger)
	opts = append(opts, app.WithEmail(mailer))

	catalog, err := billing.LoadCatalog(cfg.PlansFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load plans: %w", err)
	}
	opts = append(opts, app.WithCatalog(catalog))
	if cfg.StripeSecretKey != "" {
		opts = append(opts, app.WithPayments(billing.NewClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.PublicURL, nil)))
	} else {
		logger.Warn("billing disabled")
	}

	opts = append(opts,
		app.WithAssistant(assistant.New(cfg.OpenAIAPIKey, cfg.OpenAIModel, "")),
		app.WithExporter(export.NewService(rt.store)),
	)
	if !export.ChromeAvailable() {
		logger.Warn("headless chrome not found; PDF export disabled, HTML export still works")
	}

	return app.New(cfg, rt.store, opts...), mailer, nil
}
