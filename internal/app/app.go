package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/callkitelabs/callkite-cloud/internal/adapter/repository/postgres"
	"github.com/callkitelabs/callkite-cloud/internal/api"
	"github.com/callkitelabs/callkite-cloud/internal/audit"
	"github.com/callkitelabs/callkite-cloud/internal/auth"
	"github.com/callkitelabs/callkite-cloud/internal/config"
	"github.com/callkitelabs/callkite-cloud/internal/domain/call"
	"github.com/callkitelabs/callkite-cloud/internal/idempotency"
	"github.com/callkitelabs/callkite-cloud/internal/payment"
	"github.com/callkitelabs/callkite-cloud/internal/ratelimit"
	"github.com/callkitelabs/callkite-cloud/internal/reconciler"
	"github.com/callkitelabs/callkite-cloud/internal/sendqueue"
	"github.com/callkitelabs/callkite-cloud/internal/taskqueue"
	"github.com/callkitelabs/callkite-cloud/pkg/db"
	zaplog "github.com/callkitelabs/callkite-cloud/pkg/log"
	"github.com/callkitelabs/callkite-cloud/pkg/providerclient"
	"github.com/callkitelabs/callkite-cloud/pkg/snowflake"
	"github.com/callkitelabs/callkite-cloud/sql/migrations"
)

// RunServer starts the HTTP server and background workers.
func RunServer() {
	app := fx.New(
		fx.Provide(
			// Config
			config.Load,

			// Infrastructure (Adapters)
			providerclient.NewFromEnv,

			// Domain Adapters (Bind Interfaces)
			fx.Annotate(
				postgres.NewRepository,
				fx.As(new(call.Repository)),
			),

			// Queues, guards, limits
			taskqueue.NewRepository,
			sendqueue.NewRepository,
			idempotency.NewGuard,
			ratelimit.NewLimiter,
			newRecordingLimiter,
			audit.NewRecorder,

			// Services and workers
			newPaymentService,
			newTaskWorker,
			newSendWorker,
			newPaymentReconciler,
			newQueueReconciler,

			// Auth
			auth.NewWebhookMiddleware,

			// API
			api.NewRouter,
		),
		db.Module,        // Database Module
		snowflake.Module, // Snowflake ID Module
		zaplog.Module,    // Logger Module
		fx.Invoke(registerHooks),
	)

	app.Run()
}

// RunMigrations executes database migrations (up or down).
func RunMigrations(command string) error {
	if command == "" {
		command = "up"
	}

	cfg := config.Load()
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting database migration...", zap.String("command", command))

	dbURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBSSLMode,
	)

	d, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load migration files: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, dbURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	switch command {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration up failed: %w", err)
		}
		logger.Info("Migration up applied successfully")
	case "down":
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration down failed: %w", err)
		}
		logger.Info("Migration down applied successfully")
	default:
		return fmt.Errorf("unknown migration command: %s", command)
	}

	return nil
}

func newPaymentService(
	cfg *config.Config,
	calls call.Repository,
	guard *idempotency.Guard,
	recorder *audit.Recorder,
	node *snowflake.Node,
	client *providerclient.Client,
	logger *zap.Logger,
) *payment.Service {
	policy := payment.Policy{
		Enabled:            cfg.PaymentEnabled,
		MaxAttemptsPerCall: cfg.PaymentMaxAttemptsPerCall,
		AllowedConnectors:  cfg.PaymentAllowedConnectors,
	}
	return payment.NewService(calls, guard, recorder, node, providerReader{client: client}, policy, logger)
}

// providerReader adapts the provider client to the reconcile sweep's checks.
// Not-found maps to an empty status: a session the provider forgot is dead.
type providerReader struct {
	client *providerclient.Client
}

func (r providerReader) PaymentSessionStatus(ctx context.Context, paymentID string) (string, error) {
	session, err := r.client.GetPaymentSession(ctx, paymentID)
	if errors.Is(err, providerclient.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return session.Status, nil
}

func (r providerReader) CallStatus(ctx context.Context, providerCallID string) (string, error) {
	c, err := r.client.GetCall(ctx, providerCallID)
	if errors.Is(err, providerclient.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

func newTaskWorker(
	cfg *config.Config,
	repo *taskqueue.Repository,
	payments *payment.Service,
	client *providerclient.Client,
	logger *zap.Logger,
) *taskqueue.Worker {
	worker := taskqueue.NewWorker(repo, logger, cfg.JobPollInterval, cfg.JobBatchSize, cfg.JobMaxAttempts, cfg.JobBaseRetryDelay)

	worker.Register(taskqueue.JobTypeCallFollowUp, func(ctx context.Context, p taskqueue.Payload) error {
		payload := p.(*taskqueue.CallFollowUpPayload)
		_, err := client.CreateCall(ctx, providerclient.CreateCallParams{
			Hostname:    payload.Hostname,
			PhoneNumber: payload.PhoneNumber,
		})
		return err
	})

	worker.Register(taskqueue.JobTypeScheduledCallback, func(ctx context.Context, p taskqueue.Payload) error {
		payload := p.(*taskqueue.ScheduledCallbackPayload)
		_, err := client.CreateCall(ctx, providerclient.CreateCallParams{
			PhoneNumber: payload.PhoneNumber,
		})
		return err
	})

	worker.Register(taskqueue.JobTypePaymentReconcile, func(ctx context.Context, p taskqueue.Payload) error {
		payload := p.(*taskqueue.PaymentReconcilePayload)
		_, err := payments.Reconcile(ctx, payload.CallID, payload.Reason, "taskqueue")
		return err
	})

	return worker
}

func newRecordingLimiter(limiter *ratelimit.Limiter) *ratelimit.RecordingLimiter {
	return ratelimit.NewRecordingLimiter(limiter, ratelimit.NewStatusCache(30*time.Second, nil))
}

func newSendWorker(
	cfg *config.Config,
	repo *sendqueue.Repository,
	client *providerclient.Client,
	limiter *ratelimit.RecordingLimiter,
	logger *zap.Logger,
) *sendqueue.Worker {
	return sendqueue.NewWorker(repo, client, limiter, logger, sendqueue.Config{
		PollInterval: cfg.SendPollInterval,
		BatchSize:    cfg.SendBatchSize,
		Lease:        cfg.SendLease,
		StaleSending: cfg.SendStaleSending,
		RetryDelay:   cfg.JobBaseRetryDelay,
		RateLimit:    cfg.OutboundRateLimit,
		RateWindow:   cfg.OutboundRateWindow,
	})
}

func newPaymentReconciler(
	cfg *config.Config,
	payments *payment.Service,
	jobs *taskqueue.Repository,
	logger *zap.Logger,
) *reconciler.PaymentReconciler {
	return reconciler.NewPaymentReconciler(payments, jobs, cfg.PaymentReconcileAfter, logger)
}

func newQueueReconciler(
	cfg *config.Config,
	jobs *taskqueue.Repository,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
) *reconciler.QueueReconciler {
	return reconciler.NewQueueReconciler(jobs, limiter, cfg.JobStaleAfter, logger)
}

func registerHooks(
	lc fx.Lifecycle,
	router *api.Router,
	taskWorker *taskqueue.Worker,
	sendWorker *sendqueue.Worker,
	paymentRec *reconciler.PaymentReconciler,
	queueRec *reconciler.QueueReconciler,
	cfg *config.Config,
	logger *zap.Logger,
) {
	var cancels []context.CancelFunc

	start := func(ctx context.Context, run func(context.Context)) {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		cancels = append(cancels, cancel)
		go run(loopCtx)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting HTTP server", zap.String("port", cfg.Port))

			start(ctx, taskWorker.Run)
			start(ctx, sendWorker.Run)
			start(ctx, paymentRec.Run)
			start(ctx, queueRec.Run)

			go func() {
				if err := router.Run(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("Server failed to start", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server gracefully...")

			for _, cancel := range cancels {
				cancel()
			}

			shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			if err := router.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown", zap.Error(err))
				return err
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		},
	})
}
