package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/callkitelabs/callkite-cloud/internal/api/middleware"
	"github.com/callkitelabs/callkite-cloud/internal/audit"
	"github.com/callkitelabs/callkite-cloud/internal/auth"
	"github.com/callkitelabs/callkite-cloud/internal/config"
	"github.com/callkitelabs/callkite-cloud/internal/idempotency"
	"github.com/callkitelabs/callkite-cloud/internal/payment"
	"github.com/callkitelabs/callkite-cloud/internal/ratelimit"
	"github.com/callkitelabs/callkite-cloud/internal/sendqueue"
	"github.com/callkitelabs/callkite-cloud/internal/taskqueue"
)

type Router struct {
	engine    *gin.Engine
	server    *http.Server
	cfg       *config.Config
	payments  *payment.Service
	guard     *idempotency.Guard
	jobs      *taskqueue.Repository
	messages  *sendqueue.Repository
	limits    *ratelimit.RecordingLimiter
	audits    *audit.Recorder
	webhookMW *auth.WebhookMiddleware
	logger    *zap.Logger
}

func NewRouter(
	cfg *config.Config,
	payments *payment.Service,
	guard *idempotency.Guard,
	jobs *taskqueue.Repository,
	messages *sendqueue.Repository,
	limits *ratelimit.RecordingLimiter,
	audits *audit.Recorder,
	webhookMW *auth.WebhookMiddleware,
	logger *zap.Logger,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Metrics())
	r.Use(middleware.Logger(logger))

	api := &Router{
		engine:    r,
		cfg:       cfg,
		payments:  payments,
		guard:     guard,
		jobs:      jobs,
		messages:  messages,
		limits:    limits,
		audits:    audits,
		webhookMW: webhookMW,
		logger:    logger,
	}

	api.RegisterRoutes()
	return api
}

func (r *Router) RegisterRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider webhooks. Always acknowledged with 2xx once authenticated:
	// refusals are result values, never retriable errors.
	webhooks := r.engine.Group("/webhooks")
	webhooks.Use(r.webhookMW.Handler())
	{
		webhooks.POST("/calls/:call_id/payment/collect", r.EnterCollection)
		webhooks.POST("/calls/:call_id/payment/complete", r.CompletePayment)
		webhooks.POST("/events", r.ProviderEvent)
		webhooks.POST("/message-status", r.MessageStatus)
	}

	// Operator surface, protected by ADMIN_API_TOKEN.
	admin := r.engine.Group("/admin")
	admin.Use(r.adminAuth())
	{
		admin.GET("/dlq", r.ListDeadLetters)
		admin.POST("/dlq/:id/replay", r.ReplayDeadLetter)
		admin.POST("/calls/:call_id/payment", r.RequestPayment)
		admin.GET("/calls/:call_id/payment", r.GetPaymentSession)
		admin.GET("/calls/:call_id/audit", r.ListAuditEvents)
		admin.GET("/ratelimit/status", r.RateLimitStatus)
	}
}

func (r *Router) Run() error {
	r.server = &http.Server{
		Addr:         ":" + r.cfg.Port,
		Handler:      r.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return r.server.ListenAndServe()
}

func (r *Router) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(r.cfg.AdminAPIToken)
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_token_not_configured"})
			return
		}

		provided := strings.TrimSpace(c.GetHeader("X-Admin-Token"))
		if provided == "" {
			authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				provided = strings.TrimSpace(authHeader[7:])
			}
		}

		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Shutdown gracefully shuts down the HTTP server
func (r *Router) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}
