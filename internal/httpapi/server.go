package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/merchkit/loyalty/pkg/loyalty"
)

// Config aggregates runtime settings for the HTTP façade.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	WebhookSecret  string
	JobToken       string
}

// Server is the gin façade over the loyalty engine.
type Server struct {
	config   Config
	service  *loyalty.Service
	verifier *SessionVerifier
	logger   *zap.Logger
}

// NewServer wires a Server.
func NewServer(config Config, service *loyalty.Service, verifier *SessionVerifier, logger *zap.Logger) *Server {
	return &Server{
		config:   config,
		service:  service,
		verifier: verifier,
		logger:   logger,
	}
}

// Router builds the gin engine with all routes attached.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ginCtx *gin.Context) {
		ginCtx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(server.sessionMiddleware())
	api.GET("/loyalty", server.handleLoyaltyPayload)
	api.POST("/loyalty/redeem", server.handleRedeem)
	api.GET("/loyalty/redemption/:id", server.handleRedemptionStatus)
	api.POST("/loyalty/redemption/applied", server.handleRedemptionApplied)

	jobs := router.Group("/api/jobs")
	jobs.Use(server.jobTokenMiddleware())
	jobs.POST("/sweep", server.handleSweep)

	webhooks := router.Group("/webhooks")
	webhooks.Use(server.webhookMiddleware())
	webhooks.POST("/orders-paid", server.handleOrdersPaid)
	webhooks.POST("/refunds-create", server.handleRefundsCreate)
	webhooks.POST("/orders-cancelled", server.handleOrdersCancelled)

	return router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.config.ListenAddr,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("loyalty api listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) sessionMiddleware() gin.HandlerFunc {
	return func(ginCtx *gin.Context) {
		identity, err := server.verifier.Verify(ginCtx.Request)
		if err != nil {
			ginCtx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ginCtx.Set(identityContextKey, identity)
		ginCtx.Next()
	}
}

func (server *Server) jobTokenMiddleware() gin.HandlerFunc {
	return func(ginCtx *gin.Context) {
		if server.config.JobToken == "" || ginCtx.GetHeader("Authorization") != "Bearer "+server.config.JobToken {
			ginCtx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ginCtx.Next()
	}
}

func callerIdentity(ginCtx *gin.Context) (Identity, bool) {
	value, exists := ginCtx.Get(identityContextKey)
	if !exists {
		return Identity{}, false
	}
	identity, ok := value.(Identity)
	return identity, ok
}

// statusForError maps engine errors onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, loyalty.ErrInvalidAmount), errors.Is(err, loyalty.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, loyalty.ErrInsufficientPoints), errors.Is(err, loyalty.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, loyalty.ErrCustomerIneligible):
		return http.StatusForbidden
	case errors.Is(err, loyalty.ErrAuthFailure):
		return http.StatusUnauthorized
	case errors.Is(err, loyalty.ErrRemoteService):
		return http.StatusBadGateway
	case errors.Is(err, loyalty.ErrUnknownRedemption), errors.Is(err, loyalty.ErrUnknownOrder):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
