package httpapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Codeman-lex/intellimail/internal/intellimail"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	correlationHeader = "X-Correlation-Id"
	correlationKey    = "correlationId"
	claimsKey         = "claims"
)

// Service is the part of the pipeline the API reads and administers.
type Service interface {
	Status(ctx context.Context) (intellimail.PipelineStatus, error)
	Task(ctx context.Context, taskID string) (intellimail.Task, error)
	Replay(ctx context.Context, taskID string) (intellimail.Task, error)
	Recompute(ctx context.Context, ownerID string) (int, error)
	Sweep(ctx context.Context, ownerID string) (intellimail.SweepReport, error)
	Aggregator() *intellimail.Aggregator
	Events() *intellimail.EventHub
	Backend() intellimail.StateBackend
}

type ServerConfig struct {
	JWTSecret string
	Audience  string
	// RateLimit bounds requests per token. Zero RequestsPerMinute disables it.
	RateLimit intellimail.RateLimitOptions
	Logger    *zap.Logger
}

type Server struct {
	svc     Service
	cfg     ServerConfig
	auth    *authenticator
	limiter *intellimail.RateLimiter
	engine  *gin.Engine
	logger  *zap.Logger
}

func NewServer(svc Service, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Audience == "" {
		cfg.Audience = defaultAudience
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		auth:   &authenticator{secret: []byte(cfg.JWTSecret), audience: cfg.Audience, now: time.Now},
		logger: logger.With(zap.String("component", "httpapi")),
	}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		s.limiter = intellimail.NewRateLimiter(cfg.RateLimit)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(s.correlation(), s.accessLog(), gin.CustomRecovery(s.recover))
	engine.NoRoute(func(c *gin.Context) {
		s.abort(c, http.StatusNotFound, "not_found", "route not found")
	})

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/dashboard", s.handleDashboard)

	v1 := engine.Group("/v1")
	owners := v1.Group("/owners/:owner", s.authorize(ScopeAnalyticsRead, ScopeAdmin), s.rateLimit())
	owners.GET("/aggregates", s.handleAggregates)
	owners.GET("/categories", s.handleCategories)
	owners.GET("/results", s.handleResults)
	owners.GET("/messages/:messageID/result", s.handleMessageResult)
	owners.GET("/feed", s.handleFeed)

	admin := v1.Group("/admin", s.authorize(ScopeAdmin), s.rateLimit())
	admin.GET("/status", s.handleStatus)
	admin.GET("/tasks/:taskID", s.handleTask)
	admin.POST("/tasks/:taskID/replay", s.handleReplay)
	admin.POST("/owners/:owner/recompute", s.handleRecompute)
	admin.POST("/owners/:owner/sweep", s.handleSweep)

	s.engine = engine
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// UpdateRateLimit retunes per-token limiting when the limiter is enabled.
func (s *Server) UpdateRateLimit(opts intellimail.RateLimitOptions) {
	if s.limiter != nil && opts.RequestsPerMinute > 0 {
		s.limiter.Update(opts)
		s.cfg.RateLimit = opts
	}
}

func (s *Server) correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationKey, id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("correlation_id", c.GetString(correlationKey)),
		)
	}
}

func (s *Server) recover(c *gin.Context, recovered any) {
	s.logger.Error("handler panic", zap.Any("panic", recovered), zap.String("route", c.FullPath()))
	s.abort(c, http.StatusInternalServerError, "internal_error", "internal error")
}

func (s *Server) authorize(required ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, authErr := s.auth.authorize(c.Request, c.Param("owner"), required...)
		if authErr != nil {
			s.abort(c, authErr.status, authErr.code, authErr.message)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		claims, _ := c.Get(claimsKey)
		key := c.ClientIP()
		if typed, ok := claims.(*Claims); ok {
			key = typed.rateKey()
		}
		if !s.limiter.Allow(key) {
			retryAfter := int(math.Ceil(60 / s.cfg.RateLimit.RequestsPerMinute))
			c.Header("Retry-After", strconv.Itoa(max(retryAfter, 1)))
			s.abort(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		c.Next()
	}
}

func (s *Server) abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":          code,
		"message":       message,
		"correlationId": c.GetString(correlationKey),
	})
}

// fail maps a service error onto a status code.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, intellimail.ErrNotFound):
		s.abort(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, intellimail.ErrInvalidInput):
		s.abort(c, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, intellimail.ErrQueueFull):
		s.abort(c, http.StatusServiceUnavailable, "queue_full", err.Error())
	case errors.Is(err, context.Canceled):
		s.abort(c, 499, "canceled", "request canceled")
	case intellimail.Classify(err) == intellimail.KindPermanent:
		s.abort(c, http.StatusUnprocessableEntity, "unprocessable", err.Error())
	case intellimail.Classify(err) == intellimail.KindTransient && errors.Is(err, intellimail.ErrTransientExternal):
		s.abort(c, http.StatusBadGateway, "upstream_unavailable", err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("correlation_id", c.GetString(correlationKey)),
			zap.Error(err),
		)
		s.abort(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
