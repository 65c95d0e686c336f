package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stocktracker/mailqueue/pkg/apiresponses"
	"github.com/stocktracker/mailqueue/pkg/config"
	"github.com/stocktracker/mailqueue/pkg/metrics"
	"github.com/stocktracker/mailqueue/pkg/ratelimit"
	"github.com/stocktracker/mailqueue/pkg/system"
	"github.com/stocktracker/mailqueue/pkg/version"
)

// RequestIDHeader carries the request id. An incoming value is kept, otherwise one
// is generated.
const RequestIDHeader = "X-Request-ID"

// APIController contributes a group of routes below /api.
type APIController interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

// HealthCheck reports whether a backend the server depends on is usable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	gin         *gin.Engine
	config      config.Server
	auth        *AuthHandler
	ipLimiter   *ratelimit.Limiter
	userLimiter *ratelimit.AuthenticatedLimiter
	health      HealthCheck
	noMetrics   bool
	tlsConfig   *tls.Config
	log         *zap.SugaredLogger
	http        *http.Server
}

// ServerOption configures optional Server behavior.
type ServerOption func(*Server)

// WithHealthCheck makes /healthz report 503 while check fails.
func WithHealthCheck(check HealthCheck) ServerOption {
	return func(s *Server) { s.health = check }
}

// WithoutMetrics drops the /metrics route.
func WithoutMetrics() ServerOption {
	return func(s *Server) { s.noMetrics = true }
}

// WithTLSConfig is used by Listen when TLS files are configured.
func WithTLSConfig(cfg *tls.Config) ServerOption {
	return func(s *Server) { s.tlsConfig = cfg }
}

func NewServer(log *zap.Logger, cfg config.Config, debug bool, auth *AuthHandler, opts ...ServerOption) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
		requestLogger(log.Sugar().Named("request")),
	)
	if len(cfg.Server.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
			log.Sugar().Warnw("Ignoring invalid trusted proxies", "trustedProxies", cfg.Server.TrustedProxies, "error", err)
		}
	}

	if debug {
		engine.Use(
			cors.New(cors.Config{
				AllowOrigins:     []string{"http://localhost:5173", "http://127.0.0.1:8080"},
				AllowMethods:     []string{"GET", "POST", "OPTIONS"},
				AllowHeaders:     []string{"Origin", "Authorization", "Content-Type"},
				AllowCredentials: true,
				MaxAge:           12 * time.Hour,
			}),
		)
	}

	if cfg.Server.AdminUIDir != "" {
		engine.NoRoute(ServeSPA("/", cfg.Server.AdminUIDir))
	}

	s := &Server{
		gin:    engine,
		config: cfg.Server,
		auth:   auth,
		log:    log.Sugar().Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if rl := cfg.Server.RateLimit; rl.RequestsPerSecond > 0 {
		ipCfg := ratelimit.DefaultAPIConfig()
		ipCfg.Rate = rl.RequestsPerSecond
		ipCfg.Burst = max(rl.Burst, 1)
		s.ipLimiter = ratelimit.New(ipCfg)

		userCfg := ratelimit.DefaultAuthenticatedAPIConfig()
		userCfg.Unauthenticated = ipCfg
		userCfg.UserIdentityKey = ContextKeyUser
		s.userLimiter = ratelimit.NewAuthenticated(userCfg)
	}

	engine.GET("/healthz", s.getHealth)
	if !s.noMetrics {
		engine.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))
	}
	engine.GET("/api/version", InstrumentedHandler("version", s.getVersion))

	return s
}

// requestLogger stores a logger tagged with the request id under
// system.ReqLoggerKey and echoes the id in the response.
func requestLogger(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		c.Header(RequestIDHeader, reqID)
		c.Set(system.ReqLoggerKey, log.With("requestId", reqID, "method", c.Request.Method, "route", c.FullPath()))
		c.Next()
	}
}

// RegisterAll mounts every controller below /api. The controller's own handlers,
// typically authentication, run before the per-user rate limit. Controllers record
// their own endpoint metrics.
func (s *Server) RegisterAll(controllers []APIController) error {
	r := s.gin.Group("api")
	if s.ipLimiter != nil {
		r.Use(s.ipLimiter.Middleware("api"))
	}
	for _, c := range controllers {
		handlers := append([]gin.HandlerFunc(nil), c.Handlers()...)
		if s.userLimiter != nil {
			handlers = append(handlers, s.userLimiter.Middleware(c.BasePath()))
		}
		if err := c.Register(r.Group(c.BasePath(), handlers...)); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the root http.Handler, used by tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Listen serves until Shutdown is called. It returns nil after a graceful shutdown.
func (s *Server) Listen() error {
	t := s.config.GetServerTimeouts()
	s.http = &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           s.gin,
		ReadTimeout:       t.GetReadTimeout(),
		ReadHeaderTimeout: t.GetReadHeaderTimeout(),
		WriteTimeout:      t.GetWriteTimeout(),
		IdleTimeout:       t.GetIdleTimeout(),
		MaxHeaderBytes:    t.GetMaxHeaderBytes(),
		TLSConfig:         s.tlsConfig,
	}

	s.log.Infow("Starting HTTP server", "address", s.config.ListenAddress, "tls", s.config.TLSCertFile != "")
	var err error
	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		err = s.http.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
	} else {
		err = s.http.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ipLimiter != nil {
		s.ipLimiter.Stop()
	}
	if s.userLimiter != nil {
		s.userLimiter.Stop()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) getHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			s.log.Warnw("Health check failed", "error", err)
			apiresponses.RespondServiceUnavailable(c, "queue store")
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getVersion(c *gin.Context) {
	apiresponses.RespondOK(c, version.GetBuildInfo())
}

// InstrumentedHandler wraps handler to count requests per endpoint and status code.
func InstrumentedHandler(endpoint string, handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		handler(c)
		metrics.APIEndpointRequests.WithLabelValues(endpoint, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
