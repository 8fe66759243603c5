// Package api is the HTTP shell over the engine Service: session and
// strategy operations, indicator and history queries, and a websocket
// event stream. It owns HTTP semantics (status codes, auth, rate
// limits) and nothing else; all trading behaviour lives behind
// engine.Service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signal-engine/internal/engine"
	"signal-engine/internal/events"
	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

// Config tunes the HTTP shell.
type Config struct {
	JWTSecret      string
	RequestTimeout time.Duration
	RateLimit      float64 // requests per second per client IP
	RateBurst      int
}

// Server wires the HTTP surface around the engine.
type Server struct {
	log    *logger.Logger
	cfg    Config
	eng    engine.Service
	bus    *events.Bus
	store  *db.Database
	router *gin.Engine
}

// NewServer builds the router. Store backs operator auth; Bus feeds the
// websocket stream.
func NewServer(cfg Config, eng engine.Service, bus *events.Bus, store *db.Database, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 50
	}

	s := &Server{
		log:   log.Named("api"),
		cfg:   cfg,
		eng:   eng,
		bus:   bus,
		store: store,
	}

	r := gin.New()
	// Order matters: recovery outermost, request id before the logger,
	// timeout before anything that can block.
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(s.log))
	r.Use(RateLimit(cfg.RateLimit, cfg.RateBurst))
	r.Use(Timeout(cfg.RequestTimeout))
	r.Use(CORS())
	s.router = r
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/ws", s.websocket)

	v1 := s.router.Group("/api/v1")

	auth := v1.Group("/auth")
	{
		auth.POST("/register", s.register)
		auth.POST("/login", s.login)
	}

	v1.GET("/system/status", s.systemStatus)

	protected := v1.Group("")
	protected.Use(Auth(s.cfg.JWTSecret))
	{
		protected.POST("/sessions", s.startSession)
		protected.GET("/sessions", s.listSessions)
		protected.GET("/sessions/:id", s.sessionStatus)
		protected.DELETE("/sessions/:id", s.stopSession)
		protected.POST("/sessions/:id/pause", s.pauseSession)
		protected.POST("/sessions/:id/resume", s.resumeSession)

		protected.POST("/sessions/:id/strategies", s.activateStrategy)
		protected.DELETE("/sessions/:id/strategies/:sid", s.deactivateStrategy)
		protected.POST("/sessions/:id/strategies/:sid/reset", s.resetStrategy)

		protected.GET("/sessions/:id/orders", s.sessionOrders)
		protected.GET("/sessions/:id/signals", s.sessionSignals)
		protected.GET("/sessions/:id/fills", s.sessionFills)

		protected.GET("/indicators/:symbol/:kind", s.indicatorValue)
		protected.GET("/market/:symbol/price", s.lastPrice)
		protected.GET("/positions", s.positions)

		protected.GET("/risk", s.riskStatus)
		protected.PUT("/risk/limits", s.updateRiskLimits)
		protected.GET("/balance", s.balance)
		protected.GET("/resources", s.resources)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx ends, then drains in-flight requests. It is
// shaped to run under the task registry.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("api listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
