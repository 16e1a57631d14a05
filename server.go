package cmsync

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sync"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eringen/cmsync/logger"
)

// WebhookSecretHeader carries the shared secret on webhook calls.
const WebhookSecretHeader = "X-Webhook-Secret"

// Server exposes the sync pipeline over HTTP so the CMS can trigger runs
// through a webhook. Only one run executes at a time.
type Server struct {
	Echo *echo.Echo

	syncer    *Syncer
	store     *Store
	sourceDir string
	cfg       ServerConfig
	limiter   *HookLimiter
	log       logger.Logger

	running sync.Mutex
	wg      sync.WaitGroup
}

// NewServer wires routes and middleware. store may be nil, in which case the
// status page has no history to show. reg receives the HTTP metrics and must
// also be a prometheus.Gatherer for /metrics to serve them.
func NewServer(syncer *Syncer, store *Store, sourceDir string, reg *prometheus.Registry, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	cfg := syncer.Config().Server
	s := &Server{
		Echo:      echo.New(),
		syncer:    syncer,
		store:     store,
		sourceDir: sourceDir,
		cfg:       cfg,
		limiter:   NewHookLimiter(cfg.HookAttempts, cfg.HookWindow),
		log:       log,
	}
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.setupMiddleware(reg)
	s.setupRoutes(reg)
	return s
}

func (s *Server) setupMiddleware(reg *prometheus.Registry) {
	e := s.Echo

	e.IPExtractor = echo.ExtractIPFromXFFHeader(
		echo.TrustLoopback(true),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(true),
	)

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Info("request",
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))
	if reg != nil {
		e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Subsystem:  "cmsync_http",
			Registerer: reg,
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/metrics"
			},
		}))
	}
}

func (s *Server) setupRoutes(reg *prometheus.Registry) {
	e := s.Echo
	e.GET("/", s.handleStatus)
	e.GET("/healthz", handleHealth)
	e.POST("/hooks/sync", s.handleHook)
	if reg != nil {
		e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))
	}
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.log.Info("webhook server listening", logger.String("addr", s.cfg.Addr))
	if err := s.Echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for a background run to end.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)
	s.wg.Wait()
	s.limiter.Stop()
	return err
}

func handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleHook authenticates the caller and starts a run. By default the run
// happens in the background and the call returns 202; ?wait=1 runs it inline
// and returns the report.
func (s *Server) handleHook(c echo.Context) error {
	ip := c.RealIP()
	if !s.limiter.Check(ip) {
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "too many rejected attempts"})
	}
	if s.cfg.WebhookSecret == "" {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "webhook secret not configured"})
	}
	got := c.Request().Header.Get(WebhookSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
		s.limiter.Record(ip)
		s.log.Warn("webhook rejected", logger.String("ip", ip))
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid webhook secret"})
	}

	if !s.running.TryLock() {
		return c.JSON(http.StatusConflict, map[string]string{"error": "sync already running"})
	}

	if c.QueryParam("wait") == "1" {
		defer s.running.Unlock()
		sum, err := s.syncer.Run(c.Request().Context(), s.sourceDir)
		if sum == nil {
			sum = &Summary{}
		}
		code := http.StatusOK
		if err != nil {
			s.log.Error("sync aborted", logger.Error(err))
			code = http.StatusBadGateway
			if errors.Is(err, ErrConfig) {
				code = http.StatusInternalServerError
			}
		}
		return c.JSON(code, sum.Report(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Unlock()
		s.syncer.Hook(context.Background(), s.sourceDir)
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleStatus(c echo.Context) error {
	var runs []RunRecord
	if s.store != nil {
		var err error
		runs, err = s.store.ListRuns(20)
		if err != nil {
			return err
		}
	}
	return Render(c, StatusPage(runs, s.store != nil))
}
