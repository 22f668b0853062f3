package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/billsync/internal/billing/reconciliation"
	"github.com/smallbiznis/billsync/internal/billing/webhook"
	"github.com/smallbiznis/billsync/internal/config"
	"github.com/smallbiznis/billsync/internal/observability"
	obslogger "github.com/smallbiznis/billsync/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(
		registerGin,
		provideWebhookIngester,
		provideScopeRunner,
	),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// WebhookIngester accepts raw provider deliveries.
type WebhookIngester interface {
	IngestWebhook(ctx context.Context, req webhook.IngestRequest) (webhook.IngestResult, error)
}

// ScopeRunner runs one reconciliation scope on demand.
type ScopeRunner interface {
	RunScope(ctx context.Context, req reconciliation.RunScopeRequest) (reconciliation.RunScopeResult, error)
}

func provideWebhookIngester(s *webhook.Service) WebhookIngester { return s }

func provideScopeRunner(s *reconciliation.Service) ScopeRunner { return s }

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log, obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.String("addr", addr), zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine   *gin.Engine
	cfg      config.Config
	webhooks WebhookIngester
	runner   ScopeRunner
	log      *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin      *gin.Engine
	Cfg      config.Config
	Webhooks WebhookIngester
	Runner   ScopeRunner
	Log      *zap.Logger
}

func NewServer(p ServerParams) *Server {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engine:   p.Gin,
		cfg:      p.Cfg,
		webhooks: p.Webhooks,
		runner:   p.Runner,
		log:      log.Named("http"),
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleProviderWebhook)

	internal := s.engine.Group("/internal")
	internal.POST("/reconciliation/:scope/run", s.HandleRunReconciliationScope)
}
