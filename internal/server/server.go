package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/fanout/internal/config"
	distributiondomain "github.com/smallbiznis/fanout/internal/distribution/domain"
	"github.com/smallbiznis/fanout/internal/distribution/worker"
	"github.com/smallbiznis/fanout/internal/observability"
	obslogger "github.com/smallbiznis/fanout/internal/observability/logger"
	obstracing "github.com/smallbiznis/fanout/internal/observability/tracing"
	perfdomain "github.com/smallbiznis/fanout/internal/performance/domain"
	"github.com/smallbiznis/fanout/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log, obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
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
	engine          *gin.Engine
	distributionSvc distributiondomain.Service
	submitter       worker.Submitter
	recorder        perfdomain.Recorder
	limiter         *ratelimit.IngestLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	DistributionSvc distributiondomain.Service
	Submitter       worker.Submitter
	Recorder        perfdomain.Recorder
	Limiter         *ratelimit.IngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		distributionSvc: p.DistributionSvc,
		submitter:       p.Submitter,
		recorder:        p.Recorder,
		limiter:         p.Limiter,
	}
	svc.RegisterRoutes()
	return svc
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/api")

	api.POST("/distributions", s.Distribute)
	api.GET("/distributions/:batch_id", s.GetDistribution)
	api.POST("/reward-events", s.EnqueueRewardEvent)
	api.GET("/users/:user_id/commissions", s.ListCommissions)
	api.GET("/performance-metrics", s.ListPerformanceMetrics)
}
