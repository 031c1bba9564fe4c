package workflow

import (
	"github.com/apexerp/orchestrator/internal/approval"
	"github.com/apexerp/orchestrator/internal/bus"
	"github.com/apexerp/orchestrator/internal/config"
	"github.com/apexerp/orchestrator/internal/decision"
	"github.com/apexerp/orchestrator/internal/exception"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Provide(
		func(cfg config.Config, logger *zap.Logger) (Store, error) {
			if cfg.Database.DSN == "" {
				logger.Info("no database dsn, using in-memory workflow store")
				return NewMemoryStore(), nil
			}
			return NewPGStore(cfg.Database.DSN)
		},
		func(cfg config.Config) *BreakerSet {
			return NewBreakerSet(cfg.Breaker.Threshold, cfg.Breaker.Cooldown, nil)
		},
		func() *prometheus.Registry {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			return reg
		},
		func(reg *prometheus.Registry) *Metrics {
			return NewMetrics(reg)
		},
		func(store Store, breakers *BreakerSet, approvals *approval.Manager, exceptions *exception.Handler, b *bus.Bus, invoker decision.Invoker, metrics *Metrics, cfg config.Config, logger *zap.Logger) *Engine {
			return NewEngine(EngineParams{
				Store:          store,
				Breakers:       breakers,
				Approvals:      approvals,
				Exceptions:     exceptions,
				Bus:            b,
				Invoker:        invoker,
				Metrics:        metrics,
				Logger:         logger,
				MaxAttempts:    cfg.Retry.MaxAttempts,
				InitialBackoff: cfg.Retry.InitialBackoff,
			})
		},
		func(store Store, engine *Engine, b *bus.Bus, logger *zap.Logger) *PipelineExecutor {
			return NewPipelineExecutor(store, engine, b, logger, nil)
		},
	)
}
