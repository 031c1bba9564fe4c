package orchestrator

import (
	"context"

	"github.com/apexerp/orchestrator/internal/approval"
	"github.com/apexerp/orchestrator/internal/bus"
	"github.com/apexerp/orchestrator/internal/config"
	"github.com/apexerp/orchestrator/internal/exception"
	"github.com/apexerp/orchestrator/internal/records"
	"github.com/apexerp/orchestrator/internal/workflow"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			func(engine *workflow.Engine, store workflow.Store, recStore records.Store, approvals *approval.Manager, exceptions *exception.Handler, b *bus.Bus, cfg config.Config, logger *zap.Logger) *Orchestrator {
				return New(Params{
					Engine:     engine,
					Store:      store,
					Records:    recStore,
					Approvals:  approvals,
					Exceptions: exceptions,
					Bus:        b,
					Logger:     logger,
					Interval:   cfg.Scheduler.Interval,
					MaxRuns:    cfg.Scheduler.MaxConcurrentRuns,
				})
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, o *Orchestrator) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					o.Start()
					return nil
				},
				OnStop: func(context.Context) error {
					o.Stop()
					return nil
				},
			})
		}),
	)
}
