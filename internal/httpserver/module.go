package httpserver

import (
	"context"
	"fmt"

	"github.com/apexerp/orchestrator/internal/approval"
	"github.com/apexerp/orchestrator/internal/bus"
	"github.com/apexerp/orchestrator/internal/config"
	"github.com/apexerp/orchestrator/internal/exception"
	"github.com/apexerp/orchestrator/internal/orchestrator"
	"github.com/apexerp/orchestrator/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			func(engine *workflow.Engine, store workflow.Store, pipelines *workflow.PipelineExecutor, orch *orchestrator.Orchestrator, approvals *approval.Manager, except *exception.Handler, b *bus.Bus, reg *prometheus.Registry, logger *zap.Logger) *Server {
				return New(Params{
					Engine:    engine,
					Store:     store,
					Pipelines: pipelines,
					Orch:      orch,
					Approvals: approvals,
					Except:    except,
					Bus:       b,
					Registry:  reg,
					Logger:    logger,
				})
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, s *Server, cfg config.Config, logger *zap.Logger) {
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go func() {
						if err := s.Start(addr); err != nil {
							logger.Error("admin api stopped", zap.Error(err))
						}
					}()
					return nil
				},
				OnStop: func(ctx context.Context) error {
					return s.Shutdown(ctx)
				},
			})
		}),
	)
}
