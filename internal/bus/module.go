package bus

import (
	"context"

	"github.com/apexerp/orchestrator/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			func(cfg config.Config, logger *zap.Logger) (Store, error) {
				if cfg.Database.DSN == "" {
					logger.Info("no database dsn, using in-memory event store")
					return NewMemoryStore(), nil
				}
				return NewPGStore(cfg.Database.DSN)
			},
			New,
		),
		fx.Invoke(func(lc fx.Lifecycle, b *Bus) {
			lc.Append(fx.Hook{OnStop: func(context.Context) error {
				b.Close()
				return nil
			}})
		}),
	)
}
