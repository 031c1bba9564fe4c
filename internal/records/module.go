package records

import (
	"github.com/apexerp/orchestrator/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Provide(func(cfg config.Config, logger *zap.Logger) (Store, error) {
		if cfg.Database.DSN == "" {
			logger.Info("no database dsn, using in-memory record store")
			return NewMemoryStore(), nil
		}
		return NewPGStore(cfg.Database.DSN)
	})
}
