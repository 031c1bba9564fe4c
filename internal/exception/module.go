package exception

import (
	"github.com/apexerp/orchestrator/internal/bus"
	"github.com/apexerp/orchestrator/internal/config"
	"github.com/apexerp/orchestrator/internal/decision"
	"github.com/apexerp/orchestrator/internal/notify"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Provide(
		func(cfg config.Config, logger *zap.Logger) (Store, error) {
			if cfg.Database.DSN == "" {
				logger.Info("no database dsn, using in-memory exception store")
				return NewMemoryStore(), nil
			}
			return NewPGStore(cfg.Database.DSN)
		},
		func(store Store, invoker decision.Invoker, b *bus.Bus, sender notify.Sender, cfg config.Config, logger *zap.Logger) *Handler {
			return NewHandler(store, invoker, b, sender, logger, cfg.Exception.ConfidenceCutoff, nil)
		},
	)
}
