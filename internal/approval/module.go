package approval

import (
	"github.com/apexerp/orchestrator/internal/bus"
	"github.com/apexerp/orchestrator/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Provide(
		func(cfg config.Config, logger *zap.Logger) (Store, error) {
			if cfg.Database.DSN == "" {
				logger.Info("no database dsn, using in-memory approval store")
				return NewMemoryStore(), nil
			}
			return NewPGStore(cfg.Database.DSN)
		},
		func(store Store, b *bus.Bus, cfg config.Config, logger *zap.Logger) *Manager {
			ladder := make([]Threshold, 0, len(cfg.Approval.Ladder))
			for i, tier := range cfg.Approval.Ladder {
				ladder = append(ladder, Threshold{Tier: i, Ceiling: tier.Ceiling, Roles: tier.Roles})
			}
			return NewManager(store, b, logger, ladder, cfg.Approval.EscalationInterval, nil)
		},
	)
}
