package decision

import (
	"github.com/apexerp/orchestrator/internal/config"
	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Provide(func(cfg config.Config) Invoker {
		return NewHTTPInvoker(cfg.Decision.BaseURL, cfg.Decision.Model, cfg.Decision.Timeout)
	})
}
