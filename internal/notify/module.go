package notify

import (
	"github.com/apexerp/orchestrator/internal/config"
	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Provide(func(cfg config.Config) Sender {
		return NewHTTPSender(cfg.Notify.BaseURL, cfg.Notify.Timeout)
	})
}
