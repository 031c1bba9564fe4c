package main

import (
	"context"
	"os"

	"github.com/apexerp/orchestrator/internal/approval"
	"github.com/apexerp/orchestrator/internal/bus"
	"github.com/apexerp/orchestrator/internal/cli"
	"github.com/apexerp/orchestrator/internal/config"
	"github.com/apexerp/orchestrator/internal/decision"
	"github.com/apexerp/orchestrator/internal/exception"
	"github.com/apexerp/orchestrator/internal/httpserver"
	"github.com/apexerp/orchestrator/internal/logging"
	"github.com/apexerp/orchestrator/internal/notify"
	"github.com/apexerp/orchestrator/internal/orchestrator"
	"github.com/apexerp/orchestrator/internal/otel"
	"github.com/apexerp/orchestrator/internal/processors"
	"github.com/apexerp/orchestrator/internal/records"
	"github.com/apexerp/orchestrator/internal/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	rootCmd := cli.NewRootCommand()

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		startServer(configPath)
		return nil
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startServer(configPath string) {
	app := fx.New(
		config.Module(configPath),
		logging.Module(),
		bus.Module(),
		records.Module(),
		decision.Module(),
		notify.Module(),
		approval.Module(),
		exception.Module(),
		workflow.Module(),
		processors.Module(),
		orchestrator.Module(),
		httpserver.Module(),
		fx.Invoke(func(lc fx.Lifecycle) {
			shutdown, err := otel.Init("orchestrator")
			if err != nil {
				return
			}
			lc.Append(fx.Hook{OnStop: func(ctx context.Context) error {
				return shutdown(ctx)
			}})
		}),
	)

	app.Run()
}
