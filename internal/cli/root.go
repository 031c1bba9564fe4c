package cli

import "github.com/spf13/cobra"

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Autonomous workflow orchestration core",
	}

	cmd.Flags().String("config", "config.yaml", "Path to config file")
	return cmd
}
