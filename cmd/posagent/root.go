package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/dragonscale-pos/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "posagent",
	Short: "Conversational point-of-sale agent",
	Long: `posagent takes orders in natural language, keeps the receipt in step with
the transaction kernel and walks the customer through payment.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "configs/posagent.yaml", "Path to the agent configuration file")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}
