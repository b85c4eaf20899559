package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/catalog"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/logging"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Product catalog commands",
}

var catalogSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load products from a YAML seed file into the catalog",
	RunE:  runCatalogSeed,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogSeedCmd)
	catalogSeedCmd.Flags().StringP("file", "f", "", "Seed file (defaults to catalog.seed)")
}

func runCatalogSeed(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	file, _ := cmd.Flags().GetString("file")
	if file == "" {
		file = cfg.Catalog.Seed
	}
	if file == "" {
		return dragonpos.NewConfigurationError("no seed file: pass --file or set catalog.seed", nil)
	}

	logger, err := logging.New(cfg.Logging.Config)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cat, err := catalog.Open(cfg.Catalog.Path, catalog.WithLogger(logger))
	if err != nil {
		return err
	}
	defer cat.Close()

	n, err := cat.SeedFile(cmd.Context(), file)
	if err != nil {
		return err
	}
	total, err := cat.Count(cmd.Context())
	if err != nil {
		return err
	}
	logger.Info("catalog seeded", zap.String("file", file), zap.Int("upserted", n))
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d products from %s (%d in %s)\n", n, file, total, cfg.Catalog.Path)
	return nil
}
