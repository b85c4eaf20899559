package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/dragonscale-pos/internal/kernel"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/logging"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/metrics"
)

var kernelCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Transaction kernel commands",
}

var kernelServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the in-memory transaction kernel over HTTP",
	Long: `Runs the in-memory transaction kernel behind its HTTP API so agents
configured with kernel.mode=http can share one till. Prometheus metrics are
served on /metrics.`,
	RunE: runKernelServe,
}

func init() {
	rootCmd.AddCommand(kernelCmd)
	kernelCmd.AddCommand(kernelServeCmd)
	kernelServeCmd.Flags().StringP("listen", "l", "", "Address to listen on (overrides kernel.listen)")
}

func runKernelServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	addr := cfg.Kernel.Listen
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		addr = listen
	}

	logger, err := logging.New(cfg.Logging.Config)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	k := kernel.NewMemoryKernel(kernel.WithTaxRate(cfg.Kernel.TaxRate), kernel.WithLogger(logger))
	handler := kernel.NewHandler(k,
		kernel.WithHandlerLogger(logger),
		kernel.WithMount("/metrics", metrics.New().Handler()))

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("kernel listening", zap.String("addr", addr), zap.Float64("tax_rate", cfg.Kernel.TaxRate))
		serverErrors <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-stop:
		logger.Info("shutting down kernel", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return err
		}
		return nil
	}
}
