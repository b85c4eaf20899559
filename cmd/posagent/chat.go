package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/pkg/posagent"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the agent on stdin",
	Long: `Starts a conversation on stdin/stdout. Commands:
  /next     prepare for the next customer
  /receipt  show the current receipt
  /quit     leave`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.addr)")
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.Metrics.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := posagent.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer agent.Close()

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, agent)
		defer shutdown(srv, agent.Logger())
	}

	greeting, err := agent.Greeting()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "agent> %s\n", greeting)
	return converse(ctx, agent, cmd.InOrStdin(), out)
}

// converse reads one customer line at a time until EOF, /quit or ctx ends.
func converse(ctx context.Context, agent *posagent.Agent, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, "you> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/receipt":
			printReceipt(out, agent.Receipt())
			continue
		case "/next":
			if err := agent.StartNextCustomer(ctx); err != nil {
				fmt.Fprintf(out, "agent> (reset finished with an error: %v)\n", err)
			}
			greeting, err := agent.Greeting()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "agent> %s\n", greeting)
			continue
		}

		reply, err := agent.HandleMessage(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "agent> (%v)\n", err)
			continue
		}
		fmt.Fprintf(out, "agent> %s\n", reply.Text)
		if len(reply.ToolsExecuted) > 0 {
			printReceipt(out, reply.Receipt)
		}
		if reply.PaymentState == dragonpos.PaymentCompleted {
			fmt.Fprintln(out, "       (order paid; type /next for the next customer)")
		}
	}
}

func printReceipt(out io.Writer, r *dragonpos.Receipt) {
	if r.IsEmpty() {
		fmt.Fprintln(out, "       [empty receipt]")
		return
	}
	fmt.Fprintf(out, "       --- %s (%s) ---\n", r.StoreName, r.Status)
	for _, item := range r.Items {
		indent := ""
		if item.ParentLineItemID != "" {
			indent = "  + "
		}
		fmt.Fprintf(out, "       %2d %s%-20s x%-3d %8.2f\n", item.LineNumber, indent, item.ProductName, item.Quantity, item.Extended())
	}
	fmt.Fprintf(out, "       subtotal %8.2f  tax %6.2f  total %8.2f %s\n", r.Subtotal, r.Tax, r.Total, r.Currency)
}

func serveMetrics(addr string, agent *posagent.Agent) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", agent.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			agent.Logger().Error("metrics server failed", zap.Error(err))
		}
	}()
	agent.Logger().Info("serving metrics", zap.String("addr", addr))
	return srv
}

func shutdown(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown did not complete", zap.Error(err))
		_ = srv.Close()
	}
}
