// Command coap-forward-proxy runs the CoAP forward proxy as a standalone
// binary: a root cobra.Command, a "run" subcommand that blocks until an
// interrupt signal, and a "version" subcommand.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/haw-fu/coap-forward-proxy/internal/app"
	"github.com/haw-fu/coap-forward-proxy/internal/config"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "coap-forward-proxy",
		Short: "A forward proxy for the Constrained Application Protocol",
		Long: `coap-forward-proxy accepts CoAP requests that carry a Proxy-Uri
option, resolves the target origin server, forwards the request, and
correlates the origin's response back to the original client, optionally
serving responses from a local cache to reduce upstream traffic.`,
	}

	var configPath string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdRun(configPath)
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the proxy's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}

	root.AddCommand(runCmd, versionCmd)
	return root
}

func cmdRun(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	registerer := prometheus.DefaultRegisterer
	a, err := app.New(cfg, registerer)
	if err != nil {
		return fmt.Errorf("constructing proxy: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	return a.Run(ctx)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger, _ := zap.NewProduction()
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}
