package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rpcpool/invindex/telemetry"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func main() {
	defer klog.Flush()

	// set up a context that is canceled when a command is interrupted
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-interrupt:
			fmt.Println()
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}

		// Allow any further SIGTERM or SIGINT to kill process
		signal.Stop(interrupt)
	}()

	var shutdown []func()
	app := &cli.App{
		Name:        "invindex",
		Version:     GitTag,
		Description: "CLI to build, update and query persistent inverted indexes of text files.",
		Flags: append(NewKlogFlagSet(),
			&cli.BoolFlag{
				Name:    "telemetry",
				Usage:   "export traces (OTLP when OTEL_EXPORTER_OTLP_ENDPOINT is set, stdout otherwise)",
				EnvVars: []string{"INVINDEX_TELEMETRY"},
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "if non-empty, serve prometheus metrics on this address",
				EnvVars: []string{"INVINDEX_METRICS_ADDR"},
			},
		),
		Before: func(c *cli.Context) error {
			if c.Bool("telemetry") {
				stop, err := telemetry.InitTelemetry(c.Context, "invindex")
				if err != nil {
					return fmt.Errorf("failed to init telemetry: %w", err)
				}
				shutdown = append(shutdown, stop)
			}
			if addr := c.String("metrics-addr"); addr != "" {
				shutdown = append(shutdown, serveMetrics(addr))
			}
			return nil
		},
		After: func(c *cli.Context) error {
			for i := len(shutdown) - 1; i >= 0; i-- {
				shutdown[i]()
			}
			return nil
		},
		Commands: []*cli.Command{
			newCmd_Index(),
			newCmd_Query(),
			newCmd_Watch(),
			newCmd_Stats(),
			newCmd_XDump(),
			newCmd_Version(),
		},
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Fatal(err)
	}
}

func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		klog.Infof("serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics server failed: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
