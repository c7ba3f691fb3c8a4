package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:    "pgbak",
		Usage:   "PostgreSQL physical backup engine",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "backup",
				Usage: "Run a backup for the configured stanza",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to stanza configuration yaml file",
						Value: "pgbak.yaml",
					},
					&cli.StringFlag{
						Name:  "type",
						Usage: "backup type to request: full, diff, or incr (default: the config file's option type; if that is empty too, the controller picks)",
					},
					&cli.StringFlag{
						Name:  "resume",
						Usage: "label of a partial backup attempt to try to resume",
					},
					&cli.StringFlag{
						Name:  "metrics-addr",
						Usage: "address to expose Prometheus metrics on while the backup runs, empty to disable",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runBackupCommand(ctx, backupCommandArgs{
						configPath:  cmd.String("config"),
						backupType:  cmd.String("type"),
						resume:      cmd.String("resume"),
						metricsAddr: cmd.String("metrics-addr"),
					})
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if ctx.Err() == context.Canceled {
			fmt.Fprintln(os.Stderr, "\nbackup interrupted")
			os.Exit(130)
		}
		slog.Error("pgbak: command failed", "error", err)
		os.Exit(1)
	}
}

// serveMetrics starts a best-effort /metrics HTTP server on addr,
// returning immediately; listen failures are logged, not fatal, since a
// backup run shouldn't abort over an unreachable metrics port.
func serveMetrics(addr string, handler http.Handler) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("pgbak: metrics server stopped", "error", err)
		}
	}()
}
