// Command ledgerctl runs ledger maintenance from the shell: direct integrity
// scans and reconciliations, and queue triggers for the background worker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-ledger/cmd/ledgerctl/cli"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  integrity [--json]      scan every transaction group for balance
  reconcile [--json]      run one reconciliation against the configured store
  trigger <job>           enqueue reconcile or integrity on the worker queue
  queue                   print default queue statistics
`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return cli.ExitError
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return cli.ExitError
	}

	switch args[0] {
	case "integrity", "reconcile":
		fset := flag.NewFlagSet(args[0], flag.ContinueOnError)
		fset.SetOutput(stderr)
		jsonOut := fset.Bool("json", false, "emit JSON")
		if err := fset.Parse(args[1:]); err != nil {
			return cli.ExitError
		}
		logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		ledger, err := app.BuildLedger(ctx, cfg, logger, prometheus.NewRegistry())
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "build ledger: %v\n", err)
			return cli.ExitError
		}
		defer ledger.Close()
		ops, err := cli.NewLedgerOpsCLI(ledger.Engine)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return cli.ExitError
		}
		opts := cli.CommandOptions{JSONOutput: *jsonOut, Stdout: stdout, Stderr: stderr}
		if args[0] == "integrity" {
			return ops.IntegrityCommand(ctx, opts)
		}
		return ops.ReconcileCommand(ctx, opts)

	case "trigger", "queue":
		jobsCLI, err := cli.NewJobsCLI(cfg.AsynqRedis())
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return cli.ExitError
		}
		defer func() { _ = jobsCLI.Close() }()
		if args[0] == "queue" {
			stats, err := jobsCLI.InspectQueue(ctx)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "queue: %v\n", err)
				return cli.ExitError
			}
			_ = json.NewEncoder(stdout).Encode(stats)
			return cli.ExitOK
		}
		if len(args) < 2 {
			_, _ = fmt.Fprint(stderr, usage)
			return cli.ExitError
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "trigger: %v\n", err)
			return cli.ExitError
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
		return cli.ExitOK

	default:
		_, _ = fmt.Fprint(stderr, usage)
		return cli.ExitError
	}
}
