package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailrelay/internal/app"
	"mailrelay/internal/config"
	"mailrelay/internal/health"
	logx "mailrelay/pkg/logx"
)

const usage = `usage: mailrelay [-config path] [-env-file path] <command>

commands:
  run                  relay new mail to the destination (default)
  reset                delete every delivery record
  stats                print ledger counts as JSON
  test-notify          send a synthetic message to the destination
  check-health <url>   query a running relay's /health endpoint
`

func main() {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "", "path to config json or yaml (optional)")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment overlay")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "run"
	}
	if err := runCommand(ctx, cmd, flag.Args(), cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, cmd string, args []string, cfgPath string) error {
	cfgm := config.NewConfigManager(cfgPath)
	log := logx.NewConsole("info").With(logx.String("comp", "cli"))

	switch cmd {
	case "run":
		a, err := app.New(ctx, cfgm, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Run(ctx)

	case "reset":
		cfg, err := cfgm.Load()
		if err != nil {
			return err
		}
		n, err := app.ResetLedger(ctx, cfg, log)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d records\n", n)
		return nil

	case "stats":
		cfg, err := cfgm.Load()
		if err != nil {
			return err
		}
		st, err := app.LedgerStats(ctx, cfg, log)
		if err != nil {
			return err
		}
		return printJSON(st)

	case "test-notify":
		cfg, err := cfgm.Load()
		if err != nil {
			return err
		}
		msg, err := app.TestNotify(ctx, cfg, app.Options{}, log)
		if err != nil {
			return err
		}
		fmt.Printf("sent %s to %s\n", msg.ID, cfg.Destination.Kind)
		return nil

	case "check-health":
		if len(args) < 2 {
			return errors.New("check-health: url is required")
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		body, err := health.Check(cctx, &http.Client{}, args[1])
		if err != nil {
			return err
		}
		return printJSON(body)

	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
