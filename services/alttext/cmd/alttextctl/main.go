package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"alttextpro/internal/util"
	"alttextpro/services/alttext/internal/app"
	"alttextpro/services/alttext/internal/config"
)

const usage = `usage: alttextctl [-config path] <command>

commands:
  activate      initialise the usage counter and schedule the monthly reset
  deactivate    remove the reset schedule
  uninstall     remove the counter, stored keys and the reset schedule
  reset-quota   reset the free-tier counter now
  usage         print usage and the next scheduled reset as JSON
`

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config.yaml")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*configPath, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "alttextctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, command string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	util.InitLogger("alttextctl", cfg.LogLevel)

	appCfg, err := app.ConfigFromFile(cfg)
	if err != nil {
		return err
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer appCore.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch command {
	case "activate":
		return appCore.Activate(ctx)
	case "deactivate":
		return appCore.Deactivate(ctx)
	case "uninstall":
		return appCore.Uninstall(ctx)
	case "reset-quota":
		return appCore.ResetQuota(ctx)
	case "usage":
		return printUsage(ctx, appCore)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage(ctx context.Context, appCore *app.App) error {
	u, err := appCore.Usage(ctx)
	if err != nil {
		return err
	}
	out := map[string]any{"usage": u}
	if next, ok, err := appCore.NextReset(ctx); err != nil {
		return err
	} else if ok {
		out["nextReset"] = next
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
