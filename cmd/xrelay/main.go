// Command xrelay serves the retrieval engine over HTTP and MCP, and runs
// one-shot lookups from the shell.
//
// Usage:
//
//	xrelay serve -c xrelay.yaml          # HTTP API on cfg.listen
//	xrelay fetch 20                      # one item, JSON on stdout
//	xrelay search "golang" -n 10
//	xrelay timeline jack
//	xrelay verify <content_hash> <root_hash> <c0> <c1> <c2>
//	xrelay mcp                           # MCP over stdio
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/xrelay/relay"
)

var version = "dev"

type globalFlags struct {
	config   string
	logLevel string
}

func main() {
	var g globalFlags
	root := &cobra.Command{
		Use:           "xrelay",
		Short:         "Resilient multi-source retrieval for public posts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.config, "config", "c", os.Getenv("XRELAY_CONFIG"), "path to xrelay.yaml (defaults apply when empty)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config and LOG_LEVEL)")

	root.AddCommand(
		newServeCmd(&g),
		newFetchCmd(&g),
		newSearchCmd(&g),
		newTimelineCmd(&g),
		newVerifyCmd(&g),
		newMCPCmd(&g),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// setup loads the configuration, builds the logger and opens the engine.
func setup(g *globalFlags) (*relay.Engine, *relay.Config, *slog.Logger, error) {
	cfg := relay.DefaultConfig()
	if g.config != "" {
		var err error
		if cfg, err = relay.LoadConfig(g.config); err != nil {
			return nil, nil, nil, err
		}
	}

	level := cfg.Log.Level
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = v
	}
	if g.logLevel != "" {
		level = g.logLevel
	}
	logger := newLogger(level)
	slog.SetDefault(logger)

	eng, err := relay.New(cfg, relay.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, err
	}
	return eng, cfg, logger, nil
}

// newLogger writes JSON to stderr so stdout stays clean for command output
// and the MCP stdio transport.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
