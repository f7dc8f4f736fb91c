package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/PetoAdam/homenavi/edge-console/internal/config"
	"github.com/PetoAdam/homenavi/edge-console/internal/observability"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, cfg config.Config, args []string) error
}

var commands = []command{
	{"deploy", "deploy a wasm application, a manifest or the empty deployment", runDeploy},
	{"model", "deploy an AI model package", runModel},
	{"firmware", "update the application processor or sensor firmware", runFirmware},
	{"rpc", "call a method of a module instance", runRPC},
	{"config", "configure a module instance or the device agent", runConfig},
	{"get", "print deployment status, telemetry or an instance status", runGet},
	{"serve", "run the status API and websocket stream", runServe},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("edge-console failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	observability.SetupLogging(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return c.run(ctx, cfg, args[1:])
	}
	printUsage()
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: edge-console <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(os.Stderr, "\nConfiguration comes from the environment and the YAML file named by EDGE_CONSOLE_CONFIG.\n")
}

func newFlagSet(name, usage string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: edge-console %s\n\n", usage)
		fs.PrintDefaults()
	}
	return fs
}
