package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/PetoAdam/homenavi/edge-console/internal/config"
	"github.com/PetoAdam/homenavi/edge-console/internal/mqtt"
	"github.com/PetoAdam/homenavi/edge-console/internal/report"
)

func runRPC(ctx context.Context, cfg config.Config, args []string) error {
	fs := newFlagSet("rpc", "rpc [--wait 10s] <instance> <method> <params-json>")
	wait := fs.Duration("wait", 0, "wait this long for the module's response and print it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		fs.Usage()
		return errors.New("instance, method and params are required")
	}
	if *wait < 0 {
		return fmt.Errorf("wait must not be negative")
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(fs.Arg(2)), &params); err != nil {
		return fmt.Errorf("params must be a JSON object: %w", err)
	}

	a, client, err := connectAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	instance, method := fs.Arg(0), fs.Arg(1)
	if *wait > 0 {
		callCtx, cancel := context.WithTimeout(ctx, *wait)
		defer cancel()
		res, err := a.Call(callCtx, instance, method, params)
		if err != nil {
			return fmt.Errorf("command %s to instance %s: %w", method, instance, err)
		}
		printJSON(res)
		return nil
	}
	reqID, err := a.RPC(ctx, instance, method, params)
	if err != nil {
		return fmt.Errorf("could not send command %s to instance %s: %w", method, instance, err)
	}
	slog.Info("rpc sent", "instance", instance, "method", method, "req_id", reqID)
	return nil
}

func runConfig(ctx context.Context, cfg config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: edge-console config instance|device ...")
	}
	switch args[0] {
	case "instance":
		return runConfigInstance(ctx, cfg, args[1:])
	case "device":
		return runConfigDevice(ctx, cfg, args[1:])
	}
	return fmt.Errorf("unknown config target %q", args[0])
}

func runConfigInstance(ctx context.Context, cfg config.Config, args []string) error {
	fs := newFlagSet("config instance", "config instance <instance> <topic> <data>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		fs.Usage()
		return errors.New("instance, topic and data are required")
	}
	// JSON data is sent as a value, anything else as a plain string.
	var body any = fs.Arg(2)
	var decoded any
	if err := json.Unmarshal([]byte(fs.Arg(2)), &decoded); err == nil {
		body = decoded
	}

	a, client, err := connectAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return a.Configure(ctx, fs.Arg(0), fs.Arg(1), body)
}

func runConfigDevice(ctx context.Context, cfg config.Config, args []string) error {
	fs := newFlagSet("config device", "config device <interval-max> <interval-min>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return errors.New("max and min report intervals are required")
	}
	maxInterval, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid max interval: %w", err)
	}
	minInterval, err := strconv.Atoi(fs.Arg(1))
	if err != nil {
		return fmt.Errorf("invalid min interval: %w", err)
	}

	a, client, err := connectAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return a.DeviceConfigure(ctx, maxInterval, minInterval)
}

func runGet(ctx context.Context, cfg config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: edge-console get deployment|telemetry|instance <id>")
	}
	var (
		topic string
		show  func(report.Report, []byte) bool
	)
	switch args[0] {
	case "deployment":
		topic = report.TopicAttributes
		show = printDeployment
	case "telemetry":
		topic = report.TopicTelemetry
		show = printTelemetry
	case "instance":
		if len(args) != 2 {
			return errors.New("usage: edge-console get instance <id>")
		}
		topic = report.TopicAttributes
		show = instancePrinter(args[1])
	default:
		return fmt.Errorf("unknown get target %q", args[0])
	}

	dialect, err := cfg.Dialect()
	if err != nil {
		return err
	}
	client, err := mqtt.Connect(cfg.BrokerURL(), cfg.MQTT.ClientID)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	inbox := mqtt.NewInbox(0)
	if err := client.Subscribe(topic, inbox.Handler()); err != nil {
		return err
	}
	defer func() { _ = client.Unsubscribe(topic) }()

	dec := report.Decoder{Dialect: dialect}
	inbox.Run(ctx, func(_ context.Context, m mqtt.Message) {
		r, err := dec.Decode(m.Topic, m.Payload)
		if err != nil {
			slog.Debug("undecodable message", "topic", m.Topic, "error", err)
			return
		}
		if !show(r, m.Payload) {
			cancel()
		}
	})
	return nil
}

func printJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stdout, string(b))
}

func printDeployment(r report.Report, payload []byte) bool {
	if r.Has(report.KindDeploymentStatus) {
		printJSON(r.DeploymentStatus)
		return true
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err == nil && len(raw) > 0 {
		printJSON(raw)
	} else {
		slog.Debug("empty message arrived")
	}
	return true
}

func printTelemetry(_ report.Report, payload []byte) bool {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil || len(raw) == 0 {
		return true
	}
	for k := range raw {
		if strings.Contains(k, "device/log") {
			delete(raw, k)
		}
	}
	printJSON(raw)
	return true
}

// instancePrinter stops once the reported instances do not include id.
func instancePrinter(id string) func(report.Report, []byte) bool {
	return func(r report.Report, _ []byte) bool {
		if !r.Has(report.KindDeploymentStatus) || r.DeploymentStatus.Instances == nil {
			return true
		}
		inst, ok := r.DeploymentStatus.Instances[id]
		if !ok {
			names := make([]string, 0, len(r.DeploymentStatus.Instances))
			for k := range r.DeploymentStatus.Instances {
				names = append(names, k)
			}
			slog.Warn("module instance not found", "instance", id, "available", names)
			return false
		}
		printJSON(inst)
		return true
	}
}
