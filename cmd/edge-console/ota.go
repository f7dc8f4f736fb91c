package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PetoAdam/homenavi/edge-console/internal/config"
	"github.com/PetoAdam/homenavi/edge-console/internal/ota"
	"github.com/PetoAdam/homenavi/edge-console/internal/realtime"
)

func runModel(ctx context.Context, cfg config.Config, args []string) error {
	fs := newFlagSet("model", "model <package.pkg>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("a model package is required")
	}

	s, err := openSession(ctx, cfg, logEvents{})
	if err != nil {
		return err
	}
	defer s.close()
	if _, err := s.dialect(ctx); err != nil {
		return err
	}

	job, err := s.console.DeployModel(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := job.Wait(ctx); err != nil {
		return err
	}
	slog.Info("model deployed", "package", fs.Arg(0))
	return nil
}

func runFirmware(ctx context.Context, cfg config.Config, args []string) error {
	fs := newFlagSet("firmware", "firmware --type ApFw|SensorFw --version <version> <image>")
	module := fs.String("type", ota.ModuleApFw, "firmware kind: ApFw (.bin) or SensorFw (.fpk)")
	version := fs.String("version", "", "version of the image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *version == "" {
		fs.Usage()
		return errors.New("a firmware image and --version are required")
	}

	s, err := openSession(ctx, cfg, logEvents{})
	if err != nil {
		return err
	}
	defer s.close()
	if _, err := s.dialect(ctx); err != nil {
		return err
	}
	if err := waitDeviceConfig(ctx, s, cfg.HandshakeTimeout); err != nil {
		return err
	}

	job, err := s.console.UpdateFirmware(ota.FirmwareRequest{Path: fs.Arg(0), Module: *module, Version: *version})
	if err != nil {
		return err
	}
	if err := job.Wait(ctx); err != nil {
		return err
	}
	slog.Info("firmware updated", "type", *module, "version", *version)
	return nil
}

// waitDeviceConfig blocks until the device has reported its configuration.
func waitDeviceConfig(ctx context.Context, s *session, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		changed := s.state.DeviceConfig.Changed()
		if cfg, ok := s.state.DeviceConfig.Get(); ok && cfg != nil {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("device did not report its configuration: %w", ctx.Err())
		}
	}
}

// logEvents prints console events for one-shot commands.
type logEvents struct{}

func (logEvents) Publish(eventType string, data any) {
	switch eventType {
	case realtime.EventProgress:
		if p, ok := data.(ota.ProgressSnapshot); ok {
			slog.Info("ota progress", "status", p.Status, "download", p.Download, "update", p.Update)
		}
	case realtime.EventTimeout:
		slog.Warn("device stopped reporting progress")
	}
}
