package ota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/PetoAdam/homenavi/edge-console/internal/observability"
	"github.com/PetoAdam/homenavi/edge-console/internal/report"
	"github.com/PetoAdam/homenavi/edge-console/internal/webserver"
)

var ErrInvalidFirmware = errors.New("invalid firmware")

var firmwareExtension = map[string]string{
	ModuleApFw:     ".bin",
	ModuleSensorFw: ".fpk",
}

type FirmwareRequest struct {
	Path    string
	Module  string
	Version string
}

// Progress mirrors the device's OTA report during a firmware update.
type Progress struct {
	mu       sync.Mutex
	status   string
	download int
	update   int
	onChange func(ProgressSnapshot)
}

type ProgressSnapshot struct {
	Status   string `json:"status"`
	Download int    `json:"download"`
	Update   int    `json:"update"`
}

// NewProgress returns a tracker; onChange, if set, runs after every
// checkpoint.
func NewProgress(onChange func(ProgressSnapshot)) *Progress {
	return &Progress{onChange: onChange}
}

func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProgressSnapshot{Status: p.status, Download: p.download, Update: p.update}
}

func (p *Progress) reset() {
	p.mu.Lock()
	p.status, p.download, p.update = "", 0, 0
	p.mu.Unlock()
}

// Checkpoint records the reported OTA state and reports whether the update
// has finished, successfully or not.
func (p *Progress) Checkpoint(ota report.OTA) bool {
	done := false
	p.mu.Lock()
	switch ota.UpdateStatus {
	case StatusDownloading:
		p.download = ota.UpdateProgress
		p.update = 0
	case StatusUpdating:
		p.download = 100
		p.update = ota.UpdateProgress
	case StatusRebooting:
		p.download, p.update = 100, 100
	case StatusDone:
		p.download, p.update = 100, 100
		done = true
	case StatusFailed:
		done = true
	}
	p.status = ota.UpdateStatus
	snap := ProgressSnapshot{Status: p.status, Download: p.download, Update: p.update}
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
	return done
}

// ValidateFirmwareFile checks the file against the update module and the
// versions the device currently runs.
func ValidateFirmwareFile(req FirmwareRequest, current *report.DeviceConfiguration) error {
	st, err := os.Stat(req.Path)
	if err != nil || st.IsDir() {
		return fmt.Errorf("%w: firmware file does not exist", ErrInvalidFirmware)
	}
	ext, ok := firmwareExtension[req.Module]
	if !ok {
		return fmt.Errorf("%w: unknown update module %q", ErrInvalidFirmware, req.Module)
	}
	if current == nil {
		return fmt.Errorf("%w: device configuration not yet reported", ErrInvalidFirmware)
	}
	if filepath.Ext(req.Path) != ext {
		return fmt.Errorf("%w: %s firmware must be a %s file", ErrInvalidFirmware, req.Module, ext)
	}
	running := current.Version.ApFwVersion
	if req.Module == ModuleSensorFw {
		running = current.Version.SensorFwVersion
	}
	if running == req.Version {
		return fmt.Errorf("%w: version is the same as the current firmware", ErrInvalidFirmware)
	}
	return nil
}

// UpdateFirmware stages the image, asks the device to install it and follows
// its progress until Done or Failed.
func (o *Orchestrator) UpdateFirmware(ctx context.Context, req FirmwareRequest, progress *Progress) (err error) {
	ctx, span := otel.Tracer(observability.ServiceName).Start(ctx, "ota.update_firmware")
	defer span.End()
	span.SetAttributes(attribute.String("ota.module", req.Module), attribute.String("ota.version", req.Version))
	defer func() { observability.RecordOTA(req.Module, outcome(err)) }()

	if progress == nil {
		progress = NewProgress(nil)
	}
	progress.reset()

	if err := ValidateFirmwareFile(req, o.device.Value()); err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "lc_update_")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	staged := filepath.Join(dir, filepath.Base(req.Path))
	if err := copyFile(req.Path, staged); err != nil {
		return fmt.Errorf("stage firmware: %w", err)
	}

	srv, err := webserver.Start(dir, o.Port, nil)
	if err != nil {
		return err
	}
	defer srv.Close()

	cmd, err := o.installCommand(req.Module, staged, dir, srv.Port(), req.Version)
	if err != nil {
		return err
	}
	slog.Debug("firmware update starting", "module", req.Module, "version", req.Version)
	if err := o.send(ctx, cmd); err != nil {
		return fmt.Errorf("publish firmware update: %w", err)
	}

	err = o.await(ctx, o.FirmwareTimeout, func(cfg *report.DeviceConfiguration, fresh bool) bool {
		return fresh && progress.Checkpoint(cfg.OTA)
	})
	switch {
	case errors.Is(err, errDeadline):
		slog.Warn("timeout while updating firmware", "module", req.Module)
		return ErrOTATimeout
	case err != nil:
		return err
	}
	if progress.Snapshot().Status == StatusFailed {
		return ErrOTAFailed
	}
	slog.Debug("firmware update finished", "module", req.Module)
	return nil
}
