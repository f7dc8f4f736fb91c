package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/PetoAdam/homenavi/edge-console/internal/observability"
	"github.com/PetoAdam/homenavi/edge-console/internal/report"
	"github.com/PetoAdam/homenavi/edge-console/internal/timing"
	"github.com/PetoAdam/homenavi/edge-console/internal/tracking"
	"github.com/PetoAdam/homenavi/edge-console/internal/webserver"
)

var (
	ErrOTATimeout = errors.New("device stopped reporting ota progress")
	ErrOTAFailed  = errors.New("device reported ota failure")
)

const (
	ModuleDnnModel = "DnnModel"
	ModuleApFw     = "ApFw"
	ModuleSensorFw = "SensorFw"

	StatusDownloading = "Downloading"
	StatusUpdating    = "Updating"
	StatusRebooting   = "Rebooting"
	StatusDone        = "Done"
	StatusFailed      = "Failed"

	DefaultUndeployTimeout = 30 * time.Second
	DefaultDeployTimeout   = 90 * time.Second
	DefaultFirmwareTimeout = 4 * time.Minute
)

// Command is the backdoor OTA payload.
type Command struct {
	OTA CommandBody `json:"OTA"`
}

type CommandBody struct {
	UpdateModule    string `json:"UpdateModule"`
	DesiredVersion  string `json:"DesiredVersion,omitempty"`
	PackageURI      string `json:"PackageUri,omitempty"`
	HashValue       string `json:"HashValue,omitempty"`
	DeleteNetworkID string `json:"DeleteNetworkID,omitempty"`
}

// Configurer writes a configuration topic of a module instance.
type Configurer interface {
	Configure(ctx context.Context, instance, topic string, body any) error
}

type Orchestrator struct {
	agent  Configurer
	device *tracking.Var[*report.DeviceConfiguration]

	// Host and Port are where the device reaches the local file server.
	// Port 0 serves on a free port.
	Host string
	Port int

	UndeployTimeout time.Duration
	DeployTimeout   time.Duration
	FirmwareTimeout time.Duration
}

func NewOrchestrator(agent Configurer, device *tracking.Var[*report.DeviceConfiguration], host string, port int) *Orchestrator {
	return &Orchestrator{
		agent:           agent,
		device:          device,
		Host:            host,
		Port:            port,
		UndeployTimeout: DefaultUndeployTimeout,
		DeployTimeout:   DefaultDeployTimeout,
		FirmwareTimeout: DefaultFirmwareTimeout,
	}
}

func (o *Orchestrator) send(ctx context.Context, cmd Command) error {
	return o.agent.Configure(ctx, report.BackdoorInstance, report.BackdoorTopic, cmd)
}

var errDeadline = errors.New("sliding deadline expired")

// await blocks until cond holds for the latest device configuration. The
// deadline slides forward on every configuration change. fresh tells cond
// whether a change was seen since await started.
func (o *Orchestrator) await(ctx context.Context, period time.Duration, cond func(cfg *report.DeviceConfiguration, fresh bool) bool) error {
	deadline := timing.NewSliding(period)
	defer deadline.Stop()
	fresh := false
	for {
		changed := o.device.Changed()
		if cfg, ok := o.device.Get(); ok && cfg != nil && cond(cfg, fresh) {
			return nil
		}
		select {
		case <-changed:
			fresh = true
			deadline.Extend()
		case <-deadline.C():
			return errDeadline
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DeployModel removes any model with the package's network id, then installs
// the package. timeoutNotify runs once if the install stops progressing.
func (o *Orchestrator) DeployModel(ctx context.Context, pkg string, timeoutNotify func()) (err error) {
	ctx, span := otel.Tracer(observability.ServiceName).Start(ctx, "ota.deploy_model")
	defer span.End()
	defer func() { observability.RecordOTA(ModuleDnnModel, outcome(err)) }()

	networkID, err := PackageNetworkID(pkg)
	if err != nil {
		return fmt.Errorf("read package version: %w", err)
	}
	span.SetAttributes(attribute.String("ota.network_id", networkID))

	slog.Debug("undeploying dnn model", "network_id", networkID)
	if err := o.undeploy(ctx, networkID); err != nil {
		return err
	}
	slog.Debug("deploying dnn model", "package", filepath.Base(pkg))
	err = o.deploy(ctx, networkID, pkg)
	if errors.Is(err, ErrOTATimeout) && timeoutNotify != nil {
		timeoutNotify()
	}
	return err
}

func (o *Orchestrator) undeploy(ctx context.Context, networkID string) error {
	if err := o.send(ctx, Command{OTA: CommandBody{UpdateModule: ModuleDnnModel, DeleteNetworkID: networkID}}); err != nil {
		return fmt.Errorf("publish model removal: %w", err)
	}
	loaded := true
	err := o.await(ctx, o.UndeployTimeout, func(cfg *report.DeviceConfiguration, _ bool) bool {
		loaded = isLoaded(networkID, cfg.Version.DnnModelVersion)
		slog.Debug("deployed dnn model versions", "ids", NetworkIDs(cfg.Version.DnnModelVersion))
		return settled(cfg.OTA.UpdateStatus) && !loaded
	})
	if errors.Is(err, errDeadline) {
		if loaded {
			slog.Warn("dnn model has not been undeployed", "network_id", networkID)
		}
		slog.Warn("timed out removing previous dnn model, proceeding")
		return nil
	}
	return err
}

func (o *Orchestrator) deploy(ctx context.Context, networkID, pkg string) error {
	dir, err := os.MkdirTemp("", "lc_deploy_")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	staged := filepath.Join(dir, filepath.Base(pkg))
	if err := copyFile(pkg, staged); err != nil {
		return fmt.Errorf("stage package: %w", err)
	}

	srv, err := webserver.Start(dir, o.Port, nil)
	if err != nil {
		return err
	}
	defer srv.Close()

	cmd, err := o.installCommand(ModuleDnnModel, staged, dir, srv.Port(), "")
	if err != nil {
		return err
	}
	if err := o.send(ctx, cmd); err != nil {
		return fmt.Errorf("publish model install: %w", err)
	}

	// Only reports that arrive after the install command count; the status
	// left over from the removal phase says nothing about this package.
	failed := false
	err = o.await(ctx, o.DeployTimeout, func(cfg *report.DeviceConfiguration, fresh bool) bool {
		if !fresh {
			return false
		}
		if cfg.OTA.UpdateStatus == StatusFailed {
			failed = true
			return true
		}
		return cfg.OTA.UpdateStatus == StatusDone && isLoaded(networkID, cfg.Version.DnnModelVersion)
	})
	switch {
	case errors.Is(err, errDeadline):
		slog.Error("timed out attempting to deploy dnn model", "network_id", networkID)
		return ErrOTATimeout
	case err != nil:
		return err
	case failed:
		slog.Warn("dnn model is not deployed", "network_id", networkID)
		return ErrOTAFailed
	}
	slog.Info("dnn model deployed", "network_id", networkID)
	return nil
}

// installCommand describes a staged package. An empty version is read from
// the package header.
func (o *Orchestrator) installCommand(module, staged, root string, port int, version string) (Command, error) {
	hash, err := PackageHash(staged)
	if err != nil {
		return Command{}, err
	}
	if version == "" {
		if version, err = PackageVersion(staged); err != nil {
			return Command{}, err
		}
	}
	url, err := webserver.RelURL(o.Host, port, root, staged)
	if err != nil {
		return Command{}, err
	}
	return Command{OTA: CommandBody{
		UpdateModule:   module,
		DesiredVersion: version,
		PackageURI:     url,
		HashValue:      hash,
	}}, nil
}

func settled(status string) bool {
	return status == StatusDone || status == StatusFailed
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "done"
	case errors.Is(err, ErrOTATimeout):
		return "timeout"
	case errors.Is(err, ErrOTAFailed):
		return "failed"
	}
	return "error"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
