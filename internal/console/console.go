// Package console runs deployments and OTA operations against one camera and
// records them, for both the CLI and the status API.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PetoAdam/homenavi/edge-console/internal/camera"
	"github.com/PetoAdam/homenavi/edge-console/internal/deploy"
	"github.com/PetoAdam/homenavi/edge-console/internal/ota"
	"github.com/PetoAdam/homenavi/edge-console/internal/realtime"
	"github.com/PetoAdam/homenavi/edge-console/internal/report"
	"github.com/PetoAdam/homenavi/edge-console/internal/store"
)

var ErrOTAInFlight = errors.New("an ota operation is already in flight")

// Publisher fans events out to observers. *realtime.Hub implements it.
type Publisher interface {
	Publish(eventType string, data any)
}

type Options struct {
	DeviceID      string
	DeployTimeout time.Duration
	// ServePort is the local file server port used for application modules.
	ServePort int
}

type Console struct {
	state    *camera.State
	ota      *ota.Orchestrator
	progress *ota.Progress
	repo     *store.Repo
	events   Publisher
	opts     Options
	base     context.Context

	mu      sync.Mutex
	current uuid.UUID
	otaBusy bool
}

// New wires the observers of state. ctx bounds every job the console starts;
// repo and events may be nil.
func New(ctx context.Context, state *camera.State, orch *ota.Orchestrator, repo *store.Repo, events Publisher, opts Options) *Console {
	c := &Console{
		state:  state,
		ota:    orch,
		repo:   repo,
		events: events,
		opts:   opts,
		base:   ctx,
	}
	c.progress = ota.NewProgress(func(p ota.ProgressSnapshot) {
		c.publish(realtime.EventProgress, p)
	})

	state.DeployStage.Subscribe(func(cur, _ deploy.Stage) {
		c.publish(realtime.EventStage, map[string]string{"stage": string(cur)})
		c.mu.Lock()
		id := c.current
		c.mu.Unlock()
		if id == uuid.Nil || c.repo == nil {
			return
		}
		if err := c.repo.UpdateStage(context.WithoutCancel(ctx), id, string(cur), cur.Terminal(), stageOutcome(cur)); err != nil {
			slog.Warn("deployment stage not recorded", "id", id, "error", err)
		}
	})
	state.Connected.Subscribe(func(cur, _ bool) {
		c.publish(realtime.EventConnection, map[string]bool{"connected": cur})
	})
	state.DeviceConfig.Subscribe(func(cur, _ *report.DeviceConfiguration) {
		if cur == nil {
			return
		}
		c.publish(realtime.EventDevice, cur)
		if c.repo == nil {
			return
		}
		if err := c.repo.SaveDeviceSnapshot(context.WithoutCancel(ctx), opts.DeviceID, cur); err != nil {
			slog.Warn("device snapshot not saved", "error", err)
		}
	})
	return c
}

func (c *Console) State() *camera.State { return c.state }

func (c *Console) Progress() ota.ProgressSnapshot { return c.progress.Snapshot() }

func (c *Console) publish(eventType string, data any) {
	if c.events != nil {
		c.events.Publish(eventType, data)
	}
}

// Job is one background operation.
type Job struct {
	ID   uuid.UUID
	Kind string

	done chan struct{}
	err  error
}

func newJob(kind string) *Job {
	return &Job{ID: uuid.New(), Kind: kind, done: make(chan struct{})}
}

func (j *Job) Done() <-chan struct{} { return j.done }

// Err is valid once Done is closed.
func (j *Job) Err() error {
	<-j.done
	return j.err
}

func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) finish(err error) {
	j.err = err
	close(j.done)
}

// AppRequest deploys a manifest. ServeRoot, when set, is served by the local
// file server for the duration of the attempt.
type AppRequest struct {
	Manifest  *deploy.Manifest
	ServeRoot string
	Target    string
}

// DeployApplication starts pushing req.Manifest. It fails right away when
// the dialect is unknown or another deployment is live.
func (c *Console) DeployApplication(req AppRequest) (*Job, error) {
	job := newJob(store.KindApplication)
	c.mu.Lock()
	if c.current != uuid.Nil || c.state.ActiveDeployment() != nil {
		c.mu.Unlock()
		return nil, camera.ErrDeploymentInFlight
	}
	c.current = job.ID
	c.mu.Unlock()

	f, err := c.prepare(req)
	if err != nil {
		c.mu.Lock()
		c.current = uuid.Nil
		c.mu.Unlock()
		return nil, err
	}

	manifest, _ := json.Marshal(req.Manifest)
	c.record(&store.DeploymentRecord{
		ID:           job.ID,
		Kind:         job.Kind,
		DeploymentID: req.Manifest.ID(),
		Dialect:      f.Dialect().Name(),
		Target:       req.Target,
		Stage:        string(deploy.StageWaitFirstStatus),
		Manifest:     manifest,
	})

	go func() {
		err := deploy.Exec(c.base, f, c.state.StartDeployment)
		c.mu.Lock()
		if c.current == job.ID {
			c.current = uuid.Nil
		}
		c.mu.Unlock()
		if errors.Is(err, deploy.ErrDeployTimeout) {
			c.publish(realtime.EventTimeout, map[string]string{"operation": job.Kind})
		}
		c.finish(job, err)
	}()
	return job, nil
}

func (c *Console) prepare(req AppRequest) (*deploy.FSM, error) {
	f, err := c.state.NewDeployment(deploy.Options{
		UseWebserver: req.ServeRoot != "",
		ServeRoot:    req.ServeRoot,
		ServePort:    c.opts.ServePort,
		Timeout:      c.opts.DeployTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := f.SetManifest(req.Manifest); err != nil {
		return nil, err
	}
	return f, nil
}

// DeployModel installs an AI model package, replacing the loaded one.
func (c *Console) DeployModel(pkg string) (*Job, error) {
	if _, err := ota.PackageNetworkID(pkg); err != nil {
		return nil, err
	}
	if err := c.acquireOTA(); err != nil {
		return nil, err
	}
	job := newJob(store.KindModel)
	c.record(&store.DeploymentRecord{ID: job.ID, Kind: job.Kind, Target: pkg, Dialect: c.dialectName()})
	go func() {
		defer c.releaseOTA()
		err := c.ota.DeployModel(c.base, pkg, func() {
			c.publish(realtime.EventTimeout, map[string]string{"operation": job.Kind})
		})
		c.finish(job, err)
	}()
	return job, nil
}

// UpdateFirmware validates req against the last device configuration before
// starting the update.
func (c *Console) UpdateFirmware(req ota.FirmwareRequest) (*Job, error) {
	if err := ota.ValidateFirmwareFile(req, c.state.DeviceConfig.Value()); err != nil {
		return nil, err
	}
	if err := c.acquireOTA(); err != nil {
		return nil, err
	}
	job := newJob(store.KindFirmware)
	c.record(&store.DeploymentRecord{ID: job.ID, Kind: job.Kind, Target: req.Path, Dialect: c.dialectName()})
	go func() {
		defer c.releaseOTA()
		err := c.ota.UpdateFirmware(c.base, req, c.progress)
		if errors.Is(err, ota.ErrOTATimeout) {
			c.publish(realtime.EventTimeout, map[string]string{"operation": job.Kind})
		}
		c.finish(job, err)
	}()
	return job, nil
}

func (c *Console) acquireOTA() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.otaBusy {
		return ErrOTAInFlight
	}
	c.otaBusy = true
	return nil
}

func (c *Console) releaseOTA() {
	c.mu.Lock()
	c.otaBusy = false
	c.mu.Unlock()
}

func (c *Console) dialectName() string {
	if d := c.state.Dialect(); d != nil {
		return d.Name()
	}
	return ""
}

func (c *Console) record(rec *store.DeploymentRecord) {
	if c.repo == nil {
		return
	}
	if err := c.repo.CreateDeployment(context.WithoutCancel(c.base), rec); err != nil {
		slog.Warn("deployment record not created", "id", rec.ID, "error", err)
	}
}

func (c *Console) finish(job *Job, err error) {
	outcome := Outcome(err)
	if err != nil {
		slog.Error("operation failed", "kind", job.Kind, "id", job.ID, "outcome", outcome, "error", err)
	} else {
		slog.Info("operation finished", "kind", job.Kind, "id", job.ID)
	}
	if c.repo != nil {
		if rerr := c.repo.Finish(context.WithoutCancel(c.base), job.ID, outcome, err); rerr != nil {
			slog.Warn("deployment record not closed", "id", job.ID, "error", rerr)
		}
	}
	job.finish(err)
}

// Outcome names how an operation ended.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "done"
	case errors.Is(err, deploy.ErrDeployTimeout), errors.Is(err, ota.ErrOTATimeout):
		return "timeout"
	case errors.Is(err, deploy.ErrDeploymentFailed), errors.Is(err, ota.ErrOTAFailed):
		return "failed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "error"
}

func stageOutcome(s deploy.Stage) string {
	switch s {
	case deploy.StageDone:
		return "done"
	case deploy.StageError:
		return "failed"
	}
	return ""
}
