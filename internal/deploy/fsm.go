package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/PetoAdam/homenavi/edge-console/internal/onwire"
	"github.com/PetoAdam/homenavi/edge-console/internal/report"
)

var (
	ErrAlreadyStarted = errors.New("deployment already started")
	ErrNoManifest     = errors.New("deployment has no manifest")
)

type Stage string

const (
	StageNone                    Stage = ""
	StageWaitFirstStatus         Stage = "WaitFirstStatus"
	StageWaitAppliedConfirmation Stage = "WaitAppliedConfirmation"
	StageDone                    Stage = "Done"
	StageError                   Stage = "Error"
)

func (s Stage) Terminal() bool { return s == StageDone || s == StageError }

const (
	eventPush   = "push"
	eventFinish = "finish"
	eventFail   = "fail"
)

// PublishFunc sends the rendered manifest to the device.
type PublishFunc func(ctx context.Context, m *Manifest) error

type Observer func(Stage)

type Options struct {
	// UseWebserver serves module binaries from the local file server for the
	// duration of the attempt.
	UseWebserver bool
	ServeRoot    string
	ServePort    int
	// Timeout bounds the whole attempt in Exec.
	Timeout time.Duration
}

// FSM tracks one deployment attempt from the first device report to a
// terminal stage. It is not reusable and has no timeout of its own.
type FSM struct {
	mu       sync.Mutex
	dialect  onwire.Dialect
	publish  PublishFunc
	observer Observer
	opts     Options
	manifest *Manifest
	started  bool

	machine  *fsm.FSM
	errored  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

func New(dialect onwire.Dialect, publish PublishFunc, observer Observer, opts Options) *FSM {
	f := &FSM{
		dialect:  dialect,
		publish:  publish,
		observer: observer,
		opts:     opts,
		done:     make(chan struct{}),
	}
	f.machine = fsm.NewFSM(
		string(StageWaitFirstStatus),
		fsm.Events{
			{Name: eventPush, Src: []string{string(StageWaitFirstStatus)}, Dst: string(StageWaitAppliedConfirmation)},
			{Name: eventFinish, Src: []string{string(StageWaitFirstStatus), string(StageWaitAppliedConfirmation)}, Dst: string(StageDone)},
			{Name: eventFail, Src: []string{string(StageWaitFirstStatus), string(StageWaitAppliedConfirmation)}, Dst: string(StageError)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				f.enter(Stage(e.Dst))
			},
		},
	)
	return f
}

// enter runs on every transition. Observers see a terminal stage before Done
// is closed.
func (f *FSM) enter(s Stage) {
	if s == StageError {
		f.errored.Store(true)
	}
	f.notify(s)
	switch s {
	case StageDone:
		slog.Info("deployment complete")
		f.fireDone()
	case StageError:
		slog.Info("deployment errored")
		f.fireDone()
	}
}

func (f *FSM) notify(s Stage) {
	if f.observer != nil {
		f.observer(s)
	}
}

func (f *FSM) fireDone() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *FSM) Dialect() onwire.Dialect { return f.dialect }
func (f *FSM) Options() Options        { return f.opts }

// SetManifest stores a private copy of m; later changes to m are not seen.
func (f *FSM) SetManifest(m *Manifest) error {
	if m == nil {
		return ErrNoManifest
	}
	if err := m.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return ErrAlreadyStarted
	}
	f.manifest = m.Clone()
	return nil
}

func (f *FSM) Manifest() *Manifest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manifest == nil {
		return nil
	}
	return f.manifest.Clone()
}

func (f *FSM) Stage() Stage { return Stage(f.machine.Current()) }

// Done is closed once a terminal stage is reached.
func (f *FSM) Done() <-chan struct{} { return f.done }

// Errored is meaningful after Done fired.
func (f *FSM) Errored() bool { return f.errored.Load() }

// Start announces WaitFirstStatus to the observer. It publishes the manifest
// right away on EVP1, which has no discovery handshake. EVP2 waits for the
// first status report.
func (f *FSM) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manifest == nil {
		return ErrNoManifest
	}
	if f.started {
		return ErrAlreadyStarted
	}
	f.started = true
	f.notify(StageWaitFirstStatus)
	if f.dialect == onwire.EVP1 {
		if err := f.push(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (f *FSM) push(ctx context.Context) error {
	slog.Debug("pushing deployment manifest", "deployment_id", f.manifest.ID(), "dialect", f.dialect.Name())
	if err := f.publish(ctx, f.manifest); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	return f.machine.Event(ctx, eventPush)
}

// Update feeds one deployment status report.
func (f *FSM) Update(ctx context.Context, status *report.DeploymentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stage := f.Stage()
	if stage.Terminal() {
		slog.Warn("deployment status after terminal stage ignored", "stage", stage)
		return nil
	}
	if status == nil || f.manifest == nil {
		return nil
	}

	finished, matches, errored := VerifyReport(f.manifest.ID(), status)
	switch {
	case matches && errored:
		return f.machine.Event(ctx, eventFail)
	case matches && finished:
		return f.machine.Event(ctx, eventFinish)
	}

	if !matches {
		slog.Debug("stale deployment status", "reported", status.DeploymentID, "target", f.manifest.ID())
	}

	switch stage {
	case StageWaitFirstStatus:
		if f.dialect == onwire.EVP2 && f.started {
			slog.Debug("agent can receive deployments, pushing manifest")
			return f.push(ctx)
		}
	case StageWaitAppliedConfirmation:
		if matches {
			slog.Info("deployment received, waiting for reconcile completion", "reconcile", status.ReconcileStatus)
		}
	}
	return nil
}

// Abort moves a live deployment to Error. Used when the caller gives up.
func (f *FSM) Abort(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Stage().Terminal() {
		return
	}
	if err := f.machine.Event(ctx, eventFail); err != nil {
		slog.Warn("abort deployment", "error", err)
	}
}

// VerifyReport compares a status report with the target deployment id.
// errored is true when any module or instance reports status "error".
func VerifyReport(deploymentID string, status *report.DeploymentStatus) (finished, matches, errored bool) {
	if status == nil {
		return false, false, false
	}
	matches = status.DeploymentID == deploymentID
	finished = status.ReconcileStatus == "ok"
	for _, m := range status.Modules {
		if m.Status == "error" {
			errored = true
		}
	}
	for _, i := range status.Instances {
		if i.Status == "error" {
			errored = true
		}
	}
	return finished, matches, errored
}

// IsEmptyStatus reports a device with no instances and no modules.
func IsEmptyStatus(status *report.DeploymentStatus) bool {
	return status.Empty()
}
