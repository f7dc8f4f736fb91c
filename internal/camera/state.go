// Package camera keeps the console's view of one camera, fed by the device's
// MQTT messages, and owns the deployment slot of the session.
package camera

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/edge-console/internal/agent"
	"github.com/PetoAdam/homenavi/edge-console/internal/deploy"
	"github.com/PetoAdam/homenavi/edge-console/internal/mqtt"
	"github.com/PetoAdam/homenavi/edge-console/internal/observability"
	"github.com/PetoAdam/homenavi/edge-console/internal/onwire"
	"github.com/PetoAdam/homenavi/edge-console/internal/report"
	"github.com/PetoAdam/homenavi/edge-console/internal/timing"
	"github.com/PetoAdam/homenavi/edge-console/internal/tracking"
)

var ErrDeploymentInFlight = errors.New("a deployment is already in flight")

const ConnectionTimeout = 180 * time.Second

type StreamStatus string

const (
	StreamInactive      StreamStatus = "Inactive"
	StreamActive        StreamStatus = "Active"
	StreamTransitioning StreamStatus = "..."
)

// StreamStatusFrom maps the sensor state the firmware reports.
func StreamStatusFrom(sensor string) StreamStatus {
	switch sensor {
	case "Standby", "Error", "PowerOff":
		return StreamInactive
	case "Streaming":
		return StreamActive
	}
	return StreamTransitioning
}

// ConfigCache keeps the last device configuration outside the process.
type ConfigCache interface {
	SaveDeviceConfig(ctx context.Context, cfg *report.DeviceConfiguration) error
}

type Option func(*State)

func WithCache(c ConfigCache) Option {
	return func(s *State) { s.cache = c }
}

// WithDialect presets the dialect until the device announces its own.
func WithDialect(d onwire.Dialect) Option {
	return func(s *State) {
		if d != nil {
			s.Protocol.Set(d)
		}
	}
}

func WithConnectionTimeout(d time.Duration) Option {
	return func(s *State) { s.connTimeout = d }
}

type State struct {
	client      mqtt.ClientAPI
	agent       *agent.Agent
	cache       ConfigCache
	connTimeout time.Duration
	watchdog    *timing.Watchdog

	mu            sync.Mutex
	fsm           *deploy.FSM
	lastReception time.Time

	Protocol            *tracking.Var[onwire.Dialect]
	// Announced is set on every systemInfo report naming a known protocol.
	Announced           *tracking.Var[onwire.Dialect]
	DeviceConfig        *tracking.Var[*report.DeviceConfiguration]
	DeployStatus        *tracking.Var[*report.DeploymentStatus]
	DeployStage         *tracking.Var[deploy.Stage]
	Connected           *tracking.Var[bool]
	AttributesAvailable *tracking.Var[bool]
	Ready               *tracking.Var[bool]
	Stream              *tracking.Var[StreamStatus]
	Streaming           *tracking.Var[bool]
}

func New(client mqtt.ClientAPI, opts ...Option) *State {
	s := &State{
		client:              client,
		connTimeout:         ConnectionTimeout,
		Protocol:            tracking.New[onwire.Dialect](),
		Announced:           tracking.New[onwire.Dialect](),
		DeviceConfig:        tracking.New[*report.DeviceConfiguration](),
		DeployStatus:        tracking.New[*report.DeploymentStatus](),
		DeployStage:         tracking.NewWith(deploy.StageNone),
		Connected:           tracking.NewWith(false),
		AttributesAvailable: tracking.NewWith(false),
		Ready:               tracking.NewWith(false),
		Stream:              tracking.NewWith(StreamInactive),
		Streaming:           tracking.NewWith(false),
	}
	s.agent = agent.New(client, s.Dialect)
	for _, opt := range opts {
		opt(s)
	}
	s.watchdog = timing.NewWatchdog(s.connTimeout, s.connectionTimedOut)
	s.bind()
	return s
}

func (s *State) bind() {
	s.AttributesAvailable.Subscribe(func(cur, _ bool) {
		d := s.Dialect()
		// EVP1 agents ignore report interval configuration.
		s.Ready.Set(cur && d != nil && d.ControlsReportInterval())
	})
	s.Stream.Subscribe(func(cur, _ StreamStatus) {
		s.Streaming.Set(cur == StreamActive)
	})
}

func (s *State) Agent() *agent.Agent { return s.agent }

func (s *State) Dialect() onwire.Dialect { return s.Protocol.Value() }

func (s *State) LastReception() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReception
}

// Run subscribes to the device topics and processes messages one at a time
// in arrival order until ctx is done.
func (s *State) Run(ctx context.Context) error {
	inbox := mqtt.NewInbox(0)
	for _, topic := range report.SubscribeTopics {
		if err := s.client.Subscribe(topic, inbox.Handler()); err != nil {
			return err
		}
	}
	defer func() {
		for _, topic := range report.SubscribeTopics {
			_ = s.client.Unsubscribe(topic)
		}
	}()

	go s.watchdog.Run(ctx)
	defer s.watchdog.Stop()

	inbox.Run(ctx, func(ctx context.Context, m mqtt.Message) {
		if err := s.ProcessIncoming(ctx, m.Topic, m.Payload); err != nil {
			slog.Warn("device message dropped", "topic", m.Topic, "error", err)
		}
	})
	return ctx.Err()
}

// ProcessIncoming handles one device message.
func (s *State) ProcessIncoming(ctx context.Context, topic string, payload []byte) error {
	s.watchdog.Tap()

	dec := report.Decoder{Dialect: s.Dialect()}
	r, err := dec.Decode(topic, payload)
	if err != nil {
		return err
	}
	for _, k := range r.Kind.Kinds() {
		observability.RecordReport(k.String())
	}

	if r.Has(report.KindAttributeRequest) {
		if err := s.agent.RespondHandshake(r.RequestID); err != nil {
			slog.Warn("attribute request not answered", "req_id", r.RequestID, "error", err)
		}
	}
	if r.Has(report.KindDeviceState) {
		s.processDeviceState(ctx, r)
	}
	if r.Has(report.KindSystemInfo) {
		s.processSystemInfo(r)
	}
	if r.Has(report.KindDeploymentStatus) {
		s.AttributesAvailable.Set(true)
		if err := s.processDeploymentStatus(ctx, r.DeploymentStatus); err != nil {
			return err
		}
	}

	if r.FromDevice() {
		s.mu.Lock()
		s.lastReception = time.Now()
		s.mu.Unlock()
		if !s.Connected.Value() {
			s.Connected.Set(true)
		}
		slog.Debug("device message", "topic", topic, "kind", r.Kind.String())
	}
	return nil
}

func (s *State) processDeviceState(ctx context.Context, r report.Report) {
	if r.LegacyState || r.DeviceConfig == nil {
		slog.Debug("device firmware reports legacy state, ota unsupported")
		return
	}
	// Waiters treat every Set as progress, so identical reports are dropped.
	if prev, ok := s.DeviceConfig.Get(); ok && reflect.DeepEqual(prev, r.DeviceConfig) {
		return
	}
	s.DeviceConfig.Set(r.DeviceConfig)
	s.Stream.Set(StreamStatusFrom(r.DeviceConfig.Status.Sensor))
	if s.cache != nil {
		if err := s.cache.SaveDeviceConfig(ctx, r.DeviceConfig); err != nil {
			slog.Warn("device config cache write failed", "error", err)
		}
	}
}

func (s *State) processSystemInfo(r report.Report) {
	if r.ProtocolVersion != "" {
		d, err := onwire.Parse(r.ProtocolVersion)
		if err != nil {
			slog.Warn("unsupported protocol version", "version", r.ProtocolVersion)
		} else {
			if d != s.Dialect() {
				slog.Info("device protocol resolved", "dialect", d.Name())
				s.Protocol.Set(d)
			}
			s.Announced.Set(d)
		}
	}
	s.AttributesAvailable.Set(true)
}

func (s *State) processDeploymentStatus(ctx context.Context, status *report.DeploymentStatus) error {
	s.DeployStatus.Set(status)

	s.mu.Lock()
	f := s.fsm
	s.mu.Unlock()

	if f != nil {
		err := f.Update(ctx, status)
		if f.Stage().Terminal() {
			s.release(f)
		}
		return err
	}

	if deploy.IsEmptyStatus(status) {
		slog.Debug("nothing deployed on device")
		s.DeployStage.Set(deploy.StageNone)
		return nil
	}
	finished, _, errored := deploy.VerifyReport("", status)
	switch {
	case errored:
		s.DeployStage.Set(deploy.StageError)
	case finished:
		s.DeployStage.Set(deploy.StageDone)
	default:
		s.DeployStage.Set(deploy.StageWaitFirstStatus)
	}
	return nil
}

// NewDeployment builds an FSM that publishes through this session's agent and
// reports its stages on DeployStage.
func (s *State) NewDeployment(opts deploy.Options) (*deploy.FSM, error) {
	d := s.Dialect()
	if d == nil {
		return nil, agent.ErrNoDialect
	}
	return deploy.New(d, s.agent.Deploy, s.DeployStage.Set, opts), nil
}

// StartDeployment makes f the live deployment of the session and starts it.
// The slot frees itself once f reaches a terminal stage.
func (s *State) StartDeployment(ctx context.Context, f *deploy.FSM) error {
	s.mu.Lock()
	if s.fsm != nil {
		s.mu.Unlock()
		return ErrDeploymentInFlight
	}
	s.fsm = f
	s.mu.Unlock()

	go func() {
		<-f.Done()
		s.release(f)
	}()

	if err := f.Start(ctx); err != nil {
		f.Abort(context.WithoutCancel(ctx))
		s.release(f)
		return err
	}
	return nil
}

func (s *State) release(f *deploy.FSM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsm == f {
		s.fsm = nil
	}
}

// ActiveDeployment returns the live FSM, if any.
func (s *State) ActiveDeployment() *deploy.FSM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm
}

// WaitDialect returns the dialect once the device announced it. On timeout
// it falls back to the preset dialect, if any.
func (s *State) WaitDialect(ctx context.Context, timeout time.Duration) (onwire.Dialect, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	preset := s.Dialect()
	for {
		changed := s.Announced.Changed()
		if d := s.Announced.Value(); d != nil {
			return d, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			if preset != nil {
				slog.Debug("device did not announce its protocol, using configured dialect", "dialect", preset.Name())
				return preset, nil
			}
			return nil, onwire.ErrUnknownDialect
		}
	}
}

func (s *State) connectionTimedOut(context.Context) {
	slog.Debug("connection status timed out, camera is disconnected")
	s.Connected.Set(false)
	s.Stream.Set(StreamInactive)
}
