// Package agent is the command surface of the device agent: it renders
// manifests, configuration writes and RPCs through the session dialect and
// publishes them on the agent's topics.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/PetoAdam/homenavi/edge-console/internal/deploy"
	"github.com/PetoAdam/homenavi/edge-console/internal/mqtt"
	"github.com/PetoAdam/homenavi/edge-console/internal/onwire"
	"github.com/PetoAdam/homenavi/edge-console/internal/report"
)

var ErrNoDialect = errors.New("device dialect not resolved")

// Resolver returns the dialect of the current session, or nil while unknown.
type Resolver func() onwire.Dialect

func Static(d onwire.Dialect) Resolver {
	return func() onwire.Dialect { return d }
}

type Agent struct {
	client  mqtt.ClientAPI
	dialect Resolver
}

func New(client mqtt.ClientAPI, dialect Resolver) *Agent {
	if dialect == nil {
		dialect = Static(nil)
	}
	return &Agent{client: client, dialect: dialect}
}

func (a *Agent) Client() mqtt.ClientAPI { return a.client }

func (a *Agent) Dialect() onwire.Dialect { return a.dialect() }

func (a *Agent) resolve() (onwire.Dialect, error) {
	d := a.dialect()
	if d == nil {
		return nil, ErrNoDialect
	}
	return d, nil
}

func (a *Agent) publishJSON(topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.client.Publish(topic, b)
}

// Deploy pushes a deployment manifest. It matches deploy.PublishFunc.
func (a *Agent) Deploy(_ context.Context, m *deploy.Manifest) error {
	d, err := a.resolve()
	if err != nil {
		return err
	}
	payload, err := d.RenderManifest(m.Deployment)
	if err != nil {
		return fmt.Errorf("render manifest: %w", err)
	}
	return a.client.Publish(report.TopicAttributes, payload)
}

// Configure writes body to the configuration topic of a module instance.
func (a *Agent) Configure(_ context.Context, instance, topic string, body any) error {
	d, err := a.resolve()
	if err != nil {
		return err
	}
	env, err := d.ToConfig(newReqID(), instance, topic, body)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	return a.publishJSON(report.TopicAttributes, env)
}

// RPC sends a module method call and returns the request id it used.
func (a *Agent) RPC(_ context.Context, instance, method string, params map[string]any) (string, error) {
	d, err := a.resolve()
	if err != nil {
		return "", err
	}
	reqID := newReqID()
	if err := a.sendRPC(d, reqID, instance, method, params); err != nil {
		return "", err
	}
	return reqID, nil
}

func (a *Agent) sendRPC(d onwire.Dialect, reqID, instance, method string, params map[string]any) error {
	env, err := d.ToRPC(reqID, instance, method, params)
	if err != nil {
		return fmt.Errorf("encode rpc: %w", err)
	}
	return a.publishJSON(report.RPCRequestTopic(reqID), env)
}

// Call sends a module method call and waits for the module's response on
// the matching response topic.
func (a *Agent) Call(ctx context.Context, instance, method string, params map[string]any) (map[string]any, error) {
	d, err := a.resolve()
	if err != nil {
		return nil, err
	}
	reqID := newReqID()
	replies := make(chan map[string]any, 1)
	dec := report.Decoder{Dialect: d}
	err = a.client.Subscribe(report.TopicRPCResponse, func(m mqtt.Message) {
		r, err := dec.Decode(m.Topic, m.Payload)
		if err != nil || !r.Has(report.KindRPCResponse) || r.RequestID != reqID {
			return
		}
		select {
		case replies <- r.Payload:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = a.client.Unsubscribe(report.TopicRPCResponse) }()

	if err := a.sendRPC(d, reqID, instance, method, params); err != nil {
		return nil, err
	}
	select {
	case raw := <-replies:
		return d.FromRPC(raw)
	case <-ctx.Done():
		return nil, fmt.Errorf("no response to request %s: %w", reqID, ctx.Err())
	}
}

// DeviceConfigure sets the agent's status report interval bounds, in
// seconds.
func (a *Agent) DeviceConfigure(_ context.Context, intervalMax, intervalMin int) error {
	if intervalMax < 0 || intervalMin < 0 || intervalMin > intervalMax {
		return fmt.Errorf("report interval out of range: max %d min %d", intervalMax, intervalMin)
	}
	desired := map[string]any{
		"configuration/$agent/report-status-interval-max": intervalMax,
		"configuration/$agent/report-status-interval-min": intervalMin,
		"configuration/$agent/configuration-id":           "",
		"configuration/$agent/registry-auth":              map[string]any{},
	}
	return a.publishJSON(report.TopicAttributes, map[string]any{
		"desiredDeviceConfig": map[string]any{"desiredDeviceConfig": desired},
	})
}

// RespondHandshake answers an attribute request; the agent does not accept
// deployments until its request was answered.
func (a *Agent) RespondHandshake(reqID string) error {
	return a.client.Publish(report.AttributesResponseTopic(reqID), []byte("{}"))
}

// Handshake waits for the first attribute request and answers it. Running out
// of time is not an error: an agent that already completed its handshake
// never asks again.
func (a *Agent) Handshake(ctx context.Context, timeout time.Duration) error {
	reqs := make(chan string, 1)
	dec := report.Decoder{}
	err := a.client.Subscribe(report.TopicAttributesRequest, func(m mqtt.Message) {
		r, err := dec.Decode(m.Topic, m.Payload)
		if err != nil || !r.Has(report.KindAttributeRequest) {
			return
		}
		select {
		case reqs <- r.RequestID:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = a.client.Unsubscribe(report.TopicAttributesRequest) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-reqs:
		slog.Debug("answering agent handshake", "req_id", id)
		return a.RespondHandshake(id)
	case <-timer.C:
		slog.Debug("no agent handshake request seen")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DetectDialect listens on the attributes topic until the device reports its
// protocol version. It asks the agent to report at half the timeout so that a
// quiet EVP2 device answers in time.
func (a *Agent) DetectDialect(ctx context.Context, timeout time.Duration) (onwire.Dialect, error) {
	found := make(chan onwire.Dialect, 1)
	dec := report.Decoder{}
	err := a.client.Subscribe(report.TopicAttributes, func(m mqtt.Message) {
		r, err := dec.Decode(m.Topic, m.Payload)
		if err != nil || r.ProtocolVersion == "" {
			return
		}
		d, err := onwire.Parse(r.ProtocolVersion)
		if err != nil {
			slog.Warn("unsupported protocol version", "version", r.ProtocolVersion)
			return
		}
		select {
		case found <- d:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = a.client.Unsubscribe(report.TopicAttributes) }()

	interval := max(int((timeout/2)/time.Second), 1)
	if err := a.DeviceConfigure(ctx, interval, 1); err != nil {
		slog.Debug("could not shorten report interval", "error", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-found:
		return d, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no systemInfo within %s", onwire.ErrUnknownDialect, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newReqID() string {
	return strconv.Itoa(rand.IntN(10_000_000))
}
