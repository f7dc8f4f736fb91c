package report

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PetoAdam/homenavi/edge-console/internal/onwire"
)

var ErrMalformedPayload = errors.New("malformed device payload")

// Decoder turns raw MQTT messages into Reports. Dialect may be nil while the
// device has not announced its protocol; deployment status strings are then
// double decoded.
type Decoder struct {
	Dialect onwire.Dialect
}

func (d *Decoder) Decode(topic string, payload []byte) (Report, error) {
	r := Report{Topic: topic}
	switch {
	case topic == TopicAttributes:
		return d.decodeAttributes(r, payload)
	case strings.HasPrefix(topic, attributesRequestPrefix):
		r.Kind = KindAttributeRequest
		r.RequestID = strings.TrimPrefix(topic, attributesRequestPrefix)
		// The request body is informative only.
		_ = json.Unmarshal(payload, &r.Payload)
		return r, nil
	case topic == TopicTelemetry:
		r.Kind = KindTelemetry
		if err := decodeObject(payload, &r.Payload); err != nil {
			return Report{Topic: topic}, err
		}
		return r, nil
	case strings.HasPrefix(topic, rpcResponsePrefix):
		r.Kind = KindRPCResponse
		r.RequestID = strings.TrimPrefix(topic, rpcResponsePrefix)
		if err := decodeObject(payload, &r.Payload); err != nil {
			return Report{Topic: topic}, err
		}
		return r, nil
	}
	slog.Debug("ignoring message on unrecognized topic", "topic", topic)
	return r, nil
}

func (d *Decoder) decodeAttributes(r Report, payload []byte) (Report, error) {
	var raw map[string]json.RawMessage
	if err := decodeObject(payload, &raw); err != nil {
		return Report{Topic: r.Topic}, err
	}
	if err := json.Unmarshal(payload, &r.Payload); err != nil {
		return Report{Topic: r.Topic}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if v, ok := raw[DeployStatusKey]; ok {
		dialect := d.Dialect
		if dialect == nil {
			dialect = onwire.EVP1
		}
		body, err := dialect.DecodeDeploymentStatus(v)
		if err != nil {
			return Report{Topic: r.Topic}, fmt.Errorf("%w: deploymentStatus: %v", ErrMalformedPayload, err)
		}
		var st DeploymentStatus
		if err := json.Unmarshal(body, &st); err != nil {
			return Report{Topic: r.Topic}, fmt.Errorf("%w: deploymentStatus: %v", ErrMalformedPayload, err)
		}
		r.DeploymentStatus = &st
		r.Kind |= KindDeploymentStatus
	}

	if v, ok := raw[StateKey]; ok {
		cfg, legacy, err := decodeState(v)
		if err != nil {
			return Report{Topic: r.Topic}, err
		}
		r.DeviceConfig = cfg
		r.LegacyState = legacy
		r.Kind |= KindDeviceState
	}

	if v, ok := raw[SystemInfoKey]; ok {
		var info map[string]any
		if err := json.Unmarshal(v, &info); err != nil {
			return Report{Topic: r.Topic}, fmt.Errorf("%w: systemInfo: %v", ErrMalformedPayload, err)
		}
		r.ProtocolVersion, _ = info["protocolVersion"].(string)
		r.Kind |= KindSystemInfo
	}
	return r, nil
}

// decodeState decodes the backdoor state, which is base64 wrapped JSON on
// every dialect. Plain JSON means firmware too old for OTA; it is flagged
// legacy and not decoded further.
func decodeState(v json.RawMessage) (*DeviceConfiguration, bool, error) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil, false, fmt.Errorf("%w: %s is not a string", ErrMalformedPayload, StateKey)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if json.Valid([]byte(s)) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, StateKey, err)
	}
	var cfg DeviceConfiguration
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, StateKey, err)
	}
	return &cfg, false, nil
}

func decodeObject(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
