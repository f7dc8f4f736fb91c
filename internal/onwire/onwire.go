// Package onwire encodes and decodes the two device wire dialects, EVP1 and
// EVP2. A Dialect is resolved once per session; callers never branch on the
// protocol version outside this package.
package onwire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownDialect    = errors.New("unknown on-wire dialect")
	ErrMalformedEnvelope = errors.New("malformed wire envelope")
)

const (
	ConfigPrefix = "configuration/"
	rpcMethod    = "ModuleMethodCall"
)

// RPCRequest is the device-side view of a direct command.
type RPCRequest struct {
	ReqID    string
	Instance string
	Method   string
	Params   map[string]any
}

// Dialect is implemented by EVP1 and EVP2 only.
type Dialect interface {
	Name() string
	// AgentEnv is the IoT platform value the device agent is configured with.
	AgentEnv() string
	// ControlsReportInterval reports whether the agent honours
	// report-status-interval configuration.
	ControlsReportInterval() bool

	ToConfig(reqID, instance, topic string, body any) (map[string]any, error)
	FromConfig(envelope map[string]any) (map[string]any, error)
	ToRPC(reqID, instance, method string, params map[string]any) (map[string]any, error)
	ParseRPC(envelope map[string]any) (RPCRequest, error)
	FromRPC(response map[string]any) (map[string]any, error)
	RenderManifest(deployment any) ([]byte, error)
	DecodeDeploymentStatus(raw json.RawMessage) (json.RawMessage, error)

	sealed()
}

var (
	EVP1 Dialect = evp1{}
	EVP2 Dialect = evp2{}
)

// Parse resolves a protocol version tag as reported in systemInfo.
func Parse(version string) (Dialect, error) {
	switch strings.ToUpper(strings.TrimSpace(version)) {
	case "EVP1":
		return EVP1, nil
	case "EVP2", "EVP2-TB":
		return EVP2, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, version)
}

// FromIoTPlatform resolves the dialect from the agent's IoT platform setting.
func FromIoTPlatform(platform string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "evp1":
		return EVP1, nil
	case "tb":
		return EVP2, nil
	}
	return nil, fmt.Errorf("%w: platform %q", ErrUnknownDialect, platform)
}

func ConfigKey(instance, topic string) string {
	return ConfigPrefix + instance + "/" + topic
}

func marshalString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSONString(s string) (any, error) {
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return out, nil
}

func rpcParams(envelope map[string]any) (map[string]any, error) {
	if m, _ := envelope["method"].(string); m != rpcMethod {
		return nil, fmt.Errorf("%w: method %v", ErrMalformedEnvelope, envelope["method"])
	}
	params, ok := envelope["params"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing params", ErrMalformedEnvelope)
	}
	return params, nil
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
