package onwire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

type evp1 struct{}

func (evp1) sealed() {}

func (evp1) Name() string                 { return "EVP1" }
func (evp1) AgentEnv() string             { return "evp1" }
func (evp1) ControlsReportInterval() bool { return false }

// ToConfig base64-encodes the JSON body. EVP1 carries no request id.
func (evp1) ToConfig(_ string, instance, topic string, body any) (map[string]any, error) {
	s, err := marshalString(body)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		ConfigKey(instance, topic): base64.StdEncoding.EncodeToString([]byte(s)),
	}, nil
}

func (evp1) FromConfig(envelope map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(envelope))
	for k, v := range envelope {
		if !strings.HasPrefix(k, ConfigPrefix) {
			continue
		}
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, k, err)
		}
		decoded, err := decodeJSONString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = decoded
	}
	return out, nil
}

func (evp1) ToRPC(_ string, instance, method string, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"method": rpcMethod,
		"params": map[string]any{
			"moduleMethod":   method,
			"moduleInstance": instance,
			"params":         params,
		},
	}, nil
}

func (evp1) ParseRPC(envelope map[string]any) (RPCRequest, error) {
	p, err := rpcParams(envelope)
	if err != nil {
		return RPCRequest{}, err
	}
	req := RPCRequest{}
	req.Method, _ = p["moduleMethod"].(string)
	req.Instance, _ = p["moduleInstance"].(string)
	req.Params, _ = p["params"].(map[string]any)
	if req.Method == "" || req.Instance == "" {
		return RPCRequest{}, fmt.Errorf("%w: incomplete command", ErrMalformedEnvelope)
	}
	return req, nil
}

func (evp1) FromRPC(response map[string]any) (map[string]any, error) {
	res, ok := response["response"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing response", ErrMalformedEnvelope)
	}
	return res, nil
}

// RenderManifest stringifies the deployment; EVP1 also requires version and
// entryPoint on every instance spec.
func (evp1) RenderManifest(deployment any) ([]byte, error) {
	body, err := toMap(deployment)
	if err != nil {
		return nil, err
	}
	if specs, ok := body["instanceSpecs"].(map[string]any); ok {
		for _, v := range specs {
			if spec, ok := v.(map[string]any); ok {
				spec["version"] = 1
				spec["entryPoint"] = "main"
			}
		}
	}
	inner, err := marshalString(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"deployment": inner})
}

func (evp1) DecodeDeploymentStatus(raw json.RawMessage) (json.RawMessage, error) {
	return unwrapStatus(raw)
}

// unwrapStatus accepts a JSON string holding the status (double encoded) or
// the status object itself.
func unwrapStatus(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if !json.Valid([]byte(s)) {
			return nil, fmt.Errorf("%w: deployment status is not json", ErrMalformedEnvelope)
		}
		return json.RawMessage(s), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: deployment status is not json", ErrMalformedEnvelope)
	}
	return raw, nil
}
