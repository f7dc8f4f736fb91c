package onwire

import (
	"encoding/json"
	"fmt"
	"strings"
)

type evp2 struct{}

func (evp2) sealed() {}

func (evp2) Name() string                 { return "EVP2" }
func (evp2) AgentEnv() string             { return "tb" }
func (evp2) ControlsReportInterval() bool { return true }

func (evp2) ToConfig(reqID, instance, topic string, body any) (map[string]any, error) {
	s, err := marshalString(body)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		ConfigKey(instance, topic): s,
		"req_info":                 map[string]any{"req_id": reqID},
	}, nil
}

func (evp2) FromConfig(envelope map[string]any) (map[string]any, error) {
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
		decoded, err := decodeJSONString(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = decoded
	}
	return out, nil
}

// ToRPC nests the command under direct-command-request; params travel as a
// JSON string carrying the request id.
func (evp2) ToRPC(reqID, instance, method string, params map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["req_info"] = map[string]any{"req_id": reqID}
	s, err := marshalString(merged)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"method": rpcMethod,
		"params": map[string]any{
			"direct-command-request": map[string]any{
				"reqid":    reqID,
				"method":   method,
				"instance": instance,
				"params":   s,
			},
		},
	}, nil
}

func (evp2) ParseRPC(envelope map[string]any) (RPCRequest, error) {
	p, err := rpcParams(envelope)
	if err != nil {
		return RPCRequest{}, err
	}
	cmd, ok := p["direct-command-request"].(map[string]any)
	if !ok {
		return RPCRequest{}, fmt.Errorf("%w: missing direct-command-request", ErrMalformedEnvelope)
	}
	req := RPCRequest{}
	req.ReqID, _ = cmd["reqid"].(string)
	req.Method, _ = cmd["method"].(string)
	req.Instance, _ = cmd["instance"].(string)
	raw, _ := cmd["params"].(string)
	if raw == "" {
		return RPCRequest{}, fmt.Errorf("%w: missing params", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal([]byte(raw), &req.Params); err != nil {
		return RPCRequest{}, fmt.Errorf("%w: params: %v", ErrMalformedEnvelope, err)
	}
	delete(req.Params, "req_info")
	return req, nil
}

func (evp2) FromRPC(response map[string]any) (map[string]any, error) {
	dcr, ok := response["direct-command-response"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing direct-command-response", ErrMalformedEnvelope)
	}
	s, ok := dcr["response"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: response is not a string", ErrMalformedEnvelope)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return out, nil
}

func (evp2) RenderManifest(deployment any) ([]byte, error) {
	return json.Marshal(map[string]any{"deployment": deployment})
}

func (evp2) DecodeDeploymentStatus(raw json.RawMessage) (json.RawMessage, error) {
	return unwrapStatus(raw)
}
