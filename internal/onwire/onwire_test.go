package onwire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Dialect
	}{
		{"EVP1", EVP1},
		{"evp2", EVP2},
		{"EVP2-TB", EVP2},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %s, want %s", tc.in, got.Name(), tc.want.Name())
		}
	}
	if _, err := Parse("EVP3"); !errors.Is(err, ErrUnknownDialect) {
		t.Fatalf("expected ErrUnknownDialect, got %v", err)
	}
}

func TestFromIoTPlatform(t *testing.T) {
	if d, err := FromIoTPlatform("TB"); err != nil || d != EVP2 {
		t.Fatalf("tb: got %v, %v", d, err)
	}
	if d, err := FromIoTPlatform("evp1"); err != nil || d != EVP1 {
		t.Fatalf("evp1: got %v, %v", d, err)
	}
	if _, err := FromIoTPlatform("c8y"); !errors.Is(err, ErrUnknownDialect) {
		t.Fatalf("expected ErrUnknownDialect, got %v", err)
	}
	if EVP1.AgentEnv() != "evp1" || EVP2.AgentEnv() != "tb" {
		t.Fatalf("agent env mismatch")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	bodies := []any{
		map[string]any{"OTA": map[string]any{"UpdateModule": "DnnModel", "DeleteNetworkID": "000123"}},
		map[string]any{},
		[]any{1.0, "two", true, nil},
		"plain",
		42.0,
	}
	for _, d := range []Dialect{EVP1, EVP2} {
		for _, body := range bodies {
			env, err := d.ToConfig("7", "backdoor-EA_Main", "placeholder", body)
			if err != nil {
				t.Fatalf("%s ToConfig: %v", d.Name(), err)
			}
			// Simulate the wire.
			raw, _ := json.Marshal(env)
			var wire map[string]any
			if err := json.Unmarshal(raw, &wire); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got, err := d.FromConfig(wire)
			if err != nil {
				t.Fatalf("%s FromConfig: %v", d.Name(), err)
			}
			key := ConfigKey("backdoor-EA_Main", "placeholder")
			if !reflect.DeepEqual(got[key], body) {
				t.Fatalf("%s round trip: got %#v want %#v", d.Name(), got[key], body)
			}
			if _, ok := got["req_info"]; ok {
				t.Fatalf("%s: req_info must be stripped", d.Name())
			}
		}
	}
}

func TestConfigShapes(t *testing.T) {
	body := map[string]any{"a": 1}
	env, _ := EVP1.ToConfig("1", "inst", "topic", body)
	s, ok := env["configuration/inst/topic"].(string)
	if !ok {
		t.Fatalf("evp1 value must be a string")
	}
	dec, err := base64.StdEncoding.DecodeString(s)
	if err != nil || string(dec) != `{"a":1}` {
		t.Fatalf("evp1 value not base64 json: %q %v", dec, err)
	}
	if len(env) != 1 {
		t.Fatalf("evp1 must not carry req_info: %v", env)
	}

	env, _ = EVP2.ToConfig("99", "inst", "topic", body)
	if env["configuration/inst/topic"] != `{"a":1}` {
		t.Fatalf("evp2 value: %v", env["configuration/inst/topic"])
	}
	info, _ := env["req_info"].(map[string]any)
	if info["req_id"] != "99" {
		t.Fatalf("evp2 req_info: %v", env["req_info"])
	}
}

func TestFromConfigRejectsGarbage(t *testing.T) {
	if _, err := EVP1.FromConfig(map[string]any{"configuration/a/b": "!!notbase64"}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if _, err := EVP2.FromConfig(map[string]any{"configuration/a/b": "{oops"}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestRPCRoundTrip(t *testing.T) {
	params := map[string]any{"log_enable": true, "level": 3.0}
	for _, d := range []Dialect{EVP1, EVP2} {
		env, err := d.ToRPC("1234", "node", "$agent/set", params)
		if err != nil {
			t.Fatalf("%s ToRPC: %v", d.Name(), err)
		}
		raw, _ := json.Marshal(env)
		var wire map[string]any
		_ = json.Unmarshal(raw, &wire)
		req, err := d.ParseRPC(wire)
		if err != nil {
			t.Fatalf("%s ParseRPC: %v", d.Name(), err)
		}
		if req.Instance != "node" || req.Method != "$agent/set" {
			t.Fatalf("%s request: %+v", d.Name(), req)
		}
		if !reflect.DeepEqual(req.Params, params) {
			t.Fatalf("%s params: got %v want %v", d.Name(), req.Params, params)
		}
	}
}

func TestFromRPC(t *testing.T) {
	got, err := EVP1.FromRPC(map[string]any{"response": map[string]any{"ok": true}})
	if err != nil || got["ok"] != true {
		t.Fatalf("evp1: %v %v", got, err)
	}
	got, err = EVP2.FromRPC(map[string]any{
		"direct-command-response": map[string]any{"response": `{"ok":true}`, "reqid": "1"},
	})
	if err != nil || got["ok"] != true {
		t.Fatalf("evp2: %v %v", got, err)
	}
	if _, err := EVP2.FromRPC(map[string]any{"response": map[string]any{}}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestRenderManifest(t *testing.T) {
	deployment := map[string]any{
		"deploymentId":    "abc",
		"instanceSpecs":   map[string]any{"node": map[string]any{"moduleId": "node"}},
		"modules":         map[string]any{},
		"publishTopics":   map[string]any{},
		"subscribeTopics": map[string]any{},
	}

	b, err := EVP1.RenderManifest(deployment)
	if err != nil {
		t.Fatalf("evp1: %v", err)
	}
	var outer map[string]string
	if err := json.Unmarshal(b, &outer); err != nil {
		t.Fatalf("evp1 deployment must be a string: %v", err)
	}
	var inner map[string]any
	if err := json.Unmarshal([]byte(outer["deployment"]), &inner); err != nil {
		t.Fatalf("inner: %v", err)
	}
	spec := inner["instanceSpecs"].(map[string]any)["node"].(map[string]any)
	if spec["version"] != 1.0 || spec["entryPoint"] != "main" {
		t.Fatalf("evp1 instance spec: %v", spec)
	}
	if _, ok := deployment["instanceSpecs"].(map[string]any)["node"].(map[string]any)["version"]; ok {
		t.Fatalf("render must not mutate its input")
	}

	b, err = EVP2.RenderManifest(deployment)
	if err != nil {
		t.Fatalf("evp2: %v", err)
	}
	var direct map[string]map[string]any
	if err := json.Unmarshal(b, &direct); err != nil {
		t.Fatalf("evp2 deployment must be an object: %v", err)
	}
	if direct["deployment"]["deploymentId"] != "abc" {
		t.Fatalf("evp2 body: %v", direct)
	}
}

func TestDecodeDeploymentStatus(t *testing.T) {
	obj := json.RawMessage(`{"deploymentId":"x","reconcileStatus":"ok"}`)
	str, _ := json.Marshal(string(obj))

	got, err := EVP1.DecodeDeploymentStatus(str)
	if err != nil || string(got) != string(obj) {
		t.Fatalf("evp1 double decode: %s %v", got, err)
	}
	got, err = EVP2.DecodeDeploymentStatus(obj)
	if err != nil || string(got) != string(obj) {
		t.Fatalf("evp2 structured: %s %v", got, err)
	}
	if _, err := EVP1.DecodeDeploymentStatus(json.RawMessage(`"not json"`)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}
