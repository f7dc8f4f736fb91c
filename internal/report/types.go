package report

import (
	"encoding/json"
)

const (
	TopicAttributes        = "v1/devices/me/attributes"
	TopicAttributesRequest = "v1/devices/me/attributes/request/+"
	TopicTelemetry         = "v1/devices/me/telemetry"
	TopicRPCResponse       = "v1/devices/me/rpc/response/+"

	attributesRequestPrefix  = "v1/devices/me/attributes/request/"
	attributesResponsePrefix = "v1/devices/me/attributes/response/"
	rpcRequestPrefix         = "v1/devices/me/rpc/request/"
	rpcResponsePrefix        = "v1/devices/me/rpc/response/"

	BackdoorInstance = "backdoor-EA_Main"
	BackdoorTopic    = "placeholder"
	StateKey         = "state/" + BackdoorInstance + "/" + BackdoorTopic
	SystemInfoKey    = "systemInfo"
	DeployStatusKey  = "deploymentStatus"
)

// SubscribeTopics is the full inbound topic set of a device session.
var SubscribeTopics = []string{
	TopicAttributes,
	TopicAttributesRequest,
	TopicTelemetry,
	TopicRPCResponse,
}

func AttributesResponseTopic(reqID string) string { return attributesResponsePrefix + reqID }
func RPCRequestTopic(reqID string) string         { return rpcRequestPrefix + reqID }

type Kind uint8

const KindNone Kind = 0

const (
	KindDeploymentStatus Kind = 1 << iota
	KindDeviceState
	KindSystemInfo
	KindAttributeRequest
	KindTelemetry
	KindRPCResponse
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDeploymentStatus:
		return "deployment_status"
	case KindDeviceState:
		return "device_state"
	case KindSystemInfo:
		return "system_info"
	case KindAttributeRequest:
		return "attribute_request"
	case KindTelemetry:
		return "telemetry"
	case KindRPCResponse:
		return "rpc_response"
	}
	return "mixed"
}

// Kinds lists the single kinds present in k.
func (k Kind) Kinds() []Kind {
	var out []Kind
	for bit := KindDeploymentStatus; bit <= KindRPCResponse; bit <<= 1 {
		if k&bit != 0 {
			out = append(out, bit)
		}
	}
	return out
}

type ComponentStatus struct {
	Status string
	// Detail keeps every reported field, status included.
	Detail map[string]any
}

func (c *ComponentStatus) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	c.Detail = m
	c.Status, _ = m["status"].(string)
	return nil
}

func (c ComponentStatus) MarshalJSON() ([]byte, error) {
	if c.Detail != nil {
		return json.Marshal(c.Detail)
	}
	return json.Marshal(map[string]any{"status": c.Status})
}

type DeploymentStatus struct {
	DeploymentID    string                     `json:"deploymentId"`
	ReconcileStatus string                     `json:"reconcileStatus"`
	Instances       map[string]ComponentStatus `json:"instances"`
	Modules         map[string]ComponentStatus `json:"modules"`
}

// Empty reports a status without instances and modules.
func (s *DeploymentStatus) Empty() bool {
	return s == nil || (len(s.Instances) == 0 && len(s.Modules) == 0)
}

type Hardware struct {
	Sensor               string `json:"Sensor"`
	SensorID             string `json:"SensorId"`
	KG                   string `json:"KG"`
	ApplicationProcessor string `json:"ApplicationProcessor"`
	LedOn                bool   `json:"LedOn"`
}

type Version struct {
	SensorFwVersion     string   `json:"SensorFwVersion"`
	SensorLoaderVersion string   `json:"SensorLoaderVersion"`
	DnnModelVersion     []string `json:"DnnModelVersion"`
	ApFwVersion         string   `json:"ApFwVersion"`
	ApLoaderVersion     string   `json:"ApLoaderVersion"`
}

type Status struct {
	Sensor               string `json:"Sensor"`
	ApplicationProcessor string `json:"ApplicationProcessor"`
}

type OTA struct {
	SensorFwLastUpdatedDate     string   `json:"SensorFwLastUpdatedDate"`
	SensorLoaderLastUpdatedDate string   `json:"SensorLoaderLastUpdatedDate"`
	DnnModelLastUpdatedDate     []string `json:"DnnModelLastUpdatedDate"`
	ApFwLastUpdatedDate         string   `json:"ApFwLastUpdatedDate"`
	UpdateProgress              int      `json:"UpdateProgress"`
	UpdateStatus                string   `json:"UpdateStatus"`
}

type Permission struct {
	FactoryReset bool `json:"FactoryReset"`
}

// DeviceConfiguration is the backdoor state the camera firmware reports.
// Properties not modelled here are ignored.
type DeviceConfiguration struct {
	Hardware   Hardware   `json:"Hardware"`
	Version    Version    `json:"Version"`
	Status     Status     `json:"Status"`
	OTA        OTA        `json:"OTA"`
	Permission Permission `json:"Permission"`
}

// Report is the decoded projection of one inbound message.
type Report struct {
	Topic string
	Kind  Kind

	DeploymentStatus *DeploymentStatus
	DeviceConfig     *DeviceConfiguration
	// LegacyState is set when the backdoor state was not base64 encoded;
	// such firmware is not supported for OTA.
	LegacyState     bool
	ProtocolVersion string
	RequestID       string

	Payload map[string]any
}

func (r Report) Has(k Kind) bool { return r.Kind&k != 0 }

// FromDevice reports whether the message proves the camera is talking.
func (r Report) FromDevice() bool {
	return r.Has(KindDeploymentStatus | KindDeviceState | KindSystemInfo | KindTelemetry)
}
