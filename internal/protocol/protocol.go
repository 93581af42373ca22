// ABOUTME: Wire protocol constants and raw-frame helpers for the agent bridge.
// ABOUTME: Frames are JSON objects with a "type" field; unknown fields pass through untouched.

package protocol

import (
	"errors"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Inbound message types sent by client instances.
const (
	TypeAgentMessage   = "AGENT_MESSAGE"
	TypeContextShare   = "CONTEXT_SHARE"
	TypeHeartbeat      = "HEARTBEAT"
	TypePong           = "pong"
	TypeGetInstances   = "GET_INSTANCES"
	TypeAgentRegister  = "agent_register"
	TypeAgentResponse  = "agent_response"
	TypeAgentStatus    = "agent_status"
	TypeCollabRequest  = "collaboration_request"
	TypeCollabResponse = "collaboration_response"
	TypeSetProjectInfo = "SET_PROJECT_INFO"
)

// Outbound message types generated by the bridge.
const (
	TypeBridgeConnected       = "BRIDGE_CONNECTED"
	TypeContextUpdated        = "CONTEXT_UPDATED"
	TypeInstancesList         = "INSTANCES_LIST"
	TypeRegistrationConfirmed = "agent_registration_confirmed"
	TypeAgentAvailable        = "AGENT_AVAILABLE"
	TypeAgentResponseNotice   = "AGENT_RESPONSE"
)

// TargetAll is the AGENT_MESSAGE target that addresses every other live instance.
const TargetAll = "all"

// ErrMalformedFrame indicates a frame that is not a JSON object or lacks a type field.
var ErrMalformedFrame = errors.New("malformed frame")

// Type extracts the type field from a raw frame.
// Returns ErrMalformedFrame if the payload is not valid JSON or has no type.
func Type(raw []byte) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", ErrMalformedFrame
	}
	t := gjson.GetBytes(raw, "type")
	if t.Type != gjson.String || t.Str == "" {
		return "", ErrMalformedFrame
	}
	return t.Str, nil
}

// Field returns the string value at path, or "" if absent or not a string.
func Field(raw []byte, path string) string {
	v := gjson.GetBytes(raw, path)
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}

// RawField returns the raw JSON value at path, or nil if absent.
func RawField(raw []byte, path string) []byte {
	v := gjson.GetBytes(raw, path)
	if !v.Exists() {
		return nil
	}
	return []byte(v.Raw)
}

// Stamp sets key to value in the raw frame, preserving all other fields.
// On marshal failure the frame is returned unmodified.
func Stamp(raw []byte, key string, value any) []byte {
	out, err := sjson.SetBytes(raw, key, value)
	if err != nil {
		return raw
	}
	return out
}

// StampIfAbsent sets key to value only when the frame does not already carry it.
func StampIfAbsent(raw []byte, key string, value any) []byte {
	if gjson.GetBytes(raw, key).Exists() {
		return raw
	}
	return Stamp(raw, key, value)
}

// NowMillis returns the current time in epoch milliseconds, the wire timestamp unit.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// BridgeConnected is the welcome frame sent immediately after a transport connects.
type BridgeConnected struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// NewBridgeConnected builds the welcome frame for a freshly assigned instance identity.
func NewBridgeConnected(instanceID string) BridgeConnected {
	return BridgeConnected{
		Type:       TypeBridgeConnected,
		InstanceID: instanceID,
		Message:    "Connected to Agent Bridge",
		Timestamp:  NowMillis(),
	}
}

// ContextUpdated notifies other instances that a shared context entry changed.
// It carries the context id and a summary, never the payload itself.
type ContextUpdated struct {
	Type           string `json:"type"`
	ContextID      string `json:"contextId"`
	SourceInstance string `json:"sourceInstance"`
	Summary        string `json:"summary,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// InstanceSummary describes one known session in an INSTANCES_LIST reply.
type InstanceSummary struct {
	InstanceID     string           `json:"instanceId"`
	Connected      bool             `json:"connected"`
	ProjectName    string           `json:"projectName,omitempty"`
	LastActivity   int64            `json:"lastActivity"`
	AgentActivity  map[string]int64 `json:"agentActivity,omitempty"`
	DisconnectedAt *int64           `json:"disconnectedAt,omitempty"`
}

// InstancesList is the reply to GET_INSTANCES.
type InstancesList struct {
	Type      string            `json:"type"`
	Instances []InstanceSummary `json:"instances"`
	Timestamp int64             `json:"timestamp"`
}

// RegistrationConfirmed is the reply to agent_register.
type RegistrationConfirmed struct {
	Type      string `json:"type"`
	AgentName string `json:"agentName"`
	Timestamp int64  `json:"timestamp"`
}

// AgentAvailable announces a newly registered agent to all other instances.
type AgentAvailable struct {
	Type         string   `json:"type"`
	AgentName    string   `json:"agentName"`
	DisplayName  string   `json:"displayName,omitempty"`
	Emoji        string   `json:"emoji,omitempty"`
	Role         string   `json:"role,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	InstanceID   string   `json:"instanceId"`
	Timestamp    int64    `json:"timestamp"`
}
