// ABOUTME: Tests for wire protocol frame helpers.
// ABOUTME: Covers type extraction, stamping, and unknown-field preservation.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestType(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"valid frame", `{"type":"AGENT_MESSAGE","content":"hi"}`, "AGENT_MESSAGE", false},
		{"lowercase type", `{"type":"agent_register"}`, "agent_register", false},
		{"not json", `{{{nope`, "", true},
		{"missing type", `{"content":"hi"}`, "", true},
		{"empty type", `{"type":""}`, "", true},
		{"non-string type", `{"type":42}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Type([]byte(tt.raw))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStampPreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"AGENT_MESSAGE","to":"all","x_custom":{"nested":true}}`)

	out := Stamp(raw, "sourceInstanceId", "inst-1")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "inst-1", decoded["sourceInstanceId"])
	assert.Equal(t, "all", decoded["to"])
	assert.Equal(t, map[string]any{"nested": true}, decoded["x_custom"])
}

func TestStampIfAbsent(t *testing.T) {
	raw := []byte(`{"type":"AGENT_MESSAGE","timestamp":12345}`)

	out := StampIfAbsent(raw, "timestamp", int64(99999))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.EqualValues(t, 12345, decoded["timestamp"], "existing timestamp must not be overwritten")

	out = StampIfAbsent([]byte(`{"type":"AGENT_MESSAGE"}`), "timestamp", int64(99999))
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.EqualValues(t, 99999, decoded["timestamp"])
}

func TestField(t *testing.T) {
	raw := []byte(`{"type":"CONTEXT_SHARE","contextId":"ctx1","count":3}`)

	assert.Equal(t, "ctx1", Field(raw, "contextId"))
	assert.Equal(t, "", Field(raw, "missing"))
	assert.Equal(t, "", Field(raw, "count"), "non-string fields read as empty")
}

func TestRawField(t *testing.T) {
	raw := []byte(`{"type":"CONTEXT_SHARE","data":{"files":["a.go"]}}`)

	assert.JSONEq(t, `{"files":["a.go"]}`, string(RawField(raw, "data")))
	assert.Nil(t, RawField(raw, "missing"))
}

func TestNewBridgeConnected(t *testing.T) {
	welcome := NewBridgeConnected("inst-42")

	assert.Equal(t, TypeBridgeConnected, welcome.Type)
	assert.Equal(t, "inst-42", welcome.InstanceID)
	assert.Equal(t, "Connected to Agent Bridge", welcome.Message)
	assert.Greater(t, welcome.Timestamp, int64(0))
}
