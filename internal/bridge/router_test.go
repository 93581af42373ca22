// ABOUTME: Tests for the message router using mock peers.
// ABOUTME: Covers direct delivery, broadcast, collaboration routing, and failure isolation.

package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-bridge/internal/contextstore"
	"github.com/2389/agent-bridge/internal/protocol"
	"github.com/2389/agent-bridge/internal/session"
)

// mockPeer records delivered frames and can be made to fail sends.
type mockPeer struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (m *mockPeer) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("send failed")
	}
	m.frames = append(m.frames, frame)
	return nil
}

func (m *mockPeer) received() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

func (m *mockPeer) receivedTypes(t *testing.T) []string {
	t.Helper()
	var types []string
	for _, frame := range m.received() {
		msgType, err := protocol.Type(frame)
		require.NoError(t, err)
		types = append(types, msgType)
	}
	return types
}

type routerFixture struct {
	sessions *session.Store
	contexts *contextstore.Store
	registry *Registry
	router   *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	sessions := session.NewStore("", logger)
	contexts := contextstore.New()
	registry := NewRegistry(logger)
	return &routerFixture{
		sessions: sessions,
		contexts: contexts,
		registry: registry,
		router:   NewRouter(sessions, contexts, registry, logger),
	}
}

// connect wires a mock peer in as a live, known instance.
func (f *routerFixture) connect(instanceID string) *mockPeer {
	peer := &mockPeer{}
	f.sessions.Create(instanceID, "127.0.0.1:0", "test")
	f.registry.Register(instanceID, peer)
	return peer
}

func TestAgentMessageBroadcast(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect("inst-a")
	b := f.connect("inst-b")
	c := f.connect("inst-c")

	f.router.Dispatch("inst-a", []byte(`{"type":"AGENT_MESSAGE","to":"all","content":"hi"}`))

	assert.Empty(t, a.received(), "broadcast never reaches its sender")
	require.Len(t, b.received(), 1)
	require.Len(t, c.received(), 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b.received()[0], &got))
	assert.Equal(t, "inst-a", got["sourceInstanceId"])
	assert.Equal(t, "hi", got["content"])
	assert.NotNil(t, got["timestamp"])
}

func TestAgentMessageDirect(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect("inst-a")
	b := f.connect("inst-b")
	c := f.connect("inst-c")

	f.router.Dispatch("inst-a", []byte(`{"type":"AGENT_MESSAGE","to":"inst-b","content":"psst"}`))

	assert.Empty(t, a.received())
	assert.Empty(t, c.received())
	require.Len(t, b.received(), 1)
}

func TestAgentMessageUnknownTargetSkipped(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect("inst-a")

	// Must not panic or echo anything back.
	f.router.Dispatch("inst-a", []byte(`{"type":"AGENT_MESSAGE","to":"ghost","content":"?"}`))
	assert.Empty(t, a.received())
}

func TestAgentMessageKeepsExistingSource(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("inst-a")
	b := f.connect("inst-b")

	f.router.Dispatch("inst-a", []byte(`{"type":"AGENT_MESSAGE","to":"inst-b","sourceInstanceId":"upstream","timestamp":7}`))

	var got map[string]any
	require.NoError(t, json.Unmarshal(b.received()[0], &got))
	assert.Equal(t, "upstream", got["sourceInstanceId"])
	assert.EqualValues(t, 7, got["timestamp"])
}

func TestContextShareFanout(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect("inst-a")
	b := f.connect("inst-b")
	c := f.connect("inst-c")

	f.router.Dispatch("inst-a", []byte(`{"type":"CONTEXT_SHARE","contextId":"ctx1","summary":"refactor plan","data":{"files":["a.go"]}}`))

	entry, ok := f.contexts.Get("ctx1")
	require.True(t, ok)
	assert.Equal(t, "inst-a", entry.SourceInstance)
	assert.JSONEq(t, `{"files":["a.go"]}`, string(entry.Data))

	assert.Empty(t, a.received(), "publisher gets no notice")
	for _, peer := range []*mockPeer{b, c} {
		frames := peer.received()
		require.Len(t, frames, 1, "each other instance gets exactly one notice")

		var notice protocol.ContextUpdated
		require.NoError(t, json.Unmarshal(frames[0], &notice))
		assert.Equal(t, protocol.TypeContextUpdated, notice.Type)
		assert.Equal(t, "ctx1", notice.ContextID)
		assert.Equal(t, "inst-a", notice.SourceInstance)
		assert.Equal(t, "refactor plan", notice.Summary)
		assert.NotContains(t, string(frames[0]), "a.go", "payload never rides in the notice")
	}
}

func TestContextShareWithoutIDDropped(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("inst-a")
	b := f.connect("inst-b")

	f.router.Dispatch("inst-a", []byte(`{"type":"CONTEXT_SHARE","data":{}}`))

	assert.Empty(t, b.received())
	assert.Equal(t, 0, f.contexts.Len())
}

func TestHeartbeatNotForwarded(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("inst-a")
	b := f.connect("inst-b")

	f.router.Dispatch("inst-a", []byte(`{"type":"HEARTBEAT","agentName":"edison"}`))
	f.router.Dispatch("inst-a", []byte(`{"type":"pong"}`))

	assert.Empty(t, b.received())

	sess, _ := f.sessions.Get("inst-a")
	assert.Contains(t, sess.AgentActivity, "edison")
}

func TestGetInstancesRepliesOnlyToRequester(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect("inst-a")
	b := f.connect("inst-b")

	f.sessions.SetProjectInfo("inst-b", "beta", nil)

	// A disconnected session is still listed until the sweep removes it.
	f.sessions.Create("inst-gone", "", "")
	f.sessions.MarkDisconnected("inst-gone")

	f.router.Dispatch("inst-a", []byte(`{"type":"GET_INSTANCES"}`))

	assert.Empty(t, b.received())
	require.Len(t, a.received(), 1)

	var list protocol.InstancesList
	require.NoError(t, json.Unmarshal(a.received()[0], &list))
	assert.Equal(t, protocol.TypeInstancesList, list.Type)
	require.Len(t, list.Instances, 3)

	byID := make(map[string]protocol.InstanceSummary)
	for _, inst := range list.Instances {
		byID[inst.InstanceID] = inst
	}
	assert.True(t, byID["inst-a"].Connected)
	assert.Equal(t, "beta", byID["inst-b"].ProjectName)
	assert.False(t, byID["inst-gone"].Connected)
	require.NotNil(t, byID["inst-gone"].DisconnectedAt)
}

func TestAgentRegisterFlow(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect("inst-a")
	b := f.connect("inst-b")

	f.router.Dispatch("inst-a", []byte(`{"type":"agent_register","agentName":"edison","displayName":"Edison","role":"researcher","capabilities":["search","code"]}`))

	// Requester gets the confirmation.
	require.Len(t, a.received(), 1)
	var confirmed protocol.RegistrationConfirmed
	require.NoError(t, json.Unmarshal(a.received()[0], &confirmed))
	assert.Equal(t, protocol.TypeRegistrationConfirmed, confirmed.Type)
	assert.Equal(t, "edison", confirmed.AgentName)

	// Everyone else gets the availability notice.
	require.Len(t, b.received(), 1)
	var notice protocol.AgentAvailable
	require.NoError(t, json.Unmarshal(b.received()[0], &notice))
	assert.Equal(t, protocol.TypeAgentAvailable, notice.Type)
	assert.Equal(t, "edison", notice.AgentName)
	assert.Equal(t, "inst-a", notice.InstanceID)
	assert.Equal(t, []string{"search", "code"}, notice.Capabilities)

	sess, _ := f.sessions.Get("inst-a")
	assert.Contains(t, sess.RegisteredAgents, "edison")
}

func TestAgentRegisterRequiresName(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect("inst-a")
	b := f.connect("inst-b")

	f.router.Dispatch("inst-a", []byte(`{"type":"agent_register","role":"researcher"}`))

	assert.Empty(t, a.received())
	assert.Empty(t, b.received())
}

func TestCollaborationRoutesToHost(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect("inst-a")
	b := f.connect("inst-b")
	c := f.connect("inst-c")

	f.router.Dispatch("inst-a", []byte(`{"type":"agent_register","agentName":"edison"}`))
	a.mu.Lock()
	a.frames = nil // drop the registration confirmation
	a.mu.Unlock()
	b.mu.Lock()
	b.frames = nil
	b.mu.Unlock()
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()

	f.router.Dispatch("inst-b", []byte(`{"type":"collaboration_request","targetAgent":"edison","task":"review"}`))

	require.Len(t, a.received(), 1, "host of the named agent receives the request")
	assert.Empty(t, b.received(), "requester gets no broadcast copy")
	assert.Empty(t, c.received())

	var got map[string]any
	require.NoError(t, json.Unmarshal(a.received()[0], &got))
	assert.Equal(t, "inst-b", got["sourceInstanceId"])
	assert.Equal(t, "review", got["task"])
}

func TestCollaborationFallsBackToBroadcast(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect("inst-a")
	b := f.connect("inst-b")
	c := f.connect("inst-c")

	f.router.Dispatch("inst-b", []byte(`{"type":"collaboration_request","targetAgent":"nobody"}`))

	require.Len(t, a.received(), 1)
	require.Len(t, c.received(), 1)
	assert.Empty(t, b.received(), "fallback broadcast still excludes the sender")
}

func TestAgentResponseRebroadcastAsNotification(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect("inst-a")
	b := f.connect("inst-b")

	f.router.Dispatch("inst-a", []byte(`{"type":"agent_response","agentName":"edison","content":"done"}`))

	assert.Empty(t, a.received())
	require.Len(t, b.received(), 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b.received()[0], &got))
	assert.Equal(t, protocol.TypeAgentResponseNotice, got["type"],
		"relayed responses carry the notification type")
	assert.Equal(t, "inst-a", got["sourceInstanceId"])
	assert.Equal(t, "done", got["content"])
}

func TestAgentStatusBroadcastAndRecorded(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect("inst-a")
	b := f.connect("inst-b")

	f.router.Dispatch("inst-a", []byte(`{"type":"agent_register","agentName":"edison"}`))
	f.router.Dispatch("inst-a", []byte(`{"type":"agent_status","agentName":"edison","status":"busy"}`))

	assert.Contains(t, b.receivedTypes(t), protocol.TypeAgentStatus)
	assert.Equal(t, []string{protocol.TypeRegistrationConfirmed}, a.receivedTypes(t),
		"sender never receives its own status back")

	sess, _ := f.sessions.Get("inst-a")
	assert.Equal(t, "busy", sess.RegisteredAgents["edison"].Status)
}

func TestSetProjectInfo(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("inst-a")

	f.router.Dispatch("inst-a", []byte(`{"type":"SET_PROJECT_INFO","projectName":"alpha","projectInfo":{"lang":"go"}}`))

	sess, _ := f.sessions.Get("inst-a")
	assert.Equal(t, "alpha", sess.ProjectName)
	assert.Equal(t, "go", sess.ProjectInfo["lang"])
}

func TestMalformedFrameDropped(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect("inst-a")
	b := f.connect("inst-b")

	f.router.Dispatch("inst-a", []byte(`this is not json`))
	f.router.Dispatch("inst-a", []byte(`{"noType":true}`))

	assert.Empty(t, a.received())
	assert.Empty(t, b.received())

	// The sender's traffic still flows afterwards.
	f.router.Dispatch("inst-a", []byte(`{"type":"AGENT_MESSAGE","to":"inst-b","content":"still here"}`))
	require.Len(t, b.received(), 1)
}

func TestUnrecognizedTypeDropped(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("inst-a")
	b := f.connect("inst-b")

	f.router.Dispatch("inst-a", []byte(`{"type":"TELEPORT"}`))
	assert.Empty(t, b.received())
}

func TestBroadcastFailureIsolation(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("inst-a")
	broken := f.connect("inst-b")
	broken.fail = true
	c := f.connect("inst-c")

	f.router.Dispatch("inst-a", []byte(`{"type":"AGENT_MESSAGE","to":"all","content":"hi"}`))

	require.Len(t, c.received(), 1, "one broken peer must not abort the broadcast")
}

func TestDispatchTouchesSession(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("inst-a")

	before, _ := f.sessions.Get("inst-a")
	f.router.Dispatch("inst-a", []byte(`{"type":"HEARTBEAT"}`))
	after, _ := f.sessions.Get("inst-a")

	assert.False(t, after.LastActivity.Before(before.LastActivity))
}
