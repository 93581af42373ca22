// ABOUTME: Stateless dispatch layer that routes inbound frames by their type field.
// ABOUTME: Mutates session/agent/context state as a side effect and forwards frames per kind.

package bridge

import (
	"encoding/json"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/2389/agent-bridge/internal/contextstore"
	"github.com/2389/agent-bridge/internal/protocol"
	"github.com/2389/agent-bridge/internal/session"
)

// Router decodes each inbound frame's type and dispatches it.
// Errors arising from one client's traffic never propagate to another
// client or to the caller; everything is resolved to a log line.
type Router struct {
	sessions *session.Store
	contexts *contextstore.Store
	registry *Registry
	logger   *slog.Logger
}

// NewRouter creates a Router over the given stores and connection registry.
func NewRouter(sessions *session.Store, contexts *contextstore.Store, registry *Registry, logger *slog.Logger) *Router {
	return &Router{
		sessions: sessions,
		contexts: contexts,
		registry: registry,
		logger:   logger,
	}
}

// Dispatch processes one inbound frame from the given instance.
// Malformed frames are logged and dropped; the connection stays open.
func (r *Router) Dispatch(instanceID string, raw []byte) {
	msgType, err := protocol.Type(raw)
	if err != nil {
		r.logger.Warn("dropping malformed frame", "instance_id", instanceID, "error", err)
		return
	}

	r.sessions.Touch(instanceID)

	switch msgType {
	case protocol.TypeAgentMessage:
		r.handleAgentMessage(instanceID, raw)
	case protocol.TypeContextShare:
		r.handleContextShare(instanceID, raw)
	case protocol.TypeHeartbeat, protocol.TypePong:
		r.handleHeartbeat(instanceID, raw)
	case protocol.TypeGetInstances:
		r.handleGetInstances(instanceID)
	case protocol.TypeAgentRegister:
		r.handleAgentRegister(instanceID, raw)
	case protocol.TypeAgentResponse, protocol.TypeAgentStatus:
		r.handleAgentBroadcast(instanceID, msgType, raw)
	case protocol.TypeCollabRequest, protocol.TypeCollabResponse:
		r.handleCollaboration(instanceID, raw)
	case protocol.TypeSetProjectInfo:
		r.handleSetProjectInfo(instanceID, raw)
	default:
		r.logger.Warn("dropping unrecognized message type", "instance_id", instanceID, "type", msgType)
	}
}

// handleAgentMessage forwards a frame to one instance or to all others.
// Source identity and timestamp are stamped in when absent; per-target
// send failures are skipped, not retried.
func (r *Router) handleAgentMessage(instanceID string, raw []byte) {
	stamped := protocol.StampIfAbsent(raw, "sourceInstanceId", instanceID)
	stamped = protocol.StampIfAbsent(stamped, "timestamp", protocol.NowMillis())

	target := protocol.Field(raw, "to")
	if target == "" || target == protocol.TargetAll {
		r.broadcast(instanceID, stamped)
		return
	}

	peer, ok := r.registry.Get(target)
	if !ok {
		r.logger.Debug("agent message target not live, skipping",
			"instance_id", instanceID,
			"target", target,
		)
		return
	}
	if err := peer.Send(stamped); err != nil {
		r.logger.Debug("agent message delivery failed", "target", target, "error", err)
	}
}

// handleContextShare upserts the shared context entry and notifies every
// other live connection with a lightweight CONTEXT_UPDATED notice that
// carries the id and summary, never the payload.
func (r *Router) handleContextShare(instanceID string, raw []byte) {
	contextID := protocol.Field(raw, "contextId")
	if contextID == "" {
		r.logger.Warn("context share without contextId", "instance_id", instanceID)
		return
	}

	data := protocol.RawField(raw, "data")
	r.contexts.Put(contextID, json.RawMessage(data), instanceID)

	notice := protocol.ContextUpdated{
		Type:           protocol.TypeContextUpdated,
		ContextID:      contextID,
		SourceInstance: instanceID,
		Summary:        protocol.Field(raw, "summary"),
		Timestamp:      protocol.NowMillis(),
	}
	frame, err := json.Marshal(notice)
	if err != nil {
		r.logger.Error("encoding context notice", "error", err)
		return
	}
	r.broadcast(instanceID, frame)
}

// handleHeartbeat records activity; heartbeats are never forwarded.
func (r *Router) handleHeartbeat(instanceID string, raw []byte) {
	if agentName := protocol.Field(raw, "agentName"); agentName != "" {
		r.sessions.RecordAgentActivity(instanceID, agentName)
	}
}

// handleGetInstances replies only to the requester with every known
// session, connected or recently disconnected.
func (r *Router) handleGetInstances(instanceID string) {
	sessions := r.sessions.Snapshot()
	instances := make([]protocol.InstanceSummary, 0, len(sessions))
	for _, sess := range sessions {
		summary := protocol.InstanceSummary{
			InstanceID:    sess.InstanceID,
			Connected:     sess.Connected(),
			ProjectName:   sess.ProjectName,
			LastActivity:  sess.LastActivity.UnixMilli(),
			AgentActivity: sess.AgentActivity,
		}
		if sess.DisconnectedAt != nil {
			millis := sess.DisconnectedAt.UnixMilli()
			summary.DisconnectedAt = &millis
		}
		instances = append(instances, summary)
	}

	r.replyTo(instanceID, protocol.InstancesList{
		Type:      protocol.TypeInstancesList,
		Instances: instances,
		Timestamp: protocol.NowMillis(),
	})
}

// handleAgentRegister validates the frame, updates the session's agent
// registry, confirms to the requester, and announces to everyone else.
func (r *Router) handleAgentRegister(instanceID string, raw []byte) {
	agentName := protocol.Field(raw, "agentName")
	if agentName == "" {
		r.logger.Warn("agent registration without agentName", "instance_id", instanceID)
		return
	}

	agent := session.RegisteredAgent{
		DisplayName:  protocol.Field(raw, "displayName"),
		Emoji:        protocol.Field(raw, "emoji"),
		Role:         protocol.Field(raw, "role"),
		Capabilities: stringArray(raw, "capabilities"),
		Status:       protocol.Field(raw, "status"),
	}
	r.sessions.RegisterAgent(instanceID, agentName, agent)

	r.logger.Info("agent registered",
		"instance_id", instanceID,
		"agent", agentName,
		"role", agent.Role,
	)

	r.replyTo(instanceID, protocol.RegistrationConfirmed{
		Type:      protocol.TypeRegistrationConfirmed,
		AgentName: agentName,
		Timestamp: protocol.NowMillis(),
	})

	notice := protocol.AgentAvailable{
		Type:         protocol.TypeAgentAvailable,
		AgentName:    agentName,
		DisplayName:  agent.DisplayName,
		Emoji:        agent.Emoji,
		Role:         agent.Role,
		Capabilities: agent.Capabilities,
		InstanceID:   instanceID,
		Timestamp:    protocol.NowMillis(),
	}
	frame, err := json.Marshal(notice)
	if err != nil {
		r.logger.Error("encoding agent notice", "error", err)
		return
	}
	r.broadcast(instanceID, frame)
}

// handleAgentBroadcast forwards agent_response and agent_status frames to
// every other connection, enriched with the sender's identity. An
// agent_response goes out as an AGENT_RESPONSE notification so receivers
// can tell relayed responses from their own submissions.
func (r *Router) handleAgentBroadcast(instanceID, msgType string, raw []byte) {
	stamped := protocol.StampIfAbsent(raw, "sourceInstanceId", instanceID)
	stamped = protocol.StampIfAbsent(stamped, "timestamp", protocol.NowMillis())

	if msgType == protocol.TypeAgentResponse {
		stamped = protocol.Stamp(stamped, "type", protocol.TypeAgentResponseNotice)
	}

	if msgType == protocol.TypeAgentStatus {
		agentName := protocol.Field(raw, "agentName")
		status := protocol.Field(raw, "status")
		if agentName != "" {
			r.sessions.RecordAgentActivity(instanceID, agentName)
			if status != "" {
				r.sessions.UpdateAgentStatus(instanceID, agentName, status)
			}
		}
	}

	r.broadcast(instanceID, stamped)
}

// handleCollaboration routes to whichever live connection currently hosts
// the named target agent. When several sessions host the agent the first
// match wins so collaboration replies are never duplicated. With no host
// live, the frame falls back to a broadcast.
func (r *Router) handleCollaboration(instanceID string, raw []byte) {
	stamped := protocol.StampIfAbsent(raw, "sourceInstanceId", instanceID)
	stamped = protocol.StampIfAbsent(stamped, "timestamp", protocol.NowMillis())

	targetAgent := protocol.Field(raw, "targetAgent")
	if targetAgent != "" {
		if hostID, ok := r.sessions.FindInstanceHosting(targetAgent); ok {
			if peer, live := r.registry.Get(hostID); live {
				if err := peer.Send(stamped); err != nil {
					r.logger.Debug("collaboration delivery failed", "target", hostID, "error", err)
				}
				return
			}
		}
		r.logger.Debug("no live host for agent, broadcasting",
			"instance_id", instanceID,
			"target_agent", targetAgent,
		)
	}

	r.broadcast(instanceID, stamped)
}

// handleSetProjectInfo merges client-declared project metadata into the session.
func (r *Router) handleSetProjectInfo(instanceID string, raw []byte) {
	projectName := protocol.Field(raw, "projectName")

	var info map[string]any
	if rawInfo := protocol.RawField(raw, "projectInfo"); rawInfo != nil {
		if err := json.Unmarshal(rawInfo, &info); err != nil {
			r.logger.Warn("ignoring malformed projectInfo", "instance_id", instanceID, "error", err)
		}
	}

	r.sessions.SetProjectInfo(instanceID, projectName, info)
}

// broadcast delivers a frame to every live connection except the sender.
// Per-target failures are logged and skipped; the loop always completes.
func (r *Router) broadcast(senderID string, frame []byte) {
	for id, peer := range r.registry.All() {
		if id == senderID {
			continue
		}
		if err := peer.Send(frame); err != nil {
			r.logger.Debug("broadcast delivery failed", "target", id, "error", err)
		}
	}
}

// replyTo marshals and sends a frame to a single instance, if still live.
func (r *Router) replyTo(instanceID string, v any) {
	peer, ok := r.registry.Get(instanceID)
	if !ok {
		r.logger.Debug("reply target no longer live", "instance_id", instanceID)
		return
	}
	frame, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("encoding reply frame", "error", err)
		return
	}
	if err := peer.Send(frame); err != nil {
		r.logger.Debug("reply delivery failed", "instance_id", instanceID, "error", err)
	}
}

// stringArray extracts a JSON string array field from a raw frame.
func stringArray(raw []byte, path string) []string {
	values := gjson.GetBytes(raw, path).Array()
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v.Type == gjson.String {
			out = append(out, v.Str)
		}
	}
	return out
}
