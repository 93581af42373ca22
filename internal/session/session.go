// ABOUTME: Session and agent registry data types for the agent bridge.
// ABOUTME: Defines the durable per-instance record persisted across relay restarts.

package session

import "time"

// RegisteredAgent describes a named agent an instance has declared it hosts.
type RegisteredAgent struct {
	DisplayName      string   `json:"displayName,omitempty"`
	Emoji            string   `json:"emoji,omitempty"`
	Role             string   `json:"role,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
	Status           string   `json:"status,omitempty"`
	LastStatusUpdate int64    `json:"lastStatusUpdate,omitempty"`
}

// Session is the durable record of one client instance, connected or not.
// A fresh connection always creates a new Session under a new instance
// identity; a disconnected Session lingers until the retention sweep.
type Session struct {
	InstanceID       string                     `json:"instanceId"`
	ConnectedAt      time.Time                  `json:"connectedAt"`
	LastActivity     time.Time                  `json:"lastActivity"`
	RemoteAddress    string                     `json:"remoteAddress,omitempty"`
	ClientSignature  string                     `json:"clientSignature,omitempty"`
	ProjectName      string                     `json:"projectName,omitempty"`
	ProjectInfo      map[string]any             `json:"projectInfo,omitempty"`
	AgentActivity    map[string]int64           `json:"agentActivity,omitempty"`
	RegisteredAgents map[string]RegisteredAgent `json:"registeredAgents,omitempty"`
	DisconnectedAt   *time.Time                 `json:"disconnectedAt,omitempty"`
}

// Connected reports whether the session currently has a live transport.
func (s *Session) Connected() bool {
	return s.DisconnectedAt == nil
}

// clone returns a deep copy safe to hand out without holding the store lock.
func (s *Session) clone() Session {
	out := *s
	if s.ProjectInfo != nil {
		out.ProjectInfo = make(map[string]any, len(s.ProjectInfo))
		for k, v := range s.ProjectInfo {
			out.ProjectInfo[k] = v
		}
	}
	if s.AgentActivity != nil {
		out.AgentActivity = make(map[string]int64, len(s.AgentActivity))
		for k, v := range s.AgentActivity {
			out.AgentActivity[k] = v
		}
	}
	if s.RegisteredAgents != nil {
		out.RegisteredAgents = make(map[string]RegisteredAgent, len(s.RegisteredAgents))
		for k, v := range s.RegisteredAgents {
			out.RegisteredAgents[k] = v
		}
	}
	if s.DisconnectedAt != nil {
		t := *s.DisconnectedAt
		out.DisconnectedAt = &t
	}
	return out
}
