// ABOUTME: Mutex-guarded session store with JSON document persistence.
// ABOUTME: Tracks every known instance, its agent registry, and activity timestamps.

package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Store holds all known sessions keyed by instance identity.
// All methods are safe for concurrent use. Operations on an unknown
// instance id are warn-logged no-ops: a race between disconnect and a
// late-arriving frame is expected and must not surface to the router.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	path     string
	logger   *slog.Logger

	// saveMu serializes writers of the shared temp file.
	saveMu sync.Mutex
}

// NewStore creates an empty store that persists to the given path.
// An empty path disables persistence (used by tests).
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		path:     path,
		logger:   logger,
	}
}

// Create records a brand-new session for a freshly connected instance.
func (s *Store) Create(instanceID, remoteAddr, clientSignature string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[instanceID] = &Session{
		InstanceID:       instanceID,
		ConnectedAt:      now,
		LastActivity:     now,
		RemoteAddress:    remoteAddr,
		ClientSignature:  clientSignature,
		AgentActivity:    make(map[string]int64),
		RegisteredAgents: make(map[string]RegisteredAgent),
	}
}

// Get returns a copy of the session for the given instance id.
func (s *Store) Get(instanceID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[instanceID]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// Touch updates the session's last-activity timestamp.
func (s *Store) Touch(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[instanceID]
	if !ok {
		s.logger.Warn("touch for unknown instance", "instance_id", instanceID)
		return
	}
	sess.LastActivity = time.Now()
}

// SetProjectInfo merges client-declared project metadata into the session.
func (s *Store) SetProjectInfo(instanceID, projectName string, info map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[instanceID]
	if !ok {
		s.logger.Warn("project info for unknown instance", "instance_id", instanceID)
		return
	}
	if projectName != "" {
		sess.ProjectName = projectName
	}
	if len(info) > 0 {
		if sess.ProjectInfo == nil {
			sess.ProjectInfo = make(map[string]any, len(info))
		}
		for k, v := range info {
			sess.ProjectInfo[k] = v
		}
	}
}

// MarkDisconnected sets the session's disconnect timestamp.
// The session is retained until the retention sweep purges it.
func (s *Store) MarkDisconnected(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[instanceID]
	if !ok {
		s.logger.Warn("disconnect for unknown instance", "instance_id", instanceID)
		return
	}
	now := time.Now()
	sess.DisconnectedAt = &now
}

// RecordAgentActivity updates the per-agent activity timestamp for an instance.
func (s *Store) RecordAgentActivity(instanceID, agentName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[instanceID]
	if !ok {
		s.logger.Warn("agent activity for unknown instance", "instance_id", instanceID)
		return
	}
	if sess.AgentActivity == nil {
		sess.AgentActivity = make(map[string]int64)
	}
	sess.AgentActivity[agentName] = time.Now().UnixMilli()
}

// RegisterAgent inserts or overwrites an agent entry in the session's registry.
// Re-registering the same agent updates its activity timestamp without
// creating a duplicate entry.
func (s *Store) RegisterAgent(instanceID, agentName string, agent RegisteredAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[instanceID]
	if !ok {
		s.logger.Warn("agent registration for unknown instance", "instance_id", instanceID)
		return
	}
	agent.LastStatusUpdate = time.Now().UnixMilli()
	if sess.RegisteredAgents == nil {
		sess.RegisteredAgents = make(map[string]RegisteredAgent)
	}
	sess.RegisteredAgents[agentName] = agent
	if sess.AgentActivity == nil {
		sess.AgentActivity = make(map[string]int64)
	}
	sess.AgentActivity[agentName] = agent.LastStatusUpdate
}

// UpdateAgentStatus records a status string for an already-registered agent.
// Unknown agents are ignored: status updates do not implicitly register.
func (s *Store) UpdateAgentStatus(instanceID, agentName, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[instanceID]
	if !ok {
		s.logger.Warn("status update for unknown instance", "instance_id", instanceID)
		return
	}
	agent, ok := sess.RegisteredAgents[agentName]
	if !ok {
		return
	}
	agent.Status = status
	agent.LastStatusUpdate = time.Now().UnixMilli()
	sess.RegisteredAgents[agentName] = agent
	sess.AgentActivity[agentName] = agent.LastStatusUpdate
}

// FindInstanceHosting returns the connected instance currently hosting the
// named agent. When several instances have registered the same agent the
// first match wins; iteration order is unspecified.
func (s *Store) FindInstanceHosting(agentName string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, sess := range s.sessions {
		if sess.DisconnectedAt != nil {
			continue
		}
		if _, ok := sess.RegisteredAgents[agentName]; ok {
			return id, true
		}
	}
	return "", false
}

// Snapshot returns copies of all known sessions, sorted by instance id.
func (s *Store) Snapshot() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Len returns the number of known sessions, connected or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// PurgeExpired deletes sessions whose disconnect timestamp is at least
// retention old, measured against now. Returns the number deleted.
func (s *Store) PurgeExpired(retention time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, sess := range s.sessions {
		if sess.DisconnectedAt == nil {
			continue
		}
		if now.Sub(*sess.DisconnectedAt) >= retention {
			delete(s.sessions, id)
			purged++
			s.logger.Info("purged expired session",
				"instance_id", id,
				"disconnected_at", sess.DisconnectedAt,
			)
		}
	}
	return purged
}

// Save persists all sessions to disk as a single JSON document keyed by
// instance identity. The write is atomic (temp file plus rename), and
// concurrent saves are serialized so they never share the temp file. A
// store with no configured path is a no-op.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding session store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating session store dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing session store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing session store: %w", err)
	}
	return nil
}

// Load replaces the in-memory sessions with the persisted document.
// A missing file is not an error; the store simply starts empty.
// Loaded sessions have no live connection until their client reconnects
// under a new identity, so any session persisted while connected is
// marked disconnected as of load time.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading session store: %w", err)
	}

	sessions := make(map[string]*Session)
	if err := json.Unmarshal(data, &sessions); err != nil {
		return fmt.Errorf("decoding session store: %w", err)
	}

	now := time.Now()
	for id, sess := range sessions {
		sess.InstanceID = id
		if sess.AgentActivity == nil {
			sess.AgentActivity = make(map[string]int64)
		}
		if sess.RegisteredAgents == nil {
			sess.RegisteredAgents = make(map[string]RegisteredAgent)
		}
		if sess.DisconnectedAt == nil {
			t := now
			sess.DisconnectedAt = &t
		}
	}

	s.mu.Lock()
	s.sessions = sessions
	s.mu.Unlock()

	s.logger.Info("loaded session store", "path", s.path, "sessions", len(sessions))
	return nil
}
