// ABOUTME: Read-only HTTP surface over the session store for operational tooling.
// ABOUTME: Liveness JSON at /health and a human-readable status page at /status.

package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
)

// healthResponse is the JSON body for GET /health.
type healthResponse struct {
	Status          string  `json:"status"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	LiveConnections int     `json:"live_connections"`
	KnownSessions   int     `json:"known_sessions"`
	SharedContexts  int     `json:"shared_contexts"`
}

// handleHealth reports process uptime and connection/session counts.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		UptimeSeconds:   time.Since(b.startedAt).Seconds(),
		LiveConnections: b.registry.Count(),
		KnownSessions:   b.sessions.Len(),
		SharedContexts:  b.contexts.Len(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		b.logger.Debug("writing health response", "error", err)
	}
}

// handleStatus renders a human-readable page listing every known session,
// its project, and its agents' last-activity timestamps. The page is a
// read-only view; nothing here mutates the store.
func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	var md strings.Builder

	fmt.Fprintf(&md, "# Agent Bridge\n\n")
	fmt.Fprintf(&md, "Uptime: %s · Live connections: %d · Known sessions: %d\n\n",
		time.Since(b.startedAt).Round(time.Second),
		b.registry.Count(),
		b.sessions.Len(),
	)

	for _, sess := range b.sessions.Snapshot() {
		state := "connected"
		if !sess.Connected() {
			state = "disconnected"
		}
		fmt.Fprintf(&md, "## `%s` — %s\n\n", sess.InstanceID, state)
		if sess.ProjectName != "" {
			fmt.Fprintf(&md, "- Project: **%s**\n", sess.ProjectName)
		}
		fmt.Fprintf(&md, "- Remote: %s\n", sess.RemoteAddress)
		fmt.Fprintf(&md, "- Last activity: %s\n", sess.LastActivity.Format(time.RFC3339))
		if sess.DisconnectedAt != nil {
			fmt.Fprintf(&md, "- Disconnected: %s\n", sess.DisconnectedAt.Format(time.RFC3339))
		}
		for name, millis := range sess.AgentActivity {
			fmt.Fprintf(&md, "- Agent `%s`: last active %s\n",
				name, time.UnixMilli(millis).Format(time.RFC3339))
		}
		fmt.Fprintf(&md, "\n")
	}

	var html bytes.Buffer
	html.WriteString("<!DOCTYPE html><html><head><title>Agent Bridge</title></head><body>")
	if err := goldmark.Convert([]byte(md.String()), &html); err != nil {
		b.logger.Error("rendering status page", "error", err)
		http.Error(w, "status page unavailable", http.StatusInternalServerError)
		return
	}
	html.WriteString("</body></html>")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(html.Bytes()); err != nil {
		b.logger.Debug("writing status page", "error", err)
	}
}
