// Package config handles configuration loading for agent-bridge.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BRIDGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agent-bridge/bridge.yaml
//  3. ~/.config/agent-bridge/bridge.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  retention: "24h"
//	  sweep_interval: "1h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8765"  # WebSocket endpoint plus health/status
//
// Session persistence:
//
//	persistence:
//	  path: "/var/lib/agent-bridge/sessions.json"
//	  interval: "5m"
//
// Session retention:
//
//	sessions:
//	  retention: "24h"      # How long disconnected sessions are kept
//	  sweep_interval: "1h"  # Expiry sweep cadence
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "agent-bridge"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/agent-bridge/bridge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
