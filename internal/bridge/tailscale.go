// ABOUTME: Listener setup for the bridge, plain TCP or an optional Tailscale tsnet node.
// ABOUTME: Mirrors the gateway convention of serving directly on the tailnet when enabled.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"
)

// setupListener creates the HTTP listener, over the tailnet when enabled.
func (b *Bridge) setupListener(ctx context.Context) (net.Listener, error) {
	if b.config.Tailscale.Enabled {
		if b.config.Server.HTTPAddr != "" {
			b.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", b.config.Server.HTTPAddr,
			)
		}
		return b.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", b.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", b.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

// setupTailscaleListener starts a tsnet node and listens on it.
func (b *Bridge) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := b.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	b.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	b.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname,
		"state_dir", stateDir,
		"ephemeral", tsCfg.Ephemeral,
	)
	status, err := b.tsnetServer.Up(ctx)
	if err != nil {
		_ = b.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		b.logger.Info("tailscale node ready",
			"hostname", tsCfg.Hostname,
			"tailscale_ip", status.TailscaleIPs[0].String(),
		)
	}

	ln, err := b.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = b.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "agent-bridge", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}
