// ABOUTME: Bridge orchestrator wiring the websocket endpoint, stores, router, and lifecycle.
// ABOUTME: Owns the HTTP server, the retention sweep, and session store persistence.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"tailscale.com/tsnet"

	"github.com/2389/agent-bridge/internal/config"
	"github.com/2389/agent-bridge/internal/contextstore"
	"github.com/2389/agent-bridge/internal/protocol"
	"github.com/2389/agent-bridge/internal/session"
)

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 1 << 20

// Bridge coordinates the relay's components: the session store, the live
// connection registry, the shared context store, the router, and the
// HTTP server hosting the websocket endpoint and read-only status surface.
type Bridge struct {
	config      *config.Config
	sessions    *session.Store
	contexts    *contextstore.Store
	registry    *Registry
	router      *Router
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	startedAt   time.Time
}

// New creates a Bridge, loading any persisted session store from disk.
// A persistence read failure is logged and the relay starts in-memory.
func New(cfg *config.Config, logger *slog.Logger) (*Bridge, error) {
	sessions := session.NewStore(cfg.Persistence.Path, logger.With("component", "session-store"))
	if err := sessions.Load(); err != nil {
		logger.Warn("loading session store failed, continuing in-memory", "error", err)
	}

	contexts := contextstore.New()
	registry := NewRegistry(logger.With("component", "registry"))

	b := &Bridge{
		config:    cfg,
		sessions:  sessions,
		contexts:  contexts,
		registry:  registry,
		router:    NewRouter(sessions, contexts, registry, logger.With("component", "router")),
		logger:    logger.With("component", "bridge"),
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Get("/ws", b.handleWS)
	r.Get("/health", b.handleHealth)
	r.Get("/status", b.handleStatus)

	b.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return b, nil
}

// Run starts the bridge and blocks until the context is canceled or the
// server fails. On shutdown the session store is persisted synchronously.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := b.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("bridge listening", "addr", ln.Addr().String())
		if serveErr := b.httpServer.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", serveErr)
		}
	}()

	go b.sweepLoop(ctx)
	go b.persistLoop(ctx)

	var serverErr error
	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		b.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := b.shutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// shutdown closes live websockets, stops the HTTP server, and persists
// the session store. Websockets are hijacked connections the HTTP
// shutdown does not cover, so they are torn down explicitly first.
// Uses a fresh context since the run context is already canceled.
func (b *Bridge) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, peer := range b.registry.All() {
		if conn, ok := peer.(*Conn); ok {
			conn.shutdown()
		}
	}

	var errs []error
	if err := b.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if b.tsnetServer != nil {
		if err := b.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := b.sessions.Save(); err != nil {
		errs = append(errs, fmt.Errorf("session store save: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	b.logger.Info("bridge stopped")
	return nil
}

// handleWS upgrades the connection, assigns a fresh instance identity,
// sends the welcome frame, and pumps inbound frames into the router.
// A reconnecting client always receives a new identity; its previous
// session lingers as disconnected until the retention sweep.
func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.logger.Error("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	instanceID := uuid.New().String()
	b.sessions.Create(instanceID, r.RemoteAddr, r.Header.Get("User-Agent"))

	conn := newConn(instanceID, ws, b.logger)
	b.registry.Register(instanceID, conn)

	welcome, err := json.Marshal(protocol.NewBridgeConnected(instanceID))
	if err == nil {
		_ = conn.Send(welcome)
	}

	b.readLoop(r.Context(), instanceID, ws)

	conn.close()
	b.registry.Unregister(instanceID, conn)
	b.sessions.MarkDisconnected(instanceID)
	go b.saveSessions()

	_ = ws.Close(websocket.StatusNormalClosure, "bridge session ended")
}

// readLoop processes frames from one connection to completion, in order.
// Frames from different connections interleave; shared state is
// synchronized inside the stores.
func (b *Bridge) readLoop(ctx context.Context, instanceID string, ws *websocket.Conn) {
	for {
		msgType, data, err := ws.Read(ctx)
		if err != nil {
			b.logger.Debug("read loop ended", "instance_id", instanceID, "error", err)
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		b.router.Dispatch(instanceID, data)
	}
}

// sweepLoop periodically purges sessions disconnected longer than the
// retention window, persisting only when something was deleted.
func (b *Bridge) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.Sessions.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged := b.sessions.PurgeExpired(b.config.Sessions.Retention, time.Now())
			if purged > 0 {
				b.logger.Info("retention sweep complete", "purged", purged)
				b.saveSessions()
			}
		}
	}
}

// persistLoop persists the session store on a timer, off the hot path.
func (b *Bridge) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.Persistence.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.saveSessions()
		}
	}
}

// saveSessions persists the store, logging failures. Persistence errors
// leave the relay operating in-memory for the cycle.
func (b *Bridge) saveSessions() {
	if err := b.sessions.Save(); err != nil {
		b.logger.Error("persisting session store", "error", err)
	}
}
