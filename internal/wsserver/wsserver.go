// Package wsserver is the HTTP/WebSocket front door: it upgrades
// /client connections into Sessions and serves /version and /metrics
// as plain HTTP. See spec.md §1 (out-of-scope collaborators) and
// SPEC_FULL.md §4.7.
package wsserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/serial-keel/serial-keel/internal/logging"
	"github.com/serial-keel/serial-keel/internal/metrics"
	"github.com/serial-keel/serial-keel/internal/session"
)

// Server is the listener-owning HTTP front for one running core.
type Server struct {
	addr    string
	version string
	core    *session.Core
	server  *http.Server
}

// New builds a Server around an already-wired Core. addr is the TCP
// listen address; version is reported on /version.
func New(addr, version string, core *session.Core) *Server {
	mux := http.NewServeMux()

	s := &Server{addr: addr, version: version, core: core}

	mux.HandleFunc("/client", s.handleClient)
	mux.HandleFunc("/version", s.handleVersion)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve listens on addr and blocks until ctx is cancelled, then
// performs a graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("wsserver: listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	slog.Info("serial-keel listening", "addr", s.addr)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("wsserver: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("serial-keel shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("wsserver: shutdown: %w", err)
		}
		<-errCh
		return nil
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, s.version)
}

// handleClient upgrades the connection and runs one Session for its
// lifetime; the handler returns only once the connection ends.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("wsserver: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	sess := session.New(s.core, &wsConn{conn: conn})
	sess.Run(r.Context())
}

// wsConn adapts *websocket.Conn to session.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadText(ctx context.Context) ([]byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("wsserver: expected text frame, got %v", typ)
	}
	return data, nil
}

func (c *wsConn) WriteText(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
