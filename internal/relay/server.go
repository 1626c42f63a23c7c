package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/constants"
	"github.com/Shugur-Network/inbox-relay/internal/domain"
	apperrors "github.com/Shugur-Network/inbox-relay/internal/errors"
	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"github.com/Shugur-Network/inbox-relay/internal/metrics"
	"github.com/Shugur-Network/inbox-relay/internal/relay/nips"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server accepts relay websockets and serves the plain HTTP endpoints
type Server struct {
	deps     connDeps
	health   http.Handler
	routes   map[string]http.Handler
	errs     *apperrors.HTTPMiddleware
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewServer wires the relay endpoints. health may be nil.
func NewServer(settings config.Provider, router MessageRouter, feed LiveFeed, registry domain.ConnectionManager, health http.Handler) *Server {
	log := logger.New("server")
	return &Server{
		deps: connDeps{
			router:   router,
			feed:     feed,
			registry: registry,
			settings: settings,
		},
		health: health,
		routes: make(map[string]http.Handler),
		errs:   apperrors.NewHTTPMiddleware(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
			HandshakeTimeout:  10 * time.Second,
		},
		log: log,
	}
}

// Mount adds an HTTP route next to the relay endpoints. It must be called
// before Handler.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.routes[pattern] = h
}

// Handler returns the relay's HTTP handler. Connections accepted by it live
// until ctx ends.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case isWebSocketRequest(r):
			s.handleWebSocket(ctx, w, r)
		case r.Header.Get("Accept") == "application/nostr+json":
			nips.ServeRelayMetadata(w, constants.DefaultRelayMetadata(s.deps.settings()))
		case r.URL.Path == "/":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = fmt.Fprintf(w, "%s: connect with a nostr client\n", s.deps.settings().Relay.Name)
		default:
			http.NotFound(w, r)
		}
	})
	if s.health != nil {
		mux.Handle("/health", s.health)
	}
	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}
	return s.errs.Recover(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down WebSocket server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deps.settings().General.ShutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	s.log.Info("Relay WebSocket server listening", zap.String("address", addr))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	clientIP := extractRealClientIP(r)
	maxConns := s.deps.settings().Relay.MaxConnections

	if s.deps.registry != nil && s.deps.registry.GetConnectionCount() >= maxConns {
		limitErr := apperrors.New(apperrors.ErrorTypeRateLimit, "CONNECTION_LIMIT",
			fmt.Sprintf("connection limit of %d reached", maxConns)).
			WithSeverity(apperrors.SeverityMedium)
		s.errs.HandleError(w, r, limitErr)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		apperrors.Log(s.log, "WebSocket upgrade failed", apperrors.WebSocketError("upgrade", err),
			zap.String("client_ip", clientIP))
		return
	}

	conn := NewWsConnection(ctx, ws, s.deps, clientIP)
	if s.deps.registry != nil {
		s.deps.registry.RegisterConn(conn)
	}
	metrics.IncrementActiveConnections()
	defer metrics.DecrementActiveConnections()

	s.log.Debug("WebSocket connection established",
		zap.String("client_ip", clientIP),
		zap.String("client_id", conn.ClientID()),
		zap.String("user_agent", r.Header.Get("User-Agent")))

	conn.Serve()
}

// isWebSocketRequest checks if the request is a WebSocket upgrade request
func isWebSocketRequest(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.ToLower(r.Header.Get("Upgrade")) == "websocket"
}
