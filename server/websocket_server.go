package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/room4-2/live-relay/config"
	"github.com/room4-2/live-relay/messages"
	"github.com/room4-2/live-relay/session"
)

// LivePath is the WebSocket endpoint browsers connect to
const LivePath = "/live"

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	logger         *slog.Logger
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// NewServerWebsocket builds the relay's HTTP server. gatherer may be nil to
// disable the /metrics endpoint.
func NewServerWebsocket(cfg *config.Config, sessionManager *session.Manager, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		logger:         logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB for audio chunks
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.routes(gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(LivePath, s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Handler exposes the routes without a listener
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// originChecker allows requests whose Origin is listed, or any origin for "*".
// Requests without an Origin header (non-browser clients) are allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.logger.Info("🚀 WebSocket server starting", slog.Int("port", s.config.Port))
	s.logger.Info(fmt.Sprintf("📡 WebSocket endpoint: ws://localhost:%d%s", s.config.Port, LivePath))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("🛑 Shutting down server...")
	err := s.httpServer.Shutdown(ctx)
	s.sessionManager.Shutdown(ctx)
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.Any("error", err))
		return
	}

	s.logger.Info("🌐 Browser connected", slog.String("remote", r.RemoteAddr))

	clientSession, err := s.sessionManager.CreateSession(r.Context(), conn)
	if err != nil {
		s.logger.Warn("Failed to create session", slog.Any("error", err))
		if data, mErr := messages.NewErrorMessage(err.Error()).Marshal(); mErr == nil {
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return
	}

	s.logger.Info("✅ New session created", slog.String("session", clientSession.ID))

	clientSession.Start()
	<-clientSession.Done()

	// Clean up
	_ = s.sessionManager.RemoveSession(context.Background(), clientSession.ID)
	s.logger.Info("🔌 Session closed",
		slog.String("session", clientSession.ID),
		slog.String("state", clientSession.State().String()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := sonic.Marshal(healthResponse{
		Status:   "ok",
		Sessions: s.sessionManager.GetActiveSessionCount(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
