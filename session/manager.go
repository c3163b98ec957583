package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/live-relay/config"
	"github.com/room4-2/live-relay/metrics"
	"github.com/room4-2/live-relay/upstream"
)

// ErrMaxSessions is returned when admission control refuses a new session
var ErrMaxSessions = errors.New("maximum sessions reached")

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithRedis enables the presence registry on an existing client
func WithRedis(client *redis.Client) ManagerOption {
	return func(sm *Manager) {
		sm.redis = client
	}
}

// WithLogger sets the logger handed to every session
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(sm *Manager) {
		sm.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Metrics) ManagerOption {
	return func(sm *Manager) {
		sm.metrics = m
	}
}

// Manager manages all client sessions
type Manager struct {
	sessions  map[string]*ClientSession
	mu        sync.RWMutex
	redis     *redis.Client
	config    *config.Config
	connector upstream.Connector
	logger    *slog.Logger
	metrics   *metrics.Metrics
	presence  *presence // nil without Redis
}

// NewManager creates a session manager
func NewManager(cfg *config.Config, connector upstream.Connector, opts ...ManagerOption) *Manager {
	sm := &Manager{
		sessions:  make(map[string]*ClientSession),
		config:    cfg,
		connector: connector,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(sm)
	}
	if sm.redis != nil {
		sm.presence = newPresence(sm.redis, cfg.SessionTimeout, sm.logger)
	}
	return sm
}

// ConnectRedis dials the presence registry. It returns nil when Redis is
// disabled or unreachable; the relay runs without it.
func ConnectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}

	client := newRedisClient(cfg)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("⚠️ Redis unavailable, continuing without presence registry",
			slog.String("addr", cfg.RedisURL), slog.Any("error", err))
		_ = client.Close()
		return nil
	}
	logger.Info("✅ Connected to Redis", slog.String("addr", cfg.RedisURL))
	return client
}

func (sm *Manager) upstreamConfig() upstream.Config {
	return upstream.Config{
		Model:               sm.config.Model,
		SystemInstruction:   sm.config.SystemPrompt,
		ResponseModalities:  sm.config.Modalities,
		InputTranscription:  sm.config.InputTranscribe,
		OutputTranscription: sm.config.OutputTranscribe,
		Voice:               sm.config.Voice,
	}
}

// CreateSession creates a new client session. The caller starts it.
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn) (*ClientSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.config.MaxSessions > 0 && len(sm.sessions) >= sm.config.MaxSessions {
		sm.metrics.SessionRejected()
		return nil, ErrMaxSessions
	}

	sessionID := uuid.New().String()

	session := NewClientSession(sessionID, clientConn, sm.connector, sm.upstreamConfig(), Options{
		MaxBufferSize:   sm.config.MaxBufferSize,
		KeepAlivePeriod: sm.config.KeepAlivePeriod,
		Logger:          sm.logger,
		Metrics:         sm.metrics,
		OnStateChange:   sm.recordState,
	})

	sm.storeSession(sessionID, session)
	sm.metrics.SessionStarted()
	return session, nil
}

// storeSession saves a session to memory and queues its Redis registration
func (sm *Manager) storeSession(sessionID string, session *ClientSession) {
	sm.sessions[sessionID] = session

	if sm.presence != nil {
		sm.presence.enqueue(presenceUpdate{
			op:        presenceRegister,
			id:        sessionID,
			state:     session.State(),
			createdAt: session.CreatedAt,
		})
	}
}

// recordState mirrors a session's state into Redis. It runs on the session's
// run loop and never waits on Redis.
func (sm *Manager) recordState(sessionID string, state State) {
	if sm.presence == nil {
		return
	}
	sm.presence.enqueue(presenceUpdate{op: presenceState, id: sessionID, state: state})
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*ClientSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession cleans up and removes a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, exists := sm.sessions[sessionID]
	if !exists {
		return nil
	}

	_ = session.Close()
	sm.forget(sessionID, session)
	return nil
}

// forget drops a session from memory and Redis. Caller holds mu.
func (sm *Manager) forget(sessionID string, session *ClientSession) {
	delete(sm.sessions, sessionID)
	sm.metrics.SessionEnded(time.Since(session.CreatedAt).Seconds())

	if sm.presence != nil {
		sm.presence.enqueue(presenceUpdate{op: presenceRemove, id: sessionID})
	}
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions that have been inactive
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, session := range sm.sessions {
		if now.Sub(session.LastActivity()) > sm.config.SessionTimeout {
			sm.logger.Info("🧹 Closing inactive session", slog.String("session", id))
			_ = session.Close()
			sm.forget(id, session)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions and waits up to the context deadline for them to finish
func (sm *Manager) Shutdown(ctx context.Context) {
	sm.mu.Lock()
	sessions := make(map[string]*ClientSession, len(sm.sessions))
	for id, session := range sm.sessions {
		_ = session.Close()
		sessions[id] = session
	}
	sm.mu.Unlock()

	for _, session := range sessions {
		select {
		case <-session.Done():
		case <-ctx.Done():
		}
	}

	sm.mu.Lock()
	for id, session := range sessions {
		if _, ok := sm.sessions[id]; ok {
			sm.forget(id, session)
		}
	}
	sm.mu.Unlock()

	if sm.presence != nil {
		sm.presence.close(ctx)
	}
	if sm.redis != nil {
		_ = sm.redis.Close()
	}
}
