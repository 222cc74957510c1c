package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/room4-2/chatstream/config"
	"github.com/room4-2/chatstream/functions"
)

const activeConnectionsKey = "active_connections"

// ErrTooManyConnections is returned when MaxSessions connections are open
var ErrTooManyConnections = errors.New("maximum sessions reached")

// Manager manages all client connections
type Manager struct {
	connections map[string]*Connection
	mu          sync.RWMutex
	redis       *redis.Client
	config      *config.Config
	store       Store
	gen         Generator
	tools       *functions.Registry
	logger      *zap.Logger
}

// NewManager creates a connection manager. redisClient may be nil, in which
// case connections are only tracked in memory.
func NewManager(cfg *config.Config, redisClient *redis.Client, st Store, gen Generator, tools *functions.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		connections: make(map[string]*Connection),
		redis:       redisClient,
		config:      cfg,
		store:       st,
		gen:         gen,
		tools:       tools,
		logger:      logger,
	}
}

func connKey(id string) string {
	return "conn:" + id
}

// Create registers a new connection for an upgraded websocket
func (m *Manager) Create(ctx context.Context, clientConn *websocket.Conn) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.connections) >= m.config.MaxSessions {
		return nil, ErrTooManyConnections
	}

	id := uuid.New().String()
	conn := NewConnection(id, clientConn, m.store, m.gen, m.tools, Options{
		MaxFramePayload:  m.config.MaxFramePayload,
		ArtifactsEnabled: m.config.ArtifactsEnabled,
	}, m.logger)

	m.connections[id] = conn
	m.track(ctx, conn)
	return conn, nil
}

// track saves connection metadata to Redis
func (m *Manager) track(ctx context.Context, conn *Connection) {
	if m.redis == nil {
		return
	}

	_, err := m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, connKey(conn.ID), map[string]any{
			"created_at":    conn.CreatedAt.Format(time.RFC3339),
			"last_activity": conn.LastActivity().Format(time.RFC3339),
			"remote_addr":   conn.ClientConn.RemoteAddr().String(),
			"status":        "active",
		})
		pipe.Expire(ctx, connKey(conn.ID), m.config.SessionTimeout)
		pipe.SAdd(ctx, activeConnectionsKey, conn.ID)
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to track connection", zap.String("connection_id", conn.ID), zap.Error(err))
	}
}

func (m *Manager) untrack(ctx context.Context, id string) {
	if m.redis == nil {
		return
	}

	_, err := m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, connKey(id))
		pipe.SRem(ctx, activeConnectionsKey, id)
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to untrack connection", zap.String("connection_id", id), zap.Error(err))
	}
}

// Get retrieves a connection by ID
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, exists := m.connections[id]
	return conn, exists
}

// Remove closes and forgets a connection
func (m *Manager) Remove(ctx context.Context, id string) {
	m.mu.Lock()
	conn, exists := m.connections[id]
	delete(m.connections, id)
	m.mu.Unlock()

	if !exists {
		return
	}
	conn.Close()
	m.untrack(ctx, id)
}

// Count returns the number of open connections
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// CleanupInactive closes connections idle for longer than SessionTimeout
func (m *Manager) CleanupInactive(ctx context.Context) int {
	now := time.Now()

	m.mu.Lock()
	var stale []*Connection
	for id, conn := range m.connections {
		if now.Sub(conn.LastActivity()) > m.config.SessionTimeout {
			stale = append(stale, conn)
			delete(m.connections, id)
		}
	}
	m.mu.Unlock()

	for _, conn := range stale {
		conn.Close()
		m.untrack(ctx, conn.ID)
		m.logger.Info("closed inactive connection", zap.String("connection_id", conn.ID))
	}
	return len(stale)
}

// StartCleanupRoutine starts periodic cleanup of inactive connections
func (m *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInactive(ctx)
		}
	}
}

// Shutdown closes all connections
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	conns := m.connections
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	for id, conn := range conns {
		conn.Close()
		m.untrack(ctx, id)
	}
}
