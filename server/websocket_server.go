// Package server exposes the relay over HTTP: the chat websocket plus the
// session endpoints the client loads transcripts from.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/room4-2/chatstream/config"
	"github.com/room4-2/chatstream/messages"
	"github.com/room4-2/chatstream/relay"
	"github.com/room4-2/chatstream/transcript"
)

const maxRequestBody = 1 << 20

// SessionStore serves stored sessions to the HTTP endpoints
type SessionStore interface {
	FetchSession(ctx context.Context, sessionID string) (*transcript.Snapshot, error)
	SetFiles(ctx context.Context, sessionID string, files []messages.FileItem) error
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	manager    *relay.Manager
	store      SessionStore
	config     *config.Config
	logger     *zap.Logger
}

func NewServerWebsocket(cfg *config.Config, manager *relay.Manager, st SessionStore, logger *zap.Logger) *Server {
	s := &Server{
		manager: manager,
		store:   st,
		config:  cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024,
			WriteBufferSize:   64 * 1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Handler(),
		// No Read/WriteTimeout: they would cut long-lived websockets.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the routes served by the relay
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/files", s.handleSetFiles)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.logger.Info("websocket server starting",
		zap.Int("port", s.config.Port),
		zap.String("endpoint", fmt.Sprintf("ws://localhost:%d/ws", s.config.Port)),
	)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.manager.Shutdown(ctx)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c, err := s.manager.Create(r.Context(), conn)
	if err != nil {
		s.logger.Warn("failed to create connection", zap.Error(err))
		conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
		)
		conn.Close()
		return
	}

	s.logger.Info("connection opened", zap.String("connection_id", c.ID))

	c.Start()
	<-c.Done()

	s.manager.Remove(context.Background(), c.ID)
	s.logger.Info("connection closed", zap.String("connection_id", c.ID))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.store.FetchSession(r.Context(), id)
	if err != nil {
		s.logger.Error("fetch session failed", zap.String("session_id", id), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, apiResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{OK: true, Data: snap})
}

func (s *Server) handleSetFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, apiResponse{Error: err.Error()})
		return
	}

	var files []messages.FileItem
	if err := sonic.Unmarshal(body, &files); err != nil {
		s.writeJSON(w, http.StatusBadRequest, apiResponse{Error: "invalid file list: " + err.Error()})
		return
	}
	if err := s.store.SetFiles(r.Context(), id, files); err != nil {
		s.logger.Error("set files failed", zap.String("session_id", id), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, apiResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{OK: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.manager.Count(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
