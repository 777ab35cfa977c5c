package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saker-ai/avatar-runtime/internal/protocol"
	"github.com/saker-ai/avatar-runtime/internal/storage"
	"github.com/saker-ai/avatar-runtime/internal/viewer"
	"github.com/saker-ai/avatar-runtime/internal/viewer/anim"
	"github.com/saker-ai/avatar-runtime/internal/viewer/fsm"
	"github.com/saker-ai/avatar-runtime/internal/viewer/model"
	"github.com/saker-ai/avatar-runtime/internal/viewer/surface"
)

// Handler upgrades viewer clients and binds each connection to one viewer
// session.
type Handler struct {
	logger          *zap.Logger
	upgrader        websocket.Upgrader
	viewers         *viewer.Manager
	registry        *storage.Registry
	heartbeatWindow time.Duration
	sessions        map[string]*session
	mu              sync.Mutex
}

type session struct {
	conn    *websocket.Conn
	sendMu  sync.Mutex
	logger  *zap.Logger
	handler *Handler
	id      string
	viewer  *viewer.Session

	mu         sync.Mutex
	surface    *RemoteSurface
	generation int
}

// NewHandler builds the control surface over the shared viewer manager and
// model registry.
func NewHandler(logger *zap.Logger, viewers *viewer.Manager, registry *storage.Registry) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:          logger,
		viewers:         viewers,
		registry:        registry,
		heartbeatWindow: DefaultHeartbeatWindow,
		sessions:        make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handle upgrades the request and serves commands until the client hangs
// up. The viewer session lives exactly as long as the connection.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := uuid.NewString()
	sess := &session{
		conn:    conn,
		logger:  h.logger,
		handler: h,
		id:      sessionID,
	}
	sess.surface = newRemoteSurface(sessionID, 0, h.heartbeatWindow)

	sess.logger.Info("viewer client connected",
		zap.String("session_id", sessionID),
		zap.String("remote_addr", r.RemoteAddr))

	h.registerSession(sess)
	sess.viewer = h.viewers.OpenSession(viewer.SessionOptions{
		ID:        sessionID,
		Surface:   sess.surface,
		Recreate:  sess.recreateSurface,
		Callbacks: sess.viewerCallbacks(),
	})
	sess.viewer.Start(ctx)
	sess.sendModelList()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			sess.logger.Debug("ws connection closed", zap.Error(err))
			break
		}
		var cmd protocol.ClientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			sess.sendError("invalid json")
			continue
		}
		if cmd.Type != "heartbeat" {
			sess.logger.Debug("ws incoming command",
				zap.String("session_id", sess.id),
				zap.String("type", cmd.Type))
		}
		sess.dispatch(ctx, cmd)
	}

	h.viewers.CloseSession(sessionID)
	h.unregisterSession(sessionID)
	sess.logger.Info("viewer client disconnected", zap.String("session_id", sessionID))
}

// viewerCallbacks translate viewer events into outgoing messages.
func (s *session) viewerCallbacks() viewer.SessionCallbacks {
	return viewer.SessionCallbacks{
		OnLoadState: func(state fsm.State, modelID string) {
			s.sendJSON(map[string]any{"type": "load-state", "state": string(state), "model": modelID})
		},
		OnReady: func(ms *model.Session, cfg model.LoadConfig) {
			transform, _ := s.viewer.Transform()
			s.sendJSON(map[string]any{
				"type":          "model-ready",
				"model":         cfg.ID,
				"transform":     transform,
				"catalog":       ms.Bundle.Catalog,
				"texture_bytes": ms.TextureBytes,
			})
		},
		OnLoadError: func(modelID string, err error) {
			s.sendJSON(map[string]any{"type": "error", "model": modelID, "message": err.Error()})
		},
		OnPlayback: func(pb anim.Playback) {
			s.sendJSON(map[string]any{"type": "playback-state", "playback": pb})
		},
		OnExpression: func(index int) {
			s.sendJSON(map[string]any{"type": "expression-set", "index": index})
		},
		OnRecovered: func(sf surface.Surface, reason string) {
			s.sendJSON(map[string]any{"type": "surface-recovered", "surface_id": sf.ID(), "reason": reason})
		},
	}
}

// recreateSurface is the monitor's rebuild hook. The replacement carries the
// last known extent so it does not immediately fail the next health check,
// and the client is asked to remount its canvas.
func (s *session) recreateSurface() (surface.Surface, error) {
	s.mu.Lock()
	s.generation++
	width, height := 0, 0
	if s.surface != nil {
		width, height = s.surface.Extent()
	}
	next := newRemoteSurface(s.id, s.generation, s.handler.heartbeatWindow)
	next.Resize(width, height)
	s.surface = next
	s.mu.Unlock()

	s.sendJSON(map[string]any{"type": "recreate-surface", "surface_id": next.ID()})
	return next, nil
}

func (s *session) surfaceRef() *RemoteSurface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface
}

func (s *session) sendModelList() {
	s.sendJSON(map[string]any{"type": "model-list", "models": s.handler.registry.List()})
}

func (s *session) sendJSON(payload any) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.conn.WriteJSON(payload); err != nil {
		s.logger.Debug("ws send failed", zap.Error(err))
	}
}

func (s *session) sendError(message string) {
	s.sendJSON(map[string]any{"type": "error", "message": message})
}

func (h *Handler) registerSession(sess *session) {
	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()
}

func (h *Handler) unregisterSession(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}
