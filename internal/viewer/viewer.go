package viewer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/avatar-runtime/internal/viewer/anim"
	"github.com/saker-ai/avatar-runtime/internal/viewer/fsm"
	"github.com/saker-ai/avatar-runtime/internal/viewer/loader"
	"github.com/saker-ai/avatar-runtime/internal/viewer/model"
	"github.com/saker-ai/avatar-runtime/internal/viewer/pool"
	"github.com/saker-ai/avatar-runtime/internal/viewer/surface"
	"github.com/saker-ai/avatar-runtime/internal/viewer/texcache"
	"github.com/saker-ai/avatar-runtime/internal/viewer/transform"
)

// Config carries the viewer options shared by every session.
type Config struct {
	MaxLoadedModels   int
	TextureCacheBytes int64
	IdleUnload        time.Duration
	AutoIdle          bool
	IdleInterval      time.Duration
	RecoveryInterval  time.Duration
}

// Manager owns the process-wide viewer state: the model pool, the texture
// cache and the transform store are shared by all sessions, so two surfaces
// showing the same model share one resident bundle.
type Manager struct {
	cfg        Config
	engine     loader.Engine
	pool       *pool.Pool
	cache      *texcache.Cache
	transforms *transform.Controller
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds the shared state. Every unload, whether from capacity
// eviction, the idle sweep or a hot swap, clears the model's texture-cache
// scope and drops its stored transform.
func NewManager(cfg Config, engine loader.Engine, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		engine:   engine,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
	m.cache = texcache.New(cfg.TextureCacheBytes, logger)
	m.transforms = transform.New(logger)
	m.pool = pool.New(pool.Config{
		Capacity:   cfg.MaxLoadedModels,
		IdleUnload: cfg.IdleUnload,
	}, pool.Callbacks{
		OnUnload: func(id, reason string) {
			m.cache.ClearScope(id)
			m.transforms.Forget(id)
		},
	}, logger)
	return m
}

// SessionCallbacks surface per-session events to the owner, typically a
// WebSocket connection. Any field may be nil.
type SessionCallbacks struct {
	OnLoadState  func(state fsm.State, modelID string)
	OnReady      func(session *model.Session, cfg model.LoadConfig)
	OnLoadError  func(modelID string, err error)
	OnPlayback   func(pb anim.Playback)
	OnExpression func(index int)
	OnRecovered  func(s surface.Surface, reason string)
}

// SessionOptions configure one viewer session.
type SessionOptions struct {
	// ID names the session; it doubles as the pool's surface binding key.
	ID string
	// Surface is the drawing target the session renders into.
	Surface surface.Surface
	// Recreate replaces the surface after corruption.
	Recreate surface.RecreateFunc
	// Callbacks receive the session's events.
	Callbacks SessionCallbacks
}

// OpenSession wires a coordinator, a scheduler and a recovery monitor around
// the shared state and registers the session.
func (m *Manager) OpenSession(opts SessionOptions) *Session {
	logger := m.logger.With(zap.String("viewer_session", opts.ID))
	s := &Session{
		id:      opts.ID,
		manager: m,
		logger:  logger,
	}

	s.scheduler = anim.New(anim.Config{
		AutoIdle:     m.cfg.AutoIdle,
		IdleInterval: m.cfg.IdleInterval,
	}, anim.Callbacks{
		OnPlayback: func(pb anim.Playback) {
			if pb.State == anim.PlaybackPlaying {
				if id := s.ActiveModel(); id != "" {
					m.pool.Touch(id)
				}
			}
			if cb := opts.Callbacks.OnPlayback; cb != nil {
				cb(pb)
			}
		},
		OnExpression: opts.Callbacks.OnExpression,
	}, logger)

	s.coordinator = loader.New(opts.ID, m.engine, m.pool, m.cache, m.transforms, loader.Callbacks{
		OnState: opts.Callbacks.OnLoadState,
		OnReady: func(session *model.Session, cfg model.LoadConfig) {
			s.scheduler.Bind(cfg.ID, session.Bundle.Catalog, cfg.IdleGroup)
			if cb := opts.Callbacks.OnReady; cb != nil {
				cb(session, cfg)
			}
		},
		OnError: opts.Callbacks.OnLoadError,
	}, logger)

	s.monitor = surface.NewMonitor(opts.Surface, opts.Recreate, m.cfg.RecoveryInterval, surface.Callbacks{
		OnRecovered: func(replacement surface.Surface, reason string) {
			s.coordinator.OnSurfaceRecovered()
			if cb := opts.Callbacks.OnRecovered; cb != nil {
				cb(replacement, reason)
			}
		},
	}, logger)

	m.mu.Lock()
	m.sessions[opts.ID] = s
	m.mu.Unlock()
	m.logger.Info("viewer session opened", zap.String("viewer_session", opts.ID))
	return s
}

// CloseSession tears one session down and forgets it.
func (m *Manager) CloseSession(id string) {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// CloseAll tears down every open session, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

// SweepIdle reclaims idle, unbound models. The maintenance janitor calls
// this on its schedule.
func (m *Manager) SweepIdle() int {
	return m.pool.SweepIdle()
}

// Stats is the aggregated observability snapshot.
type Stats struct {
	Pool     pool.Stats     `json:"pool"`
	Cache    texcache.Stats `json:"texture_cache"`
	Models   []string       `json:"models"`
	Sessions []SessionStats `json:"sessions"`
}

// Stats snapshots the pool, cache and every session.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	stats := Stats{
		Pool:     m.pool.Stats(),
		Cache:    m.cache.Stats(),
		Models:   m.pool.Models(),
		Sessions: make([]SessionStats, 0, len(sessions)),
	}
	for _, s := range sessions {
		stats.Sessions = append(stats.Sessions, s.Stats())
	}
	sort.Slice(stats.Sessions, func(i, j int) bool {
		return stats.Sessions[i].ID < stats.Sessions[j].ID
	})
	return stats
}

// Session is the per-surface facade the control surface talks to: one
// coordinator, one scheduler, one recovery monitor, all sharing the
// manager's pool and caches.
type Session struct {
	id          string
	manager     *Manager
	coordinator *loader.Coordinator
	scheduler   *anim.Scheduler
	monitor     *surface.Monitor
	logger      *zap.Logger

	mu        sync.Mutex
	runCtx    context.Context
	cancel    context.CancelFunc
	monitorOn bool
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Start launches the animation tick loop. Idempotent.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	s.mu.Unlock()
	go s.scheduler.Run(runCtx)
}

// StartMonitor launches surface health checks, beginning with an immediate
// one. Called once the client has actually mounted a surface; idempotent.
func (s *Session) StartMonitor() {
	s.mu.Lock()
	if s.monitorOn || s.runCtx == nil {
		s.mu.Unlock()
		return
	}
	s.monitorOn = true
	runCtx := s.runCtx
	s.mu.Unlock()
	go s.monitor.Run(runCtx)
}

// Close stops the session's loops and releases its surface binding. The
// model itself stays resident for LRU/idle accounting to reclaim.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if released := s.manager.pool.Release(s.id); released != "" {
		s.logger.Info("viewer session released binding", zap.String("model_id", released))
	}
}

// Load brings a model onto this session's surface.
func (s *Session) Load(ctx context.Context, cfg model.LoadConfig) error {
	return s.coordinator.Load(ctx, cfg)
}

// State returns the session's load state.
func (s *Session) State() fsm.State {
	return s.coordinator.State()
}

// ActiveModel returns the model bound to this session, or "".
func (s *Session) ActiveModel() string {
	return s.coordinator.ActiveModel()
}

// LastError returns the last load failure description, or "".
func (s *Session) LastError() string {
	return s.coordinator.LastError()
}

// Play submits an animation request.
func (s *Session) Play(req anim.Request) error {
	return s.scheduler.Play(req)
}

// StopAnimation stops the active playback.
func (s *Session) StopAnimation() {
	s.scheduler.Stop()
}

// PauseAnimation freezes the active playback.
func (s *Session) PauseAnimation() {
	s.scheduler.Pause()
}

// ResumeAnimation continues a paused playback.
func (s *Session) ResumeAnimation() {
	s.scheduler.Resume()
}

// SetExpression activates an expression by index.
func (s *Session) SetExpression(index int) error {
	return s.scheduler.SetExpression(index)
}

// Expression returns the active expression index, or -1.
func (s *Session) Expression() int {
	return s.scheduler.Expression()
}

// CurrentPlayback snapshots the active playback, or nil.
func (s *Session) CurrentPlayback() *anim.Playback {
	return s.scheduler.Current()
}

// Touch refreshes the bound model's last-use time, for explicit focus.
func (s *Session) Touch() {
	if id := s.ActiveModel(); id != "" {
		s.manager.pool.Touch(id)
	}
}

// DragStart begins a drag of the bound model.
func (s *Session) DragStart() bool {
	id := s.ActiveModel()
	if id == "" {
		return false
	}
	s.manager.pool.Touch(id)
	s.manager.transforms.DragStart(id)
	return true
}

// DragMove applies the cumulative gesture delta.
func (s *Session) DragMove(dx, dy float64) (model.Transform, bool) {
	return s.manager.transforms.DragMove(dx, dy)
}

// DragEnd finalizes the drag.
func (s *Session) DragEnd() {
	s.manager.transforms.DragEnd()
}

// Wheel zooms the bound model one step.
func (s *Session) Wheel(deltaY float64) (model.Transform, bool) {
	id := s.ActiveModel()
	if id == "" {
		return model.Transform{}, false
	}
	return s.manager.transforms.Wheel(id, deltaY), true
}

// ResetTransform restores the bound model's default placement.
func (s *Session) ResetTransform() (model.Transform, bool) {
	id := s.ActiveModel()
	if id == "" {
		return model.Transform{}, false
	}
	return s.manager.transforms.Reset(id), true
}

// Transform returns the bound model's placement.
func (s *Session) Transform() (model.Transform, bool) {
	id := s.ActiveModel()
	if id == "" {
		return model.Transform{}, false
	}
	t, _ := s.manager.transforms.Get(id)
	return t, true
}

// Surface returns the session's current drawing target.
func (s *Session) Surface() surface.Surface {
	return s.monitor.Surface()
}

// CheckSurfaceNow forces an immediate health check, for client-side loss
// reports that should not wait for the next interval.
func (s *Session) CheckSurfaceNow() bool {
	return s.monitor.CheckNow()
}

// SessionStats is the per-session observability snapshot.
type SessionStats struct {
	ID          string         `json:"id"`
	State       fsm.State      `json:"state"`
	ActiveModel string         `json:"active_model,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Expression  int            `json:"expression"`
	Playback    *anim.Playback `json:"playback,omitempty"`
}

// Stats snapshots this session.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		ID:          s.id,
		State:       s.State(),
		ActiveModel: s.ActiveModel(),
		LastError:   s.LastError(),
		Expression:  s.Expression(),
		Playback:    s.CurrentPlayback(),
	}
}
