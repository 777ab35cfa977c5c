package pool

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/avatar-runtime/internal/viewer/model"
)

const (
	// DefaultCapacity is the resident-session bound when none is configured.
	DefaultCapacity = 3
	// DefaultIdleUnload is how long a session may sit untouched before the
	// idle sweep reclaims it.
	DefaultIdleUnload = 300 * time.Second
)

// Unload reasons passed to the OnUnload callback.
const (
	ReasonCapacity = "capacity"
	ReasonIdle     = "idle"
	ReasonExplicit = "explicit"
	ReasonSwap     = "hot_swap"
)

// Config bounds the pool.
type Config struct {
	Capacity   int
	IdleUnload time.Duration
}

// Callbacks receive pool lifecycle events. All callbacks are invoked after
// the pool mutation completes and outside the pool lock.
type Callbacks struct {
	OnUnload func(id string, reason string)
}

// Stats is the observability snapshot of the pool.
type Stats struct {
	LoadedCount      int   `json:"loaded_count"`
	TotalMemoryBytes int64 `json:"total_memory_bytes"`
}

// Pool is the bounded registry of loaded model sessions. When registration
// would exceed capacity it evicts the least-recently-used session that is
// not bound to any surface; sessions bound to a surface are never reclaimed
// behind the surface's back.
type Pool struct {
	mu         sync.Mutex
	capacity   int
	idleUnload time.Duration
	sessions   map[string]*model.Session
	bindings   map[string]string
	callbacks  Callbacks
	logger     *zap.Logger

	now func() time.Time
}

// New returns an empty pool.
func New(cfg Config, callbacks Callbacks, logger *zap.Logger) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.IdleUnload <= 0 {
		cfg.IdleUnload = DefaultIdleUnload
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		capacity:   cfg.Capacity,
		idleUnload: cfg.IdleUnload,
		sessions:   make(map[string]*model.Session),
		bindings:   make(map[string]string),
		callbacks:  callbacks,
		logger:     logger,
		now:        time.Now,
	}
}

// Register admits a session, evicting least-recently-used unbound sessions
// first when the pool is full. If every resident session is bound (only
// reachable with capacity 1 during a hot swap) the session bound to the
// registering surface is unloaded synchronously to make room. Eviction and
// insert happen under one lock hold.
func (p *Pool) Register(surfaceID string, s *model.Session) {
	if s == nil || s.ID == "" {
		return
	}
	type eviction struct {
		id     string
		reason string
	}
	var unloaded []eviction

	p.mu.Lock()
	if existing, ok := p.sessions[s.ID]; ok {
		existing.Bundle = s.Bundle
		existing.BundleRef = s.BundleRef
		existing.MemoryBytes = s.MemoryBytes
		existing.TextureBytes = s.TextureBytes
		existing.LastUsedAt = p.now()
		p.mu.Unlock()
		return
	}

	for len(p.sessions) >= p.capacity {
		victim := p.evictionCandidateLocked()
		if victim == "" {
			victim = p.bindings[surfaceID]
			if _, resident := p.sessions[victim]; !resident {
				break
			}
			p.unloadLocked(victim)
			unloaded = append(unloaded, eviction{id: victim, reason: ReasonSwap})
			p.logger.Info("model pool unloaded outgoing session for hot swap",
				zap.String("model_id", victim),
				zap.String("surface_id", surfaceID),
			)
			continue
		}
		p.unloadLocked(victim)
		unloaded = append(unloaded, eviction{id: victim, reason: ReasonCapacity})
		p.logger.Info("model pool evicted session",
			zap.String("model_id", victim),
			zap.String("reason", ReasonCapacity),
		)
	}

	s.Loaded = true
	s.LastUsedAt = p.now()
	p.sessions[s.ID] = s
	loaded := len(p.sessions)
	p.mu.Unlock()

	p.logger.Info("model pool registered session",
		zap.String("model_id", s.ID),
		zap.Int64("memory_bytes", s.MemoryBytes),
		zap.Int("loaded_count", loaded),
	)
	for _, ev := range unloaded {
		p.fireUnload(ev.id, ev.reason)
	}
}

// Touch refreshes a resident session's last-use time.
func (p *Pool) Touch(id string) {
	p.mu.Lock()
	if s, ok := p.sessions[id]; ok {
		s.LastUsedAt = p.now()
	}
	p.mu.Unlock()
}

// Unload drops a session and reports whether it was resident. Safe to call
// for absent ids.
func (p *Pool) Unload(id string) bool {
	p.mu.Lock()
	_, ok := p.sessions[id]
	if ok {
		p.unloadLocked(id)
	}
	p.mu.Unlock()
	if ok {
		p.logger.Info("model pool unloaded session",
			zap.String("model_id", id),
			zap.String("reason", ReasonExplicit),
		)
		p.fireUnload(id, ReasonExplicit)
	}
	return ok
}

// Bind pins a model to a surface: while bound it is skipped by capacity
// eviction and the idle sweep.
func (p *Pool) Bind(surfaceID string, modelID string) {
	p.mu.Lock()
	p.bindings[surfaceID] = modelID
	if s, ok := p.sessions[modelID]; ok {
		s.LastUsedAt = p.now()
	}
	p.mu.Unlock()
}

// Release drops a surface's binding, returning the model id it held.
func (p *Pool) Release(surfaceID string) string {
	p.mu.Lock()
	id := p.bindings[surfaceID]
	delete(p.bindings, surfaceID)
	p.mu.Unlock()
	return id
}

// Bound returns the model id currently pinned by surfaceID.
func (p *Pool) Bound(surfaceID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bindings[surfaceID]
}

// Get returns the resident session for id, or nil.
func (p *Pool) Get(id string) *model.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[id]
}

// Resident reports whether id is loaded.
func (p *Pool) Resident(id string) bool {
	return p.Get(id) != nil
}

// SweepIdle unloads every unbound session whose last use is older than the
// idle-unload window. It runs independently of capacity pressure.
func (p *Pool) SweepIdle() int {
	cutoff := p.now().Add(-p.idleUnload)
	var swept []string

	p.mu.Lock()
	bound := p.boundSetLocked()
	for id, s := range p.sessions {
		if _, pinned := bound[id]; pinned {
			continue
		}
		if s.LastUsedAt.Before(cutoff) {
			swept = append(swept, id)
		}
	}
	for _, id := range swept {
		p.unloadLocked(id)
	}
	p.mu.Unlock()

	for _, id := range swept {
		p.logger.Info("model pool idle sweep unloaded session",
			zap.String("model_id", id),
		)
		p.fireUnload(id, ReasonIdle)
	}
	return len(swept)
}

// Stats returns the loaded count and aggregate memory footprint.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, s := range p.sessions {
		total += s.MemoryBytes
	}
	return Stats{LoadedCount: len(p.sessions), TotalMemoryBytes: total}
}

// Models returns the resident model ids, sorted.
func (p *Pool) Models() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// evictionCandidateLocked picks the unbound session with the oldest last-use
// time. Returns "" when every resident session is bound.
func (p *Pool) evictionCandidateLocked() string {
	bound := p.boundSetLocked()
	var victimID string
	var victim *model.Session
	for id, s := range p.sessions {
		if _, pinned := bound[id]; pinned {
			continue
		}
		if victim == nil || s.LastUsedAt.Before(victim.LastUsedAt) {
			victimID, victim = id, s
		}
	}
	return victimID
}

func (p *Pool) boundSetLocked() map[string]struct{} {
	bound := make(map[string]struct{}, len(p.bindings))
	for _, id := range p.bindings {
		bound[id] = struct{}{}
	}
	return bound
}

func (p *Pool) unloadLocked(id string) {
	if s, ok := p.sessions[id]; ok {
		s.Loaded = false
		delete(p.sessions, id)
	}
}

func (p *Pool) fireUnload(id string, reason string) {
	if p.callbacks.OnUnload != nil {
		p.callbacks.OnUnload(id, reason)
	}
}
