package anim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/avatar-runtime/internal/viewer/model"
)

const (
	// DefaultIdleGroup is the motion group auto-idle draws from when the
	// model does not name its own.
	DefaultIdleGroup = "idle"
	// DefaultIdleInterval is how often auto-idle self-triggers.
	DefaultIdleInterval = 10 * time.Second
	// DefaultTickInterval is the progress/auto-idle tick period.
	DefaultTickInterval = 100 * time.Millisecond

	// defaultClipDuration stands in for clips whose metadata carries no
	// duration, so progress still advances and completes.
	defaultClipDuration = 3 * time.Second
)

// Config carries the scheduler options.
type Config struct {
	// AutoIdle enables the self-triggered idle animation.
	AutoIdle bool
	// IdleInterval is the auto-idle trigger period.
	IdleInterval time.Duration
	// TickInterval is the Run loop period.
	TickInterval time.Duration
}

// Callbacks notify the owner about playback changes. All callbacks are
// invoked outside the scheduler lock and may be nil.
type Callbacks struct {
	// OnPlayback fires whenever a playback starts or changes state.
	OnPlayback func(pb Playback)
	// OnExpression fires when the active expression changes.
	OnExpression func(index int)
}

// Scheduler drives one model's animation playback. Requests compete by
// priority: a playing animation with a strictly higher priority silently
// absorbs lower-priority requests; everything else is replaced, ties going
// to the newer request. Expressions are orthogonal and never contend.
type Scheduler struct {
	cfg       Config
	callbacks Callbacks
	logger    *zap.Logger

	mu         sync.Mutex
	modelID    string
	catalog    model.Catalog
	idleGroup  string
	playback   *Playback
	pausedAt   time.Time
	expression int
	idleCursor int
	nextIdleAt time.Time

	now func() time.Time
}

// New returns a scheduler with nothing bound. Play and SetExpression fail
// with ErrNoActiveModel until Bind is called.
func New(cfg Config, callbacks Callbacks, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Scheduler{
		cfg:        cfg,
		callbacks:  callbacks,
		logger:     logger,
		expression: -1,
		now:        time.Now,
	}
}

// Bind points the scheduler at a freshly loaded model. Any previous playback
// is discarded and, when auto-idle is enabled, the idle cycle restarts from
// the first clip on the next tick.
func (s *Scheduler) Bind(modelID string, catalog model.Catalog, idleGroup string) {
	if idleGroup == "" {
		idleGroup = DefaultIdleGroup
	}
	s.mu.Lock()
	s.modelID = modelID
	s.catalog = catalog
	s.idleGroup = idleGroup
	s.playback = nil
	s.expression = -1
	s.idleCursor = 0
	s.nextIdleAt = time.Time{}
	s.mu.Unlock()
	s.logger.Debug("scheduler bound",
		zap.String("model_id", modelID),
		zap.String("idle_group", idleGroup),
		zap.Int("idle_clips", catalog.GroupSize(idleGroup)))
}

// Play admits req against the bound catalog and the active playback. A
// missing (group, index) returns ErrAnimationNotFound and leaves the active
// playback untouched. A playing animation with a strictly higher priority
// swallows the request without error.
func (s *Scheduler) Play(req Request) error {
	s.mu.Lock()
	if s.modelID == "" {
		s.mu.Unlock()
		return model.ErrNoActiveModel
	}
	clip, ok := s.catalog.Clip(req.Group, req.Index)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s[%d]", model.ErrAnimationNotFound, req.Group, req.Index)
	}
	req = normalizeRequest(req, clip)
	if pb := s.playback; pb != nil && pb.State == PlaybackPlaying && pb.Request.Priority > req.Priority {
		s.mu.Unlock()
		s.logger.Debug("animation request dropped by higher-priority playback",
			zap.String("group", req.Group),
			zap.Int("index", req.Index),
			zap.Int("priority", int(req.Priority)),
			zap.Int("active_priority", int(pb.Request.Priority)))
		return nil
	}
	out := s.startLocked(req, clip, s.now())
	s.mu.Unlock()
	s.emit(out)
	return nil
}

// Stop transitions the active playback to stopped. Calling it with nothing
// active is a no-op. Auto-idle resumes after one idle interval.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	pb := s.playback
	if pb == nil || pb.State == PlaybackStopped {
		s.mu.Unlock()
		return
	}
	if pb.State == PlaybackPlaying {
		pb.Progress, pb.PlayedCount, _ = playbackPosition(pb, s.now())
	}
	pb.State = PlaybackStopped
	s.nextIdleAt = s.now().Add(s.cfg.IdleInterval)
	out := *pb
	s.mu.Unlock()
	s.emit(out)
}

// Pause freezes the active playback in place. Only a playing animation can
// be paused.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	pb := s.playback
	if pb == nil || pb.State != PlaybackPlaying {
		s.mu.Unlock()
		return
	}
	now := s.now()
	pb.Progress, pb.PlayedCount, _ = playbackPosition(pb, now)
	pb.State = PlaybackPaused
	s.pausedAt = now
	out := *pb
	s.mu.Unlock()
	s.emit(out)
}

// Resume continues a paused playback from where Pause froze it.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	pb := s.playback
	if pb == nil || pb.State != PlaybackPaused {
		s.mu.Unlock()
		return
	}
	now := s.now()
	pb.StartedAt = pb.StartedAt.Add(now.Sub(s.pausedAt))
	pb.State = PlaybackPlaying
	out := *pb
	s.mu.Unlock()
	s.emit(out)
}

// SetExpression activates an expression by catalog index. Expressions do not
// participate in the priority scheme and coexist with any playing animation.
func (s *Scheduler) SetExpression(index int) error {
	s.mu.Lock()
	if s.modelID == "" {
		s.mu.Unlock()
		return model.ErrNoActiveModel
	}
	if !s.catalog.HasExpression(index) {
		s.mu.Unlock()
		return fmt.Errorf("%w: index %d", model.ErrExpressionNotFound, index)
	}
	s.expression = index
	s.mu.Unlock()
	if cb := s.callbacks.OnExpression; cb != nil {
		cb(index)
	}
	return nil
}

// Expression returns the active expression index, or -1 when none is set.
func (s *Scheduler) Expression() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expression
}

// Current returns a snapshot of the active playback with progress brought up
// to date, or nil when nothing was ever played for the bound model.
func (s *Scheduler) Current() *Playback {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playback == nil {
		return nil
	}
	out := *s.playback
	if out.State == PlaybackPlaying {
		out.Progress, out.PlayedCount, _ = playbackPosition(&out, s.now())
	}
	return &out
}

// Run drives progress tracking and the auto-idle trigger until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

// tick advances the active playback and lets auto-idle fill silence. A
// completed playback hands off to auto-idle in the same tick.
func (s *Scheduler) tick(now time.Time) {
	var events []Playback
	s.mu.Lock()
	if s.modelID == "" {
		s.mu.Unlock()
		return
	}
	if pb := s.playback; pb != nil && pb.State == PlaybackPlaying {
		progress, played, done := playbackPosition(pb, now)
		pb.Progress, pb.PlayedCount = progress, played
		if done {
			pb.State = PlaybackIdle
			s.nextIdleAt = now
			events = append(events, *pb)
		}
	}
	if s.cfg.AutoIdle {
		if out, ok := s.maybeIdleLocked(now); ok {
			events = append(events, out)
		}
	}
	s.mu.Unlock()
	for _, ev := range events {
		s.emit(ev)
	}
}

// maybeIdleLocked starts the next idle clip when nothing outranks it and the
// idle interval has elapsed. Idle clips rotate round-robin through the
// group.
func (s *Scheduler) maybeIdleLocked(now time.Time) (Playback, bool) {
	size := s.catalog.GroupSize(s.idleGroup)
	if size == 0 {
		return Playback{}, false
	}
	if pb := s.playback; pb != nil {
		switch pb.State {
		case PlaybackPaused:
			// A paused playback is deliberately frozen, not silence to fill.
			return Playback{}, false
		case PlaybackPlaying:
			if pb.Request.Priority > PriorityIdle {
				return Playback{}, false
			}
		}
	}
	if now.Before(s.nextIdleAt) {
		return Playback{}, false
	}
	index := s.idleCursor % size
	s.idleCursor++
	clip, ok := s.catalog.Clip(s.idleGroup, index)
	if !ok {
		return Playback{}, false
	}
	req := normalizeRequest(Request{
		Type:     TypeIdle,
		Group:    s.idleGroup,
		Index:    index,
		Priority: PriorityIdle,
	}, clip)
	return s.startLocked(req, clip, now), true
}

// startLocked replaces the active playback and pushes the next auto-idle
// slot out by one interval.
func (s *Scheduler) startLocked(req Request, clip model.Clip, now time.Time) Playback {
	pb := Playback{
		Request:   req,
		Clip:      clip,
		State:     PlaybackPlaying,
		StartedAt: now,
	}
	s.playback = &pb
	s.nextIdleAt = now.Add(s.cfg.IdleInterval)
	return pb
}

func (s *Scheduler) emit(pb Playback) {
	if cb := s.callbacks.OnPlayback; cb != nil {
		cb(pb)
	}
}

// playbackPosition derives the cycle progress and completed play count of pb
// at the given instant. Positions are recomputed from StartedAt every time
// instead of accumulated per tick, so tick cadence cannot drift the result.
func playbackPosition(pb *Playback, now time.Time) (progress float64, played int, done bool) {
	cycle := pb.Clip.Duration
	if cycle <= 0 {
		cycle = defaultClipDuration
	}
	rate := pb.Request.Rate
	if rate <= 0 {
		rate = 1.0
	}
	ratio := float64(now.Sub(pb.StartedAt)) * rate / float64(cycle)
	if ratio < 0 {
		ratio = 0
	}
	if pb.Request.Loop {
		return ratio - math.Floor(ratio), int(ratio), false
	}
	total := pb.Request.RepeatCount
	if total < 1 {
		total = 1
	}
	if ratio >= float64(total) {
		return 1.0, total, true
	}
	return ratio - math.Floor(ratio), int(ratio), false
}
