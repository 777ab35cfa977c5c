package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/saker-ai/avatar-runtime/internal/viewer/anim"
	"github.com/saker-ai/avatar-runtime/internal/viewer/fsm"
	"github.com/saker-ai/avatar-runtime/internal/viewer/model"
	"github.com/saker-ai/avatar-runtime/internal/viewer/surface"
	"github.com/saker-ai/avatar-runtime/internal/viewer/texcache"
)

type stubEngine struct {
	mu      sync.Mutex
	bundles map[string]*model.Bundle
	fetched int
}

func (e *stubEngine) Fetch(ctx context.Context, ref string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.bundles[ref]; !ok {
		return nil, fmt.Errorf("no bundle at %s", ref)
	}
	e.fetched++
	return []byte(ref), nil
}

func (e *stubEngine) Decode(ctx context.Context, modelID, ref string, raw []byte) (*model.Bundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bundles[ref]
	if !ok {
		return nil, fmt.Errorf("no bundle at %s", ref)
	}
	return b, nil
}

func (e *stubEngine) fetchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetched
}

func stubBundle(ref string) *model.Bundle {
	return &model.Bundle{
		Ref: ref,
		Rig: []byte("rig"),
		Textures: []model.Texture{
			{Name: "body.png", Payload: make([]byte, 512), Bytes: 512, Width: 16, Height: 16},
		},
		Catalog: model.Catalog{
			Motions: map[string][]model.Clip{
				"idle": {{Index: 0, Name: "idle_a", Duration: 2 * time.Second}},
				"tap":  {{Index: 0, Name: "tap_a", Duration: time.Second}},
			},
			Expressions: []string{"neutral", "smile"},
		},
	}
}

type stubSurface struct {
	id       string
	attached bool
	alive    bool
	width    int
	height   int
	disposed bool
}

func (s *stubSurface) ID() string         { return s.id }
func (s *stubSurface) Attached() bool     { return s.attached }
func (s *stubSurface) Extent() (int, int) { return s.width, s.height }
func (s *stubSurface) ContextAlive() bool { return s.alive }
func (s *stubSurface) Dispose()           { s.disposed = true }

func healthyStub(id string) *stubSurface {
	return &stubSurface{id: id, attached: true, alive: true, width: 800, height: 600}
}

type sessionRecorder struct {
	mu        sync.Mutex
	states    []fsm.State
	errs      []error
	ready     chan model.LoadConfig
	playbacks chan anim.Playback
	recovered chan string
}

func newSessionRecorder() *sessionRecorder {
	return &sessionRecorder{
		ready:     make(chan model.LoadConfig, 16),
		playbacks: make(chan anim.Playback, 16),
		recovered: make(chan string, 16),
	}
}

func (r *sessionRecorder) callbacks() SessionCallbacks {
	return SessionCallbacks{
		OnLoadState: func(state fsm.State, modelID string) {
			r.mu.Lock()
			r.states = append(r.states, state)
			r.mu.Unlock()
		},
		OnReady: func(_ *model.Session, cfg model.LoadConfig) {
			r.ready <- cfg
		},
		OnLoadError: func(_ string, err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnPlayback: func(pb anim.Playback) {
			r.playbacks <- pb
		},
		OnRecovered: func(_ surface.Surface, reason string) {
			r.recovered <- reason
		},
	}
}

type facadeFixture struct {
	manager *Manager
	engine  *stubEngine
}

func newFacade(cfg Config, refs ...string) *facadeFixture {
	engine := &stubEngine{bundles: make(map[string]*model.Bundle)}
	for _, ref := range refs {
		engine.bundles[ref] = stubBundle(ref)
	}
	return &facadeFixture{
		manager: NewManager(cfg, engine, nil),
		engine:  engine,
	}
}

func defaultFacade(refs ...string) *facadeFixture {
	return newFacade(Config{MaxLoadedModels: 3, TextureCacheBytes: 1 << 20}, refs...)
}

func loadCfg(id string) model.LoadConfig {
	return model.LoadConfig{
		ID:               id,
		BundleRef:        "bundle-" + id,
		InitialTransform: model.Transform{Scale: 1.0},
		IdleGroup:        "idle",
	}
}

func waitCfg(t *testing.T, ch chan model.LoadConfig) model.LoadConfig {
	t.Helper()
	select {
	case cfg := <-ch:
		return cfg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for ready")
		return model.LoadConfig{}
	}
}

func waitPlay(t *testing.T, ch chan anim.Playback) anim.Playback {
	t.Helper()
	select {
	case pb := <-ch:
		return pb
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for playback")
		return anim.Playback{}
	}
}

func TestSessionLoadBindsSchedulerAndTransform(t *testing.T) {
	f := defaultFacade("bundle-haru")
	rec := newSessionRecorder()
	sess := f.manager.OpenSession(SessionOptions{
		ID:        "surface-1",
		Surface:   healthyStub("surface-1"),
		Callbacks: rec.callbacks(),
	})

	cfg := loadCfg("haru")
	cfg.InitialTransform = model.Transform{X: 0.1, Y: -0.2, Scale: 1.5}
	if err := sess.Load(context.Background(), cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	waitCfg(t, rec.ready)

	if got := sess.State(); got != fsm.StateLoaded {
		t.Fatalf("state=%v, want %v", got, fsm.StateLoaded)
	}
	if got := sess.ActiveModel(); got != "haru" {
		t.Fatalf("active=%q, want haru", got)
	}
	tr, ok := sess.Transform()
	if !ok || tr.X != 0.1 || tr.Y != -0.2 || tr.Scale != 1.5 {
		t.Fatalf("transform=%+v ok=%v", tr, ok)
	}

	if err := sess.Play(anim.Request{Type: anim.TypeTap, Group: "tap"}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	pb := waitPlay(t, rec.playbacks)
	if pb.State != anim.PlaybackPlaying || pb.Clip.Name != "tap_a" {
		t.Fatalf("playback=%+v", pb)
	}
}

func TestSessionExpression(t *testing.T) {
	f := defaultFacade("bundle-haru")
	rec := newSessionRecorder()
	sess := f.manager.OpenSession(SessionOptions{
		ID:        "surface-1",
		Surface:   healthyStub("surface-1"),
		Callbacks: rec.callbacks(),
	})
	if err := sess.Load(context.Background(), loadCfg("haru")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := sess.SetExpression(1); err != nil {
		t.Fatalf("SetExpression: %v", err)
	}
	if got := sess.Expression(); got != 1 {
		t.Fatalf("expression=%d, want 1", got)
	}
	if err := sess.SetExpression(9); !errors.Is(err, model.ErrExpressionNotFound) {
		t.Fatalf("err=%v, want ErrExpressionNotFound", err)
	}
	if got := sess.Expression(); got != 1 {
		t.Fatalf("expression after failed set=%d, want 1", got)
	}
}

func TestSessionDragAndWheel(t *testing.T) {
	f := defaultFacade("bundle-haru")
	rec := newSessionRecorder()
	sess := f.manager.OpenSession(SessionOptions{
		ID:        "surface-1",
		Surface:   healthyStub("surface-1"),
		Callbacks: rec.callbacks(),
	})
	if err := sess.Load(context.Background(), loadCfg("haru")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !sess.DragStart() {
		t.Fatalf("DragStart=false, want true")
	}
	tr, ok := sess.DragMove(0.3, -0.1)
	if !ok || tr.X != 0.3 || tr.Y != -0.1 {
		t.Fatalf("after first move transform=%+v ok=%v", tr, ok)
	}
	tr, ok = sess.DragMove(0.5, 0)
	if !ok || tr.X != 0.5 || tr.Y != 0 {
		t.Fatalf("deltas are cumulative: transform=%+v ok=%v", tr, ok)
	}
	sess.DragEnd()

	tr, ok = sess.Wheel(-120)
	if !ok || tr.Scale != 1.1 {
		t.Fatalf("after wheel up transform=%+v ok=%v", tr, ok)
	}
	tr, ok = sess.ResetTransform()
	if !ok || tr != model.DefaultTransform() {
		t.Fatalf("after reset transform=%+v ok=%v", tr, ok)
	}
}

func TestSessionOpsWithoutModel(t *testing.T) {
	f := defaultFacade()
	rec := newSessionRecorder()
	sess := f.manager.OpenSession(SessionOptions{
		ID:        "surface-1",
		Surface:   healthyStub("surface-1"),
		Callbacks: rec.callbacks(),
	})

	if sess.DragStart() {
		t.Fatalf("DragStart without model, want false")
	}
	if _, ok := sess.Wheel(-120); ok {
		t.Fatalf("Wheel without model, want false")
	}
	if _, ok := sess.ResetTransform(); ok {
		t.Fatalf("ResetTransform without model, want false")
	}
	if _, ok := sess.Transform(); ok {
		t.Fatalf("Transform without model, want false")
	}
	if err := sess.Play(anim.Request{Group: "idle"}); !errors.Is(err, model.ErrNoActiveModel) {
		t.Fatalf("Play err=%v, want ErrNoActiveModel", err)
	}
}

func TestHotSwapClearsEvictedScopes(t *testing.T) {
	f := newFacade(Config{MaxLoadedModels: 1, TextureCacheBytes: 1 << 20}, "bundle-haru", "bundle-miku")
	rec := newSessionRecorder()
	sess := f.manager.OpenSession(SessionOptions{
		ID:        "surface-1",
		Surface:   healthyStub("surface-1"),
		Callbacks: rec.callbacks(),
	})

	if err := sess.Load(context.Background(), loadCfg("haru")); err != nil {
		t.Fatalf("load haru: %v", err)
	}
	sess.DragStart()
	sess.DragMove(0.4, 0)
	sess.DragEnd()
	if err := sess.Load(context.Background(), loadCfg("miku")); err != nil {
		t.Fatalf("load miku: %v", err)
	}

	if models := f.manager.pool.Models(); len(models) != 1 || models[0] != "miku" {
		t.Fatalf("resident models=%v, want [miku]", models)
	}
	if f.manager.cache.Contains(texcache.Key("haru", "body.png")) {
		t.Fatalf("evicted model's textures still cached")
	}
	if !f.manager.cache.Contains(texcache.Key("miku", "body.png")) {
		t.Fatalf("active model's textures not cached")
	}
	if _, stored := f.manager.transforms.Get("haru"); stored {
		t.Fatalf("evicted model's transform still stored")
	}
}

func TestTwoSessionsShareResidentModel(t *testing.T) {
	f := defaultFacade("bundle-haru")
	recA := newSessionRecorder()
	recB := newSessionRecorder()
	a := f.manager.OpenSession(SessionOptions{ID: "surface-a", Surface: healthyStub("surface-a"), Callbacks: recA.callbacks()})
	b := f.manager.OpenSession(SessionOptions{ID: "surface-b", Surface: healthyStub("surface-b"), Callbacks: recB.callbacks()})

	if err := a.Load(context.Background(), loadCfg("haru")); err != nil {
		t.Fatalf("load on a: %v", err)
	}
	if err := b.Load(context.Background(), loadCfg("haru")); err != nil {
		t.Fatalf("load on b: %v", err)
	}

	stats := f.manager.Stats()
	if stats.Pool.LoadedCount != 1 {
		t.Fatalf("loaded_count=%d, want 1", stats.Pool.LoadedCount)
	}
	if len(stats.Sessions) != 2 || stats.Sessions[0].ID != "surface-a" || stats.Sessions[1].ID != "surface-b" {
		t.Fatalf("sessions=%+v", stats.Sessions)
	}
	for _, ss := range stats.Sessions {
		if ss.ActiveModel != "haru" || ss.State != fsm.StateLoaded {
			t.Fatalf("session stats=%+v", ss)
		}
	}
	if stats.Cache.Entries == 0 {
		t.Fatalf("cache entries=0, want warmed cache")
	}
}

func TestCloseSessionReleasesBinding(t *testing.T) {
	f := defaultFacade("bundle-haru")
	rec := newSessionRecorder()
	sess := f.manager.OpenSession(SessionOptions{
		ID:        "surface-1",
		Surface:   healthyStub("surface-1"),
		Callbacks: rec.callbacks(),
	})
	sess.Start(context.Background())
	if err := sess.Load(context.Background(), loadCfg("haru")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	f.manager.CloseSession("surface-1")

	if bound := f.manager.pool.Bound("surface-1"); bound != "" {
		t.Fatalf("binding after close=%q, want empty", bound)
	}
	if !f.manager.pool.Resident("haru") {
		t.Fatalf("model evicted on close, want resident for idle sweep to reclaim")
	}
	if got := len(f.manager.Stats().Sessions); got != 0 {
		t.Fatalf("sessions after close=%d, want 0", got)
	}
	// Closing an unknown session is a no-op.
	f.manager.CloseSession("surface-1")
}

func TestSurfaceRecoveryThroughFacade(t *testing.T) {
	f := defaultFacade("bundle-haru")
	rec := newSessionRecorder()
	dead := &stubSurface{id: "surface-1", attached: true, alive: false, width: 800, height: 600}
	sess := f.manager.OpenSession(SessionOptions{
		ID:      "surface-1",
		Surface: dead,
		Recreate: func() (surface.Surface, error) {
			return healthyStub("surface-1b"), nil
		},
		Callbacks: rec.callbacks(),
	})
	if err := sess.Load(context.Background(), loadCfg("haru")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	waitCfg(t, rec.ready)
	before := f.engine.fetchCount()

	if !sess.CheckSurfaceNow() {
		t.Fatalf("CheckSurfaceNow=false, want recovery")
	}

	select {
	case reason := <-rec.recovered:
		if reason != "context_lost" {
			t.Fatalf("reason=%q, want context_lost", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for recovery")
	}
	waitCfg(t, rec.ready)
	if got := sess.State(); got != fsm.StateLoaded {
		t.Fatalf("state after recovery=%v, want %v", got, fsm.StateLoaded)
	}
	if got := f.engine.fetchCount(); got != before {
		t.Fatalf("fetches=%d, want %d: resident model must rebind without refetch", got, before)
	}
	if got := sess.Surface().ID(); got != "surface-1b" {
		t.Fatalf("surface=%q, want surface-1b", got)
	}
	if !dead.disposed {
		t.Fatalf("dead surface not disposed")
	}
}
