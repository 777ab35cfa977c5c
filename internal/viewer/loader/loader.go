package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/saker-ai/avatar-runtime/internal/viewer/fsm"
	"github.com/saker-ai/avatar-runtime/internal/viewer/model"
	"github.com/saker-ai/avatar-runtime/internal/viewer/pool"
	"github.com/saker-ai/avatar-runtime/internal/viewer/texcache"
	"github.com/saker-ai/avatar-runtime/internal/viewer/transform"
)

// Fetcher retrieves the raw bytes behind a bundle ref.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Decoder turns fetched bytes into a decoded bundle.
type Decoder interface {
	Decode(ctx context.Context, modelID, ref string, raw []byte) (*model.Bundle, error)
}

// Engine is the opaque model engine a coordinator delegates fetch and decode
// to. The runtime never looks inside either step.
type Engine interface {
	Fetcher
	Decoder
}

// Callbacks notify the owner about load lifecycle milestones. Fired outside
// the coordinator lock; any field may be nil.
type Callbacks struct {
	// OnState fires on every load-state change.
	OnState func(state fsm.State, modelID string)
	// OnReady fires once a model is registered, bound, warmed and placed.
	OnReady func(session *model.Session, cfg model.LoadConfig)
	// OnError fires when a load settles in the error state. Superseded
	// loads do not count.
	OnError func(modelID string, err error)
}

// Coordinator runs the load pipeline for one surface: fetch, decode, then a
// single commit that registers the session, pins it to the surface, warms
// the texture cache and places the transform. Overlapping loads are resolved
// by a generation counter: each Load claims a new generation and any older
// in-flight load aborts at its next checkpoint without touching shared
// state.
type Coordinator struct {
	surfaceID  string
	engine     Engine
	pool       *pool.Pool
	cache      *texcache.Cache
	transforms *transform.Controller
	callbacks  Callbacks
	logger     *zap.Logger

	mu            sync.Mutex
	machine       *fsm.Machine
	generation    uint64
	current       model.LoadConfig
	activeID      string
	initialLoaded bool
	lastErr       string
}

// New returns a coordinator for surfaceID in the idle state.
func New(surfaceID string, engine Engine, p *pool.Pool, cache *texcache.Cache, transforms *transform.Controller, callbacks Callbacks, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		surfaceID:  surfaceID,
		engine:     engine,
		pool:       p,
		cache:      cache,
		transforms: transforms,
		callbacks:  callbacks,
		logger:     logger.With(zap.String("surface_id", surfaceID)),
		machine:    fsm.New(),
	}
}

// Load brings cfg's model onto the surface and blocks until the attempt
// settles. A newer Load for the same surface makes this call return
// ErrSuperseded; fetch and decode failures return a LoadError and park the
// machine in the error state, which the next Load clears.
func (c *Coordinator) Load(ctx context.Context, cfg model.LoadConfig) error {
	if cfg.ID == "" || cfg.BundleRef == "" {
		return fmt.Errorf("load config incomplete: id=%q ref=%q", cfg.ID, cfg.BundleRef)
	}
	if (cfg.InitialTransform == model.Transform{}) {
		cfg.InitialTransform = model.DefaultTransform()
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.current = cfg
	next := fsm.StateLoading
	switch c.machine.State() {
	case fsm.StateLoaded:
		if cfg.ID != c.activeID {
			next = fsm.StateSwitching
		}
	case fsm.StateSwitching:
		next = fsm.StateSwitching
	}
	if err := c.machine.Transition(next); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	c.emitState(next, cfg.ID)
	c.logger.Info("model load started",
		zap.String("model_id", cfg.ID),
		zap.String("bundle_ref", cfg.BundleRef),
		zap.String("state", string(next)))

	raw, err := c.engine.Fetch(ctx, cfg.BundleRef)
	if c.stale(gen) {
		c.logger.Debug("model load superseded after fetch", zap.String("model_id", cfg.ID))
		return model.ErrSuperseded
	}
	if err != nil {
		return c.fail(gen, cfg, model.StageFetch, err)
	}

	bundle, err := c.engine.Decode(ctx, cfg.ID, cfg.BundleRef, raw)
	if c.stale(gen) {
		c.logger.Debug("model load superseded after decode", zap.String("model_id", cfg.ID))
		return model.ErrSuperseded
	}
	if err != nil {
		return c.fail(gen, cfg, model.StageDecode, err)
	}

	session := &model.Session{
		ID:           cfg.ID,
		BundleRef:    cfg.BundleRef,
		Bundle:       bundle,
		MemoryBytes:  int64(len(raw)) + bundle.TextureBytes(),
		TextureBytes: bundle.TextureBytes(),
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug("model load superseded before commit", zap.String("model_id", cfg.ID))
		return model.ErrSuperseded
	}
	c.pool.Register(c.surfaceID, session)
	c.pool.Bind(c.surfaceID, cfg.ID)
	for _, tex := range bundle.Textures {
		c.cache.Put(texcache.Key(cfg.ID, tex.Name), tex.Payload, tex.Bytes)
	}
	c.transforms.Init(cfg.ID, cfg.InitialTransform)
	if err := c.machine.Transition(fsm.StateLoaded); err != nil {
		c.mu.Unlock()
		return err
	}
	c.activeID = cfg.ID
	c.initialLoaded = true
	c.lastErr = ""
	c.mu.Unlock()

	c.emitState(fsm.StateLoaded, cfg.ID)
	if cb := c.callbacks.OnReady; cb != nil {
		cb(session, cfg)
	}
	c.logger.Info("model loaded",
		zap.String("model_id", cfg.ID),
		zap.Int("textures", len(bundle.Textures)),
		zap.Int64("texture_bytes", session.TextureBytes),
		zap.Int64("memory_bytes", session.MemoryBytes))
	return nil
}

// OnSurfaceRecovered reacts to a surface swap: the configured model re-enters
// loading and is rebound to the new target. A resident bundle is rebound
// without refetching; if it was evicted in the meantime a full reload runs
// in the background.
func (c *Coordinator) OnSurfaceRecovered() {
	c.mu.Lock()
	cfg := c.current
	if cfg.ID == "" {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.initialLoaded = false
	if err := c.machine.Transition(fsm.StateLoading); err != nil {
		c.mu.Unlock()
		c.logger.Warn("surface recovery could not re-enter loading", zap.Error(err))
		return
	}

	session := c.pool.Get(cfg.ID)
	if session == nil {
		c.mu.Unlock()
		c.logger.Info("surface recovery reloading evicted model", zap.String("model_id", cfg.ID))
		go func() {
			if err := c.Load(context.Background(), cfg); err != nil && !errors.Is(err, model.ErrSuperseded) {
				c.logger.Error("reload after surface recovery failed",
					zap.String("model_id", cfg.ID),
					zap.Error(err))
			}
		}()
		return
	}

	c.pool.Bind(c.surfaceID, cfg.ID)
	if err := c.machine.Transition(fsm.StateLoaded); err != nil {
		c.mu.Unlock()
		c.logger.Warn("surface recovery could not finish rebind", zap.Error(err))
		return
	}
	c.activeID = cfg.ID
	c.initialLoaded = true
	c.lastErr = ""
	c.mu.Unlock()

	c.emitState(fsm.StateLoading, cfg.ID)
	c.emitState(fsm.StateLoaded, cfg.ID)
	if cb := c.callbacks.OnReady; cb != nil {
		cb(session, cfg)
	}
	c.logger.Info("surface recovery rebound resident model", zap.String("model_id", cfg.ID))
}

// State returns the surface's load state.
func (c *Coordinator) State() fsm.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// ActiveModel returns the model id committed to the surface, or "".
func (c *Coordinator) ActiveModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// LastError returns the captured description of the most recent failed load,
// or "" after a success.
func (c *Coordinator) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Configured returns the most recently requested load config.
func (c *Coordinator) Configured() model.LoadConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Coordinator) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.generation
}

// fail parks the machine in the error state unless the load was superseded
// while failing.
func (c *Coordinator) fail(gen uint64, cfg model.LoadConfig, stage string, cause error) error {
	lerr := &model.LoadError{ModelID: cfg.ID, Stage: stage, Err: cause}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return model.ErrSuperseded
	}
	if err := c.machine.Transition(fsm.StateError); err != nil {
		c.mu.Unlock()
		return err
	}
	c.lastErr = lerr.Error()
	c.mu.Unlock()

	c.emitState(fsm.StateError, cfg.ID)
	if cb := c.callbacks.OnError; cb != nil {
		cb(cfg.ID, lerr)
	}
	c.logger.Error("model load failed",
		zap.String("model_id", cfg.ID),
		zap.String("stage", stage),
		zap.Error(cause))
	return lerr
}

func (c *Coordinator) emitState(state fsm.State, modelID string) {
	if cb := c.callbacks.OnState; cb != nil {
		cb(state, modelID)
	}
}
