package transform

import (
	"sync"

	"go.uber.org/zap"

	"github.com/saker-ai/avatar-runtime/internal/viewer/model"
)

// WheelStep is the fixed zoom increment applied per wheel event. Wheel
// hardware reports wildly different delta magnitudes, so only the sign of
// the delta is honored.
const WheelStep = 0.1

type dragState struct {
	modelID string
	originX float64
	originY float64
}

// Controller keeps the pan/zoom state for every model the viewer has
// positioned. Transforms survive model switches so returning to a model
// restores its last placement.
type Controller struct {
	mu         sync.Mutex
	transforms map[string]model.Transform
	drag       *dragState
	logger     *zap.Logger
}

// New returns a controller with no stored transforms.
func New(logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		transforms: make(map[string]model.Transform),
		logger:     logger,
	}
}

// Get returns the stored transform for id and reports whether the model has
// ever been positioned. Unknown models get the default placement.
func (c *Controller) Get(id string) (model.Transform, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transforms[id]; ok {
		return t, true
	}
	return model.DefaultTransform(), false
}

// Init stores a transform for id only when the model has no placement yet,
// so a model that was positioned before keeps its placement across reloads.
// It returns the effective transform.
func (c *Controller) Init(id string, t model.Transform) model.Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.transforms[id]; ok {
		return existing
	}
	t.Scale = model.ClampScale(t.Scale)
	c.transforms[id] = t
	return t
}

// Set stores a transform for id with the scale clamped to the legal range,
// and returns what was stored.
func (c *Controller) Set(id string, t model.Transform) model.Transform {
	t.Scale = model.ClampScale(t.Scale)
	c.mu.Lock()
	c.transforms[id] = t
	c.mu.Unlock()
	return t
}

// SetPosition moves id to (x, y), keeping its scale.
func (c *Controller) SetPosition(id string, x, y float64) model.Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.getLocked(id)
	t.X = x
	t.Y = y
	c.transforms[id] = t
	return t
}

// SetScale rescales id. Out-of-range values are clamped, never rejected.
func (c *Controller) SetScale(id string, scale float64) model.Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.getLocked(id)
	t.Scale = model.ClampScale(scale)
	c.transforms[id] = t
	return t
}

// DragStart snapshots the model's current position as the drag origin. Any
// drag already in progress is replaced.
func (c *Controller) DragStart(id string) {
	c.mu.Lock()
	t := c.getLocked(id)
	c.drag = &dragState{modelID: id, originX: t.X, originY: t.Y}
	c.mu.Unlock()
}

// DragMove repositions the dragged model to the drag-start snapshot plus the
// cumulative gesture delta. Each move recomputes from the snapshot rather
// than adding increments, so out-of-order or duplicated move events cannot
// accumulate drift. Returns false when no drag is active.
func (c *Controller) DragMove(dx, dy float64) (model.Transform, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drag == nil {
		return model.Transform{}, false
	}
	t := c.getLocked(c.drag.modelID)
	t.X = c.drag.originX + dx
	t.Y = c.drag.originY + dy
	c.transforms[c.drag.modelID] = t
	return t, true
}

// DragEnd finishes the active drag, if any. The last position written by
// DragMove stays in place.
func (c *Controller) DragEnd() {
	c.mu.Lock()
	c.drag = nil
	c.mu.Unlock()
}

// Wheel applies one fixed zoom step: negative deltas (wheel up) zoom in,
// positive deltas zoom out, zero is ignored. The result is clamped.
func (c *Controller) Wheel(id string, deltaY float64) model.Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.getLocked(id)
	switch {
	case deltaY < 0:
		t.Scale = model.ClampScale(t.Scale + WheelStep)
	case deltaY > 0:
		t.Scale = model.ClampScale(t.Scale - WheelStep)
	default:
		return t
	}
	c.transforms[id] = t
	return t
}

// Reset restores id to the default placement and returns it.
func (c *Controller) Reset(id string) model.Transform {
	t := model.DefaultTransform()
	c.mu.Lock()
	c.transforms[id] = t
	if c.drag != nil && c.drag.modelID == id {
		c.drag = nil
	}
	c.mu.Unlock()
	return t
}

// Forget drops the stored transform for id, typically when the model is
// unloaded for good.
func (c *Controller) Forget(id string) {
	c.mu.Lock()
	delete(c.transforms, id)
	if c.drag != nil && c.drag.modelID == id {
		c.drag = nil
	}
	c.mu.Unlock()
}

func (c *Controller) getLocked(id string) model.Transform {
	if t, ok := c.transforms[id]; ok {
		return t
	}
	return model.DefaultTransform()
}
