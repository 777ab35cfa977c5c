package model

import (
	"time"
)

const (
	// MinScale is the smallest scale a transform may hold.
	MinScale = 0.1
	// MaxScale is the largest scale a transform may hold.
	MaxScale = 5.0
)

// Transform holds the on-surface placement of one model.
type Transform struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Scale float64 `json:"scale"`
}

// DefaultTransform returns the neutral placement.
func DefaultTransform() Transform {
	return Transform{X: 0, Y: 0, Scale: 1}
}

// ClampScale forces a scale into [MinScale, MaxScale].
func ClampScale(scale float64) float64 {
	if scale < MinScale {
		return MinScale
	}
	if scale > MaxScale {
		return MaxScale
	}
	return scale
}

// Clip describes one playable motion inside a bundle.
type Clip struct {
	Index    int           `json:"index"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	FadeIn   time.Duration `json:"fade_in"`
	FadeOut  time.Duration `json:"fade_out"`
}

// Catalog lists the motions and expressions a decoded bundle offers.
type Catalog struct {
	Motions     map[string][]Clip `json:"motions"`
	Expressions []string          `json:"expressions"`
}

// Clip resolves a (group, index) pair; ok is false when either is unknown.
func (c Catalog) Clip(group string, index int) (Clip, bool) {
	clips, ok := c.Motions[group]
	if !ok || index < 0 || index >= len(clips) {
		return Clip{}, false
	}
	return clips[index], true
}

// GroupSize returns the number of clips registered under group.
func (c Catalog) GroupSize(group string) int {
	return len(c.Motions[group])
}

// HasExpression reports whether index addresses a known expression.
func (c Catalog) HasExpression(index int) bool {
	return index >= 0 && index < len(c.Expressions)
}

// Texture is one decoded texture belonging to a bundle.
type Texture struct {
	Name    string
	Payload []byte
	Bytes   int64
	Width   int
	Height  int
}

// Bundle is the decoded resource set of one model: opaque rig payload,
// decoded textures, and the animation/expression catalogs.
type Bundle struct {
	Ref      string
	Rig      []byte
	Textures []Texture
	Catalog  Catalog
}

// TextureBytes sums the decoded size of every texture.
func (b *Bundle) TextureBytes() int64 {
	if b == nil {
		return 0
	}
	var total int64
	for _, tex := range b.Textures {
		total += tex.Bytes
	}
	return total
}

// Session is one loaded model resident in the pool.
//
// The pool owns all mutation of LastUsedAt and Loaded; other components read
// sessions only through pool accessors.
type Session struct {
	ID           string
	BundleRef    string
	Bundle       *Bundle
	MemoryBytes  int64
	TextureBytes int64
	LastUsedAt   time.Time
	Loaded       bool
}

// LoadConfig names the model a coordinator should bring onto its surface.
type LoadConfig struct {
	ID               string
	BundleRef        string
	InitialTransform Transform
	IdleGroup        string
}
