package surface

// Surface is the drawing target a viewer session renders into. The runtime
// never draws; it only needs enough of the target's shape to judge health
// and to throw a corrupted target away.
type Surface interface {
	// ID names the surface for logs and stats.
	ID() string
	// Attached reports whether the target still hangs off a live parent.
	Attached() bool
	// Extent returns the rendered size in device pixels.
	Extent() (width, height int)
	// ContextAlive reports whether a drawable context is still obtainable.
	ContextAlive() bool
	// Dispose releases the target's resources. Implementations must be
	// idempotent; a recovered surface is disposed exactly once by the
	// monitor but may already be dead.
	Dispose()
}

// Health evaluates the recovery predicate for s. The reason identifies the
// first failed check: "missing", "detached", "zero_extent" or
// "context_lost".
func Health(s Surface) (ok bool, reason string) {
	if s == nil {
		return false, "missing"
	}
	if !s.Attached() {
		return false, "detached"
	}
	if w, h := s.Extent(); w <= 0 || h <= 0 {
		return false, "zero_extent"
	}
	if !s.ContextAlive() {
		return false, "context_lost"
	}
	return true, ""
}
