package surface

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCheckInterval is how often a monitor re-evaluates surface health.
const DefaultCheckInterval = 30 * time.Second

// RecreateFunc builds a replacement target after the corrupted one was
// disposed.
type RecreateFunc func() (Surface, error)

// Callbacks notify the owner about recoveries. Invoked outside the monitor
// lock; any field may be nil.
type Callbacks struct {
	// OnRecovered fires after a replacement surface is in place. The reason
	// is the failed health check that triggered the swap.
	OnRecovered func(replacement Surface, reason string)
}

// Monitor watches one surface and swaps it out when its health predicate
// fails. It exists to survive hosting environments that detach the drawing
// target without tearing the process down; the rest of the viewer learns
// about the swap through OnRecovered, never through an error.
type Monitor struct {
	interval  time.Duration
	recreate  RecreateFunc
	callbacks Callbacks
	logger    *zap.Logger

	// checkMu serializes health checks so a forced check and a scheduled
	// one cannot both recover the same dead surface.
	checkMu sync.Mutex

	mu      sync.Mutex
	surface Surface
}

// NewMonitor watches s. A non-positive interval falls back to the default.
func NewMonitor(s Surface, recreate RecreateFunc, interval time.Duration, callbacks Callbacks, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Monitor{
		interval:  interval,
		recreate:  recreate,
		callbacks: callbacks,
		logger:    logger,
		surface:   s,
	}
}

// Surface returns the target currently considered live.
func (m *Monitor) Surface() Surface {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.surface
}

// CheckNow evaluates the health predicate once and performs a recovery when
// it fails: the corrupted target is disposed, a replacement is created and
// installed, and OnRecovered fires. Returns whether a recovery happened.
func (m *Monitor) CheckNow() bool {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	m.mu.Lock()
	current := m.surface
	m.mu.Unlock()

	ok, reason := Health(current)
	if ok {
		return false
	}
	id := ""
	if current != nil {
		id = current.ID()
	}
	m.logger.Warn("surface unhealthy, recovering",
		zap.String("surface_id", id),
		zap.String("reason", reason))

	if current != nil {
		current.Dispose()
	}
	if m.recreate == nil {
		return false
	}
	replacement, err := m.recreate()
	if err != nil {
		// Keep the dead surface in place; the next check retries.
		m.logger.Error("surface recreate failed", zap.String("surface_id", id), zap.Error(err))
		return false
	}

	m.mu.Lock()
	m.surface = replacement
	m.mu.Unlock()

	m.logger.Info("surface recovered",
		zap.String("surface_id", replacement.ID()),
		zap.String("reason", reason))
	if cb := m.callbacks.OnRecovered; cb != nil {
		cb(replacement, reason)
	}
	return true
}

// Run checks immediately, then on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.CheckNow()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow()
		}
	}
}
