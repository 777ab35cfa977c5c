package ws

import (
	"fmt"
	"sync"
	"time"

	"github.com/saker-ai/avatar-runtime/internal/viewer/surface"
)

// DefaultHeartbeatWindow is how long a client may stay silent before its
// surface context is considered lost.
const DefaultHeartbeatWindow = 60 * time.Second

// RemoteSurface is the server-side stand-in for a canvas living in the
// client. Extent and context health come from surface-resize, heartbeat and
// surface-report commands; a client that stops reporting inside the
// heartbeat window fails the health predicate like a locally lost context
// would.
type RemoteSurface struct {
	id     string
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	width    int
	height   int
	attached bool
	ctxOK    bool
	lastSeen time.Time
	disposed bool
}

var _ surface.Surface = (*RemoteSurface)(nil)

// newRemoteSurface returns a surface that is healthy except for its extent,
// which stays zero until the client reports its canvas size.
func newRemoteSurface(sessionID string, generation int, window time.Duration) *RemoteSurface {
	if window <= 0 {
		window = DefaultHeartbeatWindow
	}
	s := &RemoteSurface{
		id:       fmt.Sprintf("%s#%d", sessionID, generation),
		window:   window,
		now:      time.Now,
		attached: true,
		ctxOK:    true,
	}
	s.lastSeen = s.now()
	return s
}

// ID returns the surface id, unique per recreation.
func (s *RemoteSurface) ID() string {
	return s.id
}

// Attached reports whether the surface still has a live client behind it.
func (s *RemoteSurface) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached && !s.disposed
}

// Extent returns the last reported canvas size.
func (s *RemoteSurface) Extent() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// ContextAlive reports whether the client has confirmed a usable context
// within the heartbeat window.
func (s *RemoteSurface) ContextAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || !s.ctxOK {
		return false
	}
	return s.now().Sub(s.lastSeen) <= s.window
}

// Dispose marks the surface dead. Idempotent.
func (s *RemoteSurface) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.attached = false
	s.mu.Unlock()
}

// Resize records the client's canvas size and counts as a sign of life.
func (s *RemoteSurface) Resize(width, height int) {
	s.mu.Lock()
	s.width = width
	s.height = height
	s.lastSeen = s.now()
	s.mu.Unlock()
}

// Heartbeat records a sign of life from the client.
func (s *RemoteSurface) Heartbeat() {
	s.mu.Lock()
	s.lastSeen = s.now()
	s.mu.Unlock()
}

// Report records the client's own verdict on its rendering context.
func (s *RemoteSurface) Report(contextOK bool) {
	s.mu.Lock()
	s.ctxOK = contextOK
	s.lastSeen = s.now()
	s.mu.Unlock()
}
