package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// stopDrainTimeout bounds how long Stop waits for in-flight jobs.
const stopDrainTimeout = 5 * time.Second

// JobFunc is one unit of recurring upkeep. The context is cancelled when
// the service stops.
type JobFunc func(ctx context.Context) error

type jobEntry struct {
	name  string
	every time.Duration
	fn    JobFunc
	id    rcron.EntryID

	runs    uint64
	lastErr string
}

// JobStatus is the observability snapshot of one registered job.
type JobStatus struct {
	Name      string `json:"name"`
	Every     string `json:"every"`
	Runs      uint64 `json:"runs"`
	LastError string `json:"last_error,omitempty"`
}

// Service schedules recurring maintenance jobs, such as the model pool idle
// sweep, on one cron runner. A service runs through one Start/Stop cycle.
type Service struct {
	logger *zap.Logger
	cron   *rcron.Cron

	mu      sync.Mutex
	jobs    map[string]*jobEntry
	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
}

// NewService returns a service with no jobs registered.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		logger: logger,
		cron:   rcron.New(rcron.WithSeconds()),
		jobs:   make(map[string]*jobEntry),
	}
}

// Add registers fn to run every interval. Jobs may be added before or after
// Start; names must be unique.
func (s *Service) Add(name string, every time.Duration, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("maintenance job needs a name")
	}
	if every <= 0 {
		return fmt.Errorf("maintenance job %q needs a positive interval", name)
	}
	if fn == nil {
		return fmt.Errorf("maintenance job %q has no function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("maintenance job %q already registered", name)
	}
	entry := &jobEntry{name: name, every: every, fn: fn}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", every), func() {
		s.run(entry)
	})
	if err != nil {
		return fmt.Errorf("register maintenance job %q: %w", name, err)
	}
	entry.id = id
	s.jobs[name] = entry
	s.logger.Info("maintenance job registered",
		zap.String("job", name),
		zap.Duration("every", every))
	return nil
}

// Start begins running registered jobs. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	jobs := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("maintenance started", zap.Int("jobs", jobs))
}

// Stop cancels job contexts and waits, bounded, for in-flight jobs to
// drain.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.cancel = nil
	s.runCtx = nil
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		return
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(stopDrainTimeout):
		s.logger.Warn("maintenance stop timed out waiting for running jobs")
	}
	s.logger.Info("maintenance stopped")
}

// Jobs lists every registered job sorted by name.
func (s *Service) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, JobStatus{
			Name:      e.name,
			Every:     e.every.String(),
			Runs:      e.runs,
			LastError: e.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) run(entry *jobEntry) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	err := entry.fn(ctx)

	s.mu.Lock()
	entry.runs++
	if err != nil {
		entry.lastErr = err.Error()
	} else {
		entry.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("maintenance job failed",
			zap.String("job", entry.name),
			zap.Error(err))
		return
	}
	s.logger.Debug("maintenance job ran", zap.String("job", entry.name))
}
