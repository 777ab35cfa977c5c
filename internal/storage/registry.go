package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"
)

// suggestionMaxDistance bounds how far a name can be from a registered one
// and still be offered as a "did you mean" hint.
const suggestionMaxDistance = 3

var safeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.]+$`)

// Record describes one registered model in model_dict.json. The JSON keys
// follow the dictionary format viewer frontends already ship with.
type Record struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url"`
	Scale       float64        `json:"kScale,omitempty"`
	XShift      float64        `json:"initialXshift,omitempty"`
	YShift      float64        `json:"initialYshift,omitempty"`
	IdleGroup   string         `json:"idleMotionGroupName,omitempty"`
	EmotionMap  map[string]int `json:"emotionMap,omitempty"`
}

// Registry is the catalog of models the server can put on a surface. It is
// loaded from a model_dict.json file; per-model profile files can override
// a record's placement at resolve time.
type Registry struct {
	path        string
	profilesDir string
	logger      *zap.Logger

	mu      sync.RWMutex
	records []Record
	index   map[string]int
}

// LoadRegistry reads the dictionary at path. Records with missing or unsafe
// names are skipped, as are duplicates of an earlier name.
func LoadRegistry(path string, profilesDir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		path:        path,
		profilesDir: profilesDir,
		logger:      logger,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the dictionary file, replacing the in-memory catalog.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read model dict: %w", err)
	}
	var raw []Record
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse model dict %s: %w", r.path, err)
	}

	records := make([]Record, 0, len(raw))
	index := make(map[string]int, len(raw))
	for _, rec := range raw {
		if !safeNamePattern.MatchString(rec.Name) {
			r.logger.Warn("skipping model with unsafe name", zap.String("name", rec.Name))
			continue
		}
		if _, dup := index[rec.Name]; dup {
			r.logger.Warn("skipping duplicate model entry", zap.String("name", rec.Name))
			continue
		}
		if rec.URL == "" {
			r.logger.Warn("skipping model without a bundle url", zap.String("name", rec.Name))
			continue
		}
		index[rec.Name] = len(records)
		records = append(records, rec)
	}

	r.mu.Lock()
	r.records = records
	r.index = index
	r.mu.Unlock()
	r.logger.Info("model registry loaded",
		zap.String("path", r.path),
		zap.Int("models", len(records)))
	return nil
}

// List returns every record in dictionary order.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Get returns the record registered under name. Unknown names produce an
// error that names the closest registered model when one is plausibly a
// typo away.
func (r *Registry) Get(name string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.index[name]; ok {
		return r.records[i], nil
	}
	if suggestion := r.closestLocked(name); suggestion != "" {
		return Record{}, fmt.Errorf("unknown model %q (did you mean %q?)", name, suggestion)
	}
	return Record{}, fmt.Errorf("unknown model %q", name)
}

// Default returns the first record, the model a fresh session shows before
// any explicit choice.
func (r *Registry) Default() (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.records) == 0 {
		return Record{}, false
	}
	return r.records[0], true
}

// Len reports the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Resolve looks name up and applies its profile overrides, when a profiles
// directory is configured and a profile file exists.
func (r *Registry) Resolve(name string) (Record, error) {
	rec, err := r.Get(name)
	if err != nil {
		return Record{}, err
	}
	if r.profilesDir == "" {
		return rec, nil
	}
	profile, ok, err := LoadProfile(r.profilesDir, rec.Name)
	if err != nil {
		r.logger.Warn("ignoring unreadable model profile",
			zap.String("name", rec.Name),
			zap.Error(err))
		return rec, nil
	}
	if ok {
		rec = profile.Apply(rec)
	}
	return rec, nil
}

func (r *Registry) closestLocked(name string) string {
	lowered := strings.ToLower(name)
	best := ""
	bestDist := suggestionMaxDistance + 1
	for _, rec := range r.records {
		dist := levenshtein.ComputeDistance(lowered, strings.ToLower(rec.Name))
		if dist < bestDist {
			best = rec.Name
			bestDist = dist
		}
	}
	return best
}
