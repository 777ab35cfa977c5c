package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile is an optional per-model override file, <profiles_dir>/<name>.yaml.
// Pointer fields distinguish "set to zero" from "not set".
type Profile struct {
	Scale     *float64 `yaml:"scale"`
	XShift    *float64 `yaml:"x_shift"`
	YShift    *float64 `yaml:"y_shift"`
	IdleGroup string   `yaml:"idle_group"`
}

// LoadProfile reads the profile for name from dir. A missing file is not an
// error; ok reports whether a profile was found.
func LoadProfile(dir string, name string) (Profile, bool, error) {
	if !safeNamePattern.MatchString(name) {
		return Profile{}, false, fmt.Errorf("invalid profile name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name+".yaml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Profile{}, false, nil
		}
		return Profile{}, false, err
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, false, fmt.Errorf("parse profile %s: %w", name, err)
	}
	return p, true, nil
}

// Apply overlays the profile's set fields onto rec and returns the result.
func (p Profile) Apply(rec Record) Record {
	if p.Scale != nil {
		rec.Scale = *p.Scale
	}
	if p.XShift != nil {
		rec.XShift = *p.XShift
	}
	if p.YShift != nil {
		rec.YShift = *p.YShift
	}
	if p.IdleGroup != "" {
		rec.IdleGroup = p.IdleGroup
	}
	return rec
}
