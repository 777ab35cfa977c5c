package anim

import (
	"fmt"
	"time"

	"github.com/saker-ai/avatar-runtime/internal/viewer/model"
)

// Type classifies an animation request. The set is closed: new categories
// are added here, not at call sites. Scheduling never branches on the type;
// preemption is decided by Priority alone, and the type only names the
// request on the wire and in logs.
type Type int

const (
	TypeIdle Type = iota
	TypeTap
	TypeDrag
	TypeGreeting
	TypeFarewell
	TypeThinking
	TypeSpeaking
	TypeHappy
	TypeSurprised
	TypeConfused
	TypeSleeping
	TypeCustom
)

// typeLabels is the exhaustive label table for Type. Keep it in sync with
// the constant block above; ParseType is its inverse.
var typeLabels = [...]string{
	TypeIdle:      "idle",
	TypeTap:       "tap",
	TypeDrag:      "drag",
	TypeGreeting:  "greeting",
	TypeFarewell:  "farewell",
	TypeThinking:  "thinking",
	TypeSpeaking:  "speaking",
	TypeHappy:     "happy",
	TypeSurprised: "surprised",
	TypeConfused:  "confused",
	TypeSleeping:  "sleeping",
	TypeCustom:    "custom",
}

// String returns the wire label for t.
func (t Type) String() string {
	if t < 0 || int(t) >= len(typeLabels) {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeLabels[t]
}

// ParseType resolves a wire label back to its Type. Unknown labels report
// false; callers decide their own fallback.
func ParseType(label string) (Type, bool) {
	for t, l := range typeLabels {
		if l == label {
			return Type(t), true
		}
	}
	return TypeCustom, false
}

// Priority orders animation requests. Higher values preempt lower ones;
// equal values preempt in favor of the newer request.
type Priority int

const (
	PriorityIdle   Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// DefaultPriority is the priority assigned to requests that do not carry
// one. Only idle requests default below normal.
func (t Type) DefaultPriority() Priority {
	if t == TypeIdle {
		return PriorityIdle
	}
	return PriorityNormal
}

// PlaybackState tracks one playback through its life.
type PlaybackState string

const (
	PlaybackIdle    PlaybackState = "idle"
	PlaybackPlaying PlaybackState = "playing"
	PlaybackPaused  PlaybackState = "paused"
	PlaybackStopped PlaybackState = "stopped"
)

// Request asks the scheduler to start one animation. Group and Index address
// a clip in the bound catalog. Zero-valued fields are normalized when the
// request is admitted: Priority from the type default, Rate to 1.0, fades
// from the resolved clip, RepeatCount to a single play.
type Request struct {
	Type        Type          `json:"type"`
	Group       string        `json:"group"`
	Index       int           `json:"index"`
	Priority    Priority      `json:"priority"`
	Loop        bool          `json:"loop"`
	RepeatCount int           `json:"repeat_count"`
	FadeIn      time.Duration `json:"fade_in"`
	FadeOut     time.Duration `json:"fade_out"`
	Rate        float64       `json:"rate"`
}

// Playback is the scheduler's view of the animation it is driving. Progress
// is the fraction of the current play cycle in [0, 1]; PlayedCount counts
// completed cycles.
type Playback struct {
	Request     Request       `json:"request"`
	Clip        model.Clip    `json:"clip"`
	State       PlaybackState `json:"state"`
	StartedAt   time.Time     `json:"started_at"`
	PlayedCount int           `json:"played_count"`
	Progress    float64       `json:"progress"`
}

// normalizeRequest fills the zero-valued fields of an admitted request.
func normalizeRequest(req Request, clip model.Clip) Request {
	if req.Priority < PriorityIdle {
		req.Priority = req.Type.DefaultPriority()
	}
	if req.Priority > PriorityUrgent {
		req.Priority = PriorityUrgent
	}
	if req.Rate <= 0 {
		req.Rate = 1.0
	}
	if req.FadeIn <= 0 {
		req.FadeIn = clip.FadeIn
	}
	if req.FadeOut <= 0 {
		req.FadeOut = clip.FadeOut
	}
	if !req.Loop && req.RepeatCount < 1 {
		req.RepeatCount = 1
	}
	return req
}
