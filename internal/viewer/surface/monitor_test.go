package surface

import (
	"errors"
	"testing"
)

type fakeSurface struct {
	id       string
	attached bool
	width    int
	height   int
	ctxAlive bool
	disposed int
}

func (f *fakeSurface) ID() string         { return f.id }
func (f *fakeSurface) Attached() bool     { return f.attached }
func (f *fakeSurface) Extent() (int, int) { return f.width, f.height }
func (f *fakeSurface) ContextAlive() bool { return f.ctxAlive }
func (f *fakeSurface) Dispose()           { f.disposed++ }

func healthySurface(id string) *fakeSurface {
	return &fakeSurface{id: id, attached: true, width: 800, height: 600, ctxAlive: true}
}

func TestHealthReasons(t *testing.T) {
	cases := []struct {
		name    string
		surface Surface
		ok      bool
		reason  string
	}{
		{"healthy", healthySurface("s"), true, ""},
		{"nil", nil, false, "missing"},
		{"detached", &fakeSurface{width: 1, height: 1, ctxAlive: true}, false, "detached"},
		{"zero extent", &fakeSurface{attached: true, ctxAlive: true}, false, "zero_extent"},
		{"context lost", &fakeSurface{attached: true, width: 1, height: 1}, false, "context_lost"},
	}
	for _, tc := range cases {
		ok, reason := Health(tc.surface)
		if ok != tc.ok || reason != tc.reason {
			t.Fatalf("%s: Health=(%v,%q), want (%v,%q)", tc.name, ok, reason, tc.ok, tc.reason)
		}
	}
}

func TestCheckNowLeavesHealthySurfaceAlone(t *testing.T) {
	s := healthySurface("s1")
	m := NewMonitor(s, func() (Surface, error) {
		t.Fatal("recreate called for a healthy surface")
		return nil, nil
	}, 0, Callbacks{}, nil)

	if m.CheckNow() {
		t.Fatal("CheckNow=true, want false")
	}
	if s.disposed != 0 {
		t.Fatalf("disposed=%d, want 0", s.disposed)
	}
	if m.Surface() != s {
		t.Fatal("surface replaced without cause")
	}
}

func TestCheckNowRecoversCorruptedSurface(t *testing.T) {
	dead := healthySurface("s1")
	dead.ctxAlive = false
	fresh := healthySurface("s2")

	var gotReason string
	var gotReplacement Surface
	m := NewMonitor(dead, func() (Surface, error) {
		return fresh, nil
	}, 0, Callbacks{
		OnRecovered: func(replacement Surface, reason string) {
			gotReplacement = replacement
			gotReason = reason
		},
	}, nil)

	if !m.CheckNow() {
		t.Fatal("CheckNow=false, want recovery")
	}
	if dead.disposed != 1 {
		t.Fatalf("disposed=%d, want 1", dead.disposed)
	}
	if m.Surface() != fresh {
		t.Fatal("monitor did not install the replacement")
	}
	if gotReplacement != fresh || gotReason != "context_lost" {
		t.Fatalf("callback=(%v,%q), want (fresh, context_lost)", gotReplacement, gotReason)
	}
}

func TestCheckNowRecoversDetachedSurface(t *testing.T) {
	dead := healthySurface("s1")
	dead.attached = false
	m := NewMonitor(dead, func() (Surface, error) {
		return healthySurface("s2"), nil
	}, 0, Callbacks{}, nil)

	if !m.CheckNow() {
		t.Fatal("CheckNow=false, want recovery for detached surface")
	}
}

func TestRecreateFailureKeepsRetrying(t *testing.T) {
	dead := healthySurface("s1")
	dead.width = 0
	calls := 0
	fresh := healthySurface("s2")
	m := NewMonitor(dead, func() (Surface, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("window not ready")
		}
		return fresh, nil
	}, 0, Callbacks{}, nil)

	if m.CheckNow() {
		t.Fatal("CheckNow=true on failed recreate, want false")
	}
	if m.CheckNow() != true {
		t.Fatal("second CheckNow=false, want recovery to succeed")
	}
	if calls != 2 {
		t.Fatalf("recreate calls=%d, want 2", calls)
	}
	if m.Surface() != fresh {
		t.Fatal("replacement not installed after retry")
	}
}

func TestRecoveryWithoutRecreateFuncIsSkipped(t *testing.T) {
	dead := healthySurface("s1")
	dead.attached = false
	m := NewMonitor(dead, nil, 0, Callbacks{}, nil)

	if m.CheckNow() {
		t.Fatal("CheckNow=true without a recreate func, want false")
	}
	if dead.disposed != 1 {
		t.Fatalf("disposed=%d, want the corrupted surface still disposed", dead.disposed)
	}
}
