package transform

import (
	"math"
	"testing"

	"github.com/saker-ai/avatar-runtime/internal/viewer/model"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestGetReturnsDefaultForUnknownModel(t *testing.T) {
	c := New(nil)
	got, ok := c.Get("model-a")
	if ok {
		t.Fatal("Get(unknown) ok=true, want false")
	}
	if want := model.DefaultTransform(); got != want {
		t.Fatalf("transform=%+v, want %+v", got, want)
	}
}

func TestSetScaleClamps(t *testing.T) {
	c := New(nil)
	cases := []struct {
		in   float64
		want float64
	}{
		{0.05, model.MinScale},
		{0.1, 0.1},
		{1.0, 1.0},
		{5.0, 5.0},
		{9.5, model.MaxScale},
		{-3, model.MinScale},
	}
	for _, tc := range cases {
		got := c.SetScale("model-a", tc.in)
		if !almostEqual(got.Scale, tc.want) {
			t.Fatalf("SetScale(%v): got %v, want %v", tc.in, got.Scale, tc.want)
		}
	}
}

func TestSetPositionKeepsScale(t *testing.T) {
	c := New(nil)
	c.SetScale("model-a", 2)
	got := c.SetPosition("model-a", 7, -9)
	if !almostEqual(got.X, 7) || !almostEqual(got.Y, -9) {
		t.Fatalf("position=(%v,%v), want (7,-9)", got.X, got.Y)
	}
	if !almostEqual(got.Scale, 2) {
		t.Fatalf("scale=%v, want 2", got.Scale)
	}
}

func TestInitDoesNotClobberExistingPlacement(t *testing.T) {
	c := New(nil)
	c.Set("model-a", model.Transform{X: 1, Y: 2, Scale: 2})
	got := c.Init("model-a", model.Transform{X: 0, Y: 0, Scale: 1})
	if !almostEqual(got.X, 1) || !almostEqual(got.Scale, 2) {
		t.Fatalf("transform=%+v, want the earlier placement kept", got)
	}

	fresh := c.Init("model-b", model.Transform{X: 5, Y: 5, Scale: 9})
	if !almostEqual(fresh.X, 5) || !almostEqual(fresh.Scale, model.MaxScale) {
		t.Fatalf("transform=%+v, want stored with clamped scale", fresh)
	}
}

func TestDragUsesSnapshotPlusCumulativeDelta(t *testing.T) {
	c := New(nil)
	c.Set("model-a", model.Transform{X: 10, Y: 20, Scale: 1})

	c.DragStart("model-a")
	got, ok := c.DragMove(30, -10)
	if !ok {
		t.Fatal("drag should be active after DragStart")
	}
	if !almostEqual(got.X, 40) || !almostEqual(got.Y, 10) {
		t.Fatalf("transform=(%v,%v), want (40,10)", got.X, got.Y)
	}

	// A repeated move event recomputes from the snapshot, not from the
	// previous position.
	got, _ = c.DragMove(30, -10)
	if !almostEqual(got.X, 40) || !almostEqual(got.Y, 10) {
		t.Fatalf("transform after duplicate move=(%v,%v), want (40,10)", got.X, got.Y)
	}
}

func TestDragMoveWithoutStartIsIgnored(t *testing.T) {
	c := New(nil)
	if _, ok := c.DragMove(10, 10); ok {
		t.Fatal("drag with no active drag state should report false")
	}
}

func TestDragEndKeepsLastPosition(t *testing.T) {
	c := New(nil)
	c.DragStart("model-a")
	c.DragMove(5, 5)
	c.DragEnd()

	if _, ok := c.DragMove(50, 50); ok {
		t.Fatal("drag should be inactive after DragEnd")
	}
	got, _ := c.Get("model-a")
	if !almostEqual(got.X, 5) || !almostEqual(got.Y, 5) {
		t.Fatalf("transform=(%v,%v), want (5,5)", got.X, got.Y)
	}
}

func TestWheelStepsAreFixed(t *testing.T) {
	c := New(nil)
	c.Set("model-a", model.Transform{Scale: 1})

	// Huge delta magnitudes still move exactly one step.
	got := c.Wheel("model-a", -480)
	if !almostEqual(got.Scale, 1.1) {
		t.Fatalf("scale=%v, want 1.1", got.Scale)
	}
	got = c.Wheel("model-a", 3)
	if !almostEqual(got.Scale, 1.0) {
		t.Fatalf("scale=%v, want 1.0", got.Scale)
	}
	got = c.Wheel("model-a", 0)
	if !almostEqual(got.Scale, 1.0) {
		t.Fatalf("scale after zero delta=%v, want 1.0", got.Scale)
	}
}

func TestWheelClampsAtBounds(t *testing.T) {
	c := New(nil)
	c.Set("model-a", model.Transform{Scale: model.MaxScale})
	if got := c.Wheel("model-a", -1); !almostEqual(got.Scale, model.MaxScale) {
		t.Fatalf("scale=%v, want clamp at %v", got.Scale, model.MaxScale)
	}

	c.Set("model-a", model.Transform{Scale: model.MinScale})
	if got := c.Wheel("model-a", 1); !almostEqual(got.Scale, model.MinScale) {
		t.Fatalf("scale=%v, want clamp at %v", got.Scale, model.MinScale)
	}
}

func TestTransformsPersistAcrossModels(t *testing.T) {
	c := New(nil)
	c.Set("model-a", model.Transform{X: 1, Y: 2, Scale: 2})
	c.Set("model-b", model.Transform{X: -3, Y: -4, Scale: 0.5})

	a, _ := c.Get("model-a")
	if !almostEqual(a.X, 1) || !almostEqual(a.Scale, 2) {
		t.Fatalf("model-a transform=%+v", a)
	}
	b, _ := c.Get("model-b")
	if !almostEqual(b.X, -3) || !almostEqual(b.Scale, 0.5) {
		t.Fatalf("model-b transform=%+v", b)
	}
}

func TestResetRestoresDefault(t *testing.T) {
	c := New(nil)
	c.Set("model-a", model.Transform{X: 9, Y: 9, Scale: 3})
	got := c.Reset("model-a")
	if got != model.DefaultTransform() {
		t.Fatalf("transform=%+v, want default", got)
	}
}

func TestForgetDropsState(t *testing.T) {
	c := New(nil)
	c.Set("model-a", model.Transform{X: 9, Y: 9, Scale: 3})
	c.DragStart("model-a")
	c.Forget("model-a")

	if got, ok := c.Get("model-a"); ok || got != model.DefaultTransform() {
		t.Fatalf("transform=%+v ok=%v, want default false after forget", got, ok)
	}
	if _, ok := c.DragMove(1, 1); ok {
		t.Fatal("drag state should be cleared when its model is forgotten")
	}
}
