package bundle

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const testDescriptor = `{
  "version": 1,
  "rig": "haru.rig",
  "textures": ["textures/body.png", "textures/face.png"],
  "motions": {
    "idle": [
      {"file": "motions/idle_01.json", "durationMs": 4000},
      {"file": "motions/idle_02.json"}
    ],
    "tap": [
      {"file": "motions/tap.json", "durationMs": 1500, "fadeInMs": 100, "fadeOutMs": 200}
    ]
  },
  "expressions": ["neutral", "smile"]
}`

// writeBundleTree lays a complete bundle out under dir/haru.
func writeBundleTree(t *testing.T, dir string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, "haru", "bundle.json"), []byte(testDescriptor))
	writeFile(t, filepath.Join(dir, "haru", "haru.rig"), []byte("rig-bytes"))
	writeFile(t, filepath.Join(dir, "haru", "textures", "body.png"), pngBytes(t, 4, 4))
	writeFile(t, filepath.Join(dir, "haru", "textures", "face.png"), pngBytes(t, 2, 3))
}

func TestFetchLocal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "haru", "bundle.json"), []byte("payload"))
	e := NewEngine(dir, nil)

	data, err := e.Fetch(context.Background(), "haru/bundle.json")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("data=%q", data)
	}

	if _, err := e.Fetch(context.Background(), "haru/missing.json"); err == nil {
		t.Fatalf("missing file did not error")
	}
	if _, err := e.Fetch(context.Background(), "../outside.json"); err == nil {
		t.Fatalf("traversal ref did not error")
	}
	if _, err := e.Fetch(context.Background(), "/etc/passwd"); err == nil {
		t.Fatalf("absolute ref did not error")
	}

	noDir := NewEngine("", nil)
	if _, err := noDir.Fetch(context.Background(), "haru/bundle.json"); err == nil {
		t.Fatalf("unconfigured models dir did not error")
	}
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bundle.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("remote-payload"))
	}))
	defer srv.Close()

	e := NewEngine(t.TempDir(), nil)
	data, err := e.Fetch(context.Background(), srv.URL+"/bundle.json")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "remote-payload" {
		t.Fatalf("data=%q", data)
	}

	if _, err := e.Fetch(context.Background(), srv.URL+"/nope.json"); err == nil {
		t.Fatalf("404 did not error")
	}
}

func TestDecode(t *testing.T) {
	dir := t.TempDir()
	writeBundleTree(t, dir)
	e := NewEngine(dir, nil)
	ref := "haru/bundle.json"

	raw, err := e.Fetch(context.Background(), ref)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	b, err := e.Decode(context.Background(), "haru", ref, raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if string(b.Rig) != "rig-bytes" {
		t.Fatalf("rig=%q", b.Rig)
	}
	if len(b.Textures) != 2 {
		t.Fatalf("textures=%d, want 2", len(b.Textures))
	}
	body := b.Textures[0]
	if body.Name != "textures/body.png" || body.Width != 4 || body.Height != 4 {
		t.Fatalf("body texture=%+v", body)
	}
	if body.Bytes != 4*4*4 {
		t.Fatalf("body bytes=%d, want decoded rgba size %d", body.Bytes, 4*4*4)
	}
	if got := b.TextureBytes(); got != 64+24 {
		t.Fatalf("texture bytes=%d, want 88", got)
	}

	idle := b.Catalog.Motions["idle"]
	if len(idle) != 2 {
		t.Fatalf("idle clips=%d, want 2", len(idle))
	}
	if idle[0].Name != "idle_01" || idle[0].Duration != 4*time.Second {
		t.Fatalf("idle[0]=%+v", idle[0])
	}
	if idle[0].FadeIn != defaultClipFade || idle[1].Duration != defaultClipDuration {
		t.Fatalf("defaults not applied: %+v %+v", idle[0], idle[1])
	}
	tap := b.Catalog.Motions["tap"]
	if tap[0].Duration != 1500*time.Millisecond || tap[0].FadeIn != 100*time.Millisecond || tap[0].FadeOut != 200*time.Millisecond {
		t.Fatalf("tap[0]=%+v", tap[0])
	}
	if len(b.Catalog.Expressions) != 2 || !b.Catalog.HasExpression(1) {
		t.Fatalf("expressions=%v", b.Catalog.Expressions)
	}
}

func TestDecodeErrors(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(dir, nil)
	ctx := context.Background()

	if _, err := e.Decode(ctx, "m", "m/bundle.json", []byte("{broken")); err == nil {
		t.Fatalf("malformed descriptor did not error")
	}
	if _, err := e.Decode(ctx, "m", "m/bundle.json", []byte(`{"textures": []}`)); err == nil {
		t.Fatalf("descriptor without rig did not error")
	}

	// Rig named but absent on disk.
	writeFile(t, filepath.Join(dir, "m", "bundle.json"), []byte(`{"rig": "m.rig"}`))
	if _, err := e.Decode(ctx, "m", "m/bundle.json", []byte(`{"rig": "m.rig"}`)); err == nil {
		t.Fatalf("missing rig file did not error")
	}

	// Texture that is not an image.
	writeFile(t, filepath.Join(dir, "m", "m.rig"), []byte("rig"))
	writeFile(t, filepath.Join(dir, "m", "bad.png"), []byte("not an image"))
	desc := `{"rig": "m.rig", "textures": ["bad.png"]}`
	if _, err := e.Decode(ctx, "m", "m/bundle.json", []byte(desc)); err == nil {
		t.Fatalf("undecodable texture did not error")
	}
}

func TestDecodeResolvesHTTPAssets(t *testing.T) {
	texture := pngBytes(t, 6, 6)
	descriptor := []byte(`{"rig": "haru.rig", "textures": ["tex.png"]}`)
	mux := http.NewServeMux()
	mux.HandleFunc("/m/bundle.json", func(w http.ResponseWriter, r *http.Request) { w.Write(descriptor) })
	mux.HandleFunc("/m/haru.rig", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("rig")) })
	mux.HandleFunc("/m/tex.png", func(w http.ResponseWriter, r *http.Request) { w.Write(texture) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := NewEngine("", nil)
	ref := srv.URL + "/m/bundle.json"
	raw, err := e.Fetch(context.Background(), ref)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	b, err := e.Decode(context.Background(), "haru", ref, raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(b.Textures) != 1 || b.Textures[0].Width != 6 {
		t.Fatalf("textures=%+v", b.Textures)
	}
}

func TestResolveRef(t *testing.T) {
	cases := []struct {
		ref   string
		asset string
		want  string
	}{
		{"haru/bundle.json", "textures/body.png", "haru/textures/body.png"},
		{"haru/bundle.json", "../shared/tex.png", "shared/tex.png"},
		{"bundle.json", "rig.bin", "rig.bin"},
		{"https://cdn.example.com/m/bundle.json", "tex.png", "https://cdn.example.com/m/tex.png"},
		{"haru/bundle.json", "https://cdn.example.com/tex.png", "https://cdn.example.com/tex.png"},
	}
	for _, tc := range cases {
		got, err := resolveRef(tc.ref, tc.asset)
		if err != nil {
			t.Fatalf("resolveRef(%q, %q): %v", tc.ref, tc.asset, err)
		}
		if got != tc.want {
			t.Fatalf("resolveRef(%q, %q)=%q, want %q", tc.ref, tc.asset, got, tc.want)
		}
	}
}
