package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	_ "image/jpeg"
	_ "image/png"

	_ "github.com/ftrvxmtrx/tga"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/saker-ai/avatar-runtime/internal/viewer/model"
)

const (
	fetchTimeout = 30 * time.Second

	// Clip metadata defaults for descriptors that omit timings.
	defaultClipDuration = 3000 * time.Millisecond
	defaultClipFade     = 500 * time.Millisecond
)

// descriptor is the bundle manifest a registry url points at. Asset paths
// are resolved relative to the descriptor's own location.
type descriptor struct {
	Version     int                      `json:"version"`
	Rig         string                   `json:"rig"`
	Textures    []string                 `json:"textures"`
	Motions     map[string][]motionEntry `json:"motions"`
	Expressions []string                 `json:"expressions"`
}

type motionEntry struct {
	File       string `json:"file"`
	DurationMS int    `json:"durationMs"`
	FadeInMS   int    `json:"fadeInMs"`
	FadeOutMS  int    `json:"fadeOutMs"`
}

// Engine resolves bundle refs against a models directory or plain HTTP and
// decodes descriptors into renderable bundles. It satisfies the loader's
// engine interfaces.
type Engine struct {
	modelsDir string
	client    *http.Client
	logger    *zap.Logger
}

// NewEngine serves relative refs from modelsDir and http(s) refs over the
// network.
func NewEngine(modelsDir string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		modelsDir: modelsDir,
		client:    &http.Client{Timeout: fetchTimeout},
		logger:    logger,
	}
}

// Fetch returns the raw bytes behind ref. Relative refs stay confined to
// the models directory.
func (e *Engine) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if isHTTPRef(ref) {
		return e.fetchHTTP(ctx, ref)
	}
	full, err := e.localPath(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", ref, err)
	}
	return data, nil
}

// Decode parses the descriptor in raw, fetches the rig and every texture it
// names, and assembles the bundle. Texture byte counts use the decoded RGBA
// size, not the encoded payload, so the cache budget tracks real memory.
func (e *Engine) Decode(ctx context.Context, modelID string, ref string, raw []byte) (*model.Bundle, error) {
	var desc descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("parse bundle descriptor %s: %w", ref, err)
	}
	if desc.Rig == "" {
		return nil, fmt.Errorf("bundle descriptor %s has no rig", ref)
	}

	rig, err := e.fetchAsset(ctx, ref, desc.Rig)
	if err != nil {
		return nil, fmt.Errorf("rig %s: %w", desc.Rig, err)
	}

	textures := make([]model.Texture, 0, len(desc.Textures))
	for _, name := range desc.Textures {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := e.fetchAsset(ctx, ref, name)
		if err != nil {
			return nil, fmt.Errorf("texture %s: %w", name, err)
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("decode texture %s: %w", name, err)
		}
		textures = append(textures, model.Texture{
			Name:    name,
			Payload: payload,
			Bytes:   int64(cfg.Width) * int64(cfg.Height) * 4,
			Width:   cfg.Width,
			Height:  cfg.Height,
		})
	}

	motions := make(map[string][]model.Clip, len(desc.Motions))
	for group, entries := range desc.Motions {
		clips := make([]model.Clip, 0, len(entries))
		for i, entry := range entries {
			clips = append(clips, model.Clip{
				Index:    i,
				Name:     clipName(group, i, entry.File),
				Duration: durationOrDefault(entry.DurationMS, defaultClipDuration),
				FadeIn:   durationOrDefault(entry.FadeInMS, defaultClipFade),
				FadeOut:  durationOrDefault(entry.FadeOutMS, defaultClipFade),
			})
		}
		motions[group] = clips
	}

	bundle := &model.Bundle{
		Ref:      ref,
		Rig:      rig,
		Textures: textures,
		Catalog: model.Catalog{
			Motions:     motions,
			Expressions: append([]string(nil), desc.Expressions...),
		},
	}
	e.logger.Debug("bundle decoded",
		zap.String("model_id", modelID),
		zap.String("ref", ref),
		zap.Int("textures", len(textures)),
		zap.Int("motion_groups", len(motions)))
	return bundle, nil
}

func (e *Engine) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", ref, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	return data, nil
}

func (e *Engine) localPath(ref string) (string, error) {
	if e.modelsDir == "" {
		return "", errors.New("models dir not configured")
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("bundle ref escapes models dir: %s", ref)
	}
	return filepath.Join(e.modelsDir, clean), nil
}

// fetchAsset resolves asset relative to the descriptor ref and fetches it.
func (e *Engine) fetchAsset(ctx context.Context, ref string, asset string) ([]byte, error) {
	resolved, err := resolveRef(ref, asset)
	if err != nil {
		return nil, err
	}
	return e.Fetch(ctx, resolved)
}

func resolveRef(ref string, asset string) (string, error) {
	if isHTTPRef(asset) {
		return asset, nil
	}
	if isHTTPRef(ref) {
		base, err := url.Parse(ref)
		if err != nil {
			return "", fmt.Errorf("parse ref %s: %w", ref, err)
		}
		rel, err := url.Parse(asset)
		if err != nil {
			return "", fmt.Errorf("parse asset %s: %w", asset, err)
		}
		return base.ResolveReference(rel).String(), nil
	}
	return path.Join(path.Dir(path.Clean(ref)), asset), nil
}

func isHTTPRef(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func clipName(group string, index int, file string) string {
	base := path.Base(file)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." {
		return fmt.Sprintf("%s_%d", group, index)
	}
	return base
}

func durationOrDefault(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
