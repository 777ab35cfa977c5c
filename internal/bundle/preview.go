package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/HugoSmits86/nativewebp"
	"golang.org/x/image/draw"

	"github.com/saker-ai/avatar-runtime/internal/viewer/model"
)

// DefaultPreviewEdge is the longest side of a generated preview image.
const DefaultPreviewEdge = 256

// Thumbnail renders a WebP preview of the bundle's first texture, scaled so
// its longest side is at most maxEdge.
func Thumbnail(b *model.Bundle, maxEdge int) ([]byte, error) {
	if b == nil || len(b.Textures) == 0 {
		return nil, errors.New("bundle has no textures to preview")
	}
	if maxEdge <= 0 {
		maxEdge = DefaultPreviewEdge
	}

	src, _, err := image.Decode(bytes.NewReader(b.Textures[0].Payload))
	if err != nil {
		return nil, fmt.Errorf("decode texture %s: %w", b.Textures[0].Name, err)
	}

	scaled := downscale(src, maxEdge)
	var buf bytes.Buffer
	if err := nativewebp.Encode(&buf, scaled, nil); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

// downscale fits src inside maxEdge preserving aspect ratio. Images already
// small enough come back converted but unscaled.
func downscale(src image.Image, maxEdge int) *image.NRGBA {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	longest := w
	if h > longest {
		longest = h
	}
	if longest > maxEdge {
		scale := float64(maxEdge) / float64(longest)
		w = int(float64(w)*scale + 0.5)
		h = int(float64(h)*scale + 0.5)
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
	return dst
}
