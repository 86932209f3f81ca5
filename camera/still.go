package camera

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/e7canasta/birdbath-sensor/internal/layout"
)

// StillWriter encodes stills to the capture layout.
type StillWriter struct {
	Layout  layout.Layout
	Quality int  // JPEG quality 1-100
	Overlay bool // Stamp date and exposure info into the corner
}

// Write encodes f as JPEG under root/YYYY-MM-DD/unidentified and returns
// the final path. The file is written to a temp name and renamed so
// readers never see a partial JPEG.
func (w StillWriter) Write(f Frame, s Settings, at time.Time) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}

	dir := w.Layout.Unidentified(at)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("camera: create still dir: %w", err)
	}

	path, err := uniquePath(dir, fmt.Sprintf("motion_%d", at.Unix()), ".jpeg")
	if err != nil {
		return "", err
	}

	img := f.Image()
	if w.Overlay {
		drawOverlay(img, s, at)
	}

	quality := w.Quality
	if quality <= 0 || quality > 100 {
		quality = 95
	}

	tmp, err := os.CreateTemp(dir, ".still-*.tmp")
	if err != nil {
		return "", fmt.Errorf("camera: create temp still: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: quality}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("camera: encode still: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("camera: close still: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("camera: publish still: %w", err)
	}

	return path, nil
}

// uniquePath avoids clobbering a still taken in the same second.
func uniquePath(dir, base, ext string) (string, error) {
	candidate := filepath.Join(dir, base+ext)
	for i := 1; i < 100; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
	}
	return "", fmt.Errorf("camera: no free filename for %s in %s", base, dir)
}

// OverlayLines is the text stamped onto a still.
func OverlayLines(s Settings, at time.Time) []string {
	return []string{
		at.Format("2006-01-02 15:04:05"),
		fmt.Sprintf("Focus: %d", s.Focus),
		fmt.Sprintf("Exposure: %.1fms", s.ExposureMs),
		fmt.Sprintf("ISO: %d", s.ISO),
	}
}

func drawOverlay(img *image.RGBA, s Settings, at time.Time) {
	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil() + 2

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 0, A: 255}),
		Face: face,
	}

	y := 20
	for _, line := range OverlayLines(s, at) {
		d.Dot = fixed.Point26_6{X: fixed.I(10), Y: fixed.I(y)}
		d.DrawString(line)
		y += lineHeight
	}
}
