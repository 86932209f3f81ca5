package motion

import (
	"fmt"
	"image"
	"math"
)

// ROI is an axis-aligned rectangle in the base coordinate space of the
// resolution it was captured at.
type ROI struct {
	X      int `yaml:"x" json:"x"`
	Y      int `yaml:"y" json:"y"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`

	// BaseWidth and BaseHeight name the resolution the coordinates belong
	// to. Zero means "same as the frame".
	BaseWidth  int `yaml:"base_width,omitempty" json:"base_width,omitempty"`
	BaseHeight int `yaml:"base_height,omitempty" json:"base_height,omitempty"`
}

// FullFrame returns an ROI covering a whole w×h frame.
func FullFrame(w, h int) ROI {
	return ROI{Width: w, Height: h, BaseWidth: w, BaseHeight: h}
}

// Empty reports whether the ROI has no area.
func (r ROI) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Rect returns the ROI as an image.Rectangle in its own base space.
func (r ROI) Rect() image.Rectangle {
	if r.Empty() {
		return image.Rectangle{}
	}
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

func (r ROI) String() string {
	return fmt.Sprintf("roi(%d,%d %dx%d @%dx%d)", r.X, r.Y, r.Width, r.Height, r.BaseWidth, r.BaseHeight)
}

// ScaleTo maps the ROI into a w×h frame. If the ROI has no base resolution,
// or the base already matches, the rectangle is returned unchanged.
func (r ROI) ScaleTo(w, h int) image.Rectangle {
	if r.Empty() {
		return image.Rectangle{}
	}
	if r.BaseWidth <= 0 || r.BaseHeight <= 0 || (r.BaseWidth == w && r.BaseHeight == h) {
		return r.Rect()
	}

	sx := float64(w) / float64(r.BaseWidth)
	sy := float64(h) / float64(r.BaseHeight)

	x1 := int(math.Round(float64(r.X) * sx))
	y1 := int(math.Round(float64(r.Y) * sy))
	x2 := int(math.Round(float64(r.X+r.Width) * sx))
	y2 := int(math.Round(float64(r.Y+r.Height) * sy))

	return image.Rect(x1, y1, x2, y2)
}

// Normalize converts a rectangle drawn on a display scaled by zoom back
// into base coordinates. A zoom of 2 means the display is twice the base
// resolution. Rounding is to nearest, so a save/load cycle drifts by at
// most one pixel per axis.
func Normalize(display image.Rectangle, zoom float64, baseW, baseH int) ROI {
	if zoom <= 0 {
		zoom = 1
	}
	display = display.Canon()

	x1 := int(math.Round(float64(display.Min.X) / zoom))
	y1 := int(math.Round(float64(display.Min.Y) / zoom))
	x2 := int(math.Round(float64(display.Max.X) / zoom))
	y2 := int(math.Round(float64(display.Max.Y) / zoom))

	return ROI{
		X:          x1,
		Y:          y1,
		Width:      x2 - x1,
		Height:     y2 - y1,
		BaseWidth:  baseW,
		BaseHeight: baseH,
	}
}

// clampRect intersects r with bounds. The bool reports whether r had to be
// changed.
func clampRect(r, bounds image.Rectangle) (image.Rectangle, bool) {
	c := r.Intersect(bounds)
	return c, c != r
}
