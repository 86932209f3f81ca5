package motion

import (
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/disintegration/gift"
)

// Settings tune a Detector.
type Settings struct {
	Threshold       uint8   // Per-pixel intensity change that counts as motion (0-255)
	MinArea         int     // Minimum region size in pixels
	BlurSigma       float32 // Gaussian sigma; 3.5 approximates a 21x21 kernel
	DilateIteration int     // 3x3 dilation passes before labelling
}

// DefaultSettings mirrors the field-tuned values of the bird bath camera.
func DefaultSettings() Settings {
	return Settings{
		Threshold:       50,
		MinArea:         500,
		BlurSigma:       3.5,
		DilateIteration: 2,
	}
}

// Event is the result of one Detect call.
type Event struct {
	Detected  bool
	Regions   []image.Rectangle // Frame coordinates
	Timestamp time.Time
}

// Detector compares each blurred ROI against the previous one.
type Detector struct {
	mu       sync.Mutex
	settings Settings
	prev     *image.Gray
	lastClip image.Rectangle
}

// NewDetector creates a Detector in its cold-start state.
func NewDetector(s Settings) *Detector {
	return &Detector{settings: withDefaults(s)}
}

func withDefaults(s Settings) Settings {
	d := DefaultSettings()
	if s.MinArea <= 0 {
		s.MinArea = d.MinArea
	}
	if s.BlurSigma <= 0 {
		s.BlurSigma = d.BlurSigma
	}
	if s.DilateIteration < 0 {
		s.DilateIteration = 0
	}
	return s
}

// UpdateSettings replaces threshold and min area. The next Detect uses
// the new values; no Reset is needed.
func (d *Detector) UpdateSettings(threshold uint8, minArea int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.settings.Threshold = threshold
	if minArea > 0 {
		d.settings.MinArea = minArea
	}

	slog.Info("motion: settings updated", "threshold", threshold, "min_area", d.settings.MinArea)
}

// Settings returns the active settings.
func (d *Detector) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// Reset drops the previous frame. The next Detect is a cold start.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prev = nil
	d.lastClip = image.Rectangle{}
}

// Detect runs one differencing step over roi. It never panics on
// undersized frames or degenerate ROIs; both yield Detected=false.
func (d *Detector) Detect(frame image.Image, roi ROI) Event {
	ev := Event{Timestamp: time.Now()}
	if frame == nil {
		return ev
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	fb := frame.Bounds()
	want := roi.ScaleTo(fb.Dx(), fb.Dy()).Add(fb.Min)
	rect, clipped := clampRect(want, fb)
	if rect.Empty() {
		d.prev = nil
		return ev
	}
	if clipped && rect != d.lastClip {
		slog.Warn("motion: roi clamped to frame bounds",
			"roi", roi.String(),
			"frame_width", fb.Dx(),
			"frame_height", fb.Dy(),
			"clamped", rect.String(),
		)
	}
	d.lastClip = rect

	cur := d.smooth(frame, rect)

	prev := d.prev
	d.prev = cur
	if prev == nil || prev.Rect != cur.Rect {
		return ev
	}

	mask := image.NewGray(cur.Rect)
	thresholdDiff(cur, prev, mask, d.settings.Threshold)
	if d.settings.DilateIteration > 0 {
		mask = dilate(mask, d.settings.DilateIteration)
	}

	for _, c := range components(mask) {
		if c.Area < d.settings.MinArea {
			continue
		}
		ev.Regions = append(ev.Regions, c.Bounds.Add(rect.Min))
	}
	ev.Detected = len(ev.Regions) > 0

	return ev
}

// smooth crops, grays and blurs the ROI into a zero-origin Gray image.
func (d *Detector) smooth(frame image.Image, rect image.Rectangle) *image.Gray {
	g := gift.New(
		gift.Crop(rect),
		gift.Grayscale(),
		gift.GaussianBlur(d.settings.BlurSigma),
	)
	dst := image.NewGray(g.Bounds(frame.Bounds()))
	g.Draw(dst, frame)

	if dst.Rect.Min != (image.Point{}) {
		dst.Rect = dst.Rect.Sub(dst.Rect.Min)
	}
	return dst
}
