package motion

import (
	"image"
	"image/color"
	"image/draw"
	"math/rand"
	"testing"
)

func blankFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	return img
}

func frameWithSquare(w, h int, at image.Point, size int) *image.RGBA {
	img := blankFrame(w, h)
	sq := image.Rect(at.X, at.Y, at.X+size, at.Y+size)
	draw.Draw(img, sq, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	return img
}

func TestDetect_ColdStart(t *testing.T) {
	det := NewDetector(DefaultSettings())
	roi := FullFrame(200, 200)

	ev := det.Detect(frameWithSquare(200, 200, image.Pt(10, 10), 40), roi)
	if ev.Detected {
		t.Fatal("first Detect after construction must report no motion")
	}

	// Motion between frames, then Reset: the next call is a cold start again.
	det.Detect(frameWithSquare(200, 200, image.Pt(120, 120), 40), roi)
	det.Reset()

	ev = det.Detect(frameWithSquare(200, 200, image.Pt(10, 120), 40), roi)
	if ev.Detected {
		t.Fatal("first Detect after Reset must report no motion")
	}
}

func TestDetect_MovingSquare(t *testing.T) {
	det := NewDetector(DefaultSettings())
	roi := FullFrame(200, 200)

	first := frameWithSquare(200, 200, image.Pt(10, 10), 40)
	moved := frameWithSquare(200, 200, image.Pt(110, 110), 40)

	det.Detect(first, roi)

	ev := det.Detect(moved, roi)
	if !ev.Detected {
		t.Fatal("expected motion on the transition frame")
	}
	if len(ev.Regions) == 0 {
		t.Fatal("expected at least one region")
	}

	ev = det.Detect(moved, roi)
	if ev.Detected {
		t.Errorf("expected no motion on a static repeat, got %d regions", len(ev.Regions))
	}
}

func TestDetect_SmallChangeBelowMinArea(t *testing.T) {
	det := NewDetector(DefaultSettings())
	roi := FullFrame(200, 200)

	det.Detect(frameWithSquare(200, 200, image.Pt(50, 50), 4), roi)
	ev := det.Detect(frameWithSquare(200, 200, image.Pt(60, 60), 4), roi)
	if ev.Detected {
		t.Error("a 4x4 square should stay below min_area")
	}
}

func TestDetect_RegionsInFrameCoordinates(t *testing.T) {
	det := NewDetector(DefaultSettings())
	roi := ROI{X: 100, Y: 100, Width: 100, Height: 100}

	det.Detect(blankFrame(200, 200), roi)
	ev := det.Detect(frameWithSquare(200, 200, image.Pt(130, 130), 40), roi)
	if !ev.Detected {
		t.Fatal("expected motion inside the ROI")
	}

	roiRect := roi.Rect()
	for _, r := range ev.Regions {
		if !r.In(roiRect) {
			t.Errorf("region %v is outside roi %v", r, roiRect)
		}
	}
}

func TestDetect_MotionOutsideROIIgnored(t *testing.T) {
	det := NewDetector(DefaultSettings())
	roi := ROI{X: 0, Y: 0, Width: 50, Height: 50}

	det.Detect(blankFrame(200, 200), roi)
	ev := det.Detect(frameWithSquare(200, 200, image.Pt(120, 120), 40), roi)
	if ev.Detected {
		t.Error("motion outside the ROI must not be reported")
	}
}

func TestDetect_DegenerateROI(t *testing.T) {
	tests := []struct {
		name string
		roi  ROI
	}{
		{"zero area", ROI{X: 10, Y: 10}},
		{"negative width", ROI{X: 10, Y: 10, Width: -5, Height: 20}},
		{"fully outside", ROI{X: 500, Y: 500, Width: 50, Height: 50}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := NewDetector(DefaultSettings())
			det.Detect(blankFrame(100, 100), tt.roi)
			ev := det.Detect(frameWithSquare(100, 100, image.Pt(10, 10), 40), tt.roi)
			if ev.Detected {
				t.Error("degenerate ROI must never detect")
			}
		})
	}
}

// Random ROIs and frame sizes must never push Detect out of bounds.
func TestDetect_ClampNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	det := NewDetector(DefaultSettings())

	for i := 0; i < 200; i++ {
		w := 8 + rng.Intn(120)
		h := 8 + rng.Intn(120)
		roi := ROI{
			X:      rng.Intn(300) - 100,
			Y:      rng.Intn(300) - 100,
			Width:  rng.Intn(300),
			Height: rng.Intn(300),
		}
		if rng.Intn(2) == 0 {
			roi.BaseWidth = 1 + rng.Intn(400)
			roi.BaseHeight = 1 + rng.Intn(400)
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Detect panicked for roi=%v frame=%dx%d: %v", roi, w, h, r)
				}
			}()
			det.Detect(blankFrame(w, h), roi)
			ev := det.Detect(frameWithSquare(w, h, image.Pt(w/4, h/4), w/2), roi)
			bounds := image.Rect(0, 0, w, h)
			for _, r := range ev.Regions {
				if !r.In(bounds) {
					t.Fatalf("region %v escapes frame %v", r, bounds)
				}
			}
		}()
	}
}

func TestDetect_ROIScaledToFrame(t *testing.T) {
	det := NewDetector(DefaultSettings())
	// Drawn on a 400x400 base; frames arrive at 200x200.
	roi := ROI{X: 200, Y: 200, Width: 200, Height: 200, BaseWidth: 400, BaseHeight: 400}

	det.Detect(blankFrame(200, 200), roi)
	ev := det.Detect(frameWithSquare(200, 200, image.Pt(130, 130), 40), roi)
	if !ev.Detected {
		t.Fatal("expected motion in the scaled ROI")
	}
	for _, r := range ev.Regions {
		if !r.In(image.Rect(100, 100, 200, 200)) {
			t.Errorf("region %v not inside scaled roi", r)
		}
	}
}

func TestUpdateSettings_AppliesWithoutReset(t *testing.T) {
	det := NewDetector(DefaultSettings())
	roi := FullFrame(200, 200)

	det.Detect(frameWithSquare(200, 200, image.Pt(10, 10), 40), roi)
	det.UpdateSettings(50, 100000)

	ev := det.Detect(frameWithSquare(200, 200, image.Pt(110, 110), 40), roi)
	if ev.Detected {
		t.Error("raised min_area should suppress detection on the very next call")
	}

	det.UpdateSettings(50, 500)
	ev = det.Detect(frameWithSquare(200, 200, image.Pt(10, 10), 40), roi)
	if !ev.Detected {
		t.Error("restored min_area should detect again without Reset")
	}

	if got := det.Settings().MinArea; got != 500 {
		t.Errorf("MinArea = %d, want 500", got)
	}
}

func TestDetect_ResizedPreviousFrameIsColdStart(t *testing.T) {
	det := NewDetector(DefaultSettings())

	det.Detect(blankFrame(200, 200), FullFrame(200, 200))
	ev := det.Detect(frameWithSquare(100, 100, image.Pt(10, 10), 40), FullFrame(100, 100))
	if ev.Detected {
		t.Error("a size change must be treated as a cold start")
	}
}
