package camera

import (
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/birdbath-sensor/internal/layout"
)

func TestStillWriter_Write(t *testing.T) {
	root := t.TempDir()
	w := StillWriter{Layout: layout.New(root), Quality: 90, Overlay: true}
	at := time.Date(2025, 5, 17, 7, 45, 3, 0, time.Local)

	f := Frame{Width: 320, Height: 240, Data: make([]byte, 320*240*3)}

	path, err := w.Write(f, DefaultSettings(), at)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	wantDir := filepath.Join(root, "2025-05-17", "unidentified")
	if filepath.Dir(path) != wantDir {
		t.Errorf("still written to %s, want dir %s", path, wantDir)
	}
	if !strings.HasPrefix(filepath.Base(path), "motion_") || filepath.Ext(path) != ".jpeg" {
		t.Errorf("unexpected filename %s", filepath.Base(path))
	}

	fh, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()

	img, err := jpeg.Decode(fh)
	if err != nil {
		t.Fatalf("written file is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Errorf("decoded size %v, want 320x240", b)
	}

	// The overlay is yellow text on a black frame; some pixel in the
	// corner must have picked it up.
	lit := false
	for y := 5; y < 70 && !lit; y++ {
		for x := 5; x < 150; x++ {
			r, g, _, _ := img.At(x, y).RGBA()
			if r > 0x8000 && g > 0x8000 {
				lit = true
				break
			}
		}
	}
	if !lit {
		t.Error("expected overlay text in the top-left corner")
	}

	// Same second: no clobbering.
	second, err := w.Write(f, DefaultSettings(), at)
	if err != nil {
		t.Fatal(err)
	}
	if second == path {
		t.Error("second still in the same second overwrote the first")
	}
}

func TestStillWriter_RejectsMalformed(t *testing.T) {
	w := StillWriter{Layout: layout.New(t.TempDir())}
	if _, err := w.Write(Frame{Width: 10, Height: 10, Data: make([]byte, 5)}, Settings{}, time.Now()); err == nil {
		t.Error("expected ErrMalformedFrame")
	}
}

func TestOverlayLines(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	lines := OverlayLines(Settings{Focus: 132, ExposureMs: 20, ISO: 800}, at)

	want := []string{"2025-01-02 03:04:05", "Focus: 132", "Exposure: 20.0ms", "ISO: 800"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d", len(lines), len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}
