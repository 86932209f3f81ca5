package camera

import (
	"fmt"
	"image"
	"time"
)

// Origin tags which device path produced a frame.
type Origin int

const (
	// OriginPreview frames come from the low-resolution live stream.
	OriginPreview Origin = iota
	// OriginStill frames come from the high-resolution still path.
	OriginStill
)

func (o Origin) String() string {
	switch o {
	case OriginPreview:
		return "preview"
	case OriginStill:
		return "still"
	default:
		return "unknown"
	}
}

// Frame represents a single decoded image with metadata
type Frame struct {
	// Seq is the monotonic sequence number per origin
	Seq uint64
	// Timestamp is when the device delivered the frame
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data holds packed RGB24 pixels (Width*Height*3 bytes)
	Data []byte
	// Origin is preview or still
	Origin Origin
	// TraceID is a unique identifier for correlating logs
	TraceID string
}

// Validate reports ErrMalformedFrame when the buffer does not match the
// declared dimensions.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrMalformedFrame, f.Width, f.Height)
	}
	if want := f.Width * f.Height * 3; len(f.Data) != want {
		return fmt.Errorf("%w: got %d bytes, want %d for %dx%d", ErrMalformedFrame, len(f.Data), want, f.Width, f.Height)
	}
	return nil
}

// Image converts the RGB24 buffer into an *image.RGBA. The frame itself is
// not modified.
func (f Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	if len(f.Data) < n*3 {
		n = len(f.Data) / 3
	}
	for i := 0; i < n; i++ {
		img.Pix[i*4+0] = f.Data[i*3+0]
		img.Pix[i*4+1] = f.Data[i*3+1]
		img.Pix[i*4+2] = f.Data[i*3+2]
		img.Pix[i*4+3] = 0xff
	}
	return img
}

// CaptureRecord describes a still written to disk.
type CaptureRecord struct {
	ID         string
	Path       string
	CapturedAt time.Time
	Settings   Settings
}

// ConnectionState is owned by Link; everybody else only observes it.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Resolution represents supported capture resolutions
type Resolution int

const (
	// Res400p represents 600x400, the preview size used on the bird bath
	Res400p Resolution = iota
	// Res720p represents 1280x720 resolution (HD)
	Res720p
	// Res1080p represents 1920x1080 resolution (Full HD)
	Res1080p
	// Res4K represents 3840x2160 resolution
	Res4K
	// Res12MP represents 4056x3040, the full sensor still size
	Res12MP
)

// Dimensions returns the width and height for the resolution
func (r Resolution) Dimensions() (width, height int) {
	switch r {
	case Res400p:
		return 600, 400
	case Res720p:
		return 1280, 720
	case Res1080p:
		return 1920, 1080
	case Res4K:
		return 3840, 2160
	case Res12MP:
		return 4056, 3040
	default:
		return 1920, 1080
	}
}

// String returns a human-readable string representation of the resolution
func (r Resolution) String() string {
	switch r {
	case Res400p:
		return "400p"
	case Res720p:
		return "720p"
	case Res1080p:
		return "1080p"
	case Res4K:
		return "4k"
	case Res12MP:
		return "12mp"
	default:
		return "unknown"
	}
}

// ParseResolution accepts the names String produces.
func ParseResolution(s string) (Resolution, error) {
	for _, r := range []Resolution{Res400p, Res720p, Res1080p, Res4K, Res12MP} {
		if r.String() == s {
			return r, nil
		}
	}
	return Res1080p, fmt.Errorf("camera: unknown resolution %q (valid: 400p, 720p, 1080p, 4k, 12mp)", s)
}
