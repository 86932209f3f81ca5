package camera

import (
	"context"
	"time"
)

// Device is the driver-facing side of a camera. Link is its only caller and
// serializes every call; implementations need not be goroutine-safe for
// concurrent device commands.
//
// Any error may be returned raw: Link translates it exactly once.
type Device interface {
	// Open initializes the hardware. It may take tens of seconds.
	Open(ctx context.Context) error

	// Close releases the device. Safe to call on a closed device.
	Close() error

	// NextFrame waits at most timeout for the next preview frame.
	// It returns ErrFrameTimeout when nothing arrived.
	NextFrame(timeout time.Duration) (Frame, error)

	// TriggerStill asks the device to capture one high-resolution still.
	// It must not block on the capture itself.
	TriggerStill() error

	// PollStill returns the triggered still if it has arrived.
	PollStill() (Frame, bool, error)

	// Apply sends one control command.
	Apply(ctl Control) error
}
