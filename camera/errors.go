package camera

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDeviceDisconnected is the single canonical transport failure. Every
	// link-level error from any device call is translated into it.
	ErrDeviceDisconnected = errors.New("camera: device disconnected")
	// ErrFrameTimeout means no frame arrived within the requested wait.
	ErrFrameTimeout = errors.New("camera: frame timeout")
	// ErrMalformedFrame marks corrupt or undersized frame data.
	ErrMalformedFrame = errors.New("camera: malformed frame")
	// ErrUnknownSetting is returned by UpdateSetting for unsupported names.
	ErrUnknownSetting = errors.New("camera: unknown setting")
	// ErrStillTimeout means a requested still never arrived.
	ErrStillTimeout = errors.New("camera: still capture timed out")
	// ErrStillPending means a still is already in flight.
	ErrStillPending = errors.New("camera: still capture already pending")
)

// ErrorCategory represents the classification of driver errors
type ErrorCategory int

const (
	// ErrCategoryLink indicates the transport to the device is gone
	ErrCategoryLink ErrorCategory = iota
	// ErrCategoryTimeout indicates a bounded wait expired
	ErrCategoryTimeout
	// ErrCategoryFrame indicates bad frame data
	ErrCategoryFrame
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryLink:
		return "link"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// ClassifyError analyzes a driver error and categorizes it.
//
// Drivers only expose free-form messages, so classification relies on
// keyword matching. This is the only place in the module that inspects
// error text; everything downstream uses errors.Is on the sentinels.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}

	switch {
	case errors.Is(err, ErrDeviceDisconnected):
		return ErrCategoryLink
	case errors.Is(err, ErrFrameTimeout), errors.Is(err, ErrStillTimeout):
		return ErrCategoryTimeout
	case errors.Is(err, ErrMalformedFrame):
		return ErrCategoryFrame
	}

	if containsLinkKeywords(strings.ToLower(err.Error())) {
		return ErrCategoryLink
	}
	return ErrCategoryUnknown
}

// linkKeywords are the substrings that identify a dead transport.
var linkKeywords = []string{
	"x_link_error",
	"x_link",
	"xlink",
	"connection",
	"usb",
	"device",
	"broken pipe",
}

func containsLinkKeywords(msg string) bool {
	for _, kw := range linkKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// translate wraps a raw driver error for op. Link-category errors come back
// wrapping ErrDeviceDisconnected as well as the original cause. Errors that
// already carry one of this package's sentinels pass through untouched.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}

	for _, sentinel := range []error{
		ErrDeviceDisconnected,
		ErrFrameTimeout,
		ErrMalformedFrame,
		ErrStillTimeout,
		ErrStillPending,
		ErrUnknownSetting,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	if containsLinkKeywords(strings.ToLower(err.Error())) {
		return fmt.Errorf("camera: %s: %w: %w", op, ErrDeviceDisconnected, err)
	}
	return fmt.Errorf("camera: %s: %w", op, err)
}
