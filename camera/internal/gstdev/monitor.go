package gstdev

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies bus errors.
type ErrorCategory int

const (
	// ErrCategoryDevice indicates the camera went away (unplugged, reset)
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryNegotiation indicates caps/format problems
	ErrCategoryNegotiation
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNegotiation:
		return "negotiation"
	default:
		return "unknown"
	}
}

var deviceKeywords = []string{
	"no such device",
	"could not read from resource",
	"device is gone",
	"disconnected",
	"cannot identify device",
	"failed to allocate",
	"resource busy",
	"input/output error",
}

var negotiationKeywords = []string{
	"not-negotiated",
	"not negotiated",
	"could not negotiate",
	"caps",
	"format",
}

// classifyBusError categorizes a bus error from its message and debug text.
// go-gst's GError does not expose the domain, so this is string matching.
func classifyBusError(msg, debug string) ErrorCategory {
	text := strings.ToLower(msg + " " + debug)
	for _, kw := range deviceKeywords {
		if strings.Contains(text, kw) {
			return ErrCategoryDevice
		}
	}
	for _, kw := range negotiationKeywords {
		if strings.Contains(text, kw) {
			return ErrCategoryNegotiation
		}
	}
	return ErrCategoryUnknown
}

// busError renders a bus error so that callers matching on transport
// keywords recognise a lost device.
func busError(msg, debug string) error {
	cat := classifyBusError(msg, debug)
	if cat == ErrCategoryDevice {
		return fmt.Errorf("gstdev: device lost: %s", msg)
	}
	return fmt.Errorf("gstdev: pipeline error [%s]: %s", cat, msg)
}

// monitorBus polls the pipeline bus until ctx is cancelled. The first fatal
// message (error or EOS) is delivered on errs and ends the monitor.
func monitorBus(ctx context.Context, pipeline *gst.Pipeline, errs chan<- error) {
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gstdev: context cancelled, stopping bus monitor")
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Warn("gstdev: end of stream")
			deliver(errs, fmt.Errorf("gstdev: device lost: end of stream"))
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			err := busError(gerr.Error(), gerr.DebugString())
			slog.Error("gstdev: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", classifyBusError(gerr.Error(), gerr.DebugString()).String(),
			)
			deliver(errs, err)
			return

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("gstdev: pipeline state changed", "from", old, "to", new)
			}
		}
	}
}

func deliver(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}
