package gstdev

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Frame is the driver-level frame (the camera package has its own type and
// imports this one, so it cannot be shared).
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
	TraceID   string
}

// sinkContext is the state one appsink callback needs.
type sinkContext struct {
	out     chan Frame
	seq     *atomic.Uint64
	dropped *atomic.Uint64
	width   int
	height  int
	armed   *atomic.Bool // nil for the preview sink
}

// onNewSample copies the mapped buffer into a Frame and hands it over
// without blocking the streaming thread. A bad sample is skipped rather
// than ending the stream.
func onNewSample(sink *app.Sink, sc *sinkContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstdev: failed to pull sample, skipping frame")
		return gst.FlowOK
	}

	if sc.armed != nil && !sc.armed.CompareAndSwap(true, false) {
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstdev: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstdev: empty buffer received")
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	frame := Frame{
		Seq:       sc.seq.Add(1),
		Timestamp: time.Now(),
		Width:     sc.width,
		Height:    sc.height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}

	select {
	case sc.out <- frame:
	default:
		// Keep the newest frame: evict the stale one and retry once.
		select {
		case <-sc.out:
			sc.dropped.Add(1)
		default:
		}
		select {
		case sc.out <- frame:
		default:
			sc.dropped.Add(1)
		}
	}

	return gst.FlowOK
}
