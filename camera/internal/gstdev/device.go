package gstdev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var (
	// ErrTimeout means no frame arrived within the requested wait.
	ErrTimeout = errors.New("gstdev: frame timeout")
	// ErrNotOpen is returned by calls made before Open or after Close. The
	// text reads as a device failure for upstream classification.
	ErrNotOpen = errors.New("gstdev: device not open")
)

// Device drives a V4L2 camera through GStreamer.
type Device struct {
	cfg Config

	mu      sync.Mutex
	el      *elements
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	preview chan Frame
	still   chan Frame
	busErrs chan error

	armed    atomic.Bool
	seq      atomic.Uint64
	stillSeq atomic.Uint64
	dropped  atomic.Uint64
}

// New validates cfg and returns a closed Device.
func New(cfg Config) (*Device, error) {
	if cfg.DevicePath == "" {
		return nil, fmt.Errorf("gstdev: device path is required")
	}
	if cfg.PreviewWidth <= 0 || cfg.PreviewHeight <= 0 || cfg.StillWidth <= 0 || cfg.StillHeight <= 0 {
		return nil, fmt.Errorf("gstdev: invalid resolution")
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &Device{cfg: cfg}, nil
}

// Open builds the pipeline and brings it to PLAYING.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.el != nil {
		return nil
	}

	el, err := buildPipeline(d.cfg)
	if err != nil {
		return err
	}

	d.preview = make(chan Frame, 1)
	d.still = make(chan Frame, 1)
	d.busErrs = make(chan error, 1)
	d.armed.Store(false)

	previewCtx := &sinkContext{
		out: d.preview, seq: &d.seq, dropped: &d.dropped,
		width: d.cfg.PreviewWidth, height: d.cfg.PreviewHeight,
	}
	stillCtx := &sinkContext{
		out: d.still, seq: &d.stillSeq, dropped: &d.dropped,
		width: d.cfg.StillWidth, height: d.cfg.StillHeight,
		armed: &d.armed,
	}
	el.preview.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn { return onNewSample(sink, previewCtx) },
	})
	el.still.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn { return onNewSample(sink, stillCtx) },
	})

	if err := el.pipeline.SetState(gst.StatePlaying); err != nil {
		_ = destroy(el)
		return fmt.Errorf("gstdev: failed to start pipeline on %s: %w", d.cfg.DevicePath, err)
	}

	// A missing device fails asynchronously; give the bus a moment to say so.
	bus := el.pipeline.GetPipelineBus()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			_ = destroy(el)
			return ctx.Err()
		}
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		if msg.Type() == gst.MessageError {
			gerr := msg.ParseError()
			_ = destroy(el)
			return busError(gerr.Error(), gerr.DebugString())
		}
		if msg.Type() == gst.MessageStateChanged && msg.Source() == el.pipeline.GetName() {
			if _, state := msg.ParseStateChanged(); state == gst.StatePlaying {
				break
			}
		}
	}

	monCtx, cancel := context.WithCancel(context.Background())
	d.el = el
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		monitorBus(monCtx, el.pipeline, d.busErrs)
	}()

	slog.Info("gstdev: device opened", "device", d.cfg.DevicePath)
	return nil
}

// Close stops the pipeline. Safe to call on a closed device.
func (d *Device) Close() error {
	d.mu.Lock()
	el := d.el
	cancel := d.cancel
	d.el = nil
	d.cancel = nil
	d.mu.Unlock()

	if el == nil {
		return nil
	}
	cancel()
	d.wg.Wait()
	return destroy(el)
}

func (d *Device) channels() (chan Frame, chan Frame, chan error, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.preview, d.still, d.busErrs, d.el != nil
}

// NextFrame waits up to timeout for a preview frame.
func (d *Device) NextFrame(timeout time.Duration) (Frame, error) {
	preview, _, busErrs, open := d.channels()
	if !open {
		return Frame{}, ErrNotOpen
	}

	select {
	case f := <-preview:
		return f, nil
	case err := <-busErrs:
		return Frame{}, err
	case <-time.After(timeout):
		return Frame{}, ErrTimeout
	}
}

// TriggerStill arms the still branch; the next native frame is kept.
func (d *Device) TriggerStill() error {
	_, still, _, open := d.channels()
	if !open {
		return ErrNotOpen
	}
	// Discard a still left over from an abandoned request.
	select {
	case <-still:
	default:
	}
	d.armed.Store(true)
	return nil
}

// PollStill returns the armed still if it has arrived.
func (d *Device) PollStill() (Frame, bool, error) {
	_, still, busErrs, open := d.channels()
	if !open {
		return Frame{}, false, ErrNotOpen
	}

	select {
	case f := <-still:
		return f, true, nil
	case err := <-busErrs:
		return Frame{}, false, err
	default:
		return Frame{}, false, nil
	}
}

// SetControl applies one named setting through v4l2src extra-controls.
func (d *Device) SetControl(name string, value float64, autoExposure bool) error {
	d.mu.Lock()
	el := d.el
	d.mu.Unlock()
	if el == nil {
		return ErrNotOpen
	}

	ctls, err := v4l2Controls(name, value, autoExposure)
	if err != nil {
		return err
	}

	s := controlString(ctls)
	structure := gst.NewStructureFromString(s)
	if structure == nil {
		return fmt.Errorf("gstdev: invalid control structure %q", s)
	}
	if err := el.source.SetProperty("extra-controls", structure); err != nil {
		return fmt.Errorf("gstdev: set %s: %w", name, err)
	}

	slog.Debug("gstdev: control applied", "controls", s)
	return nil
}

// Dropped returns frames evicted because the consumer was slow.
func (d *Device) Dropped() uint64 {
	return d.dropped.Load()
}
