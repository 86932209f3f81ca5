package gstdev

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Config describes the capture device and the two output branches.
type Config struct {
	DevicePath    string  // V4L2 node, e.g. /dev/video0
	PreviewWidth  int     // Preview branch width
	PreviewHeight int     // Preview branch height
	StillWidth    int     // Native still width
	StillHeight   int     // Native still height
	FPS           float64 // Source framerate
}

// elements holds references needed after construction.
type elements struct {
	pipeline *gst.Pipeline
	source   *gst.Element
	preview  *app.Sink
	still    *app.Sink
}

// buildPipeline creates the capture graph. It is returned in NULL state.
//
//	v4l2src → capsfilter(native) → tee ┬→ queue → videoconvert → videoscale → capsfilter(RGB preview) → appsink
//	                                   └→ queue(leaky) → videoconvert → capsfilter(RGB still) → appsink
//
// The still branch runs continuously and the sink callback discards samples
// unless a still has been armed, so a capture never stalls the preview.
func buildPipeline(cfg Config) (*elements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", cfg.DevicePath)
	src.SetProperty("do-timestamp", true)

	native, err := newCapsFilter(fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%s",
		cfg.StillWidth, cfg.StillHeight, framerate(cfg.FPS)))
	if err != nil {
		return nil, err
	}

	tee, err := gst.NewElement("tee")
	if err != nil {
		return nil, fmt.Errorf("failed to create tee: %w", err)
	}

	// Preview branch
	pq, err := gst.NewElement("queue")
	if err != nil {
		return nil, fmt.Errorf("failed to create preview queue: %w", err)
	}
	pconv, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	pconv.SetProperty("n-threads", 0)
	pscale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}
	pcaps, err := newCapsFilter(rgbCaps(cfg.PreviewWidth, cfg.PreviewHeight))
	if err != nil {
		return nil, err
	}
	psink, err := newSink()
	if err != nil {
		return nil, err
	}

	// Still branch
	sq, err := gst.NewElement("queue")
	if err != nil {
		return nil, fmt.Errorf("failed to create still queue: %w", err)
	}
	sq.SetProperty("leaky", 2) // downstream
	sq.SetProperty("max-size-buffers", uint(1))
	sconv, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	sconv.SetProperty("n-threads", 0)
	scaps, err := newCapsFilter(rgbCaps(cfg.StillWidth, cfg.StillHeight))
	if err != nil {
		return nil, err
	}
	ssink, err := newSink()
	if err != nil {
		return nil, err
	}

	if err := pipeline.AddMany(
		src, native, tee,
		pq, pconv, pscale, pcaps, psink.Element,
		sq, sconv, scaps, ssink.Element,
	); err != nil {
		return nil, fmt.Errorf("failed to add elements: %w", err)
	}

	if err := gst.ElementLinkMany(src, native, tee); err != nil {
		return nil, fmt.Errorf("failed to link source: %w", err)
	}
	if err := gst.ElementLinkMany(tee, pq, pconv, pscale, pcaps, psink.Element); err != nil {
		return nil, fmt.Errorf("failed to link preview branch: %w", err)
	}
	if err := gst.ElementLinkMany(tee, sq, sconv, scaps, ssink.Element); err != nil {
		return nil, fmt.Errorf("failed to link still branch: %w", err)
	}

	slog.Debug("gstdev: pipeline created",
		"device", cfg.DevicePath,
		"preview", fmt.Sprintf("%dx%d", cfg.PreviewWidth, cfg.PreviewHeight),
		"still", fmt.Sprintf("%dx%d", cfg.StillWidth, cfg.StillHeight),
		"fps", cfg.FPS,
	)

	return &elements{
		pipeline: pipeline,
		source:   src,
		preview:  psink,
		still:    ssink,
	}, nil
}

func newCapsFilter(caps string) (*gst.Element, error) {
	el, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	el.SetProperty("caps", gst.NewCapsFromString(caps))
	return el, nil
}

func newSink() (*app.Sink, error) {
	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)
	return sink, nil
}

func rgbCaps(width, height int) string {
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", width, height)
}

// framerate renders fps as a caps fraction. Sub-1 rates become 1/N.
func framerate(fps float64) string {
	if fps <= 0 {
		return "30/1"
	}
	if fps < 1.0 {
		return fmt.Sprintf("1/%d", int(1.0/fps))
	}
	return fmt.Sprintf("%d/1", int(fps))
}

// destroy stops the pipeline and releases its resources.
func destroy(el *elements) error {
	if el == nil || el.pipeline == nil {
		return nil
	}
	if err := el.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}
