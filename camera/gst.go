package camera

import (
	"context"
	"errors"
	"time"

	"github.com/e7canasta/birdbath-sensor/camera/internal/gstdev"
)

// V4L2Config selects a V4L2 camera and its output sizes.
type V4L2Config struct {
	DevicePath string
	Preview    Resolution
	Still      Resolution
	FPS        float64
}

// V4L2Device is a Device backed by a GStreamer v4l2src pipeline.
type V4L2Device struct {
	drv *gstdev.Device
}

// NewV4L2Device validates cfg. The camera is not touched until Open.
func NewV4L2Device(cfg V4L2Config) (*V4L2Device, error) {
	pw, ph := cfg.Preview.Dimensions()
	sw, sh := cfg.Still.Dimensions()

	drv, err := gstdev.New(gstdev.Config{
		DevicePath:    cfg.DevicePath,
		PreviewWidth:  pw,
		PreviewHeight: ph,
		StillWidth:    sw,
		StillHeight:   sh,
		FPS:           cfg.FPS,
	})
	if err != nil {
		return nil, err
	}
	return &V4L2Device{drv: drv}, nil
}

func (d *V4L2Device) Open(ctx context.Context) error { return d.drv.Open(ctx) }

func (d *V4L2Device) Close() error { return d.drv.Close() }

func (d *V4L2Device) NextFrame(timeout time.Duration) (Frame, error) {
	f, err := d.drv.NextFrame(timeout)
	if errors.Is(err, gstdev.ErrTimeout) {
		return Frame{}, ErrFrameTimeout
	}
	if err != nil {
		return Frame{}, err
	}
	return fromDriver(f), nil
}

func (d *V4L2Device) TriggerStill() error { return d.drv.TriggerStill() }

func (d *V4L2Device) PollStill() (Frame, bool, error) {
	f, ok, err := d.drv.PollStill()
	if err != nil || !ok {
		return Frame{}, ok, err
	}
	return fromDriver(f), true, nil
}

func (d *V4L2Device) Apply(ctl Control) error {
	err := d.drv.SetControl(ctl.Name, ctl.Value, ctl.Settings.AutoExposure)
	if errors.Is(err, gstdev.ErrUnsupportedControl) {
		return errors.Join(ErrUnknownSetting, err)
	}
	return err
}

func fromDriver(f gstdev.Frame) Frame {
	return Frame{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Data:      f.Data,
		TraceID:   f.TraceID,
	}
}
