package capture

import (
	"context"
	"image"
	"log/slog"

	"github.com/e7canasta/birdbath-sensor/motion"
)

// SetROI replaces the region of interest. The detector is reset so the
// next diff does not compare two different regions, and auto-exposure is
// metered on the new region.
func (t *Thread) SetROI(ctx context.Context, roi motion.ROI) error {
	return t.post(ctx, "set_roi", func() error {
		t.mu.Lock()
		t.roi = roi
		t.mu.Unlock()

		t.det.Reset()
		t.applyExposureRegion(roi)
		slog.Info("capture: roi updated", "roi", roi.String())
		return nil
	})
}

// ClearROI restores full-frame detection.
func (t *Thread) ClearROI(ctx context.Context) error {
	return t.SetROI(ctx, motion.ROI{})
}

// UpdateSetting forwards one camera setting to the link from the capture
// goroutine and waits for the result.
func (t *Thread) UpdateSetting(ctx context.Context, name string, value float64) error {
	return t.post(ctx, "update_setting", func() error {
		return t.link.UpdateSetting(name, value)
	})
}

// UpdateMotionSettings changes detector sensitivity. The previous frame is
// kept, so detection continues without a cold start.
func (t *Thread) UpdateMotionSettings(threshold uint8, minArea int) {
	t.det.UpdateSettings(threshold, minArea)
	slog.Info("capture: motion settings updated", "threshold", threshold, "min_area", minArea)
}

// MotionSettings returns the detector settings in use.
func (t *Thread) MotionSettings() motion.Settings {
	return t.det.Settings()
}

// post queues fn for the capture goroutine and waits for it to run.
func (t *Thread) post(ctx context.Context, name string, fn func() error) error {
	if !t.started.Load() {
		return ErrNotRunning
	}

	cmd := command{name: name, fn: fn, reply: make(chan error, 1)}
	select {
	case t.cmds <- cmd:
	case <-t.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case t.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-t.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Thread) drainCommands() {
	for {
		select {
		case cmd := <-t.cmds:
			err := cmd.fn()
			if err != nil {
				slog.Warn("capture: command failed", "command", cmd.name, "error", err)
			}
			cmd.reply <- err
		default:
			return
		}
	}
}

// applyExposureRegion meters auto-exposure on roi, scaled to the preview
// size. An empty roi meters the whole frame. It is a no-op until the first
// frame reveals the preview size.
func (t *Thread) applyExposureRegion(roi motion.ROI) {
	t.mu.Lock()
	w, h := t.frameWidth, t.frameHeight
	t.mu.Unlock()

	if w == 0 || h == 0 {
		return
	}
	rect := effectiveROI(roi, w, h).ScaleTo(w, h).Intersect(image.Rect(0, 0, w, h))
	if rect.Empty() {
		return
	}
	if err := t.link.SetExposureRegion(rect); err != nil {
		slog.Warn("capture: failed to set exposure region", "error", err)
	}
}

// effectiveROI treats an empty ROI as the whole frame.
func effectiveROI(roi motion.ROI, w, h int) motion.ROI {
	if roi.Empty() {
		return motion.FullFrame(w, h)
	}
	return roi
}
