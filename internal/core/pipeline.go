package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/e7canasta/birdbath-sensor/catalog"
	"github.com/e7canasta/birdbath-sensor/eventbus"
	"github.com/e7canasta/birdbath-sensor/identify"
	"github.com/e7canasta/birdbath-sensor/internal/emitter"
	"github.com/e7canasta/birdbath-sensor/retention"
	"github.com/e7canasta/birdbath-sensor/upload"
)

const pipelineSubscriber = "pipeline"

// onEventDropped reports stills the pipeline fell too far behind to
// receive. They stay on disk uncataloged until retention removes them.
func (b *Birdbath) onEventDropped(id string, ev eventbus.Event) {
	if id != pipelineSubscriber || ev.Kind != eventbus.MotionTriggered {
		return
	}
	b.metrics.CaptureDropped()
	slog.Warn("capture dropped, pipeline is behind",
		"capture_id", ev.Record.ID,
		"path", ev.Record.Path,
		"queued", len(b.captures),
	)
}

// processCaptures handles stills off the capture goroutine, one at a time.
func (b *Birdbath) processCaptures(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.captures:
			if !ok {
				return
			}
			b.handleCapture(ctx, ev)
		}
	}
}

// handleCapture files one still: catalog entry, classification, ledger,
// upload and the identification event.
func (b *Birdbath) handleCapture(ctx context.Context, ev eventbus.Event) {
	rec := ev.Record
	log := slog.With("capture_id", rec.ID, "path", rec.Path)

	if err := b.catalog.Add(ctx, rec); err != nil {
		log.Error("failed to catalog capture", "error", err)
	}

	if b.queue == nil {
		b.enqueueUpload(rec.Path)
		return
	}

	start := time.Now()
	out, err := b.queue.Submit(ctx, rec)
	b.metrics.ObserveIdentify(out, err, time.Since(start))

	if err != nil {
		// Failed submissions keep the still and are never retried.
		log.Error("identification failed", "error", err)
		b.setStatus(ctx, rec.ID, catalog.StatusFailed)
		b.enqueueUpload(rec.Path)
		return
	}

	switch out.Verdict {
	case identify.Identified:
		if err := b.catalog.MarkIdentified(ctx, rec.ID, out.Identification.CommonName, out.Path); err != nil {
			log.Error("failed to mark capture identified", "error", err)
		}
		b.enqueueUpload(out.Path)

	case identify.NotABird:
		status := catalog.StatusNotABird
		if b.cfg.Identify.DeleteNonBirdImages() {
			if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn("failed to delete non-bird still", "error", err)
			} else {
				log.Info("non-bird still deleted")
				status = catalog.StatusSwept
			}
		} else {
			b.enqueueUpload(rec.Path)
		}
		b.setStatus(ctx, rec.ID, status)

	case identify.RateLimited:
		b.setStatus(ctx, rec.ID, catalog.StatusRateLimited)
		b.enqueueUpload(rec.Path)
	}

	b.publish(emitter.NewIdentificationMessage(out, ev.At))
}

func (b *Birdbath) setStatus(ctx context.Context, id string, status catalog.Status) {
	if err := b.catalog.SetStatus(ctx, id, status); err != nil {
		slog.Error("failed to update capture status", "capture_id", id, "status", status, "error", err)
	}
}

func (b *Birdbath) enqueueUpload(path string) {
	if b.pool == nil {
		return
	}
	b.pool.Enqueue(path)
}

func (b *Birdbath) publish(msg emitter.Message) {
	if b.emitter == nil {
		return
	}
	if err := b.emitter.Publish(msg); err != nil {
		slog.Warn("failed to publish event", "type", msg.Type(), "error", err)
	}
}

// relocate files an identified still under its species. The still moves
// into the dated species folder and is linked into the permanent
// collection, whose path is returned. Neither step replaces an existing
// file: a taken name gets a numeric suffix.
func (b *Birdbath) relocate(path string, id identify.Identification) (string, error) {
	name := filepath.Base(path)

	dayDir := b.layout.SpeciesDay(id.Timestamp, id.CommonName)
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create species folder: %w", err)
	}
	dated, err := placeExclusive(dayDir, name, func(dst string) error { return linkOrCopy(path, dst) })
	if err != nil {
		return "", fmt.Errorf("failed to move still: %w", err)
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("failed to remove unidentified still", "path", path, "error", err)
	}
	b.removeIfEmpty(filepath.Dir(path))

	keepDir := b.layout.Identified(id.CommonName)
	if err := os.MkdirAll(keepDir, 0o755); err != nil {
		return dated, fmt.Errorf("failed to create collection folder: %w", err)
	}
	kept, err := placeExclusive(keepDir, filepath.Base(dated), func(dst string) error { return linkOrCopy(dated, dst) })
	if err != nil {
		return dated, fmt.Errorf("failed to file still in collection: %w", err)
	}

	slog.Debug("still relocated", "species", id.CommonName, "dated", dated, "kept", kept)
	return kept, nil
}

// removeIfEmpty drops the unidentified folder once its last still moved out.
func (b *Birdbath) removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(dir)
}

// placeExclusive calls place with name in dir, then name_1, name_2 and so
// on while place reports that the target exists.
func placeExclusive(dir, name string, place func(dst string) error) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 0; i < 100; i++ {
		dst := filepath.Join(dir, name)
		if i > 0 {
			dst = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
		}
		err := place(dst)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return dst, nil
	}
	return "", fmt.Errorf("no free filename for %s in %s", name, dir)
}

// linkOrCopy hard links src to dst, copying when the filesystem refuses
// the link. It fails with fs.ErrExist rather than replace dst.
func linkOrCopy(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return err
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// onUploaded runs on an upload worker.
func (b *Birdbath) onUploaded(res upload.Result) {
	b.metrics.ObserveUpload(res)
	if res.Err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.catalog.MarkUploaded(ctx, res.Path); err != nil {
		slog.Warn("failed to mark capture uploaded", "path", res.Path, "error", err)
	}
}

// onSwept runs after every retention pass that removed files.
func (b *Birdbath) onSwept(ctx context.Context, paths []string) {
	n, err := b.catalog.MarkSwept(ctx, paths)
	if err != nil {
		slog.Error("failed to mark swept captures", "error", err)
		return
	}
	slog.Info("catalog updated after retention", "files", len(paths), "entries", n)
}

// sweep runs retention immediately and records its metrics.
func (b *Birdbath) sweep(ctx context.Context) (retention.Summary, error) {
	s, err := b.scheduler.RunNow(ctx)
	if err != nil {
		return s, err
	}
	b.observeRetention(s)
	return s, nil
}

// observeRetention records each completed run once, whether it came from
// the schedule or a command.
func (b *Birdbath) observeRetention(s retention.Summary) {
	b.mu.Lock()
	seen := !s.Timestamp.After(b.lastSweep)
	if !seen {
		b.lastSweep = s.Timestamp
	}
	b.mu.Unlock()
	if !seen {
		b.metrics.ObserveRetention(s)
	}
}

// watchRetention folds scheduled runs into the metrics.
func (b *Birdbath) watchRetention(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s, ok := b.retention.Last(); ok {
				b.observeRetention(s)
			}
		}
	}
}
