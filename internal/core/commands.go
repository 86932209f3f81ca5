package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/e7canasta/birdbath-sensor/internal/config"
	"github.com/e7canasta/birdbath-sensor/motion"
)

// getStatus reports every component for the get_status command.
func (b *Birdbath) getStatus() map[string]any {
	b.mu.RLock()
	started := b.started
	running := b.isRunning
	b.mu.RUnlock()

	st := b.thread.Stats()
	status := map[string]any{
		"instance_id":    b.cfg.InstanceID,
		"running":        running,
		"uptime_seconds": time.Since(started).Seconds(),
		"capture": map[string]any{
			"state":                st.State.String(),
			"connection":           st.Connection.String(),
			"frames":               st.Frames,
			"stills":               st.Stills,
			"triggers":             st.Triggers,
			"debounced":            st.Debounced,
			"stalls":               st.Stalls,
			"consecutive_failures": st.ConsecutiveFailures,
			"since_last_frame_s":   st.SinceLastFrame.Seconds(),
			"fps":                  st.FPS.Mean,
			"roi":                  st.ROI,
			"motion":               b.thread.MotionSettings(),
		},
		"bus": b.bus.Stats(),
	}

	if b.queue != nil {
		rl := b.queue.State()
		status["identify"] = map[string]any{
			"last_call":     rl.LastCall,
			"calls_in_hour": rl.CallsInHour,
			"max_per_hour":  rl.MaxPerHour,
			"min_interval":  rl.MinInterval.String(),
			"calls_today":   b.ledger.DailyCount(b.now()),
		}
	}
	if b.pool != nil {
		status["upload"] = b.pool.Stats()
	}
	if b.emitter != nil {
		status["mqtt"] = b.emitter.Stats()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if counts, err := b.catalog.Counts(ctx); err == nil {
		status["captures"] = counts
	}
	if s, ok := b.retention.Last(); ok {
		status["last_cleanup"] = s.Timestamp
	}
	status["next_cleanup"] = b.scheduler.Next()
	return status
}

// setROI applies roi to the detector and persists it for the next start.
func (b *Birdbath) setROI(ctx context.Context, roi motion.ROI) error {
	if err := b.thread.SetROI(ctx, roi); err != nil {
		return err
	}
	if err := config.SaveROI(b.cfg.ROIPath(), roi); err != nil {
		return fmt.Errorf("roi applied but not saved: %w", err)
	}
	slog.Info("roi updated", "roi", roi.String())
	return nil
}

func (b *Birdbath) clearROI(ctx context.Context) error {
	if err := b.thread.ClearROI(ctx); err != nil {
		return err
	}
	if err := config.SaveROI(b.cfg.ROIPath(), motion.ROI{}); err != nil {
		return fmt.Errorf("roi cleared but not saved: %w", err)
	}
	slog.Info("roi cleared, detecting on full frame")
	return nil
}

func (b *Birdbath) updateMotion(threshold uint8, minArea int) error {
	b.thread.UpdateMotionSettings(threshold, minArea)
	slog.Info("motion settings updated", "threshold", threshold, "min_area", minArea)
	return nil
}

func (b *Birdbath) sweepNow(ctx context.Context) (map[string]any, error) {
	s, err := b.sweep(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"deleted":        len(s.Deleted()),
		"freed_bytes":    s.CleanupResult.FreedBytes + s.AgeCleanupResult.FreedBytes,
		"pruned_dirs":    len(s.PrunedDirs),
		"final_size_gb":  s.FinalStats.TotalSizeGB,
		"final_files":    s.FinalStats.FileCount,
		"budget_cleaned": s.CleanupResult.Cleaned,
	}, nil
}

func (b *Birdbath) storageStats(ctx context.Context) (map[string]any, error) {
	st, err := b.retention.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"storage": st}, nil
}

func (b *Birdbath) ledgerStats() map[string]any {
	return map[string]any{
		"stats":       b.ledger.Stats(),
		"calls_today": b.ledger.DailyCount(b.now()),
	}
}

// clearLedger wipes the species ledger together with the permanent
// collection it indexes.
func (b *Birdbath) clearLedger() error {
	if err := b.ledger.Clear(); err != nil {
		return err
	}
	if err := os.RemoveAll(b.layout.Exempt()); err != nil {
		return fmt.Errorf("failed to clear species collection: %w", err)
	}
	if err := os.MkdirAll(b.layout.Exempt(), 0o755); err != nil {
		return fmt.Errorf("failed to recreate species collection: %w", err)
	}
	slog.Warn("species ledger and collection cleared")
	return nil
}
