package retention

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCleanupTime is when the daily job runs, local time.
const DefaultCleanupTime = "23:30"

// Scheduler runs a Manager once a day.
type Scheduler struct {
	manager *Manager
	cron    *cron.Cron
	timeout time.Duration
}

// NewScheduler registers the daily job at cleanupTime ("HH:MM").
func NewScheduler(m *Manager, cleanupTime string) (*Scheduler, error) {
	if m == nil {
		return nil, fmt.Errorf("retention: manager is required")
	}
	if cleanupTime == "" {
		cleanupTime = DefaultCleanupTime
	}
	spec, err := CronSpec(cleanupTime)
	if err != nil {
		return nil, err
	}

	logger := cronLogger{}
	s := &Scheduler{
		manager: m,
		cron:    cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		timeout: time.Hour,
	}
	if _, err := s.cron.AddFunc(spec, s.runScheduled); err != nil {
		return nil, fmt.Errorf("retention: schedule %q: %w", spec, err)
	}

	slog.Info("retention: daily cleanup scheduled", "at", cleanupTime, "cron", spec)
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running job to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunNow runs the cleanup immediately. It waits behind a run already in
// progress.
func (s *Scheduler) RunNow(ctx context.Context) (Summary, error) {
	return s.manager.Run(ctx)
}

// Next returns when the job runs next. Zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.manager.Run(ctx); err != nil {
		slog.Error("retention: scheduled cleanup failed", "error", err)
	}
}

// CronSpec turns "HH:MM" into a daily cron expression.
func CronSpec(hhmm string) (string, error) {
	parts := strings.Split(strings.TrimSpace(hhmm), ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("retention: cleanup time %q is not HH:MM", hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return "", fmt.Errorf("retention: invalid hour in %q", hhmm)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return "", fmt.Errorf("retention: invalid minute in %q", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

// cronLogger routes cron's own logging into slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("retention: cron "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("retention: cron "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
