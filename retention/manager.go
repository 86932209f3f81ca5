package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SummaryFile is written to the storage root after every run.
const SummaryFile = "cleanup_summary.json"

// DefaultMaxAge is how long unidentified captures are kept regardless of
// the size budget.
const DefaultMaxAge = 30 * 24 * time.Hour

// Config is the retention policy for one storage root.
type Config struct {
	Root string
	// Exempt is never walked. Relative paths are resolved against Root.
	Exempt      string
	MaxSizeGB   float64
	TargetRatio float64
	// MaxAge removes older images even under budget. Zero disables it.
	MaxAge time.Duration
}

// Summary is one complete cleanup run, as written to SummaryFile.
type Summary struct {
	Timestamp        time.Time    `json:"timestamp"`
	InitialStats     StorageStats `json:"initial_stats"`
	FinalStats       StorageStats `json:"final_stats"`
	CleanupResult    Report       `json:"cleanup_result"`
	AgeCleanupResult AgeReport    `json:"age_cleanup_result"`
	PrunedDirs       []string     `json:"pruned_dirs"`
}

// Deleted lists every file the run removed.
func (s Summary) Deleted() []string {
	out := make([]string, 0, len(s.CleanupResult.Deleted)+len(s.AgeCleanupResult.Deleted))
	out = append(out, s.CleanupResult.Deleted...)
	return append(out, s.AgeCleanupResult.Deleted...)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNow replaces time.Now for age cutoffs.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithOnDeleted registers a hook that receives the files each run removed.
func WithOnDeleted(fn func(ctx context.Context, paths []string)) ManagerOption {
	return func(m *Manager) { m.onDeleted = fn }
}

// Manager runs the daily cleanup routine. Runs are serialized, so the
// scheduler and on-demand callers can overlap safely.
type Manager struct {
	cfg       Config
	now       func() time.Time
	onDeleted func(ctx context.Context, paths []string)

	mu   sync.Mutex
	last *Summary
}

// NewManager validates cfg and fills in defaults.
func NewManager(cfg Config, opts ...ManagerOption) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("retention: root is required")
	}
	if cfg.MaxSizeGB <= 0 {
		return nil, fmt.Errorf("retention: max_size_gb must be positive, got %v", cfg.MaxSizeGB)
	}
	if cfg.MaxAge < 0 {
		return nil, fmt.Errorf("retention: max age must not be negative")
	}
	if cfg.TargetRatio <= 0 || cfg.TargetRatio > 1 {
		cfg.TargetRatio = DefaultTargetRatio
	}
	cfg.Root = filepath.Clean(cfg.Root)

	m := &Manager{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run performs the budget sweep, the age cleanup and directory pruning, then
// writes SummaryFile.
func (m *Manager) Run(ctx context.Context) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Info("retention: starting daily cleanup", "root", m.cfg.Root)
	started := m.now()

	if _, err := os.Stat(m.cfg.Root); os.IsNotExist(err) {
		slog.Info("retention: storage root does not exist yet, nothing to do", "root", m.cfg.Root)
		return Summary{Timestamp: started}, nil
	}

	s := Summary{Timestamp: started, PrunedDirs: []string{}}

	initial, err := Stats(ctx, m.cfg.Root, m.cfg.Exempt, m.cfg.MaxSizeGB)
	if err != nil {
		return s, err
	}
	s.InitialStats = initial

	s.CleanupResult, err = sweep(ctx, m.cfg.Root, m.cfg.MaxSizeGB, m.cfg.TargetRatio, m.cfg.Exempt)
	if err != nil {
		return s, err
	}

	s.AgeCleanupResult = AgeReport{Deleted: []string{}}
	if m.cfg.MaxAge > 0 {
		s.AgeCleanupResult, err = CleanupByAge(ctx, m.cfg.Root, m.cfg.Exempt, started.Add(-m.cfg.MaxAge))
		if err != nil {
			return s, err
		}
	}

	if pruned, err := PruneEmptyDirs(m.cfg.Root, m.cfg.Exempt, s.Deleted()); err != nil {
		slog.Warn("retention: prune failed", "error", err)
	} else {
		s.PrunedDirs = pruned
	}

	final, err := Stats(ctx, m.cfg.Root, m.cfg.Exempt, m.cfg.MaxSizeGB)
	if err != nil {
		return s, err
	}
	s.FinalStats = final

	if deleted := s.Deleted(); len(deleted) > 0 && m.onDeleted != nil {
		m.onDeleted(ctx, deleted)
	}

	if err := writeSummary(filepath.Join(m.cfg.Root, SummaryFile), s); err != nil {
		slog.Error("retention: failed to write summary", "error", err)
	}

	m.last = &s
	slog.Info("retention: daily cleanup completed",
		"deleted", len(s.CleanupResult.Deleted),
		"expired", len(s.AgeCleanupResult.Deleted),
		"pruned_dirs", len(s.PrunedDirs),
		"final_gb", final.TotalSizeGB,
	)
	return s, nil
}

// Stats reports storage statistics for the managed root.
func (m *Manager) Stats(ctx context.Context) (StorageStats, error) {
	return Stats(ctx, m.cfg.Root, m.cfg.Exempt, m.cfg.MaxSizeGB)
}

// Last returns the most recent summary, if any run has completed.
func (m *Manager) Last() (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Summary{}, false
	}
	return *m.last, true
}

func writeSummary(path string, s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("retention: encode summary: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("retention: write summary: %w", err)
	}
	return os.Rename(tmp, path)
}
