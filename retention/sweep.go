package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const bytesPerGB = 1024 * 1024 * 1024

// DefaultTargetRatio leaves a 10% buffer below the budget after a sweep.
const DefaultTargetRatio = 0.9

var errLocked = errors.New("retention: file is locked")

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
}

// IsImage reports whether path has an extension retention manages.
func IsImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// File is one eligible image found by a walk.
type File struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Report describes one budget sweep.
type Report struct {
	Scanned       int      `json:"scanned"`
	TotalBytes    int64    `json:"total_bytes"`
	BudgetBytes   int64    `json:"budget_bytes"`
	TargetBytes   int64    `json:"target_bytes"`
	Cleaned       bool     `json:"cleaned"`
	Deleted       []string `json:"deleted"`
	FreedBytes    int64    `json:"freed_bytes"`
	SkippedLocked int      `json:"skipped_locked"`
	Errors        int      `json:"errors"`
	FinalBytes    int64    `json:"final_bytes"`
}

// Sweep keeps the eligible images under root within maxSizeGB. When over
// budget it deletes oldest-first until the total is at most the budget
// times DefaultTargetRatio. Nothing under exempt is ever read or removed.
func Sweep(ctx context.Context, root string, maxSizeGB float64, exempt string) (Report, error) {
	return sweep(ctx, root, maxSizeGB, DefaultTargetRatio, exempt)
}

func sweep(ctx context.Context, root string, maxSizeGB, ratio float64, exempt string) (Report, error) {
	if maxSizeGB <= 0 {
		return Report{}, fmt.Errorf("retention: max size must be positive, got %v", maxSizeGB)
	}
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultTargetRatio
	}

	files, err := walk(ctx, root, exempt)
	if err != nil {
		return Report{}, err
	}

	r := Report{
		Scanned:     len(files),
		BudgetBytes: int64(maxSizeGB * bytesPerGB),
		Deleted:     []string{},
	}
	r.TargetBytes = int64(float64(r.BudgetBytes) * ratio)
	for _, f := range files {
		r.TotalBytes += f.Size
	}
	r.FinalBytes = r.TotalBytes

	if r.TotalBytes <= r.BudgetBytes {
		slog.Info("retention: storage within limit",
			"total_gb", gb(r.TotalBytes),
			"max_gb", maxSizeGB,
		)
		return r, nil
	}

	slog.Info("retention: storage over limit, starting cleanup",
		"total_gb", gb(r.TotalBytes),
		"max_gb", maxSizeGB,
		"target_gb", gb(r.TargetBytes),
	)
	r.Cleaned = true

	sortOldestFirst(files)
	for _, f := range files {
		if r.FinalBytes <= r.TargetBytes {
			break
		}
		if err := ctx.Err(); err != nil {
			return r, err
		}

		switch err := removeUnlocked(f.Path); {
		case err == nil:
			r.Deleted = append(r.Deleted, f.Path)
			r.FreedBytes += f.Size
			r.FinalBytes -= f.Size
			slog.Info("retention: deleted file",
				"path", f.Path,
				"size", f.Size,
				"mtime", f.ModTime,
			)
		case errors.Is(err, errLocked):
			r.SkippedLocked++
			slog.Warn("retention: file locked, skipping", "path", f.Path)
		case errors.Is(err, fs.ErrNotExist):
			r.FinalBytes -= f.Size
		default:
			r.Errors++
			slog.Error("retention: failed to delete file", "path", f.Path, "error", err)
		}
	}

	slog.Info("retention: cleanup completed",
		"deleted", len(r.Deleted),
		"freed_mb", float64(r.FreedBytes)/(1024*1024),
		"final_gb", gb(r.FinalBytes),
		"skipped_locked", r.SkippedLocked,
	)
	return r, nil
}

// AgeReport describes one age cleanup.
type AgeReport struct {
	Cutoff        time.Time `json:"cutoff"`
	Deleted       []string  `json:"deleted"`
	FreedBytes    int64     `json:"freed_bytes"`
	SkippedLocked int       `json:"skipped_locked"`
	Errors        int       `json:"errors"`
}

// CleanupByAge deletes eligible images last modified before cutoff.
func CleanupByAge(ctx context.Context, root, exempt string, cutoff time.Time) (AgeReport, error) {
	r := AgeReport{Cutoff: cutoff, Deleted: []string{}}

	files, err := walk(ctx, root, exempt)
	if err != nil {
		return r, err
	}

	for _, f := range files {
		if !f.ModTime.Before(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return r, err
		}

		switch err := removeUnlocked(f.Path); {
		case err == nil:
			r.Deleted = append(r.Deleted, f.Path)
			r.FreedBytes += f.Size
			slog.Info("retention: deleted expired file",
				"path", f.Path,
				"size", f.Size,
				"mtime", f.ModTime,
			)
		case errors.Is(err, errLocked):
			r.SkippedLocked++
		case errors.Is(err, fs.ErrNotExist):
		default:
			r.Errors++
			slog.Error("retention: failed to delete expired file", "path", f.Path, "error", err)
		}
	}
	return r, nil
}

// PruneEmptyDirs removes the directories that deleting the given files
// left empty, walking up from each file's parent toward root. Only
// directories with no entries at all are removed; root and the exempt
// tree are never touched.
func PruneEmptyDirs(root, exempt string, deleted []string) ([]string, error) {
	ex, err := newExemption(root, exempt)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var dirs []string
	for _, f := range deleted {
		for dir := filepath.Dir(filepath.Clean(f)); ; dir = filepath.Dir(dir) {
			if seen[dir] || !ex.inside(dir) || ex.covers(dir) {
				break
			}
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}

	// Deepest first, so a date dir empties once its species dirs are gone.
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], string(filepath.Separator)), strings.Count(dirs[j], string(filepath.Separator))
		if di != dj {
			return di > dj
		}
		return dirs[i] < dirs[j]
	})

	removed := []string{}
	for _, dir := range dirs {
		if !isEmptyDir(dir) {
			continue
		}
		if err := os.Remove(dir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Error("retention: failed to remove empty directory", "path", dir, "error", err)
			}
			continue
		}
		removed = append(removed, dir)
		slog.Info("retention: removed empty directory", "path", dir)
	}
	return removed, nil
}

func isEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) == 0
}

// walk collects eligible images under root. The exempt subtree is skipped
// without being entered.
func walk(ctx context.Context, root, exempt string) ([]File, error) {
	root = filepath.Clean(root)
	ex, err := newExemption(root, exempt)
	if err != nil {
		return nil, err
	}

	var files []File
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			slog.Warn("retention: walk error, skipping", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			if ex.covers(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !IsImage(path) || ex.covers(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, File{Path: path, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retention: walk %s: %w", root, err)
	}
	return files, nil
}

// exemption answers containment questions for paths produced by walking
// root, whether root and the exempt dir are given relative or absolute.
type exemption struct {
	root    string
	absRoot string
	dir     string // absolute; empty when nothing is exempt
}

// newExemption resolves exempt. A relative exempt path names a directory
// under root, unless it already resolves inside root from the working
// directory.
func newExemption(root, exempt string) (exemption, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return exemption{}, fmt.Errorf("retention: resolve root %s: %w", root, err)
	}
	ex := exemption{root: filepath.Clean(root), absRoot: absRoot}
	if exempt == "" {
		return ex, nil
	}

	if filepath.IsAbs(exempt) {
		ex.dir = filepath.Clean(exempt)
		return ex, nil
	}
	if abs, err := filepath.Abs(exempt); err == nil && within(abs, absRoot) && abs != absRoot {
		ex.dir = abs
		return ex, nil
	}
	ex.dir = filepath.Join(absRoot, exempt)
	return ex, nil
}

// abs maps a path under root (as given to WalkDir) to an absolute one.
func (e exemption) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	if rel, err := filepath.Rel(e.root, path); err == nil {
		return filepath.Join(e.absRoot, rel)
	}
	if a, err := filepath.Abs(path); err == nil {
		return a
	}
	return path
}

// covers reports whether path is the exempt dir or below it.
func (e exemption) covers(path string) bool {
	return e.dir != "" && within(e.abs(path), e.dir)
}

// inside reports whether path lies strictly below root.
func (e exemption) inside(path string) bool {
	p := e.abs(path)
	return p != e.absRoot && within(p, e.absRoot)
}

// within reports whether path equals dir or lies below it. Both must be
// absolute and clean.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func sortOldestFirst(files []File) {
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return files[i].Path < files[j].Path
	})
}

func gb(n int64) float64 { return float64(n) / bytesPerGB }
