package retention

import (
	"context"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// FileRef names a file and when it was last modified.
type FileRef struct {
	Name string    `json:"name"`
	Date time.Time `json:"date"`
}

// DiskUsage is the filesystem the storage root lives on.
type DiskUsage struct {
	Path        string  `json:"path"`
	Fstype      string  `json:"fstype"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// StorageStats summarizes the managed images under a root.
type StorageStats struct {
	Root         string     `json:"save_directory"`
	FileCount    int        `json:"file_count"`
	TotalBytes   int64      `json:"total_bytes"`
	TotalSizeGB  float64    `json:"total_size_gb"`
	MaxSizeGB    float64    `json:"max_size_gb,omitempty"`
	UsagePercent float64    `json:"usage_percent,omitempty"`
	Oldest       *FileRef   `json:"oldest_file,omitempty"`
	Newest       *FileRef   `json:"newest_file,omitempty"`
	Disk         *DiskUsage `json:"disk,omitempty"`
}

// Stats walks root (skipping exempt) and reports what retention manages.
// maxSizeGB only feeds UsagePercent and may be zero. Disk usage is best
// effort: it is omitted when the filesystem cannot be queried.
func Stats(ctx context.Context, root, exempt string, maxSizeGB float64) (StorageStats, error) {
	files, err := walk(ctx, root, exempt)
	if err != nil {
		return StorageStats{}, err
	}

	s := StorageStats{Root: filepath.Clean(root), FileCount: len(files), MaxSizeGB: maxSizeGB}
	for _, f := range files {
		s.TotalBytes += f.Size
	}
	s.TotalSizeGB = gb(s.TotalBytes)
	if maxSizeGB > 0 {
		s.UsagePercent = s.TotalSizeGB / maxSizeGB * 100
	}

	if len(files) > 0 {
		sortOldestFirst(files)
		first, last := files[0], files[len(files)-1]
		s.Oldest = &FileRef{Name: filepath.Base(first.Path), Date: first.ModTime}
		s.Newest = &FileRef{Name: filepath.Base(last.Path), Date: last.ModTime}
	}

	if u, err := disk.UsageWithContext(ctx, root); err == nil {
		s.Disk = &DiskUsage{
			Path:        u.Path,
			Fstype:      u.Fstype,
			TotalBytes:  u.Total,
			FreeBytes:   u.Free,
			UsedBytes:   u.Used,
			UsedPercent: u.UsedPercent,
		}
	}
	return s, nil
}
