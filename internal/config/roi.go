package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/birdbath-sensor/motion"
)

// SaveROI persists roi as YAML. An empty roi removes the file, so a cleared
// region stays cleared across restarts.
func SaveROI(path string, roi motion.ROI) error {
	if roi.Empty() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove roi file: %w", err)
		}
		return nil
	}

	data, err := yaml.Marshal(roi)
	if err != nil {
		return fmt.Errorf("failed to encode roi: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create roi dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".roi-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write roi file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write roi file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write roi file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadROI reads a persisted ROI. ok is false when no ROI has been saved.
func LoadROI(path string) (roi motion.ROI, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return motion.ROI{}, false, nil
	}
	if err != nil {
		return motion.ROI{}, false, fmt.Errorf("failed to read roi file: %w", err)
	}
	if err := yaml.Unmarshal(data, &roi); err != nil {
		return motion.ROI{}, false, fmt.Errorf("failed to parse roi file %s: %w", path, err)
	}
	if roi.Empty() {
		return motion.ROI{}, false, nil
	}
	return roi, true, nil
}

// ROIPath resolves motion.roi_file against the storage root.
func (c *Config) ROIPath() string {
	if filepath.IsAbs(c.Motion.ROIFile) {
		return c.Motion.ROIFile
	}
	return filepath.Join(c.Storage.SaveDir, c.Motion.ROIFile)
}
