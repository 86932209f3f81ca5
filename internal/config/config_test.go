package config

import (
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/birdbath-sensor/motion"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("instance_id: garden-1\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Camera.Driver != "gst" || cfg.Camera.Preview != "400p" || cfg.Camera.Still != "12mp" {
		t.Errorf("camera defaults: %+v", cfg.Camera)
	}
	if cfg.Motion.Threshold != 50 || cfg.Motion.MinArea != 500 || cfg.Motion.Debounce != 5*time.Second {
		t.Errorf("motion defaults: %+v", cfg.Motion)
	}
	if cfg.Capture.StallTimeout != 15*time.Second {
		t.Errorf("stall timeout = %v", cfg.Capture.StallTimeout)
	}
	if cfg.Storage.CleanupTime != "23:30" || cfg.Storage.MaxAgeDays != 30 || cfg.Storage.TargetRatio != 0.9 {
		t.Errorf("storage defaults: %+v", cfg.Storage)
	}
	if cfg.Identify.MinInterval != 120*time.Second || cfg.Identify.MaxPerHour != 10 {
		t.Errorf("identify defaults: %+v", cfg.Identify)
	}
	if !cfg.Identify.DeleteNonBirdImages() {
		t.Error("non-bird images should be deleted by default")
	}
	if cfg.MQTT.Topics.Control != "birdbath/control/garden-1" {
		t.Errorf("control topic = %q", cfg.MQTT.Topics.Control)
	}
	if cfg.Catalog.Path != filepath.Join("captures", "captures.db") {
		t.Errorf("catalog path = %q", cfg.Catalog.Path)
	}
	if cfg.ShutdownTimeout() != 5*time.Second || cfg.MaxAge() != 30*24*time.Hour {
		t.Errorf("derived durations: %v %v", cfg.ShutdownTimeout(), cfg.MaxAge())
	}
}

func TestParse_Values(t *testing.T) {
	yml := `
instance_id: bath
camera:
  driver: mock
  settings:
    focus: 100
    exposure_ms: 12.5
    iso: 400
motion:
  threshold: 30
  debounce: 2s
  roi: {x: 10, y: 20, width: 100, height: 50, base_width: 600, base_height: 400}
identify:
  enabled: true
  max_per_hour: 4
  delete_non_bird: false
storage:
  save_dir: /data/birds
  cleanup_time: "02:15"
`
	cfg, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Camera.Settings.Focus != 100 || cfg.Camera.Settings.ExposureMs != 12.5 {
		t.Errorf("settings: %+v", cfg.Camera.Settings)
	}
	if cfg.Motion.Debounce != 2*time.Second || cfg.Motion.Threshold != 30 {
		t.Errorf("motion: %+v", cfg.Motion)
	}
	want := motion.ROI{X: 10, Y: 20, Width: 100, Height: 50, BaseWidth: 600, BaseHeight: 400}
	if cfg.Motion.InitialROI == nil || *cfg.Motion.InitialROI != want {
		t.Errorf("roi = %+v", cfg.Motion.InitialROI)
	}
	if cfg.Identify.DeleteNonBirdImages() {
		t.Error("delete_non_bird: false was ignored")
	}
	if cfg.Identify.LedgerPath != "/data/birds/species_database.json" {
		t.Errorf("ledger path = %q", cfg.Identify.LedgerPath)
	}
	if cfg.ROIPath() != "/data/birds/roi.yaml" {
		t.Errorf("roi path = %q", cfg.ROIPath())
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		want string
	}{
		{"missing instance", "camera: {driver: mock}", "instance_id is required"},
		{"bad instance", "instance_id: Bad_ID", "instance_id must match"},
		{"bad driver", "instance_id: a\ncamera: {driver: usb}", "camera.driver"},
		{"bad resolution", "instance_id: a\ncamera: {preview: 8k}", "camera.preview"},
		{"bad threshold", "instance_id: a\nmotion: {threshold: 300}", "motion.threshold"},
		{"bad cleanup time", "instance_id: a\nstorage: {cleanup_time: '25:00'}", "storage.cleanup_time"},
		{"bad ratio", "instance_id: a\nstorage: {target_ratio: 1.5}", "storage.target_ratio"},
		{"upload without dir", "instance_id: a\nupload: {enabled: true}", "upload.dir"},
		{"upload without url", "instance_id: a\nupload: {enabled: true, target: http}", "upload.url"},
		{"negative retries", "instance_id: a\nupload: {enabled: true, dir: /b, max_retries: -1}", "upload.max_retries"},
		{"empty roi", "instance_id: a\nmotion: {roi: {x: 1, y: 1}}", "motion.roi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParse_UploadRetries(t *testing.T) {
	cfg, err := Parse([]byte("instance_id: a\nupload: {enabled: true, dir: /b}"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Upload.MaxRetries != nil {
		t.Errorf("unset max_retries = %d, want nil (pool default)", *cfg.Upload.MaxRetries)
	}

	cfg, err = Parse([]byte("instance_id: a\nupload: {enabled: true, dir: /b, max_retries: 0}"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Upload.MaxRetries == nil || *cfg.Upload.MaxRetries != 0 {
		t.Errorf("max_retries: 0 was not kept: %v", cfg.Upload.MaxRetries)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "birdbath.yaml")
	if err := os.WriteFile(path, []byte("instance_id: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.InstanceID != "from-file" {
		t.Errorf("instance_id = %q", cfg.InstanceID)
	}
}

func TestROI_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "roi.yaml")

	if _, ok, err := LoadROI(path); ok || err != nil {
		t.Fatalf("missing file should load as no roi: %v %v", ok, err)
	}

	roi := motion.Normalize(image.Rect(61, 41, 401, 301), 2, 600, 400)
	if err := SaveROI(path, roi); err != nil {
		t.Fatalf("SaveROI failed: %v", err)
	}
	got, ok, err := LoadROI(path)
	if err != nil || !ok {
		t.Fatalf("LoadROI: %v %v", ok, err)
	}
	if got != roi {
		t.Errorf("round trip changed roi: %v -> %v", roi, got)
	}

	if err := SaveROI(path, motion.ROI{}); err != nil {
		t.Fatalf("clearing roi failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("cleared roi should remove the file")
	}
	if err := SaveROI(path, motion.ROI{}); err != nil {
		t.Errorf("clearing twice should be fine: %v", err)
	}
}

func TestROI_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roi.yaml")
	os.WriteFile(path, []byte("x: [not an int"), 0o644)
	if _, _, err := LoadROI(path); err == nil {
		t.Error("expected parse error")
	}
}
