package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/e7canasta/birdbath-sensor/camera"
	"github.com/e7canasta/birdbath-sensor/retention"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return err
	}
	if err := validateMotion(&cfg.Motion); err != nil {
		return err
	}
	validateCapture(&cfg.Capture)
	if err := validateStorage(&cfg.Storage); err != nil {
		return err
	}
	if err := validateIdentify(&cfg.Identify, cfg.Storage.SaveDir); err != nil {
		return err
	}
	if err := validateUpload(&cfg.Upload); err != nil {
		return err
	}
	validateMQTT(&cfg.MQTT, cfg.InstanceID)

	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = filepath.Join(cfg.Storage.SaveDir, "captures.db")
	}
	return nil
}

func validateCamera(c *CameraConfig) error {
	switch c.Driver {
	case "":
		c.Driver = "gst"
	case "gst", "mock":
	default:
		return fmt.Errorf("camera.driver must be gst or mock, got %q", c.Driver)
	}
	if c.Device == "" {
		c.Device = "/dev/video0"
	}
	if c.Preview == "" {
		c.Preview = camera.Res400p.String()
	}
	if c.Still == "" {
		c.Still = camera.Res12MP.String()
	}
	if _, err := camera.ParseResolution(c.Preview); err != nil {
		return fmt.Errorf("camera.preview: %w", err)
	}
	if _, err := camera.ParseResolution(c.Still); err != nil {
		return fmt.Errorf("camera.still: %w", err)
	}
	if c.FPS <= 0 {
		c.FPS = 15
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 95
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("camera.jpeg_quality must be 1-100")
	}
	if c.Settings == (camera.Settings{}) {
		c.Settings = camera.DefaultSettings()
	}

	def := camera.DefaultConfig()
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = def.ReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.ControlDelay <= 0 {
		c.ControlDelay = def.ControlDelay
	}
	if c.StillTimeout <= 0 {
		c.StillTimeout = def.StillTimeout
	}
	return nil
}

func validateMotion(m *MotionConfig) error {
	if m.Threshold == 0 {
		m.Threshold = 50
	}
	if m.Threshold < 1 || m.Threshold > 255 {
		return fmt.Errorf("motion.threshold must be 1-255")
	}
	if m.MinArea == 0 {
		m.MinArea = 500
	}
	if m.MinArea < 0 {
		return fmt.Errorf("motion.min_area must be >= 0")
	}
	if m.BlurSigma <= 0 {
		m.BlurSigma = 3.5
	}
	if m.Dilate <= 0 {
		m.Dilate = 2
	}
	if m.Debounce <= 0 {
		m.Debounce = 5 * time.Second
	}
	if m.ROIFile == "" {
		m.ROIFile = "roi.yaml"
	}
	if m.InitialROI != nil && m.InitialROI.Empty() {
		return fmt.Errorf("motion.roi must have a positive width and height")
	}
	return nil
}

func validateCapture(c *CaptureConfig) {
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = 500 * time.Millisecond
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 15 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.FailureWarnThreshold <= 0 {
		c.FailureWarnThreshold = 5
	}
}

func validateStorage(s *StorageConfig) error {
	if s.SaveDir == "" {
		s.SaveDir = "captures"
	}
	if s.MaxSizeGB == 0 {
		s.MaxSizeGB = 10
	}
	if s.MaxSizeGB < 0 {
		return fmt.Errorf("storage.max_size_gb must be > 0")
	}
	if s.CleanupTime == "" {
		s.CleanupTime = retention.DefaultCleanupTime
	}
	if _, err := retention.CronSpec(s.CleanupTime); err != nil {
		return fmt.Errorf("storage.cleanup_time: %w", err)
	}
	if s.MaxAgeDays == 0 {
		s.MaxAgeDays = int(retention.DefaultMaxAge / (24 * time.Hour))
	}
	if s.MaxAgeDays < 0 {
		return fmt.Errorf("storage.max_age_days must be >= 0")
	}
	if s.TargetRatio == 0 {
		s.TargetRatio = retention.DefaultTargetRatio
	}
	if s.TargetRatio <= 0 || s.TargetRatio > 1 {
		return fmt.Errorf("storage.target_ratio must be in (0, 1]")
	}
	return nil
}

func validateIdentify(i *IdentifyConfig, saveDir string) error {
	if i.Model == "" {
		i.Model = "gemini-2.5-flash"
	}
	if i.APIKeyEnv == "" {
		i.APIKeyEnv = "GEMINI_API_KEY"
	}
	if i.MinInterval <= 0 {
		i.MinInterval = 120 * time.Second
	}
	if i.MaxPerHour == 0 {
		i.MaxPerHour = 10
	}
	if i.MaxPerHour < 0 {
		return fmt.Errorf("identify.max_per_hour must be >= 0")
	}
	if i.CallTimeout <= 0 {
		i.CallTimeout = 30 * time.Second
	}
	if i.LedgerPath == "" {
		i.LedgerPath = filepath.Join(saveDir, "species_database.json")
	}
	return nil
}

func validateUpload(u *UploadConfig) error {
	if !u.Enabled {
		return nil
	}
	switch u.Target {
	case "", "dir":
		u.Target = "dir"
		if u.Dir == "" {
			return fmt.Errorf("upload.dir is required for the dir target")
		}
	case "http":
		if u.URL == "" {
			return fmt.Errorf("upload.url is required for the http target")
		}
	default:
		return fmt.Errorf("upload.target must be dir or http, got %q", u.Target)
	}
	if u.MaxRetries != nil && *u.MaxRetries < 0 {
		return fmt.Errorf("upload.max_retries must be >= 0, got %d", *u.MaxRetries)
	}
	return nil
}

func validateMQTT(m *MQTTConfig, instanceID string) {
	// Set default topics if not provided
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("birdbath/control/%s", instanceID)
	}
	if m.Topics.Responses == "" {
		m.Topics.Responses = fmt.Sprintf("birdbath/responses/%s", instanceID)
	}
	if m.Topics.Events == "" {
		m.Topics.Events = fmt.Sprintf("birdbath/events/%s", instanceID)
	}
	if m.Topics.Health == "" {
		m.Topics.Health = fmt.Sprintf("birdbath/health/%s", instanceID)
	}

	// Set default QoS if not provided
	if m.QoS == nil {
		m.QoS = map[string]byte{
			"control":        1,
			"identification": 1,
			"motion":         0,
			"health":         0,
		}
	}
}
