package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/birdbath-sensor/camera"
	"github.com/e7canasta/birdbath-sensor/motion"
)

// Config represents the complete birdbath daemon configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig   `yaml:"camera"`
	Motion           MotionConfig   `yaml:"motion"`
	Capture          CaptureConfig  `yaml:"capture"`
	Storage          StorageConfig  `yaml:"storage"`
	Identify         IdentifyConfig `yaml:"identify"`
	Upload           UploadConfig   `yaml:"upload"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
	HTTP             HTTPConfig     `yaml:"http"`
	Catalog          CatalogConfig  `yaml:"catalog"`
}

// CameraConfig selects the capture device
type CameraConfig struct {
	Driver            string          `yaml:"driver"`  // gst, mock
	Device            string          `yaml:"device"`  // e.g. /dev/video0
	Preview           string          `yaml:"preview"` // 400p, 720p, 1080p
	Still             string          `yaml:"still"`   // 1080p, 4k, 12mp
	FPS               float64         `yaml:"fps"`
	JPEGQuality       int             `yaml:"jpeg_quality"`
	Overlay           bool            `yaml:"overlay"`
	Settings          camera.Settings `yaml:"settings"`
	ReconnectAttempts int             `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration   `yaml:"reconnect_delay"`
	ControlDelay      time.Duration   `yaml:"control_delay"`
	StillTimeout      time.Duration   `yaml:"still_timeout"`
}

// MotionConfig tunes the detector
type MotionConfig struct {
	Threshold  int           `yaml:"threshold"` // 1-255
	MinArea    int           `yaml:"min_area"`
	BlurSigma  float32       `yaml:"blur_sigma"`
	Dilate     int           `yaml:"dilate_iterations"`
	Debounce   time.Duration `yaml:"debounce"`
	ROIFile    string        `yaml:"roi_file"` // persisted ROI, relative to storage.save_dir
	InitialROI *motion.ROI   `yaml:"roi,omitempty"`
}

// CaptureConfig tunes the capture loop
type CaptureConfig struct {
	FrameTimeout         time.Duration `yaml:"frame_timeout"`
	StallTimeout         time.Duration `yaml:"stall_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	RetryInterval        time.Duration `yaml:"retry_interval"`
	FailureWarnThreshold int           `yaml:"failure_warn_threshold"`
}

// StorageConfig contains the capture tree and its retention policy
type StorageConfig struct {
	SaveDir     string  `yaml:"save_dir"`
	MaxSizeGB   float64 `yaml:"max_size_gb"`
	CleanupTime string  `yaml:"cleanup_time"` // HH:MM, local time
	MaxAgeDays  int     `yaml:"max_age_days"`
	TargetRatio float64 `yaml:"target_ratio"`
}

// IdentifyConfig contains classifier settings
type IdentifyConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Model         string        `yaml:"model"`
	APIKeyEnv     string        `yaml:"api_key_env"` // env var holding the key (default: GEMINI_API_KEY)
	MinInterval   time.Duration `yaml:"min_interval"`
	MaxPerHour    int           `yaml:"max_per_hour"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	LedgerPath    string        `yaml:"ledger_path"`
	DeleteNonBird *bool         `yaml:"delete_non_bird"` // default: true
}

// DeleteNonBirdImages reports whether stills classified as not-a-bird are
// removed.
func (c IdentifyConfig) DeleteNonBirdImages() bool {
	return c.DeleteNonBird == nil || *c.DeleteNonBird
}

// UploadConfig contains backup settings
type UploadConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Target     string        `yaml:"target"` // dir, http
	Dir        string        `yaml:"dir"`
	URL        string        `yaml:"url"`
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	MaxRetries *int          `yaml:"max_retries"` // unset means 3; 0 disables retries
	MinDelay   time.Duration `yaml:"min_delay"`
	Cooldown   time.Duration `yaml:"cooldown"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables
// both the emitter and the control plane.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control   string `yaml:"control"`
	Responses string `yaml:"responses"`
	Events    string `yaml:"events"`
	Health    string `yaml:"health"`
}

// HTTPConfig contains the health/metrics listener
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// CatalogConfig locates the SQLite capture index
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// Load reads and validates configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse validates configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
// Used by the subcommands that run without a config file.
func Default() *Config {
	cfg := Config{InstanceID: "birdbath"}
	if err := Validate(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// MaxAge returns the age cutoff for retention.
func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.Storage.MaxAgeDays) * 24 * time.Hour
}

// APIKey reads the classifier key from the environment.
func (c *Config) APIKey() string {
	return os.Getenv(c.Identify.APIKeyEnv)
}
