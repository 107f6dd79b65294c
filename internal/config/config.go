package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the recorder's complete configuration.
type Config struct {
	Recorder  RecorderConfig  `yaml:"recorder"`
	Detector  DetectorConfig  `yaml:"detector"`
	Proximity ProximityConfig `yaml:"proximity"`
	Sources   []SourceConfig  `yaml:"sources"`
	Live      LiveConfig      `yaml:"live"`
	Web       WebConfig       `yaml:"web"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Log       LogConfig       `yaml:"log"`
}

// RecorderConfig controls session lifetime, file output and retention.
type RecorderConfig struct {
	RecordingsDir          string        `yaml:"recordings_dir"`
	MaxRecordings          int           `yaml:"max_recordings"`
	Cooldown               time.Duration `yaml:"cooldown"`
	FrameRate              float64       `yaml:"frame_rate"`
	Codec                  string        `yaml:"codec"`
	Writer                 string        `yaml:"writer"` // ffmpeg | opencv
	FFmpegPath             string        `yaml:"ffmpeg_path"`
	WriteQueueSize         int           `yaml:"write_queue_size"`
	DrainTimeout           time.Duration `yaml:"drain_timeout"`
	SeedMaxAge             time.Duration `yaml:"seed_max_age"`
	FilePrefix             string        `yaml:"file_prefix"`
	MinFreeBytes           uint64        `yaml:"min_free_bytes"`
	RetentionSweepInterval time.Duration `yaml:"retention_sweep_interval"`
}

// DetectorConfig points at the external object detector.
type DetectorConfig struct {
	URL          string        `yaml:"url"`
	Timeout      time.Duration `yaml:"timeout"`
	Confidence   float64       `yaml:"confidence"`
	SubjectClass string        `yaml:"subject_class"`
	TargetClass  string        `yaml:"target_class"`
	InputSize    int           `yaml:"input_size"`
	HealthTTL    time.Duration `yaml:"health_ttl"`
}

// ProximityConfig holds beacon thresholds. Release thresholds default to
// the assert thresholds, which disables hysteresis.
type ProximityConfig struct {
	DistanceThreshold float64  `yaml:"distance_threshold"`
	RSSIThreshold     float64  `yaml:"rssi_threshold"`
	ReleaseDistance   *float64 `yaml:"release_distance,omitempty"`
	ReleaseRSSI       *float64 `yaml:"release_rssi,omitempty"`
}

// SourceConfig describes one frame source.
type SourceConfig struct {
	ID     string  `yaml:"id"`
	Type   string  `yaml:"type"` // push | device | rtsp
	Device int     `yaml:"device,omitempty"`
	URL    string  `yaml:"url,omitempty"`
	Width  int     `yaml:"width,omitempty"`
	Height int     `yaml:"height,omitempty"`
	FPS    float64 `yaml:"fps,omitempty"`
}

// LiveConfig controls live view encoding.
type LiveConfig struct {
	JPEGQuality    int           `yaml:"jpeg_quality"`
	StreamInterval time.Duration `yaml:"stream_interval"`
}

// WebConfig contains the HTTP listener settings.
type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig locates the recordings index.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig controls event notifications.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Source types.
const (
	SourcePush   = "push"
	SourceDevice = "device"
	SourceRTSP   = "rtsp"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load reads and parses the configuration file. An empty path searches the
// usual locations and falls back to defaults when none exists.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = findConfigPath()
		if configPath == "" {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

func findConfigPath() string {
	for _, path := range []string{
		"./config.yaml",
		"./config/recorder.yaml",
		"/etc/edge-recorder/config.yaml",
	} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Clone returns a deep copy safe to mutate.
func (c *Config) Clone() *Config {
	out := *c
	out.Sources = append([]SourceConfig(nil), c.Sources...)
	if c.Proximity.ReleaseDistance != nil {
		v := *c.Proximity.ReleaseDistance
		out.Proximity.ReleaseDistance = &v
	}
	if c.Proximity.ReleaseRSSI != nil {
		v := *c.Proximity.ReleaseRSSI
		out.Proximity.ReleaseRSSI = &v
	}
	return &out
}

// Addr is the HTTP listen address.
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// ReleaseThresholds returns the thresholds used to clear the close state.
func (p ProximityConfig) ReleaseThresholds() (distance, rssi float64) {
	distance, rssi = p.DistanceThreshold, p.RSSIThreshold
	if p.ReleaseDistance != nil {
		distance = *p.ReleaseDistance
	}
	if p.ReleaseRSSI != nil {
		rssi = *p.ReleaseRSSI
	}
	return distance, rssi
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	r := &c.Recorder
	if r.RecordingsDir == "" {
		r.RecordingsDir = "./recordings"
	}
	if r.MaxRecordings == 0 {
		r.MaxRecordings = 10
	}
	if r.Cooldown == 0 {
		r.Cooldown = 2 * time.Second
	}
	if r.FrameRate == 0 {
		r.FrameRate = 30
	}
	if r.Codec == "" {
		r.Codec = "mp4v"
	}
	if r.Writer == "" {
		r.Writer = "ffmpeg"
	}
	if r.FFmpegPath == "" {
		r.FFmpegPath = "ffmpeg"
	}
	if r.WriteQueueSize == 0 {
		r.WriteQueueSize = 3
	}
	if r.DrainTimeout == 0 {
		r.DrainTimeout = 200 * time.Millisecond
	}
	if r.SeedMaxAge == 0 {
		r.SeedMaxAge = 5 * time.Second
	}
	if r.FilePrefix == "" {
		r.FilePrefix = "interaction"
	}
	if r.RetentionSweepInterval == 0 {
		r.RetentionSweepInterval = 10 * time.Minute
	}

	d := &c.Detector
	if d.URL == "" {
		d.URL = "http://localhost:8080"
	}
	if d.Timeout == 0 {
		d.Timeout = 5 * time.Second
	}
	if d.Confidence == 0 {
		d.Confidence = 0.25
	}
	if d.SubjectClass == "" {
		d.SubjectClass = "human"
	}
	if d.TargetClass == "" {
		d.TargetClass = "cat"
	}
	if d.InputSize == 0 {
		d.InputSize = 640
	}
	if d.HealthTTL == 0 {
		d.HealthTTL = 10 * time.Second
	}

	if c.Proximity.DistanceThreshold == 0 {
		c.Proximity.DistanceThreshold = 1.0
	}
	if c.Proximity.RSSIThreshold == 0 {
		c.Proximity.RSSIThreshold = -70
	}

	if len(c.Sources) == 0 {
		c.Sources = []SourceConfig{{ID: "remote", Type: SourcePush}}
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.ID == "" {
			s.ID = fmt.Sprintf("%s-%d", s.Type, i)
		}
		if s.Type == SourceDevice {
			if s.Width == 0 {
				s.Width = 1280
			}
			if s.Height == 0 {
				s.Height = 720
			}
			if s.FPS == 0 {
				s.FPS = 30
			}
		}
	}

	if c.Live.JPEGQuality == 0 {
		c.Live.JPEGQuality = 75
	}
	if c.Live.StreamInterval == 0 {
		c.Live.StreamInterval = 33 * time.Millisecond
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 5001
	}

	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(".", "data", "recorder.db")
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "edge-recorder"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "petguard"
	}
}
