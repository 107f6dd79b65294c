package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"github.com/petguard/edge-recorder/internal/logger"
)

// Service provides configuration management with environment variable support
type Service struct {
	config     *Config
	configPath string
	logger     *logger.Logger
	mu         sync.RWMutex
	watchers   []ConfigWatcher
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are skipped; existing variables are not overwritten.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// NewService creates a new configuration service
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	if configPath == "" {
		configPath = findConfigPath()
	}
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Service{
		config:     cfg,
		configPath: configPath,
		logger:     log,
	}, nil
}

// NewStaticService wraps an already built configuration. Reload is a no-op.
func NewStaticService(cfg *Config, log *logger.Logger) *Service {
	return &Service{config: cfg, logger: log}
}

// SetLogger replaces the logger used for reload messages.
func (s *Service) SetLogger(log *logger.Logger) {
	s.mu.Lock()
	s.logger = log
	s.mu.Unlock()
}

// Get returns the current configuration (thread-safe). Callers must not
// mutate the returned value.
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Path returns the backing file, empty when running on defaults.
func (s *Service) Path() string {
	return s.configPath
}

// Runtime returns the settings exposed through the HTTP API.
func (s *Service) Runtime() RuntimeSettings {
	cfg := s.Get()
	return RuntimeSettings{Confidence: cfg.Detector.Confidence, Cooldown: cfg.Recorder.Cooldown}
}

// UpdateRuntime validates and applies new runtime settings. On error the
// configuration is left unchanged.
func (s *Service) UpdateRuntime(ctx context.Context, rs RuntimeSettings) error {
	if err := rs.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	oldConfig := s.config
	newConfig := oldConfig.Clone()
	newConfig.Detector.Confidence = rs.Confidence
	newConfig.Recorder.Cooldown = rs.Cooldown
	s.config = newConfig
	watchers := append([]ConfigWatcher(nil), s.watchers...)
	s.mu.Unlock()

	s.notify(ctx, watchers, oldConfig, newConfig)
	s.logger.Info("Runtime settings updated",
		"confidence", rs.Confidence,
		"cooldown", rs.Cooldown.String(),
	)
	return nil
}

// Reload reloads the configuration from file
func (s *Service) Reload(ctx context.Context) error {
	if s.configPath == "" {
		return nil
	}

	newConfig, err := Load(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	applyEnvOverrides(newConfig)
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid reloaded configuration: %w", err)
	}

	s.mu.Lock()
	oldConfig := s.config
	s.config = newConfig
	watchers := append([]ConfigWatcher(nil), s.watchers...)
	s.mu.Unlock()

	s.notify(ctx, watchers, oldConfig, newConfig)
	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

func (s *Service) notify(ctx context.Context, watchers []ConfigWatcher, oldConfig, newConfig *Config) {
	for _, watcher := range watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}
}

// WatchFile reloads the configuration whenever the backing file changes,
// until ctx is cancelled. Bursts of events within delay collapse into one
// reload.
func (s *Service) WatchFile(ctx context.Context, delay time.Duration) error {
	if s.configPath == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(s.configPath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.configPath)
	debounced := debounce.New(delay)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				debounced(func() {
					if err := s.Reload(ctx); err != nil {
						s.logger.Warn("Config reload failed", "path", s.configPath, "error", err)
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// applyEnvOverrides applies RECORDER_* environment variables.
func applyEnvOverrides(cfg *Config) {
	cfg.Recorder.RecordingsDir = GetEnvWithDefault("RECORDER_RECORDINGS_DIR", cfg.Recorder.RecordingsDir)
	cfg.Recorder.MaxRecordings = GetEnvInt("RECORDER_MAX_RECORDINGS", cfg.Recorder.MaxRecordings)
	cfg.Recorder.Cooldown = GetEnvDuration("RECORDER_COOLDOWN", cfg.Recorder.Cooldown)
	cfg.Recorder.Writer = GetEnvWithDefault("RECORDER_WRITER", cfg.Recorder.Writer)
	cfg.Recorder.FFmpegPath = GetEnvWithDefault("RECORDER_FFMPEG_PATH", cfg.Recorder.FFmpegPath)

	cfg.Detector.URL = GetEnvWithDefault("RECORDER_DETECTOR_URL", cfg.Detector.URL)
	cfg.Detector.Confidence = GetEnvFloat64("RECORDER_DETECTOR_CONFIDENCE", cfg.Detector.Confidence)
	cfg.Detector.SubjectClass = GetEnvWithDefault("RECORDER_SUBJECT_CLASS", cfg.Detector.SubjectClass)
	cfg.Detector.TargetClass = GetEnvWithDefault("RECORDER_TARGET_CLASS", cfg.Detector.TargetClass)

	cfg.Proximity.DistanceThreshold = GetEnvFloat64("RECORDER_PROXIMITY_DISTANCE", cfg.Proximity.DistanceThreshold)
	cfg.Proximity.RSSIThreshold = GetEnvFloat64("RECORDER_PROXIMITY_RSSI", cfg.Proximity.RSSIThreshold)

	cfg.Web.Host = GetEnvWithDefault("RECORDER_WEB_HOST", cfg.Web.Host)
	cfg.Web.Port = GetEnvInt("RECORDER_WEB_PORT", cfg.Web.Port)
	cfg.Database.Path = GetEnvWithDefault("RECORDER_DATABASE_PATH", cfg.Database.Path)

	cfg.MQTT.Enabled = GetEnvBool("RECORDER_MQTT_ENABLED", cfg.MQTT.Enabled)
	cfg.MQTT.Broker = GetEnvWithDefault("RECORDER_MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Username = GetEnvWithDefault("RECORDER_MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = GetEnvWithDefault("RECORDER_MQTT_PASSWORD", cfg.MQTT.Password)

	cfg.Log.Level = GetEnvWithDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = GetEnvWithDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Output = GetEnvWithDefault("LOG_OUTPUT", cfg.Log.Output)
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable
func GetEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes" || val == "on"
}

// GetEnvInt gets an integer environment variable
func GetEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvDuration gets a duration environment variable
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(val); err == nil {
		return duration
	}
	return defaultValue
}

// GetEnvFloat64 gets a float64 environment variable
func GetEnvFloat64(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return defaultValue
	}
	return f
}
