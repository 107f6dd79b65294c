package config

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petguard/edge-recorder/internal/logger"
)

func createTestConfig(t *testing.T, configPath string, cfg *Config) {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
}

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := Default()
	cfg.Recorder.RecordingsDir = filepath.Join(tmpDir, "recordings")
	createTestConfig(t, configPath, cfg)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc, configPath
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Recorder.MaxRecordings != 10 {
		t.Errorf("Expected max_recordings 10, got %d", cfg.Recorder.MaxRecordings)
	}
	if cfg.Recorder.Cooldown != 2*time.Second {
		t.Errorf("Expected cooldown 2s, got %v", cfg.Recorder.Cooldown)
	}
	if cfg.Recorder.WriteQueueSize != 3 {
		t.Errorf("Expected write queue size 3, got %d", cfg.Recorder.WriteQueueSize)
	}
	if cfg.Detector.Confidence != 0.25 {
		t.Errorf("Expected confidence 0.25, got %v", cfg.Detector.Confidence)
	}
	if cfg.Proximity.RSSIThreshold != -70 {
		t.Errorf("Expected rssi threshold -70, got %v", cfg.Proximity.RSSIThreshold)
	}
	if cfg.Web.Port != 5001 {
		t.Errorf("Expected port 5001, got %d", cfg.Web.Port)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].Type != SourcePush {
		t.Errorf("Expected a single push source, got %+v", cfg.Sources)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestLoad_DurationsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("recorder:\n  cooldown: 3500ms\nsources:\n  - id: cam\n    type: device\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Recorder.Cooldown != 3500*time.Millisecond {
		t.Errorf("Expected 3.5s cooldown, got %v", cfg.Recorder.Cooldown)
	}
	if cfg.Sources[0].Width != 1280 || cfg.Sources[0].FPS != 30 {
		t.Errorf("Expected device defaults, got %+v", cfg.Sources[0])
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Recorder.MaxRecordings = -1
	cfg.Detector.Confidence = 2
	cfg.Sources = append(cfg.Sources, SourceConfig{ID: "remote", Type: "usb"})

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"max_recordings", "detector.confidence", "duplicate id", "invalid type"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_ReleaseThresholds(t *testing.T) {
	cfg := Default()
	closer := 0.5
	cfg.Proximity.ReleaseDistance = &closer
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected release_distance below threshold to fail")
	}
}

func TestRuntimeSettings_Apply(t *testing.T) {
	base := RuntimeSettings{Confidence: 0.25, Cooldown: 2 * time.Second}

	got, err := base.Apply(map[string]interface{}{"confidence": 0.4, "cooldown": "1.5"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got.Confidence != 0.4 || got.Cooldown != 1500*time.Millisecond {
		t.Errorf("Unexpected settings: %+v", got)
	}

	tests := []struct {
		name  string
		patch map[string]interface{}
		field string
	}{
		{"non-numeric confidence", map[string]interface{}{"confidence": "high"}, "confidence"},
		{"confidence out of range", map[string]interface{}{"confidence": 1.5}, "confidence"},
		{"zero cooldown", map[string]interface{}{"cooldown": 0}, "cooldown"},
		{"bool cooldown", map[string]interface{}{"cooldown": true}, "cooldown"},
		{"nan cooldown", map[string]interface{}{"cooldown": "NaN"}, "cooldown"},
		{"nan confidence", map[string]interface{}{"confidence": math.NaN()}, "confidence"},
		{"infinite cooldown", map[string]interface{}{"cooldown": math.Inf(-1)}, "cooldown"},
		{"negative cooldown", map[string]interface{}{"cooldown": -1.5}, "cooldown"},
		{"huge negative cooldown", map[string]interface{}{"cooldown": -1e300}, "cooldown"},
		{"huge cooldown", map[string]interface{}{"cooldown": "1e300"}, "cooldown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := base.Apply(tt.patch)
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("Expected FieldError, got %v", err)
			}
			if fe.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, fe.Field)
			}
			if got != base {
				t.Errorf("Settings changed on error: %+v", got)
			}
		})
	}
}

func TestService_UpdateRuntime(t *testing.T) {
	svc, _ := newTestService(t)
	before := svc.Get()

	var seen *Config
	svc.Watch(func(ctx context.Context, oldConfig, newConfig *Config) error {
		seen = newConfig
		return nil
	})

	if err := svc.UpdateRuntime(context.Background(), RuntimeSettings{Confidence: 0.6, Cooldown: 4 * time.Second}); err != nil {
		t.Fatalf("UpdateRuntime failed: %v", err)
	}
	if svc.Runtime().Confidence != 0.6 || svc.Get().Recorder.Cooldown != 4*time.Second {
		t.Errorf("Runtime settings not applied: %+v", svc.Runtime())
	}
	if before.Detector.Confidence != 0.25 {
		t.Error("Previous config snapshot was mutated")
	}
	if seen == nil || seen.Detector.Confidence != 0.6 {
		t.Error("Watcher not notified")
	}

	err := svc.UpdateRuntime(context.Background(), RuntimeSettings{Confidence: -1, Cooldown: time.Second})
	if err == nil {
		t.Fatal("Expected error for invalid confidence")
	}
	if svc.Runtime().Confidence != 0.6 {
		t.Error("Config changed after rejected update")
	}
}

func TestService_Reload(t *testing.T) {
	svc, configPath := newTestService(t)

	cfg := svc.Get().Clone()
	cfg.Recorder.MaxRecordings = 4
	createTestConfig(t, configPath, cfg)

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if svc.Get().Recorder.MaxRecordings != 4 {
		t.Errorf("Expected max_recordings 4, got %d", svc.Get().Recorder.MaxRecordings)
	}
}

func TestService_WatchFile(t *testing.T) {
	svc, configPath := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan int, 4)
	svc.Watch(func(ctx context.Context, oldConfig, newConfig *Config) error {
		reloaded <- newConfig.Recorder.MaxRecordings
		return nil
	})
	if err := svc.WatchFile(ctx, 20*time.Millisecond); err != nil {
		t.Fatalf("WatchFile failed: %v", err)
	}

	cfg := svc.Get().Clone()
	cfg.Recorder.MaxRecordings = 7
	createTestConfig(t, configPath, cfg)

	select {
	case n := <-reloaded:
		if n != 7 {
			t.Errorf("Expected reloaded max_recordings 7, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Config file change not picked up")
	}
}

func TestEnvOverrides(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("RECORDER_WEB_PORT=6001\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RECORDER_COOLDOWN", "750ms")
	t.Setenv("RECORDER_DETECTOR_CONFIDENCE", "0.5")
	os.Unsetenv("RECORDER_WEB_PORT")
	t.Cleanup(func() { os.Unsetenv("RECORDER_WEB_PORT") })

	if err := LoadEnvFiles(envFile, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadEnvFiles failed: %v", err)
	}

	cfg := Default()
	applyEnvOverrides(cfg)
	if cfg.Recorder.Cooldown != 750*time.Millisecond {
		t.Errorf("Expected cooldown override, got %v", cfg.Recorder.Cooldown)
	}
	if cfg.Detector.Confidence != 0.5 {
		t.Errorf("Expected confidence override, got %v", cfg.Detector.Confidence)
	}
	if cfg.Web.Port != 6001 {
		t.Errorf("Expected port from .env, got %d", cfg.Web.Port)
	}
}
