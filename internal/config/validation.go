package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "console" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text, console or json)", c.Log.Format))
	}

	r := c.Recorder
	if r.RecordingsDir == "" {
		errors = append(errors, "recorder.recordings_dir is required")
	}
	if r.MaxRecordings <= 0 {
		errors = append(errors, fmt.Sprintf("recorder.max_recordings must be > 0, got: %d", r.MaxRecordings))
	}
	if r.Cooldown <= 0 {
		errors = append(errors, fmt.Sprintf("recorder.cooldown must be > 0, got: %v", r.Cooldown))
	}
	if r.FrameRate <= 0 {
		errors = append(errors, fmt.Sprintf("recorder.frame_rate must be > 0, got: %.2f", r.FrameRate))
	}
	if r.Writer != "ffmpeg" && r.Writer != "opencv" {
		errors = append(errors, fmt.Sprintf("invalid recorder.writer: %s (must be: ffmpeg or opencv)", r.Writer))
	}
	if len(r.Codec) != 4 {
		errors = append(errors, fmt.Sprintf("recorder.codec must be a fourcc, got: %q", r.Codec))
	}
	if r.WriteQueueSize <= 0 {
		errors = append(errors, fmt.Sprintf("recorder.write_queue_size must be > 0, got: %d", r.WriteQueueSize))
	}
	if r.DrainTimeout <= 0 || r.SeedMaxAge <= 0 || r.RetentionSweepInterval <= 0 {
		errors = append(errors, "recorder timeouts and intervals must be > 0")
	}
	if strings.ContainsAny(r.FilePrefix, `/\`) {
		errors = append(errors, fmt.Sprintf("recorder.file_prefix must not contain path separators, got: %q", r.FilePrefix))
	}

	d := c.Detector
	if d.URL == "" {
		errors = append(errors, "detector.url is required")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		errors = append(errors, fmt.Sprintf("detector.confidence must be between 0 and 1, got: %.2f", d.Confidence))
	}
	if d.SubjectClass == d.TargetClass {
		errors = append(errors, "detector.subject_class and detector.target_class must differ")
	}
	if d.InputSize < 32 {
		errors = append(errors, fmt.Sprintf("detector.input_size must be >= 32, got: %d", d.InputSize))
	}

	p := c.Proximity
	if p.DistanceThreshold <= 0 {
		errors = append(errors, fmt.Sprintf("proximity.distance_threshold must be > 0, got: %.2f", p.DistanceThreshold))
	}
	relDist, relRSSI := p.ReleaseThresholds()
	if relDist < p.DistanceThreshold {
		errors = append(errors, "proximity.release_distance must be >= distance_threshold")
	}
	if relRSSI > p.RSSIThreshold {
		errors = append(errors, "proximity.release_rssi must be <= rssi_threshold")
	}

	seen := make(map[string]bool)
	pushSources := 0
	for i, s := range c.Sources {
		if seen[s.ID] {
			errors = append(errors, fmt.Sprintf("sources[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		switch s.Type {
		case SourcePush:
			pushSources++
		case SourceDevice:
		case SourceRTSP:
			if s.URL == "" {
				errors = append(errors, fmt.Sprintf("sources[%d]: url is required for rtsp", i))
			}
		default:
			errors = append(errors, fmt.Sprintf("sources[%d]: invalid type %q (must be: push, device or rtsp)", i, s.Type))
		}
	}
	if pushSources > 1 {
		errors = append(errors, "at most one push source may be configured")
	}

	if c.Live.JPEGQuality < 1 || c.Live.JPEGQuality > 100 {
		errors = append(errors, fmt.Sprintf("live.jpeg_quality must be between 1 and 100, got: %d", c.Live.JPEGQuality))
	}
	if c.Live.StreamInterval <= 0 {
		errors = append(errors, fmt.Sprintf("live.stream_interval must be > 0, got: %v", c.Live.StreamInterval))
	}

	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		errors = append(errors, fmt.Sprintf("web.port must be between 1 and 65535, got: %d", c.Web.Port))
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errors = append(errors, "mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		errors = append(errors, fmt.Sprintf("mqtt.qos must be 0, 1 or 2, got: %d", c.MQTT.QoS))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// FieldError reports a rejected runtime setting.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RuntimeSettings are the values adjustable through the HTTP API.
type RuntimeSettings struct {
	Confidence float64       `json:"confidence"`
	Cooldown   time.Duration `json:"-"`
}

// CooldownSeconds reports the cooldown as fractional seconds.
func (r RuntimeSettings) CooldownSeconds() float64 {
	return r.Cooldown.Seconds()
}

// Validate checks ranges and returns a FieldError for the first violation.
func (r RuntimeSettings) Validate() error {
	if r.Confidence < 0 || r.Confidence > 1 {
		return &FieldError{Field: "confidence", Reason: "must be between 0 and 1"}
	}
	if r.Cooldown <= 0 {
		return &FieldError{Field: "cooldown", Reason: "must be greater than 0"}
	}
	return nil
}

// Apply merges a decoded JSON patch into r. Recognised keys are confidence
// and cooldown (seconds); values may be numbers or numeric strings. Unknown
// keys are ignored. The receiver is not modified.
func (r RuntimeSettings) Apply(patch map[string]interface{}) (RuntimeSettings, error) {
	out := r
	if v, ok := patch["confidence"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return r, &FieldError{Field: "confidence", Reason: err.Error()}
		}
		out.Confidence = f
	}
	if v, ok := patch["cooldown"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return r, &FieldError{Field: "cooldown", Reason: err.Error()}
		}
		// Checked before conversion: out-of-range floats have no defined Duration.
		if f <= 0 {
			return r, &FieldError{Field: "cooldown", Reason: "must be greater than 0"}
		}
		if f > (1<<62)/float64(time.Second) {
			return r, &FieldError{Field: "cooldown", Reason: "too large"}
		}
		out.Cooldown = time.Duration(f * float64(time.Second))
	}
	if err := out.Validate(); err != nil {
		return r, err
	}
	return out, nil
}

func toFloat(v interface{}) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(n), 64); err != nil {
			return 0, fmt.Errorf("must be a number")
		}
	default:
		return 0, fmt.Errorf("must be a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("must be a finite number")
	}
	return f, nil
}
