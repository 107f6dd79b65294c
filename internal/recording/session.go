package recording

import (
	"time"

	"github.com/petguard/edge-recorder/internal/video"
)

// State is the controller's recording state.
type State int

const (
	StateIdle State = iota
	StateRecordingDetection
	StateRecordingProximity
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecordingDetection:
		return "recording_detection"
	case StateRecordingProximity:
		return "recording_proximity"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Trigger names what opened or currently owns a session.
type Trigger string

const (
	TriggerDetection Trigger = "detection"
	TriggerProximity Trigger = "proximity"
)

// Session is the single open recording.
type Session struct {
	ID           string
	FileName     string
	Path         string
	Trigger      Trigger
	StartedAt    time.Time
	LastActivity time.Time
	Width        int
	Height       int

	writer video.Writer
}

// Status is a point-in-time view of the controller.
type Status struct {
	State            State      `json:"state"`
	Recording        bool       `json:"recording"`
	Trigger          Trigger    `json:"trigger,omitempty"`
	SessionID        string     `json:"session_id,omitempty"`
	FileName         string     `json:"current_file,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	LastDetection    *time.Time `json:"last_detection,omitempty"`
	ProximityClose   bool       `json:"proximity_close"`
	PendingProximity bool       `json:"pending_proximity"`
	CooldownSeconds  float64    `json:"cooldown_seconds"`
	SessionsOpened   int64      `json:"sessions_opened"`
	LastClosedFile   string     `json:"last_closed_file,omitempty"`
	Queue            QueueStats `json:"queue"`
}

// Observer receives controller events, typically for metrics.
type Observer interface {
	SessionOpened(trigger Trigger)
	SessionClosed(trigger Trigger, duration time.Duration, stats QueueStats)
	SessionRefused(reason string)
	FrameDropped()
}

type nopObserver struct{}

func (nopObserver) SessionOpened(Trigger) {}
func (nopObserver) SessionClosed(Trigger, time.Duration, QueueStats) {}
func (nopObserver) SessionRefused(string) {}
func (nopObserver) FrameDropped() {}
