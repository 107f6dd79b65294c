package proximity

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Reading is one beacon telemetry sample.
type Reading struct {
	Distance   float64   `json:"distance"` // meters
	Signal     float64   `json:"signal"`   // RSSI, dBm
	BeaconID   string    `json:"beacon_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// Edge is a change of the close state.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeClose     // far -> close
	EdgeFar       // close -> far
)

func (e Edge) String() string {
	switch e {
	case EdgeClose:
		return "close"
	case EdgeFar:
		return "far"
	default:
		return "none"
	}
}

// Event describes a transition. Seq increases with every transition so
// consumers can discard events that arrive out of order.
type Event struct {
	Edge    Edge
	Seq     uint64
	Reading Reading
}

// State is a snapshot of the monitor.
type State struct {
	Latest    Reading
	HasSignal bool
	Close     bool
	Since     time.Time // time of the last transition
	Updates   uint64
}

// Thresholds decide the close state. Close is asserted when distance is
// below Distance or signal is above Signal, and held until distance reaches
// ReleaseDistance and signal drops to ReleaseSignal.
type Thresholds struct {
	Distance        float64
	Signal          float64
	ReleaseDistance float64
	ReleaseSignal   float64
}

// Monitor keeps the latest reading and the derived close state. All state,
// including edge detection, is owned under one lock.
type Monitor struct {
	mu    sync.Mutex
	clock clock.Clock
	th    Thresholds
	state State
	seq   uint64
}

// NewMonitor creates a monitor in the far state.
func NewMonitor(th Thresholds, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{clock: clk, th: th}
}

// SetThresholds replaces the thresholds. The current state is re-evaluated
// on the next reading.
func (m *Monitor) SetThresholds(th Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.th = th
}

// Update records r and returns the new state with the transition it
// caused, if any. Repeated readings in the same state yield EdgeNone.
func (m *Monitor) Update(r Reading) (State, Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = m.clock.Now()
	}
	m.state.Latest = r
	m.state.HasSignal = true
	m.state.Updates++

	var isClose bool
	if m.state.Close {
		isClose = r.Distance < m.th.ReleaseDistance || r.Signal > m.th.ReleaseSignal
	} else {
		isClose = r.Distance < m.th.Distance || r.Signal > m.th.Signal
	}

	ev := Event{Edge: EdgeNone, Reading: r}
	if isClose != m.state.Close {
		m.state.Close = isClose
		m.state.Since = r.ReceivedAt
		m.seq++
		ev.Seq = m.seq
		if isClose {
			ev.Edge = EdgeClose
		} else {
			ev.Edge = EdgeFar
		}
	}
	return m.state, ev
}

// State returns the current snapshot.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
