// Package pipeline runs each captured frame through detection, the trigger
// rule, the recording controller and the live view, and forwards beacon
// readings to the proximity monitor.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petguard/edge-recorder/internal/detect"
	"github.com/petguard/edge-recorder/internal/live"
	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/proximity"
	"github.com/petguard/edge-recorder/internal/recording"
	"github.com/petguard/edge-recorder/internal/service"
	"github.com/petguard/edge-recorder/internal/video"
)

// Recorder is the part of the recording controller the pipeline drives.
type Recorder interface {
	ProcessFrame(ctx context.Context, f *video.Frame, both bool) (recording.Status, error)
	ProximityChanged(ctx context.Context, ev proximity.Event) (recording.Status, error)
	Status() recording.Status
}

// Observer receives per-frame and per-reading measurements.
type Observer interface {
	FrameProcessed(source string, detection time.Duration, failed, both bool)
	ProximityReading(isClose bool)
}

type nopObserver struct{}

func (nopObserver) FrameProcessed(string, time.Duration, bool, bool) {}
func (nopObserver) ProximityReading(bool)                           {}

// Dependencies wires the pipeline. Detector, Recorder, Publisher and
// Monitor are required.
type Dependencies struct {
	Detector  detect.Detector
	Trigger   detect.Trigger
	Annotator detect.Annotator
	Recorder  Recorder
	Publisher *live.Publisher
	Monitor   *proximity.Monitor
	Observer  Observer
	Events    *service.EventBus
	Clock     clock.Clock
}

// Result is the outcome of one processed frame.
type Result struct {
	Detections []detect.Detection
	Both       bool
	Status     recording.Status
}

// ProximityResult is the outcome of one beacon reading.
type ProximityResult struct {
	State  proximity.State
	Event  proximity.Event
	Status recording.Status
}

// Pipeline is safe for concurrent use. Frames from several sources may be
// processed at once; the controller serializes their effect on sessions.
type Pipeline struct {
	deps   Dependencies
	logger *logger.Logger

	detectFailures atomic.Int64
	processed      atomic.Int64
}

// New validates deps and builds a pipeline.
func New(deps Dependencies, log *logger.Logger) (*Pipeline, error) {
	switch {
	case deps.Detector == nil:
		return nil, fmt.Errorf("pipeline: detector is required")
	case deps.Recorder == nil:
		return nil, fmt.Errorf("pipeline: recorder is required")
	case deps.Publisher == nil:
		return nil, fmt.Errorf("pipeline: publisher is required")
	case deps.Monitor == nil:
		return nil, fmt.Errorf("pipeline: proximity monitor is required")
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Pipeline{deps: deps, logger: log.Named("pipeline")}, nil
}

// Process detects objects in f, evaluates the trigger, hands the raw frame
// to the recorder and publishes the annotated frame for viewers. A detector
// failure counts as a frame without detections.
func (p *Pipeline) Process(ctx context.Context, f *video.Frame) (Result, error) {
	if f == nil {
		return Result{}, fmt.Errorf("pipeline: nil frame")
	}

	start := p.deps.Clock.Now()
	dets, err := p.deps.Detector.Detect(ctx, f)
	elapsed := p.deps.Clock.Since(start)
	failed := err != nil
	if failed {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		n := p.detectFailures.Add(1)
		if n == 1 || n%100 == 0 {
			p.logger.Warn("Detection failed, treating frame as empty",
				"source", f.SourceID, "failures", n, "error", err)
		}
		dets = nil
	}

	both := p.deps.Trigger.Evaluate(dets)

	annotated := f
	if len(dets) > 0 {
		annotated = video.NewFrame(p.deps.Annotator.Annotate(f.Image, dets), f.SourceID, f.Timestamp)
	}

	status, err := p.deps.Recorder.ProcessFrame(ctx, f, both)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Debug("Recorder did not accept frame", "source", f.SourceID, "error", err)
	}

	p.deps.Publisher.Publish(&live.Snapshot{
		Raw:        f,
		Annotated:  annotated,
		Detections: dets,
		Both:       both,
		Recording:  status.Recording,
		At:         p.deps.Clock.Now(),
	})
	p.deps.Observer.FrameProcessed(f.SourceID, elapsed, failed, both)

	if n := p.processed.Add(1); n%300 == 0 {
		p.logger.Debug("Frames processed", "count", n, "detect_failures", p.detectFailures.Load())
	}
	return Result{Detections: dets, Both: both, Status: status}, err
}

// Proximity records one beacon reading. A close or far transition is
// forwarded to the recorder and announced on the event bus.
func (p *Pipeline) Proximity(ctx context.Context, r proximity.Reading) (ProximityResult, error) {
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = p.deps.Clock.Now()
	}
	state, ev := p.deps.Monitor.Update(r)
	p.deps.Observer.ProximityReading(state.Close)

	if ev.Edge == proximity.EdgeNone {
		return ProximityResult{State: state, Event: ev, Status: p.deps.Recorder.Status()}, nil
	}

	p.logger.Info("Proximity changed",
		"edge", ev.Edge.String(),
		"distance", r.Distance,
		"signal", r.Signal,
		"beacon", r.BeaconID,
	)
	p.publish(ev)

	status, err := p.deps.Recorder.ProximityChanged(ctx, ev)
	return ProximityResult{State: state, Event: ev, Status: status}, err
}

// ProximityState returns the monitor snapshot.
func (p *Pipeline) ProximityState() proximity.State {
	return p.deps.Monitor.State()
}

// DetectFailures returns the number of frames whose detection failed.
func (p *Pipeline) DetectFailures() int64 {
	return p.detectFailures.Load()
}

func (p *Pipeline) publish(ev proximity.Event) {
	if p.deps.Events == nil {
		return
	}
	typ := service.EventTypeProximityClose
	if ev.Edge == proximity.EdgeFar {
		typ = service.EventTypeProximityFar
	}
	p.deps.Events.Publish(service.Event{
		Type:      typ,
		Source:    "pipeline",
		Timestamp: ev.Reading.ReceivedAt,
		Data: map[string]interface{}{
			"seq":       ev.Seq,
			"distance":  ev.Reading.Distance,
			"signal":    ev.Reading.Signal,
			"beacon_id": ev.Reading.BeaconID,
		},
	})
}
