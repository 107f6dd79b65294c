package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petguard/edge-recorder/internal/config"
	"github.com/petguard/edge-recorder/internal/detect"
	"github.com/petguard/edge-recorder/internal/live"
	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/pipeline"
	"github.com/petguard/edge-recorder/internal/proximity"
	"github.com/petguard/edge-recorder/internal/recording"
	"github.com/petguard/edge-recorder/internal/service"
	"github.com/petguard/edge-recorder/internal/state"
	"github.com/petguard/edge-recorder/internal/storage"
	"github.com/petguard/edge-recorder/internal/video"
)

// fileWriter appends a marker per frame so finished recordings have a size.
type fileWriter struct {
	mu     sync.Mutex
	file   *os.File
	frames int
}

func (w *fileWriter) WriteFrame(f *video.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames++
	_, err := w.file.Write([]byte("frame\n"))
	return err
}

func (w *fileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func openFileWriter(spec video.WriterSpec) (video.Writer, error) {
	f, err := os.OpenFile(spec.Path, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &fileWriter{file: f}, nil
}

// detections is a detector whose result the test sets between frames.
type detections struct {
	mu   sync.Mutex
	dets []detect.Detection
}

func (d *detections) set(classes ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dets = nil
	for _, c := range classes {
		d.dets = append(d.dets, detect.Detection{
			Class:      c,
			Confidence: 0.9,
			Box:        detect.Box{X1: 2, Y1: 2, X2: 20, Y2: 16},
		})
	}
}

func (d *detections) Detect(ctx context.Context, f *video.Frame) ([]detect.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]detect.Detection(nil), d.dets...), nil
}

// TestEnvironment wires the recording stack with a mock clock, a real
// recordings directory and a real index database.
type TestEnvironment struct {
	TempDir    string
	Config     *config.Config
	Clock      *clock.Mock
	StateMgr   *state.Manager
	Library    *storage.Library
	Controller *recording.Controller
	Pipeline   *pipeline.Pipeline
	Publisher  *live.Publisher
	Detector   *detections
	Events     *service.Manager
	Logger     *logger.Logger
}

// SetupTestEnvironment creates a test environment. mutate may adjust the
// configuration before anything is built.
func SetupTestEnvironment(t *testing.T, mutate func(cfg *config.Config)) *TestEnvironment {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.Default()
	cfg.Recorder.RecordingsDir = filepath.Join(tmpDir, "recordings")
	cfg.Database.Path = filepath.Join(tmpDir, "db", "index.db")
	cfg.Recorder.Cooldown = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	log := logger.NewNopLogger()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local))

	stateMgr, err := state.NewManager(cfg.Database, log)
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}
	t.Cleanup(func() { stateMgr.Close() })

	lib, err := storage.NewLibrary(cfg.Recorder.RecordingsDir, cfg.Recorder.FilePrefix, log)
	if err != nil {
		t.Fatalf("Failed to create library: %v", err)
	}
	retention := storage.NewRetention(lib, cfg.Recorder.MaxRecordings, log)
	retention.SetIndex(stateMgr)

	svcMgr := service.NewManager(log)
	ctrl, err := recording.NewController(cfg.Recorder, recording.Dependencies{
		Library:   lib,
		Writers:   video.WriterFactoryFunc(openFileWriter),
		Retention: retention,
		Index:     stateMgr,
		Clock:     mock,
	}, log)
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	svcMgr.Register(ctrl)

	release, releaseSignal := cfg.Proximity.ReleaseThresholds()
	monitor := proximity.NewMonitor(proximity.Thresholds{
		Distance:        cfg.Proximity.DistanceThreshold,
		Signal:          cfg.Proximity.RSSIThreshold,
		ReleaseDistance: release,
		ReleaseSignal:   releaseSignal,
	}, mock)

	det := &detections{}
	trigger := detect.Trigger{Subject: cfg.Detector.SubjectClass, Target: cfg.Detector.TargetClass}
	publisher := live.NewPublisher()
	pipe, err := pipeline.New(pipeline.Dependencies{
		Detector:  det,
		Trigger:   trigger,
		Annotator: detect.Annotator{Trigger: trigger},
		Recorder:  ctrl,
		Publisher: publisher,
		Monitor:   monitor,
		Events:    svcMgr.GetEventBus(),
		Clock:     mock,
	}, log)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	return &TestEnvironment{
		TempDir:    tmpDir,
		Config:     cfg,
		Clock:      mock,
		StateMgr:   stateMgr,
		Library:    lib,
		Controller: ctrl,
		Pipeline:   pipe,
		Publisher:  publisher,
		Detector:   det,
		Events:     svcMgr,
		Logger:     log,
	}
}

// Start starts the registered services and stops them at test end.
func (e *TestEnvironment) Start(t *testing.T) {
	t.Helper()
	ctx, cancel := ContextWithTimeout(5 * time.Second)
	defer cancel()
	if err := e.Events.Start(ctx); err != nil {
		t.Fatalf("Failed to start services: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := ContextWithTimeout(5 * time.Second)
		defer cancel()
		_ = e.Events.Shutdown(ctx)
	})
}

// WaitForCondition waits for a condition to become true
func WaitForCondition(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		<-ticker.C
	}
	return condition()
}

// ContextWithTimeout creates a context with timeout for tests
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
