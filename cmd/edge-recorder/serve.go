package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/petguard/edge-recorder/internal/capture"
	"github.com/petguard/edge-recorder/internal/config"
	"github.com/petguard/edge-recorder/internal/detect"
	"github.com/petguard/edge-recorder/internal/health"
	"github.com/petguard/edge-recorder/internal/live"
	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/metrics"
	"github.com/petguard/edge-recorder/internal/notify"
	"github.com/petguard/edge-recorder/internal/pipeline"
	"github.com/petguard/edge-recorder/internal/proximity"
	"github.com/petguard/edge-recorder/internal/recording"
	"github.com/petguard/edge-recorder/internal/service"
	"github.com/petguard/edge-recorder/internal/state"
	"github.com/petguard/edge-recorder/internal/storage"
	"github.com/petguard/edge-recorder/internal/video"
	"github.com/petguard/edge-recorder/internal/video/opencv"
	"github.com/petguard/edge-recorder/internal/web"
)

const (
	shutdownTimeout   = 30 * time.Second
	configReloadDelay = 500 * time.Millisecond
)

func serveCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgSvc, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(cmd.Context(), cfgSvc, log)
		},
	}
}

// app holds the long-lived components built by serve.
type app struct {
	cfgSvc    *config.Service
	log       *logger.Logger
	clock     clock.Clock
	svcMgr    *service.Manager
	state     *state.Manager
	library   *storage.Library
	disk      *storage.DiskMonitor
	retention *storage.Retention
	metrics   *metrics.Metrics
	recorder  *recording.Controller
	monitor   *proximity.Monitor
	detector  *detect.Client
	live      *live.Publisher
	pipeline  *pipeline.Pipeline
	runner    *capture.Runner
	health    *health.Manager
	web       *web.Server
}

func serve(parent context.Context, cfgSvc *config.Service, log *logger.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log.Info("Starting edge recorder",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"config", cfgSvc.Path(),
	)

	a := &app{
		cfgSvc: cfgSvc,
		log:    log,
		clock:  clock.New(),
		svcMgr: service.NewManager(log),
	}
	defer a.close()

	if err := a.build(ctx); err != nil {
		return err
	}
	a.watchConfig()
	if err := cfgSvc.WatchFile(ctx, configReloadDelay); err != nil {
		log.Warn("Config file watching disabled", "error", err)
	}
	a.countPrunes(ctx)

	if err := a.svcMgr.Start(ctx); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		_ = a.svcMgr.Shutdown(shutdownCtx)
		return fmt.Errorf("failed to start services: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.svcMgr.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
		return err
	}

	log.Info("Shutdown complete")
	return nil
}

// build constructs every component. Services are registered in start
// order: recorder first so the capture runner never feeds a stopped
// controller, web last so requests only arrive once everything is up.
func (a *app) build(ctx context.Context) error {
	cfg := a.cfgSvc.Get()
	log := a.log

	a.openState(ctx)
	cfg = a.cfgSvc.Get()

	lib, err := storage.NewLibrary(cfg.Recorder.RecordingsDir, cfg.Recorder.FilePrefix, log.Named("storage"))
	if err != nil {
		return err
	}
	a.library = lib
	a.disk = storage.NewDiskMonitor(lib.Dir(), cfg.Recorder.MinFreeBytes, log.Named("disk"))
	a.retention = storage.NewRetention(lib, cfg.Recorder.MaxRecordings, log.Named("retention"))
	a.retention.SetDiskMonitor(a.disk)
	if a.state != nil {
		a.retention.SetIndex(a.state)
	}

	writers, ffmpeg, err := newWriterFactory(cfg.Recorder, log)
	if err != nil {
		return err
	}

	a.metrics, err = metrics.New()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	deps := recording.Dependencies{
		Library:   lib,
		Writers:   writers,
		Retention: a.retention,
		Disk:      a.disk,
		Clock:     a.clock,
		Observer:  a.metrics,
	}
	if a.state != nil {
		deps.Index = a.state
	}
	a.recorder, err = recording.NewController(cfg.Recorder, deps, log)
	if err != nil {
		return err
	}

	a.monitor = proximity.NewMonitor(thresholds(cfg.Proximity), a.clock)
	a.detector = detect.NewClient(detect.ClientConfig{
		ServiceURL:          cfg.Detector.URL,
		Timeout:             cfg.Detector.Timeout,
		ConfidenceThreshold: cfg.Detector.Confidence,
		Classes:             []string{cfg.Detector.SubjectClass, cfg.Detector.TargetClass},
		InputSize:           cfg.Detector.InputSize,
	}, log.Named("detector"))

	trigger := detect.Trigger{Subject: cfg.Detector.SubjectClass, Target: cfg.Detector.TargetClass}
	a.live = live.NewPublisher()
	a.pipeline, err = pipeline.New(pipeline.Dependencies{
		Detector:  a.detector,
		Trigger:   trigger,
		Annotator: detect.Annotator{Trigger: trigger},
		Recorder:  a.recorder,
		Publisher: a.live,
		Monitor:   a.monitor,
		Observer:  a.metrics,
		Events:    a.svcMgr.GetEventBus(),
		Clock:     a.clock,
	}, log)
	if err != nil {
		return err
	}

	a.runner = capture.NewRunner(func(ctx context.Context, f *video.Frame) {
		// Errors are logged by the pipeline; ErrStopped during shutdown is
		// expected.
		_, _ = a.pipeline.Process(ctx, f)
	}, log.Named("capture"))
	if err := a.addSources(cfg.Sources); err != nil {
		return err
	}

	sweeper := storage.NewSweeper(a.retention, cfg.Recorder.RetentionSweepInterval, log.Named("sweeper"))

	a.svcMgr.Register(a.recorder)
	a.svcMgr.Register(sweeper)
	a.svcMgr.Register(a.runner)
	if cfg.MQTT.Enabled {
		client := notify.NewMQTTClient(cfg.MQTT, log.Named("mqtt"))
		if err := client.Connect(ctx); err != nil {
			log.Warn("MQTT broker unavailable, continuing without notifications", "error", err)
			client.Close()
		} else {
			a.svcMgr.Register(notify.NewNotifier(client, cfg.MQTT.TopicPrefix, log))
		}
	}

	a.health = a.buildHealth(cfg)

	webDeps := web.Dependencies{
		Config:     a.cfgSvc,
		Sources:    a.runner,
		Proximity:  a.pipeline,
		Recorder:   a.recorder,
		Live:       a.live,
		Library:    lib,
		Disk:       a.disk,
		Health:     a.health,
		Metrics:    a.metrics.Handler(),
		Rejections: a.metrics,
	}
	if a.state != nil {
		webDeps.Index = a.state
		webDeps.Settings = a.state
	}
	if ffmpeg != nil {
		webDeps.Thumbnails = ffmpeg
	}
	a.web, err = web.NewServer(cfg, webDeps, log)
	if err != nil {
		return err
	}
	a.web.SetVersion(version)
	a.svcMgr.Register(a.web)
	return nil
}

// openState opens the recordings index and restores persisted runtime
// settings. The recorder still runs without the index.
func (a *app) openState(ctx context.Context) {
	cfg := a.cfgSvc.Get()
	mgr, err := state.NewManager(cfg.Database, a.log.Named("state"))
	if err != nil {
		a.log.Warn("Recordings index unavailable", "path", cfg.Database.Path, "error", err)
		return
	}
	a.state = mgr

	if _, err := mgr.RecoverState(ctx); err != nil {
		a.log.Warn("Failed to recover interrupted recordings", "error", err)
	}

	rs, found, err := mgr.LoadRuntimeSettings(ctx, a.cfgSvc.Runtime())
	if err != nil {
		a.log.Warn("Ignoring stored runtime settings", "error", err)
		return
	}
	if found {
		if err := a.cfgSvc.UpdateRuntime(ctx, rs); err != nil {
			a.log.Warn("Failed to apply stored runtime settings", "error", err)
		}
	}
}

func (a *app) addSources(sources []config.SourceConfig) error {
	for _, sc := range sources {
		var src capture.Source
		switch sc.Type {
		case config.SourcePush:
			src = capture.NewPushSource(sc.ID, a.clock)
		case config.SourceDevice:
			src = capture.NewDeviceSource(sc, openDevice, a.clock, a.log.Named("camera"))
		case config.SourceRTSP:
			src = capture.NewRTSPSource(sc, a.clock, a.log.Named("rtsp"))
		default:
			return fmt.Errorf("source %q: unknown type %q", sc.ID, sc.Type)
		}
		if err := a.runner.AddSource(src); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) buildHealth(cfg *config.Config) *health.Manager {
	mgr := health.NewManager(a.log.Named("health"), a.svcMgr)
	mgr.RegisterChecker(health.NewDetectorChecker(cfg.Detector.URL, a.detector.HealthCheck, cfg.Detector.HealthTTL))
	if a.state != nil {
		mgr.RegisterChecker(health.NewDatabaseChecker(a.state.GetDB(), cfg.Database.Path))
	} else {
		mgr.RegisterChecker(health.NewDatabaseChecker(nil, cfg.Database.Path))
	}
	mgr.RegisterChecker(health.NewStorageChecker(a.library.Dir(), a.disk, cfg.Recorder.MinFreeBytes))
	mgr.RegisterChecker(health.NewSourcesChecker(a.runner.Sources))
	return mgr
}

// watchConfig pushes reloaded settings into the running components.
func (a *app) watchConfig() {
	a.cfgSvc.Watch(func(ctx context.Context, oldConfig, newConfig *config.Config) error {
		a.recorder.SetCooldown(newConfig.Recorder.Cooldown)
		a.detector.SetConfidence(newConfig.Detector.Confidence)
		a.retention.SetLimit(newConfig.Recorder.MaxRecordings)
		a.monitor.SetThresholds(thresholds(newConfig.Proximity))
		return nil
	})
}

// countPrunes feeds retention events into the metrics.
func (a *app) countPrunes(ctx context.Context) {
	a.svcMgr.GetEventBus().SubscribeWithHandler(ctx, service.EventTypeRecordingsPruned,
		func(_ context.Context, ev service.Event) error {
			if n, ok := ev.Data["count"].(int); ok {
				a.metrics.RecordingsPruned(n)
			}
			return nil
		}, nil)
}

func (a *app) close() {
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.log.Warn("Failed to close recordings index", "error", err)
		}
	}
}

func thresholds(p config.ProximityConfig) proximity.Thresholds {
	releaseDistance, releaseSignal := p.ReleaseThresholds()
	return proximity.Thresholds{
		Distance:        p.DistanceThreshold,
		Signal:          p.RSSIThreshold,
		ReleaseDistance: releaseDistance,
		ReleaseSignal:   releaseSignal,
	}
}

// newWriterFactory picks the session writer. The ffmpeg wrapper is returned
// whenever ffmpeg is installed since it also serves thumbnails.
func newWriterFactory(cfg config.RecorderConfig, log *logger.Logger) (video.WriterFactory, *video.FFmpegWrapper, error) {
	ff, err := video.NewFFmpegWrapper(cfg.FFmpegPath, log.Named("ffmpeg"))
	if cfg.Writer == "opencv" {
		if err != nil {
			log.Warn("FFmpeg unavailable, thumbnails disabled", "error", err)
			ff = nil
		}
		return video.WriterFactoryFunc(opencv.OpenWriter), ff, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return ff, ff, nil
}

func openDevice(sc config.SourceConfig) (capture.Device, error) {
	dev, err := opencv.OpenDevice(sc.Device, sc.Width, sc.Height, sc.FPS)
	if err != nil {
		return nil, err
	}
	return dev, nil
}
