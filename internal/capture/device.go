package capture

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petguard/edge-recorder/internal/config"
	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/video"
)

// Device is an open local camera.
type Device interface {
	Read() (image.Image, error)
	Close() error
}

// DeviceOpener opens the camera described by cfg.
type DeviceOpener func(cfg config.SourceConfig) (Device, error)

// DeviceSource reads a local camera in a tight loop. Read failures are
// logged and retried after a short delay; failing to open the device ends
// the source.
type DeviceSource struct {
	cfg        config.SourceConfig
	open       DeviceOpener
	clock      clock.Clock
	logger     *logger.Logger
	retryDelay time.Duration
}

// NewDeviceSource creates a device source.
func NewDeviceSource(cfg config.SourceConfig, open DeviceOpener, clk clock.Clock, log *logger.Logger) *DeviceSource {
	if clk == nil {
		clk = clock.New()
	}
	return &DeviceSource{
		cfg:        cfg,
		open:       open,
		clock:      clk,
		logger:     log,
		retryDelay: 100 * time.Millisecond,
	}
}

func (s *DeviceSource) ID() string   { return s.cfg.ID }
func (s *DeviceSource) Type() string { return config.SourceDevice }

func (s *DeviceSource) Run(ctx context.Context, emit func(*video.Frame)) error {
	dev, err := s.open(s.cfg)
	if err != nil {
		return fmt.Errorf("open camera %d: %w", s.cfg.Device, err)
	}
	defer dev.Close()

	s.logger.Info("Camera opened", "source", s.cfg.ID, "device", s.cfg.Device,
		"width", s.cfg.Width, "height", s.cfg.Height, "fps", s.cfg.FPS)

	var failures int
	for ctx.Err() == nil {
		img, err := dev.Read()
		if err != nil {
			failures++
			if failures == 1 || failures%100 == 0 {
				s.logger.Warn("Camera read failed, retrying", "source", s.cfg.ID, "failures", failures, "error", err)
			}
			select {
			case <-ctx.Done():
			case <-s.clock.After(s.retryDelay):
			}
			continue
		}
		if failures > 0 {
			s.logger.Info("Camera read recovered", "source", s.cfg.ID, "failures", failures)
			failures = 0
		}
		emit(video.NewFrame(img, s.cfg.ID, s.clock.Now()))
	}
	return nil
}
