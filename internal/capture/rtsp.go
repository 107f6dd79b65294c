package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtpmjpeg"
	"github.com/pion/rtp"

	"github.com/petguard/edge-recorder/internal/config"
	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/video"
)

// RTSPSource receives an MJPEG track from an RTSP camera. Reassembled
// JPEG frames go through the same single slot as pushed frames, so a slow
// pipeline drops frames instead of stalling the RTP reader.
type RTSPSource struct {
	cfg       config.SourceConfig
	slot      *PushSource
	clock     clock.Clock
	logger    *logger.Logger
	reconnect time.Duration
}

// NewRTSPSource creates an RTSP source for cfg.URL.
func NewRTSPSource(cfg config.SourceConfig, clk clock.Clock, log *logger.Logger) *RTSPSource {
	if clk == nil {
		clk = clock.New()
	}
	return &RTSPSource{
		cfg:       cfg,
		slot:      NewPushSource(cfg.ID, clk),
		clock:     clk,
		logger:    log,
		reconnect: 5 * time.Second,
	}
}

func (s *RTSPSource) ID() string   { return s.cfg.ID }
func (s *RTSPSource) Type() string { return config.SourceRTSP }

// Stats returns frame counters for the stream.
func (s *RTSPSource) Stats() PushStats {
	return s.slot.Stats()
}

// Run connects and reconnects until ctx is cancelled. An invalid URL ends
// the source.
func (s *RTSPSource) Run(ctx context.Context, emit func(*video.Frame)) error {
	u, err := base.ParseURL(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	for {
		err := s.stream(ctx, u, emit)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("RTSP stream ended, reconnecting", "source", s.cfg.ID, "error", err, "delay", s.reconnect.String())
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.reconnect):
		}
	}
}

func (s *RTSPSource) stream(ctx context.Context, u *base.URL, emit func(*video.Frame)) error {
	client := &gortsplib.Client{}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	desc, _, err := client.Describe(u)
	if err != nil {
		return fmt.Errorf("failed to describe stream: %w", err)
	}

	var mjpeg *format.MJPEG
	media := desc.FindFormat(&mjpeg)
	if media == nil {
		return fmt.Errorf("MJPEG track not found in stream")
	}

	decoder, err := mjpeg.CreateDecoder()
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if _, err := client.Setup(desc.BaseURL, media, 0, 0); err != nil {
		return fmt.Errorf("failed to setup stream: %w", err)
	}

	client.OnPacketRTP(media, mjpeg, func(pkt *rtp.Packet) {
		data, err := decoder.Decode(pkt)
		if err != nil {
			if !errors.Is(err, rtpmjpeg.ErrMorePacketsNeeded) && !errors.Is(err, rtpmjpeg.ErrNonStartingPacketAndNoPrevious) {
				s.logger.Debug("Failed to decode RTP packet", "source", s.cfg.ID, "error", err)
			}
			return
		}
		if _, err := s.slot.Submit(data); err != nil && !errors.Is(err, ErrDropped) {
			s.logger.Debug("Discarding undecodable frame", "source", s.cfg.ID, "error", err)
		}
	})

	if _, err := client.Play(nil); err != nil {
		return fmt.Errorf("failed to play stream: %w", err)
	}
	s.logger.Info("RTSP stream connected", "source", s.cfg.ID, "url", u.Host)

	done := make(chan error, 1)
	go func() { done <- client.Wait() }()

	for {
		select {
		case <-ctx.Done():
			client.Close()
			<-done
			return nil
		case err := <-done:
			return err
		case f := <-s.slot.slot:
			emit(f)
		}
	}
}
