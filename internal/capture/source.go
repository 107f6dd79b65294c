// Package capture produces frames from local devices, RTSP cameras and
// remote pushes.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petguard/edge-recorder/internal/video"
)

var (
	// ErrDropped is returned when a pushed frame arrives while the previous
	// one is still waiting to be processed.
	ErrDropped = errors.New("frame dropped: previous frame still pending")
	// ErrDecode wraps payloads that are not a decodable image.
	ErrDecode = errors.New("invalid image payload")
)

// Source produces frames until ctx is cancelled. Run returns nil on
// cancellation and an error when the source cannot continue.
type Source interface {
	ID() string
	Type() string
	Run(ctx context.Context, emit func(*video.Frame)) error
}

// PushSource accepts encoded images from callers through a single slot.
// A frame that arrives while the slot is occupied is discarded, so at most
// one frame of latency is buffered.
type PushSource struct {
	id    string
	slot  chan *video.Frame
	clock clock.Clock

	accepted atomic.Int64
	dropped  atomic.Int64
	rejected atomic.Int64
	lastAt   atomic.Int64
}

// NewPushSource creates a push source. A nil clock uses the wall clock.
func NewPushSource(id string, clk clock.Clock) *PushSource {
	if clk == nil {
		clk = clock.New()
	}
	return &PushSource{id: id, slot: make(chan *video.Frame, 1), clock: clk}
}

func (s *PushSource) ID() string   { return s.id }
func (s *PushSource) Type() string { return "push" }

// Submit decodes data and offers it to the slot without blocking.
func (s *PushSource) Submit(data []byte) (*video.Frame, error) {
	f, err := video.DecodeFrame(data, s.id, s.clock.Now())
	if err != nil {
		s.rejected.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := s.Offer(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Offer places an already decoded frame in the slot without blocking.
func (s *PushSource) Offer(f *video.Frame) error {
	select {
	case s.slot <- f:
		s.accepted.Add(1)
		s.lastAt.Store(f.Timestamp.UnixNano())
		return nil
	default:
		s.dropped.Add(1)
		return ErrDropped
	}
}

// Run hands queued frames to emit in arrival order.
func (s *PushSource) Run(ctx context.Context, emit func(*video.Frame)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.slot:
			emit(f)
		}
	}
}

// PushStats counts submissions.
type PushStats struct {
	Accepted  int64     `json:"accepted"`
	Dropped   int64     `json:"dropped"`
	Rejected  int64     `json:"rejected"`
	LastFrame time.Time `json:"last_frame,omitempty"`
}

// Stats returns submission counters.
func (s *PushSource) Stats() PushStats {
	st := PushStats{
		Accepted: s.accepted.Load(),
		Dropped:  s.dropped.Load(),
		Rejected: s.rejected.Load(),
	}
	if ns := s.lastAt.Load(); ns != 0 {
		st.LastFrame = time.Unix(0, ns)
	}
	return st
}
