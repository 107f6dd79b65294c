// Package live holds the most recent processed frame for viewers.
package live

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/petguard/edge-recorder/internal/detect"
	"github.com/petguard/edge-recorder/internal/video"
)

// Snapshot is one processed frame. Snapshots are immutable once published.
type Snapshot struct {
	Raw        *video.Frame
	Annotated  *video.Frame
	Detections []detect.Detection
	Both       bool
	Recording  bool
	Seq        uint64
	At         time.Time

	jpegOnce sync.Once
	jpeg     []byte
	jpegErr  error
}

// AnnotatedJPEG encodes the annotated frame once and caches the result.
func (s *Snapshot) AnnotatedJPEG(quality int) ([]byte, error) {
	s.jpegOnce.Do(func() {
		f := s.Annotated
		if f == nil {
			f = s.Raw
		}
		s.jpeg, s.jpegErr = f.JPEG(quality)
	})
	return s.jpeg, s.jpegErr
}

// Publisher is a single-slot holder. Publish replaces the slot; readers
// never block writers.
type Publisher struct {
	slot atomic.Pointer[Snapshot]
	seq  atomic.Uint64
}

// NewPublisher creates an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish stores s as the latest snapshot and stamps its sequence number.
func (p *Publisher) Publish(s *Snapshot) {
	s.Seq = p.seq.Add(1)
	if s.At.IsZero() {
		s.At = time.Now()
	}
	p.slot.Store(s)
}

// Latest returns the newest snapshot, or nil before the first frame.
func (p *Publisher) Latest() *Snapshot {
	return p.slot.Load()
}
