package recording

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/video"
)

// ErrQueueStopped is returned by Bind and Unbind after Stop.
var ErrQueueStopped = errors.New("write queue stopped")

// QueueStats counts frames for the current binding.
type QueueStats struct {
	Enqueued  int64 `json:"enqueued"`
	Dropped   int64 `json:"dropped"`   // rejected by Push, queue full
	Written   int64 `json:"written"`   // handed to the writer successfully
	Failed    int64 `json:"failed"`    // writer returned an error
	Discarded int64 `json:"discarded"` // popped with no writer bound or past the drain deadline
}

type unbindRequest struct {
	deadline time.Time
	reply    chan QueueStats
}

// Queue is a bounded frame queue drained by a single writer goroutine.
// Push never blocks; a full queue drops the new frame. Only the worker
// goroutine touches the bound writer, so once Unbind returns nothing will
// be written to it again.
type Queue struct {
	frames chan *video.Frame
	bind   chan video.Writer
	unbind chan unbindRequest
	stop   chan struct{}
	done   chan struct{}
	logger *logger.Logger

	enqueued  atomic.Int64
	dropped   atomic.Int64
	written   atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewQueue creates a queue holding at most size frames.
func NewQueue(size int, log *logger.Logger) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		frames: make(chan *video.Frame, size),
		bind:   make(chan video.Writer),
		unbind: make(chan unbindRequest),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: log,
	}
}

// Start launches the writer goroutine.
func (q *Queue) Start() {
	q.startOnce.Do(func() { go q.run() })
}

// Stop discards queued frames and waits for the worker to exit. A writer
// still bound is not closed; that is the owner's job.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stop)
		q.startOnce.Do(func() {
			q.discardQueued()
			close(q.done)
		})
	})
	<-q.done
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.frames)
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	return len(q.frames)
}

// Push offers f without blocking and reports whether it was queued.
func (q *Queue) Push(f *video.Frame) bool {
	select {
	case q.frames <- f:
		q.enqueued.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Bind makes w the target of subsequent writes and resets the counters.
func (q *Queue) Bind(w video.Writer) error {
	select {
	case q.bind <- w:
		return nil
	case <-q.done:
		return ErrQueueStopped
	}
}

// Unbind writes frames still queued, for at most drain, then detaches the
// writer. Frames left after the deadline are discarded.
func (q *Queue) Unbind(drain time.Duration) (QueueStats, error) {
	req := unbindRequest{deadline: time.Now().Add(drain), reply: make(chan QueueStats, 1)}
	select {
	case q.unbind <- req:
	case <-q.done:
		return q.Stats(), ErrQueueStopped
	}
	return <-req.reply, nil
}

// Stats returns the counters of the current binding.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Enqueued:  q.enqueued.Load(),
		Dropped:   q.dropped.Load(),
		Written:   q.written.Load(),
		Failed:    q.failed.Load(),
		Discarded: q.discarded.Load(),
	}
}

func (q *Queue) resetStats() {
	q.enqueued.Store(0)
	q.dropped.Store(0)
	q.written.Store(0)
	q.failed.Store(0)
	q.discarded.Store(0)
}

func (q *Queue) run() {
	defer close(q.done)

	var w video.Writer
	for {
		select {
		case <-q.stop:
			q.discardQueued()
			return

		case nw := <-q.bind:
			q.discardQueued()
			q.resetStats()
			w = nw

		case req := <-q.unbind:
			q.drain(w, req.deadline)
			w = nil
			req.reply <- q.Stats()

		case f := <-q.frames:
			q.write(w, f)
		}
	}
}

func (q *Queue) write(w video.Writer, f *video.Frame) {
	if w == nil {
		q.discarded.Add(1)
		return
	}
	if err := w.WriteFrame(f); err != nil {
		if q.failed.Add(1) == 1 {
			q.logger.Warn("Failed to write frame", "error", err)
		}
		return
	}
	q.written.Add(1)
}

func (q *Queue) drain(w video.Writer, deadline time.Time) {
	for {
		select {
		case f := <-q.frames:
			if time.Now().After(deadline) {
				q.discarded.Add(1)
				continue
			}
			q.write(w, f)
		default:
			return
		}
	}
}

func (q *Queue) discardQueued() {
	for {
		select {
		case <-q.frames:
			q.discarded.Add(1)
		default:
			return
		}
	}
}
