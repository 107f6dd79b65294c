package recording

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/petguard/edge-recorder/internal/config"
	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/proximity"
	"github.com/petguard/edge-recorder/internal/service"
	"github.com/petguard/edge-recorder/internal/state"
	"github.com/petguard/edge-recorder/internal/storage"
	"github.com/petguard/edge-recorder/internal/video"
)

// ErrStopped is returned for requests made after the controller stopped.
var ErrStopped = errors.New("recording controller stopped")

const cooldownCheckInterval = 100 * time.Millisecond

// DiskChecker reports whether a new recording may be started.
type DiskChecker interface {
	HasSpace(ctx context.Context) (bool, error)
}

// SessionIndex persists session metadata.
type SessionIndex interface {
	InsertRecording(ctx context.Context, rec state.RecordingRecord) error
	FinishRecording(ctx context.Context, id string, endedAt time.Time, written, dropped, size int64) error
}

// Dependencies are the collaborators of a Controller. Library and Writers
// are required.
type Dependencies struct {
	Library   *storage.Library
	Writers   video.WriterFactory
	Retention *storage.Retention
	Disk      DiskChecker
	Index     SessionIndex
	Clock     clock.Clock
	Observer  Observer
}

type frameRequest struct {
	frame *video.Frame
	both  bool
	reply chan Status
}

type flushRequest struct {
	reply chan Status
}

// Controller owns the single recording session. Detection results and
// proximity edges are applied in order by one goroutine, so there is never
// more than one open writer. Proximity edges go through a mailbox and are
// never dropped or waited on by the caller.
type Controller struct {
	*service.ServiceBase
	cfg   config.RecorderConfig
	deps  Dependencies
	clock clock.Clock
	queue *Queue

	cooldown atomic.Int64
	status   atomic.Pointer[Status]
	requests chan interface{}
	edgesMu  sync.Mutex
	edges    []proximity.Event
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	ctx      context.Context

	// Owned by the run goroutine.
	state         State
	session       *Session
	seed          *video.Frame
	seedAt        time.Time
	lastDetection time.Time
	proxClose     bool
	pending       bool
	proxSeq       uint64
	opened        int64
	lastClosed    string
}

// NewController creates a controller in the idle state.
func NewController(cfg config.RecorderConfig, deps Dependencies, log *logger.Logger) (*Controller, error) {
	if deps.Library == nil {
		return nil, errors.New("recording library is required")
	}
	if deps.Writers == nil {
		return nil, errors.New("writer factory is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}

	c := &Controller{
		ServiceBase: service.NewServiceBase("recorder", log),
		cfg:         cfg,
		deps:        deps,
		clock:       deps.Clock,
		requests:    make(chan interface{}),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         context.Background(),
	}
	c.queue = NewQueue(cfg.WriteQueueSize, c.Logger().Named("queue"))
	c.cooldown.Store(int64(cfg.Cooldown))
	c.publishStatus()
	return c, nil
}

// Start launches the write worker and the controller loop.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	c.GetStatus().SetStatus(service.StatusStarting)
	c.ctx = context.WithoutCancel(ctx)
	c.queue.Start()
	go c.run()
	c.GetStatus().SetStatus(service.StatusRunning)
	c.LogInfo("Recording controller started",
		"cooldown", c.Cooldown().String(),
		"queue_size", c.queue.Cap(),
		"frame_rate", c.cfg.FrameRate,
	)
	return nil
}

// Stop finalizes any open session and stops the worker.
func (c *Controller) Stop(ctx context.Context) error {
	c.GetStatus().SetStatus(service.StatusStopping)
	c.stopOnce.Do(func() {
		close(c.stop)
		// Never started: mark started so a late Start cannot launch run.
		if c.started.CompareAndSwap(false, true) {
			close(c.done)
		}
	})

	var err error
	select {
	case <-c.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.queue.Stop()
	c.GetStatus().SetStatus(service.StatusStopped)
	return err
}

// SetCooldown changes the idle time that closes a detection session.
func (c *Controller) SetCooldown(d time.Duration) {
	c.cooldown.Store(int64(d))
}

// Cooldown returns the current cooldown.
func (c *Controller) Cooldown() time.Duration {
	return time.Duration(c.cooldown.Load())
}

// Status returns the latest published status without blocking.
func (c *Controller) Status() Status {
	st := *c.status.Load()
	st.CooldownSeconds = c.Cooldown().Seconds()
	return st
}

// ProcessFrame submits one frame with its trigger result. The frame is
// queued for writing when a session is open after the transition.
func (c *Controller) ProcessFrame(ctx context.Context, f *video.Frame, both bool) (Status, error) {
	req := frameRequest{frame: f, both: both, reply: make(chan Status, 1)}
	return c.submit(ctx, req, req.reply)
}

// ProximityChanged hands a proximity transition to the controller and
// returns the current status without waiting for it to be applied. The
// edge is delivered regardless of ctx. Events with EdgeNone are ignored.
func (c *Controller) ProximityChanged(ctx context.Context, ev proximity.Event) (Status, error) {
	if ev.Edge == proximity.EdgeNone {
		return c.Status(), nil
	}
	select {
	case <-c.stop:
		return c.Status(), ErrStopped
	default:
	}

	c.edgesMu.Lock()
	c.edges = append(c.edges, ev)
	c.edgesMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return c.Status(), nil
}

// Flush waits until every proximity edge handed over so far has been
// applied and returns the resulting status.
func (c *Controller) Flush(ctx context.Context) (Status, error) {
	req := flushRequest{reply: make(chan Status, 1)}
	return c.submit(ctx, req, req.reply)
}

func (c *Controller) submit(ctx context.Context, req interface{}, reply chan Status) (Status, error) {
	select {
	case c.requests <- req:
	case <-c.done:
		return c.Status(), ErrStopped
	case <-ctx.Done():
		return c.Status(), ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-c.done:
		return c.Status(), ErrStopped
	case <-ctx.Done():
		return c.Status(), ctx.Err()
	}
}

func (c *Controller) run() {
	defer close(c.done)

	ticker := c.clock.Ticker(cooldownCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			c.closeSession("shutdown")
			c.publishStatus()
			return

		case <-c.wake:
			c.applyEdges()
			c.publishStatus()

		case req := <-c.requests:
			// Edges handed over before this request take effect first.
			c.applyEdges()
			switch r := req.(type) {
			case frameRequest:
				c.handleFrame(r.frame, r.both)
				r.reply <- c.publishStatus()
			case flushRequest:
				r.reply <- c.publishStatus()
			}

		case <-ticker.C:
			if c.checkCooldown(c.clock.Now()) {
				c.publishStatus()
			}
		}
	}
}

func (c *Controller) applyEdges() {
	c.edgesMu.Lock()
	edges := c.edges
	c.edges = nil
	c.edgesMu.Unlock()

	for _, ev := range edges {
		c.handleProximity(ev)
	}
}

func (c *Controller) handleFrame(f *video.Frame, both bool) {
	now := c.clock.Now()
	c.seed, c.seedAt = f, now

	if c.pending && c.state == StateIdle {
		c.pending = false
		c.openSession(TriggerProximity, f, now)
	}

	c.checkCooldown(now)

	if both {
		c.lastDetection = now
		switch c.state {
		case StateIdle:
			c.openSession(TriggerDetection, f, now)
		case StateRecordingDetection:
			c.session.LastActivity = now
		case StateRecordingProximity:
			c.LogDebug("Detection start refused, proximity owns the session", "file", c.session.FileName)
		}
	}

	if c.session != nil && !c.queue.Push(f) {
		c.deps.Observer.FrameDropped()
	}
}

func (c *Controller) handleProximity(ev proximity.Event) {
	if ev.Seq <= c.proxSeq {
		c.LogDebug("Ignoring stale proximity event", "seq", ev.Seq, "last_seq", c.proxSeq)
		return
	}
	c.proxSeq = ev.Seq
	now := c.clock.Now()

	switch ev.Edge {
	case proximity.EdgeClose:
		c.proxClose = true
		switch c.state {
		case StateRecordingDetection:
			c.session.Trigger = TriggerProximity
			c.session.LastActivity = now
			c.state = StateRecordingProximity
			c.LogInfo("Proximity took over recording", "file", c.session.FileName, "session_id", c.session.ID)
		case StateIdle:
			if c.seed == nil || now.Sub(c.seedAt) > c.cfg.SeedMaxAge {
				c.pending = true
				c.LogInfo("Proximity close with no recent frame, waiting for next frame")
				return
			}
			if c.openSession(TriggerProximity, c.seed, now) && !c.queue.Push(c.seed) {
				c.deps.Observer.FrameDropped()
			}
		}

	case proximity.EdgeFar:
		c.proxClose = false
		c.pending = false
		if c.state == StateRecordingProximity {
			c.closeSession("proximity_far")
		}
	}
}

// checkCooldown closes a detection session whose last both-present frame
// is older than the cooldown.
func (c *Controller) checkCooldown(now time.Time) bool {
	if c.state != StateRecordingDetection {
		return false
	}
	if now.Sub(c.session.LastActivity) <= c.Cooldown() {
		return false
	}
	c.closeSession("cooldown")
	return true
}

func (c *Controller) openSession(trigger Trigger, f *video.Frame, now time.Time) bool {
	if c.deps.Disk != nil {
		ok, err := c.deps.Disk.HasSpace(c.ctx)
		if err != nil {
			c.LogWarn("Disk space check failed", "error", err)
		} else if !ok {
			c.refuse(trigger, "low_disk_space")
			return false
		}
	}

	name, path, err := c.deps.Library.NewRecordingPath(now)
	if err != nil {
		c.LogError("Failed to allocate recording file", err)
		c.refuse(trigger, "file_allocation_failed")
		return false
	}

	w, err := c.deps.Writers.Open(video.WriterSpec{
		Path:      path,
		Width:     f.Width,
		Height:    f.Height,
		FrameRate: c.cfg.FrameRate,
		Codec:     c.cfg.Codec,
	})
	if err != nil {
		c.LogError("Failed to open video writer", err, "file", name)
		_ = os.Remove(path)
		c.refuse(trigger, "writer_open_failed")
		return false
	}
	if err := c.queue.Bind(w); err != nil {
		_ = w.Close()
		_ = os.Remove(path)
		c.refuse(trigger, "queue_stopped")
		return false
	}

	c.session = &Session{
		ID:           uuid.NewString(),
		FileName:     name,
		Path:         path,
		Trigger:      trigger,
		StartedAt:    now,
		LastActivity: now,
		Width:        f.Width,
		Height:       f.Height,
		writer:       w,
	}
	if trigger == TriggerProximity {
		c.state = StateRecordingProximity
	} else {
		c.state = StateRecordingDetection
	}
	c.opened++

	if c.deps.Index != nil {
		err := c.deps.Index.InsertRecording(c.ctx, state.RecordingRecord{
			ID:        c.session.ID,
			FileName:  name,
			Trigger:   string(trigger),
			StartedAt: now,
		})
		if err != nil {
			c.LogWarn("Failed to index recording", "file", name, "error", err)
		}
	}

	c.deps.Observer.SessionOpened(trigger)
	c.PublishEvent(service.EventTypeSessionOpened, map[string]interface{}{
		"session_id": c.session.ID,
		"file":       name,
		"trigger":    string(trigger),
		"width":      f.Width,
		"height":     f.Height,
	})
	c.LogInfo("Recording started",
		"session_id", c.session.ID,
		"file", name,
		"trigger", string(trigger),
		"size", [2]int{f.Width, f.Height},
	)
	return true
}

func (c *Controller) refuse(trigger Trigger, reason string) {
	c.deps.Observer.SessionRefused(reason)
	c.PublishEvent(service.EventTypeSessionRefused, map[string]interface{}{
		"trigger": string(trigger),
		"reason":  reason,
	})
}

// closeSession drains queued frames into the writer, releases it and
// prunes old recordings.
func (c *Controller) closeSession(reason string) {
	s := c.session
	if s == nil {
		return
	}

	stats, err := c.queue.Unbind(c.cfg.DrainTimeout)
	if err != nil {
		c.LogWarn("Write queue stopped before drain", "file", s.FileName)
	}
	if err := s.writer.Close(); err != nil {
		c.LogError("Failed to finalize recording", err, "file", s.FileName)
	}

	c.session = nil
	c.state = StateIdle
	c.lastClosed = s.FileName
	ended := c.clock.Now()

	var size int64
	if info, err := os.Stat(s.Path); err == nil {
		size = info.Size()
	}

	if c.deps.Index != nil {
		if err := c.deps.Index.FinishRecording(c.ctx, s.ID, ended, stats.Written, stats.Dropped, size); err != nil {
			c.LogWarn("Failed to update recording index", "file", s.FileName, "error", err)
		}
	}

	duration := ended.Sub(s.StartedAt)
	c.deps.Observer.SessionClosed(s.Trigger, duration, stats)
	c.PublishEvent(service.EventTypeSessionClosed, map[string]interface{}{
		"session_id":     s.ID,
		"file":           s.FileName,
		"trigger":        string(s.Trigger),
		"reason":         reason,
		"duration_ms":    duration.Milliseconds(),
		"frames_written": stats.Written,
		"frames_dropped": stats.Dropped,
		"size_bytes":     size,
	})
	c.LogInfo("Recording finished",
		"session_id", s.ID,
		"file", s.FileName,
		"reason", reason,
		"duration", duration.String(),
		"frames_written", stats.Written,
		"frames_dropped", stats.Dropped,
	)

	c.enforceRetention()
}

func (c *Controller) enforceRetention() {
	if c.deps.Retention == nil {
		return
	}
	deleted, err := c.deps.Retention.Enforce(c.ctx)
	if err != nil {
		c.LogWarn("Retention failed", "error", err)
		return
	}
	if len(deleted) > 0 {
		c.PublishEvent(service.EventTypeRecordingsPruned, map[string]interface{}{
			"files": deleted,
			"count": len(deleted),
		})
	}
}

func (c *Controller) publishStatus() Status {
	st := Status{
		State:            c.state,
		Recording:        c.session != nil,
		ProximityClose:   c.proxClose,
		PendingProximity: c.pending,
		CooldownSeconds:  c.Cooldown().Seconds(),
		SessionsOpened:   c.opened,
		LastClosedFile:   c.lastClosed,
		Queue:            c.queue.Stats(),
	}
	if s := c.session; s != nil {
		started := s.StartedAt
		st.Trigger = s.Trigger
		st.SessionID = s.ID
		st.FileName = s.FileName
		st.StartedAt = &started
	}
	if !c.lastDetection.IsZero() {
		last := c.lastDetection
		st.LastDetection = &last
	}
	c.status.Store(&st)
	return st
}
