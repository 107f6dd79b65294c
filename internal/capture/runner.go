package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/service"
	"github.com/petguard/edge-recorder/internal/video"
)

// Handler processes one frame. It is called from the source's goroutine,
// so frames of one source are handled in arrival order.
type Handler func(ctx context.Context, f *video.Frame)

// SourceInfo describes a registered source.
type SourceInfo struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Running   bool      `json:"running"`
	Frames    int64     `json:"frames"`
	LastFrame time.Time `json:"last_frame,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type sourceState struct {
	src  Source
	info SourceInfo
}

// Runner runs every registered source in its own goroutine and passes
// their frames to a handler. A source that fails stops on its own; the
// others keep running.
type Runner struct {
	*service.ServiceBase
	handler Handler

	mu      sync.RWMutex
	sources []*sourceState
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner that sends frames to handler.
func NewRunner(handler Handler, log *logger.Logger) *Runner {
	return &Runner{
		ServiceBase: service.NewServiceBase("capture", log),
		handler:     handler,
	}
}

// AddSource registers src. Sources must be added before Start.
func (r *Runner) AddSource(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sources {
		if s.src.ID() == src.ID() {
			return fmt.Errorf("duplicate source id: %s", src.ID())
		}
	}
	r.sources = append(r.sources, &sourceState{
		src:  src,
		info: SourceInfo{ID: src.ID(), Type: src.Type()},
	})
	r.LogInfo("Frame source added", "source", src.ID(), "type", src.Type())
	return nil
}

// PushSource returns the push source with id, or the first push source
// when id is empty.
func (r *Runner) PushSource(id string) (*PushSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sources {
		ps, ok := s.src.(*PushSource)
		if ok && (id == "" || ps.ID() == id) {
			return ps, true
		}
	}
	return nil, false
}

// Sources lists registered sources in registration order.
func (r *Runner) Sources() []SourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SourceInfo, len(r.sources))
	for i, s := range r.sources {
		out[i] = s.info
	}
	return out
}

func (r *Runner) Start(ctx context.Context) error {
	r.GetStatus().SetStatus(service.StatusStarting)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.cancel = cancel
	for _, s := range r.sources {
		s.info.Running = true
		s.info.Error = ""
		r.wg.Add(1)
		go r.run(runCtx, s)
	}
	count := len(r.sources)
	r.mu.Unlock()

	r.GetStatus().SetStatus(service.StatusRunning)
	r.LogInfo("Frame capture started", "sources", count)
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	r.GetStatus().SetStatus(service.StatusStopping)
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.GetStatus().SetStatus(service.StatusStopped)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("capture sources did not stop: %w", ctx.Err())
	}
}

func (r *Runner) run(ctx context.Context, s *sourceState) {
	defer r.wg.Done()

	emit := func(f *video.Frame) {
		r.mu.Lock()
		s.info.Frames++
		s.info.LastFrame = f.Timestamp
		r.mu.Unlock()
		r.handler(ctx, f)
	}

	err := s.src.Run(ctx, emit)

	r.mu.Lock()
	s.info.Running = false
	if err != nil {
		s.info.Error = err.Error()
	}
	r.mu.Unlock()

	if err != nil {
		r.LogError("Frame source stopped", err, "source", s.src.ID())
		r.PublishEvent(service.EventTypeSourceFailed, map[string]interface{}{
			"source": s.src.ID(),
			"type":   s.src.Type(),
			"error":  err.Error(),
		})
		return
	}
	r.LogInfo("Frame source stopped", "source", s.src.ID())
}
