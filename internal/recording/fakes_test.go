package recording

import (
	"errors"
	"image"
	"sync"
	"time"

	"github.com/petguard/edge-recorder/internal/video"
)

type fakeWriter struct {
	mu         sync.Mutex
	spec       video.WriterSpec
	frames     []*video.Frame
	closed     bool
	afterClose int
	gate       chan struct{} // when set, WriteFrame waits on it
	closeGate  chan struct{} // when set, Close waits on it
	closing    chan struct{}
	err        error
}

func (w *fakeWriter) WriteFrame(f *video.Frame) error {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.afterClose++
		return errors.New("writer closed")
	}
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *fakeWriter) Close() error {
	if w.closing != nil {
		select {
		case w.closing <- struct{}{}:
		default:
		}
	}
	if w.closeGate != nil {
		<-w.closeGate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func (w *fakeWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

type fakeFactory struct {
	mu        sync.Mutex
	writers   []*fakeWriter
	err       error
	closeGate chan struct{}
	closing   chan struct{}
}

// gateClose makes writers opened from now on block in Close until gate is
// closed. Entering Close is signalled on f.closing.
func (f *fakeFactory) gateClose(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeGate = gate
	f.closing = make(chan struct{}, 1)
}

func (f *fakeFactory) Open(spec video.WriterSpec) (video.Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	w := &fakeWriter{spec: spec, closeGate: f.closeGate, closing: f.closing}
	f.writers = append(f.writers, w)
	return w, nil
}

func (f *fakeFactory) opened() []*fakeWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeWriter(nil), f.writers...)
}

func testFrame(seq int) *video.Frame {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	f := video.NewFrame(img, "test", time.Unix(int64(seq), 0))
	return f
}
