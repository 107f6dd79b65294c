package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/petguard/edge-recorder/internal/config"
	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/service"
	"github.com/petguard/edge-recorder/internal/video"
)

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

func TestPushSource_DropsNewest(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := NewPushSource("remote", nil)
	first, err := src.Submit(jpegBytes(t, 16, 8))
	require.NoError(t, err)
	assert.Equal(t, 16, first.Width)
	assert.NotNil(t, first.Data, "JPEG bytes are kept")

	_, err = src.Submit(jpegBytes(t, 16, 8))
	assert.ErrorIs(t, err, ErrDropped)

	ctx, cancel := context.WithCancel(context.Background())
	var got []*video.Frame
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Run(ctx, func(f *video.Frame) {
			got = append(got, f)
			cancel()
		})
	}()
	<-done

	require.Len(t, got, 1, "exactly one frame reaches the pipeline")
	assert.Same(t, first, got[0])

	stats := src.Stats()
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestPushSource_RejectsBadPayload(t *testing.T) {
	src := NewPushSource("remote", nil)

	_, err := src.Submit([]byte("not an image"))
	assert.ErrorIs(t, err, ErrDecode)
	_, err = src.Submit(nil)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, int64(2), src.Stats().Rejected)

	// Rejections do not occupy the slot.
	_, err = src.Submit(jpegBytes(t, 4, 4))
	assert.NoError(t, err)
}

func TestPushSource_UsesClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	src := NewPushSource("remote", mock)

	f, err := src.Submit(jpegBytes(t, 4, 4))
	require.NoError(t, err)
	assert.True(t, f.Timestamp.Equal(mock.Now()))
	assert.True(t, src.Stats().LastFrame.Equal(mock.Now()))
}

type fakeDevice struct {
	mu     sync.Mutex
	reads  int
	failAt map[int]bool
	closed bool
}

func (d *fakeDevice) Read() (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.failAt[d.reads] {
		return nil, errors.New("read failed")
	}
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func TestDeviceSource_RetriesReadFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	dev := &fakeDevice{failAt: map[int]bool{2: true, 3: true}}
	cfg := config.SourceConfig{ID: "cam", Type: config.SourceDevice}
	src := NewDeviceSource(cfg, func(config.SourceConfig) (Device, error) { return dev, nil }, nil, logger.NewNopLogger())
	src.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var frames int
	err := src.Run(ctx, func(f *video.Frame) {
		assert.Equal(t, "cam", f.SourceID)
		frames++
		if frames == 3 {
			cancel()
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 3, frames)
	assert.Equal(t, 5, dev.reads, "two failed reads were retried")
	assert.True(t, dev.closed)
}

func TestDeviceSource_OpenFailure(t *testing.T) {
	cfg := config.SourceConfig{ID: "cam", Type: config.SourceDevice, Device: 3}
	src := NewDeviceSource(cfg, func(config.SourceConfig) (Device, error) {
		return nil, errors.New("no such device")
	}, nil, logger.NewNopLogger())

	err := src.Run(context.Background(), func(*video.Frame) { t.Fatal("no frames expected") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open camera 3")
}

func TestRunner_FailedSourceDoesNotStopOthers(t *testing.T) {
	defer goleak.VerifyNone(t)

	var handled atomic.Int64
	r := NewRunner(func(ctx context.Context, f *video.Frame) { handled.Add(1) }, logger.NewNopLogger())
	bus := service.NewEventBus(8)
	failures := bus.Subscribe(service.EventTypeSourceFailed)
	r.SetEventBus(bus)

	push := NewPushSource("remote", nil)
	require.NoError(t, r.AddSource(push))
	require.NoError(t, r.AddSource(NewDeviceSource(config.SourceConfig{ID: "cam"}, func(config.SourceConfig) (Device, error) {
		return nil, errors.New("busy")
	}, nil, logger.NewNopLogger())))
	assert.Error(t, r.AddSource(NewPushSource("remote", nil)), "duplicate ids are rejected")

	require.NoError(t, r.Start(context.Background()))

	select {
	case ev := <-failures:
		assert.Equal(t, "cam", ev.Data["source"])
	case <-time.After(time.Second):
		t.Fatal("expected source.failed event")
	}

	_, err := push.Submit(jpegBytes(t, 4, 4))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)

	infos := r.Sources()
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Running)
	assert.Equal(t, int64(1), infos[0].Frames)
	assert.False(t, infos[1].Running)
	assert.Contains(t, infos[1].Error, "busy")

	got, ok := r.PushSource("")
	assert.True(t, ok)
	assert.Same(t, push, got)
	_, ok = r.PushSource("cam")
	assert.False(t, ok)

	require.NoError(t, r.Stop(context.Background()))
}
