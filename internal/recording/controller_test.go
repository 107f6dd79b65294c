package recording

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/petguard/edge-recorder/internal/config"
	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/proximity"
	"github.com/petguard/edge-recorder/internal/service"
	"github.com/petguard/edge-recorder/internal/state"
	"github.com/petguard/edge-recorder/internal/storage"
)

type harness struct {
	c       *Controller
	clock   *clock.Mock
	factory *fakeFactory
	lib     *storage.Library
	events  <-chan service.Event
}

type fakeDisk struct{ ok bool }

func (d fakeDisk) HasSpace(ctx context.Context) (bool, error) { return d.ok, nil }

type fakeIndex struct {
	mu       sync.Mutex
	inserted []state.RecordingRecord
	finished map[string]int64
}

func (f *fakeIndex) InsertRecording(ctx context.Context, rec state.RecordingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, rec)
	return nil
}

func (f *fakeIndex) FinishRecording(ctx context.Context, id string, endedAt time.Time, written, dropped, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished == nil {
		f.finished = make(map[string]int64)
	}
	f.finished[id] = written
	return nil
}

func newHarness(t *testing.T, mutate func(cfg *config.RecorderConfig, deps *Dependencies)) *harness {
	t.Helper()

	cfg := config.Default().Recorder
	cfg.RecordingsDir = filepath.Join(t.TempDir(), "recordings")
	cfg.Cooldown = 2 * time.Second

	log := logger.NewNopLogger()
	lib, err := storage.NewLibrary(cfg.RecordingsDir, cfg.FilePrefix, log)
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local))
	factory := &fakeFactory{}

	deps := Dependencies{
		Library:   lib,
		Writers:   factory,
		Retention: storage.NewRetention(lib, cfg.MaxRecordings, log),
		Clock:     mock,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	c, err := NewController(cfg, deps, log)
	require.NoError(t, err)

	bus := service.NewEventBus(32)
	events := bus.SubscribeAll()
	c.SetEventBus(bus)

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop(context.Background()) })

	return &harness{c: c, clock: mock, factory: factory, lib: lib, events: events}
}

func (h *harness) frame(t *testing.T, both bool) Status {
	t.Helper()
	st, err := h.c.ProcessFrame(context.Background(), testFrame(0), both)
	require.NoError(t, err)
	return st
}

func (h *harness) proximity(t *testing.T, edge proximity.Edge, seq uint64) Status {
	t.Helper()
	_, err := h.c.ProximityChanged(context.Background(), proximity.Event{Edge: edge, Seq: seq})
	require.NoError(t, err)
	st, err := h.c.Flush(context.Background())
	require.NoError(t, err)
	return st
}

func (h *harness) recordings(t *testing.T) []string {
	t.Helper()
	recs, err := h.lib.List()
	require.NoError(t, err)
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.Name
	}
	return names
}

func (h *harness) waitEvent(t *testing.T, typ service.EventType) service.Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestController_CooldownScenario(t *testing.T) {
	h := newHarness(t, nil)

	st := h.frame(t, false)
	assert.Equal(t, StateIdle, st.State)

	// t=0: both present
	st = h.frame(t, true)
	require.Equal(t, StateRecordingDetection, st.State)
	require.True(t, st.Recording)
	assert.Equal(t, TriggerDetection, st.Trigger)

	// t=0.5: nothing detected, still within cooldown
	h.clock.Add(500 * time.Millisecond)
	st = h.frame(t, false)
	assert.True(t, st.Recording)

	// t=2.0: exactly the cooldown has elapsed
	h.clock.Add(1500 * time.Millisecond)
	assert.True(t, h.c.Status().Recording)

	// t=2.1: past the cooldown
	h.clock.Add(100 * time.Millisecond)
	st = h.frame(t, false)
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.Recording)
	assert.Equal(t, int64(1), st.SessionsOpened)

	writers := h.factory.opened()
	require.Len(t, writers, 1)
	assert.True(t, writers[0].isClosed())
	assert.Equal(t, 2, writers[0].count(), "frames at t=0 and t=0.5 are written")
	assert.Equal(t, 30.0, writers[0].spec.FrameRate)
	assert.Equal(t, 32, writers[0].spec.Width)
	assert.Len(t, h.recordings(t), 1)

	ev := h.waitEvent(t, service.EventTypeSessionClosed)
	assert.Equal(t, "cooldown", ev.Data["reason"])
}

func TestController_RepeatedDetectionsExtend(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 10; i++ {
		st := h.frame(t, true)
		assert.Equal(t, StateRecordingDetection, st.State)
		h.clock.Add(1500 * time.Millisecond)
	}
	assert.Equal(t, int64(1), h.c.Status().SessionsOpened)
	assert.Len(t, h.factory.opened(), 1)
}

func TestController_TickerClosesWithoutFrames(t *testing.T) {
	h := newHarness(t, nil)

	h.frame(t, true)
	h.clock.Add(3 * time.Second)

	assert.Eventually(t, func() bool {
		return h.c.Status().State == StateIdle
	}, time.Second, 5*time.Millisecond)
	assert.True(t, h.factory.opened()[0].isClosed())
}

func TestController_ProximityStartsAndBlocksDetection(t *testing.T) {
	h := newHarness(t, nil)

	h.frame(t, false)
	st := h.proximity(t, proximity.EdgeClose, 1)
	require.Equal(t, StateRecordingProximity, st.State)
	assert.Equal(t, TriggerProximity, st.Trigger)
	assert.True(t, st.ProximityClose)
	sessionID := st.SessionID

	for i := 0; i < 3; i++ {
		st = h.frame(t, true)
		assert.Equal(t, StateRecordingProximity, st.State)
		assert.Equal(t, sessionID, st.SessionID)
	}

	// No cooldown applies to proximity sessions.
	h.clock.Add(10 * time.Second)
	st = h.frame(t, false)
	assert.True(t, st.Recording)
	assert.Equal(t, int64(1), st.SessionsOpened)

	st = h.proximity(t, proximity.EdgeFar, 2)
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.ProximityClose)

	writers := h.factory.opened()
	require.Len(t, writers, 1)
	assert.True(t, writers[0].isClosed())
	assert.Equal(t, int64(5), st.Queue.Written+st.Queue.Dropped, "seed frame plus four frames")
	assert.Equal(t, int(st.Queue.Written), writers[0].count())

	// Detection may start again once proximity has released.
	st = h.frame(t, true)
	assert.Equal(t, StateRecordingDetection, st.State)
	assert.Equal(t, int64(2), st.SessionsOpened)
}

func TestController_FarClosesDespiteConcurrentDetections(t *testing.T) {
	h := newHarness(t, nil)

	h.frame(t, true)
	st := h.proximity(t, proximity.EdgeClose, 1)
	require.Equal(t, StateRecordingProximity, st.State)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			h.c.ProcessFrame(ctx, testFrame(1), true)
		}
	}()

	h.proximity(t, proximity.EdgeFar, 2)
	cancel()
	wg.Wait()

	// Detections may open a new session right after far, but not a proximity one.
	assert.True(t, h.factory.opened()[0].isClosed(), "far closes the proximity session")
	assert.NotEqual(t, TriggerProximity, h.c.Status().Trigger)
}

func TestController_DetectionSessionTakenOverByProximity(t *testing.T) {
	h := newHarness(t, nil)

	st := h.frame(t, true)
	sessionID := st.SessionID

	st = h.proximity(t, proximity.EdgeClose, 1)
	assert.Equal(t, StateRecordingProximity, st.State)
	assert.Equal(t, TriggerProximity, st.Trigger)
	assert.Equal(t, sessionID, st.SessionID, "the open file is retagged, not reopened")

	h.clock.Add(5 * time.Second)
	st = h.frame(t, false)
	assert.True(t, st.Recording, "cooldown does not close a proximity session")

	st = h.proximity(t, proximity.EdgeFar, 2)
	assert.Equal(t, StateIdle, st.State)
	assert.Len(t, h.factory.opened(), 1)
}

func TestController_ProximityWaitsForSeedFrame(t *testing.T) {
	h := newHarness(t, nil)

	st := h.proximity(t, proximity.EdgeClose, 1)
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, st.PendingProximity)

	st = h.frame(t, false)
	assert.Equal(t, StateRecordingProximity, st.State)
	assert.False(t, st.PendingProximity)
}

func TestController_StaleSeedIsNotUsed(t *testing.T) {
	h := newHarness(t, nil)

	h.frame(t, false)
	h.clock.Add(6 * time.Second)

	st := h.proximity(t, proximity.EdgeClose, 1)
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, st.PendingProximity)

	st = h.proximity(t, proximity.EdgeFar, 2)
	assert.False(t, st.PendingProximity, "far cancels a pending start")
	st = h.frame(t, false)
	assert.Equal(t, StateIdle, st.State)
}

func TestController_IgnoresStaleProximityEvents(t *testing.T) {
	h := newHarness(t, nil)

	h.frame(t, false)
	st := h.proximity(t, proximity.EdgeClose, 2)
	require.True(t, st.Recording)

	st = h.proximity(t, proximity.EdgeFar, 1)
	assert.True(t, st.Recording, "out-of-order far edge is ignored")

	st, err := h.c.ProximityChanged(context.Background(), proximity.Event{Edge: proximity.EdgeNone, Seq: 3})
	require.NoError(t, err)
	assert.True(t, st.Recording)
}

func TestController_RetentionAfterClose(t *testing.T) {
	h := newHarness(t, func(cfg *config.RecorderConfig, deps *Dependencies) {
		cfg.MaxRecordings = 2
		deps.Retention.SetLimit(2)
	})

	var created []string
	for i := 0; i < 4; i++ {
		st := h.frame(t, true)
		created = append(created, st.FileName)
		h.clock.Add(3 * time.Second)
		st = h.frame(t, false)
		require.Equal(t, StateIdle, st.State)
	}

	assert.Equal(t, []string{created[3], created[2]}, h.recordings(t))
	h.waitEvent(t, service.EventTypeRecordingsPruned)
}

func TestController_RefusesWhenDiskFull(t *testing.T) {
	h := newHarness(t, func(cfg *config.RecorderConfig, deps *Dependencies) {
		deps.Disk = fakeDisk{ok: false}
	})

	st := h.frame(t, true)
	assert.Equal(t, StateIdle, st.State)
	assert.Empty(t, h.factory.opened())

	ev := h.waitEvent(t, service.EventTypeSessionRefused)
	assert.Equal(t, "low_disk_space", ev.Data["reason"])
}

func TestController_WriterOpenFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.err = errors.New("codec not available")

	st := h.frame(t, true)
	assert.Equal(t, StateIdle, st.State)
	assert.Empty(t, h.recordings(t), "reserved file is removed")

	h.factory.mu.Lock()
	h.factory.err = nil
	h.factory.mu.Unlock()
	st = h.frame(t, true)
	assert.Equal(t, StateRecordingDetection, st.State)
}

func TestController_IndexesSessions(t *testing.T) {
	idx := &fakeIndex{}
	h := newHarness(t, func(cfg *config.RecorderConfig, deps *Dependencies) {
		deps.Index = idx
	})

	st := h.frame(t, true)
	id := st.SessionID
	h.clock.Add(3 * time.Second)
	h.frame(t, false)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	require.Len(t, idx.inserted, 1)
	assert.Equal(t, id, idx.inserted[0].ID)
	assert.Equal(t, "detection", idx.inserted[0].Trigger)
	assert.Equal(t, int64(1), idx.finished[id])
}

func TestController_SetCooldown(t *testing.T) {
	h := newHarness(t, nil)
	h.c.SetCooldown(10 * time.Second)
	assert.Equal(t, 10.0, h.c.Status().CooldownSeconds)

	h.frame(t, true)
	h.clock.Add(5 * time.Second)
	assert.True(t, h.frame(t, false).Recording)
}

func TestController_StopFinalizesSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.frame(t, true)

	require.NoError(t, h.c.Stop(context.Background()))
	assert.True(t, h.factory.opened()[0].isClosed())
	assert.Equal(t, StateIdle, h.c.Status().State)

	_, err := h.c.ProcessFrame(context.Background(), testFrame(0), true)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestController_ProximityDoesNotWaitForSlowClose(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	h.factory.gateClose(release)

	h.frame(t, true)
	h.clock.Add(3 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.c.ProcessFrame(context.Background(), testFrame(1), false)
	}()

	select {
	case <-h.factory.closing:
	case <-time.After(time.Second):
		t.Fatal("session close did not start")
	}

	// The controller is stuck in writer.Close; the edge must still be taken.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := h.c.ProximityChanged(ctx, proximity.Event{Edge: proximity.EdgeClose, Seq: 1})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	<-ctx.Done()
	unblock()
	<-done

	st, err := h.c.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRecordingProximity, st.State, "edge applied after the close finished")
	assert.True(t, st.ProximityClose)
}

func TestController_ProximityEdgeSurvivesCancelledCaller(t *testing.T) {
	h := newHarness(t, nil)
	h.frame(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.c.ProximityChanged(ctx, proximity.Event{Edge: proximity.EdgeClose, Seq: 1})
	require.NoError(t, err)

	st, err := h.c.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRecordingProximity, st.State)

	// Edges queued back to back are applied in order.
	_, err = h.c.ProximityChanged(ctx, proximity.Event{Edge: proximity.EdgeFar, Seq: 2})
	require.NoError(t, err)
	_, err = h.c.ProximityChanged(ctx, proximity.Event{Edge: proximity.EdgeClose, Seq: 3})
	require.NoError(t, err)
	st, err = h.c.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRecordingProximity, st.State)
	assert.Equal(t, int64(2), st.SessionsOpened)
	assert.True(t, h.factory.opened()[0].isClosed())
}

func TestController_StopBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := config.Default().Recorder
	cfg.RecordingsDir = filepath.Join(t.TempDir(), "recordings")
	log := logger.NewNopLogger()
	lib, err := storage.NewLibrary(cfg.RecordingsDir, cfg.FilePrefix, log)
	require.NoError(t, err)
	c, err := NewController(cfg, Dependencies{Library: lib, Writers: &fakeFactory{}}, log)
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background()))
	assert.NotPanics(t, func() {
		require.NoError(t, c.Start(context.Background()))
		require.NoError(t, c.Stop(context.Background()))
	})

	_, err = c.ProximityChanged(context.Background(), proximity.Event{Edge: proximity.EdgeClose, Seq: 1})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestNewController_RequiresDependencies(t *testing.T) {
	_, err := NewController(config.Default().Recorder, Dependencies{}, logger.NewNopLogger())
	assert.Error(t, err)
}
