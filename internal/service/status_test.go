package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceStatus_Lifecycle(t *testing.T) {
	st := NewServiceStatus("recorder")
	require.NotNil(t, st)
	assert.Equal(t, "recorder", st.Name)
	assert.Equal(t, StatusStopped, st.GetStatus())
	assert.False(t, st.IsRunning())
	assert.Zero(t, st.GetUptime())

	steps := []struct {
		set     Status
		running bool
	}{
		{StatusStarting, false},
		{StatusRunning, true},
		{StatusStopping, false},
		{StatusStopped, false},
	}
	for _, step := range steps {
		st.SetStatus(step.set)
		assert.Equal(t, step.set, st.GetStatus())
		assert.Equal(t, step.running, st.IsRunning(), "after %s", step.set)
	}
}

func TestServiceStatus_ErrorClearedByRunning(t *testing.T) {
	st := NewServiceStatus("capture")

	st.SetError(errors.New("camera unplugged"))
	assert.Equal(t, StatusError, st.GetStatus())
	require.Error(t, st.GetError())
	assert.Equal(t, "camera unplugged", st.GetError().Error())

	st.SetStatus(StatusRunning)
	assert.NoError(t, st.GetError())
	assert.False(t, st.StartedAt.IsZero())
}

func TestServiceStatus_Uptime(t *testing.T) {
	st := NewServiceStatus("retention")

	st.SetStatus(StatusRunning)
	started := st.StartedAt
	time.Sleep(20 * time.Millisecond)
	assert.GreaterOrEqual(t, st.GetUptime(), 20*time.Millisecond)

	// Re-entering running keeps the original start time.
	st.SetStatus(StatusRunning)
	assert.True(t, st.StartedAt.Equal(started))

	st.SetStatus(StatusStopped)
	assert.Zero(t, st.GetUptime())
}

func TestServiceStatus_ConcurrentAccess(t *testing.T) {
	st := NewServiceStatus("web-server")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				st.SetStatus(StatusRunning)
				_ = st.IsRunning()
				_ = st.GetUptime()
				st.SetStatus(StatusStopped)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, StatusStopped, st.GetStatus())
}
