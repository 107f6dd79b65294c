package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petguard/edge-recorder/internal/recording"
)

func TestMetrics_Observer(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.SessionOpened(recording.TriggerDetection)
	m.SessionOpened(recording.TriggerProximity)
	m.SessionOpened(recording.TriggerDetection)
	m.SessionClosed(recording.TriggerDetection, 3*time.Second, recording.QueueStats{Written: 90})
	m.SessionRefused("low_disk_space")
	m.FrameDropped()
	m.FrameDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsOpened.WithLabelValues("detection")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsOpened.WithLabelValues("proximity")))
	assert.Equal(t, 90.0, testutil.ToFloat64(m.framesWritten))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsRefused.WithLabelValues("low_disk_space")))
}

func TestMetrics_Pipeline(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.FrameProcessed("remote", 20*time.Millisecond, false, true)
	m.FrameProcessed("remote", 0, true, false)
	m.FrameRejected("busy")
	m.ProximityReading(true)
	m.RecordingsPruned(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesProcessed.WithLabelValues("remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.detectionErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bothPresent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesRejected.WithLabelValues("busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.proximityClose))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.recordingsPruned))

	m.ProximityReading(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.proximityClose))
}

func TestMetrics_Handler(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	m.SessionOpened(recording.TriggerDetection)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `recorder_sessions_opened_total{trigger="detection"} 1`))
	assert.Contains(t, body, "go_goroutines")
}
