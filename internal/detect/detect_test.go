package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/video"
)

func solidFrame(w, h int) *video.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	return video.NewFrame(img, "test", time.Now())
}

func setupTestClient(t *testing.T, boxes []boundingBox, inputSize int) (*Client, *httptest.Server, *atomic.Value) {
	t.Helper()
	var lastReq atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health/ready":
			w.WriteHeader(http.StatusOK)
			return
		case "/api/v1/inference":
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req inferenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		lastReq.Store(req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(inferenceResponse{BoundingBoxes: boxes, DetectionCount: len(boxes)})
	}))
	t.Cleanup(server.Close)

	client := NewClient(ClientConfig{
		ServiceURL:          server.URL + "/",
		Timeout:             2 * time.Second,
		ConfidenceThreshold: 0.25,
		Classes:             []string{"human", "cat"},
		InputSize:           inputSize,
	}, logger.NewNopLogger())
	return client, server, &lastReq
}

func TestClient_Detect(t *testing.T) {
	client, _, lastReq := setupTestClient(t, []boundingBox{
		{X1: 10, Y1: 20, X2: 30, Y2: 40, Confidence: 0.9, ClassName: "human"},
		{X1: 1, Y1: 1, X2: 5, Y2: 5, Confidence: 0.1, ClassName: "cat"},
	}, 0)

	dets, err := client.Detect(context.Background(), solidFrame(64, 48))
	require.NoError(t, err)
	require.Len(t, dets, 1, "low-confidence boxes are filtered")
	assert.Equal(t, "human", dets[0].Class)
	assert.Equal(t, Box{X1: 10, Y1: 20, X2: 30, Y2: 40}, dets[0].Box)

	req := lastReq.Load().(inferenceRequest)
	require.NotNil(t, req.ConfidenceThreshold)
	assert.Equal(t, 0.25, *req.ConfidenceThreshold)
	assert.Equal(t, []string{"human", "cat"}, req.EnabledClasses)
}

func TestClient_DetectDownscalesAndRescales(t *testing.T) {
	client, _, lastReq := setupTestClient(t, []boundingBox{
		{X1: 100, Y1: 50, X2: 200, Y2: 100, Confidence: 0.8, ClassName: "cat"},
	}, 320)

	dets, err := client.Detect(context.Background(), solidFrame(1280, 720))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.InDelta(t, 400, dets[0].Box.X1, 0.01)
	assert.InDelta(t, 800, dets[0].Box.X2, 0.01)

	req := lastReq.Load().(inferenceRequest)
	raw, err := base64.StdEncoding.DecodeString(req.Image)
	require.NoError(t, err)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 320, cfg.Width)
	assert.Equal(t, 180, cfg.Height)
}

func TestClient_SetConfidence(t *testing.T) {
	client, _, _ := setupTestClient(t, []boundingBox{
		{X2: 1, Y2: 1, Confidence: 0.5, ClassName: "cat"},
	}, 0)

	client.SetConfidence(0.6)
	assert.Equal(t, 0.6, client.Confidence())

	dets, err := client.Detect(context.Background(), solidFrame(8, 8))
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestClient_ServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{ServiceURL: server.URL}, logger.NewNopLogger())
	_, err := client.Detect(context.Background(), solidFrame(8, 8))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Error(t, client.HealthCheck(context.Background()))
}

func TestClient_HealthCheck(t *testing.T) {
	client, _, _ := setupTestClient(t, nil, 0)
	assert.NoError(t, client.HealthCheck(context.Background()))
}

func TestTrigger_Evaluate(t *testing.T) {
	trig := Trigger{Subject: "human", Target: "cat"}

	tests := []struct {
		name string
		dets []Detection
		want bool
	}{
		{"empty", nil, false},
		{"subject only", []Detection{{Class: "human"}}, false},
		{"target only", []Detection{{Class: "cat"}, {Class: "cat"}}, false},
		{"both", []Detection{{Class: "cat"}, {Class: "dog"}, {Class: "human"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, trig.Evaluate(tt.dets))
		})
	}
}

func TestCounts(t *testing.T) {
	counts := Counts([]Detection{{Class: "cat"}, {Class: "cat"}, {Class: "human"}})
	assert.Equal(t, map[string]int{"cat": 2, "human": 1}, counts)
}

func TestAnnotator_Annotate(t *testing.T) {
	frame := solidFrame(100, 80)
	a := Annotator{Trigger: Trigger{Subject: "human", Target: "cat"}}

	assert.Same(t, frame.Image, a.Annotate(frame.Image, nil))

	out := a.Annotate(frame.Image, []Detection{
		{Class: "cat", Confidence: 0.9, Box: Box{X1: 20, Y1: 30, X2: 60, Y2: 70}},
		{Class: "human", Confidence: 0.5, Box: Box{X1: 5, Y1: 5, X2: 5, Y2: 5}},
	})
	require.Equal(t, frame.Image.Bounds(), out.Bounds())

	r, g, b, _ := out.At(20, 50).RGBA()
	gray := color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0x80}
	gr, gg, gb, _ := gray.RGBA()
	assert.NotEqual(t, [3]uint32{gr, gg, gb}, [3]uint32{r, g, b}, "box edge should be drawn")
	assert.Greater(t, r, b, "target boxes are orange")

	orig := frame.Image.(*image.RGBA)
	assert.Equal(t, uint8(0x80), orig.Pix[0], "source image must not be modified")
}
