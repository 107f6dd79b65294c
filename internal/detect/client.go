package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/video"
)

// Client calls an HTTP object detection service.
type Client struct {
	serviceURL string
	httpClient *http.Client
	logger     *logger.Logger
	inputSize  int
	classes    []string
	confidence atomic.Uint64 // math.Float64bits
}

// ClientConfig contains configuration for the detector client
type ClientConfig struct {
	ServiceURL          string
	Timeout             time.Duration
	ConfidenceThreshold float64
	Classes             []string // classes requested from the service; empty means all
	InputSize           int      // longest side sent to the service; 0 disables resizing
}

// NewClient creates a new detector client
func NewClient(config ClientConfig, log *logger.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	c := &Client{
		serviceURL: strings.TrimRight(config.ServiceURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     log,
		inputSize:  config.InputSize,
		classes:    config.Classes,
	}
	c.SetConfidence(config.ConfidenceThreshold)
	return c
}

// SetConfidence updates the minimum confidence for returned detections.
func (c *Client) SetConfidence(threshold float64) {
	c.confidence.Store(math.Float64bits(threshold))
}

// Confidence returns the current threshold.
func (c *Client) Confidence() float64 {
	return math.Float64frombits(c.confidence.Load())
}

// Detect sends frame to the service. Frames larger than the input size are
// downscaled first and boxes are mapped back to frame coordinates.
func (c *Client) Detect(ctx context.Context, frame *video.Frame) ([]Detection, error) {
	payload, scale, err := c.prepare(frame)
	if err != nil {
		return nil, err
	}

	threshold := c.Confidence()
	req := inferenceRequest{
		Image:               base64.StdEncoding.EncodeToString(payload),
		ConfidenceThreshold: &threshold,
		EnabledClasses:      c.classes,
	}
	resp, err := c.inferRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	dets := make([]Detection, 0, len(resp.BoundingBoxes))
	for _, bb := range resp.BoundingBoxes {
		if bb.Confidence < threshold {
			continue
		}
		dets = append(dets, Detection{
			Class:      bb.ClassName,
			Confidence: bb.Confidence,
			Box: Box{
				X1: bb.X1 * scale,
				Y1: bb.Y1 * scale,
				X2: bb.X2 * scale,
				Y2: bb.Y2 * scale,
			},
		})
	}
	return dets, nil
}

// prepare returns the JPEG to send and the factor mapping service
// coordinates back to frame coordinates.
func (c *Client) prepare(frame *video.Frame) ([]byte, float64, error) {
	longest := frame.Width
	if frame.Height > longest {
		longest = frame.Height
	}
	if c.inputSize <= 0 || longest <= c.inputSize || frame.Image == nil {
		data, err := frame.JPEG(90)
		if err != nil {
			return nil, 0, fmt.Errorf("encode frame: %w", err)
		}
		return data, 1, nil
	}

	resized := imaging.Fit(frame.Image, c.inputSize, c.inputSize, imaging.Linear)
	data, err := video.EncodeJPEG(resized, 90)
	if err != nil {
		return nil, 0, fmt.Errorf("encode resized frame: %w", err)
	}
	return data, float64(frame.Width) / float64(resized.Bounds().Dx()), nil
}

func (c *Client) inferRequest(ctx context.Context, req inferenceRequest) (*inferenceResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.serviceURL + "/api/v1/inference"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var inferenceResp inferenceResponse
	if err := json.Unmarshal(body, &inferenceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.logger.Debug("Inference completed",
		"detection_count", len(inferenceResp.BoundingBoxes),
		"inference_time_ms", inferenceResp.InferenceTimeMs,
		"request_duration_ms", time.Since(start).Milliseconds(),
	)
	return &inferenceResp, nil
}

// HealthCheck checks if the detector service is ready
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serviceURL+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("detector health check failed: status %d", resp.StatusCode)
	}
	return nil
}
