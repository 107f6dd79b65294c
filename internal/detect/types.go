package detect

import (
	"context"

	"github.com/petguard/edge-recorder/internal/video"
)

// Box is an axis-aligned rectangle in frame pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one object found in a frame.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"bbox"`
}

// Detector turns a frame into detections. Implementations must be safe
// for use by one caller at a time; the pipeline never calls concurrently
// for the same source.
type Detector interface {
	Detect(ctx context.Context, frame *video.Frame) ([]Detection, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, frame *video.Frame) ([]Detection, error)

func (fn DetectorFunc) Detect(ctx context.Context, frame *video.Frame) ([]Detection, error) {
	return fn(ctx, frame)
}

// Counts tallies detections per class.
func Counts(dets []Detection) map[string]int {
	counts := make(map[string]int, len(dets))
	for _, d := range dets {
		counts[d.Class]++
	}
	return counts
}

// inferenceRequest is the body POSTed to the detector service.
type inferenceRequest struct {
	Image               string   `json:"image"` // base64 JPEG
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	EnabledClasses      []string `json:"enabled_classes,omitempty"`
}

type boundingBox struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

type inferenceResponse struct {
	BoundingBoxes   []boundingBox `json:"bounding_boxes"`
	InferenceTimeMs float64       `json:"inference_time_ms"`
	DetectionCount  int           `json:"detection_count"`
}
