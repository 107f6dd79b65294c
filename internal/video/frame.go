package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"time"
)

// ErrEmptyImage is returned when decoding zero bytes.
var ErrEmptyImage = errors.New("empty image payload")

// Frame is one captured image. Frames are immutable once built; stages
// downstream share the pointer and never write to Image or Data.
type Frame struct {
	Image     image.Image
	Data      []byte    // original JPEG bytes when the source delivered JPEG, else nil
	Timestamp time.Time // capture time
	Width     int
	Height    int
	SourceID  string
}

// NewFrame wraps a decoded image.
func NewFrame(img image.Image, sourceID string, ts time.Time) *Frame {
	b := img.Bounds()
	return &Frame{
		Image:     img,
		Timestamp: ts,
		Width:     b.Dx(),
		Height:    b.Dy(),
		SourceID:  sourceID,
	}
}

// DecodeFrame decodes a JPEG or PNG payload into a frame.
func DecodeFrame(data []byte, sourceID string, ts time.Time) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	f := NewFrame(img, sourceID, ts)
	if format == "jpeg" {
		f.Data = data
	}
	return f, nil
}

// JPEG returns the frame as JPEG, reusing the source bytes when present.
func (f *Frame) JPEG(quality int) ([]byte, error) {
	if f.Data != nil {
		return f.Data, nil
	}
	return EncodeJPEG(f.Image, quality)
}

// EncodeJPEG encodes img at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if img == nil {
		return nil, ErrEmptyImage
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
