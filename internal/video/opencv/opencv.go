// Package opencv provides the gocv-backed capture device and video writer.
// It is the only package that links against OpenCV.
package opencv

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/petguard/edge-recorder/internal/video"
)

// ErrReadFailed is returned when the device yields no frame.
var ErrReadFailed = errors.New("device read failed")

// Device is an open local capture device.
type Device struct {
	cap *gocv.VideoCapture
	mat gocv.Mat
}

// OpenDevice opens a capture device by index and requests a resolution and
// rate. Devices that ignore the request keep their native mode.
func OpenDevice(index, width, height int, fps float64) (*Device, error) {
	capture, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("open capture device %d: %w", index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("capture device %d not opened", index)
	}
	if width > 0 && height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	if fps > 0 {
		capture.Set(gocv.VideoCaptureFPS, fps)
	}
	return &Device{cap: capture, mat: gocv.NewMat()}, nil
}

// Read blocks until the next frame is available.
func (d *Device) Read() (image.Image, error) {
	if ok := d.cap.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, ErrReadFailed
	}
	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

func (d *Device) Close() error {
	d.mat.Close()
	return d.cap.Close()
}

// Writer encodes frames through cv::VideoWriter.
type Writer struct {
	mu     sync.Mutex
	vw     *gocv.VideoWriter
	size   image.Point
	closed bool
}

// OpenWriter implements video.WriterFactory.
func OpenWriter(spec video.WriterSpec) (video.Writer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	vw, err := gocv.VideoWriterFile(spec.Path, spec.Codec, spec.FrameRate, spec.Width, spec.Height, true)
	if err != nil {
		return nil, fmt.Errorf("open video writer %s: %w", spec.Path, err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("video writer %s not opened", spec.Path)
	}
	return &Writer{vw: vw, size: image.Pt(spec.Width, spec.Height)}, nil
}

func (w *Writer) WriteFrame(frame *video.Frame) error {
	mat, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	out := mat
	if mat.Cols() != w.size.X || mat.Rows() != w.size.Y {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(mat, &resized, w.size, 0, 0, gocv.InterpolationLinear)
		out = resized
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("write to closed video writer")
	}
	return w.vw.Write(out)
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.vw.Close()
}
