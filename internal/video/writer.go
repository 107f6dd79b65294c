package video

import "fmt"

// Writer appends frames to one open video file.
type Writer interface {
	WriteFrame(f *Frame) error
	Close() error
}

// WriterSpec describes the file a writer produces.
type WriterSpec struct {
	Path      string
	Width     int
	Height    int
	FrameRate float64
	Codec     string // fourcc, e.g. mp4v
}

// Validate checks that the spec can be opened.
func (s WriterSpec) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("writer path is required")
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", s.Width, s.Height)
	}
	if s.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate %.2f", s.FrameRate)
	}
	return nil
}

// WriterFactory opens writers for new recording sessions.
type WriterFactory interface {
	Open(spec WriterSpec) (Writer, error)
}

// WriterFactoryFunc adapts a function to WriterFactory.
type WriterFactoryFunc func(spec WriterSpec) (Writer, error)

func (fn WriterFactoryFunc) Open(spec WriterSpec) (Writer, error) {
	return fn(spec)
}
