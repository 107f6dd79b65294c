package video

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petguard/edge-recorder/internal/logger"
)

// FFmpegWrapper locates the ffmpeg binary and opens pipe writers on it.
type FFmpegWrapper struct {
	logger        *logger.Logger
	ffmpegPath    string
	hardwareAccel HardwareAcceleration
	closeTimeout  time.Duration
	mu            sync.RWMutex
}

// HardwareAcceleration represents available hardware acceleration
type HardwareAcceleration struct {
	IntelQSV    bool // Intel Quick Sync Video via VAAPI
	NVIDIANVENC bool // NVIDIA NVENC
	Software    bool // always true
}

// NewFFmpegWrapper probes path (or the usual locations when empty) and the
// encoders it was built with.
func NewFFmpegWrapper(path string, log *logger.Logger) (*FFmpegWrapper, error) {
	wrapper := &FFmpegWrapper{
		logger:       log,
		closeTimeout: 10 * time.Second,
	}

	ffmpegPath, err := detectFFmpeg(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	wrapper.ffmpegPath = ffmpegPath
	wrapper.hardwareAccel = wrapper.detectHardwareAcceleration()

	log.Info("FFmpeg wrapper initialized",
		"path", wrapper.ffmpegPath,
		"intel_qsv", wrapper.hardwareAccel.IntelQSV,
		"nvidia_nvenc", wrapper.hardwareAccel.NVIDIANVENC,
	)
	return wrapper, nil
}

func detectFFmpeg(preferred string) (string, error) {
	paths := []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"}
	if preferred != "" && preferred != "ffmpeg" {
		paths = append([]string{preferred}, paths...)
	}
	for _, path := range paths {
		if err := exec.Command(path, "-version").Run(); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("ffmpeg not found in PATH or common locations")
}

func (f *FFmpegWrapper) detectHardwareAcceleration() HardwareAcceleration {
	accel := HardwareAcceleration{Software: true}

	out, err := exec.Command(f.ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		f.logger.Warn("Failed to list encoders, using software fallback", "error", err)
		return accel
	}
	encoders := string(out)

	if strings.Contains(encoders, "h264_vaapi") && exec.Command("vainfo").Run() == nil {
		accel.IntelQSV = true
	}
	if strings.Contains(encoders, "h264_nvenc") && exec.Command("nvidia-smi").Run() == nil {
		accel.NVIDIANVENC = true
	}
	return accel
}

// GetHardwareAcceleration returns available hardware acceleration
func (f *FFmpegWrapper) GetHardwareAcceleration() HardwareAcceleration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hardwareAccel
}

// GetPreferredEncoder maps a fourcc to an ffmpeg encoder, preferring
// hardware H.264 encoders when present.
func (f *FFmpegWrapper) GetPreferredEncoder(fourcc string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	switch strings.ToLower(fourcc) {
	case "mp4v", "fmp4", "xvid", "divx":
		return "mpeg4"
	case "avc1", "h264", "x264":
		if f.hardwareAccel.IntelQSV {
			return "h264_vaapi"
		}
		if f.hardwareAccel.NVIDIANVENC {
			return "h264_nvenc"
		}
		return "libx264"
	case "mjpg":
		return "mjpeg"
	default:
		return "mpeg4"
	}
}

// GetVersion returns FFmpeg version
func (f *FFmpegWrapper) GetVersion(ctx context.Context) (string, error) {
	output, err := exec.CommandContext(ctx, f.ffmpegPath, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to get ffmpeg version: %w", err)
	}
	line, _, _ := strings.Cut(string(output), "\n")
	return strings.TrimSpace(line), nil
}

// writerArgs builds an image2pipe command line: JPEG frames on stdin,
// encoded at a fixed rate and size into spec.Path.
func (f *FFmpegWrapper) writerArgs(spec WriterSpec) []string {
	encoder := f.GetPreferredEncoder(spec.Codec)
	rate := strconv.FormatFloat(spec.FrameRate, 'f', -1, 64)
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-f", "image2pipe",
		"-framerate", rate,
		"-c:v", "mjpeg",
		"-i", "-",
		"-vf", fmt.Sprintf("scale=%d:%d", spec.Width, spec.Height),
		"-c:v", encoder,
		"-r", rate,
	}
	if encoder == "mpeg4" {
		args = append(args, "-vtag", "mp4v", "-q:v", "5")
	}
	return append(args, "-pix_fmt", "yuv420p", spec.Path)
}

// Open implements WriterFactory by starting one ffmpeg process per file.
func (f *FFmpegWrapper) Open(spec WriterSpec) (Writer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.Command(f.ffmpegPath, f.writerArgs(spec)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stderr := &limitedBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	f.logger.Debug("FFmpeg writer started", "path", spec.Path, "pid", cmd.Process.Pid)
	return &FFmpegWriter{
		cmd:          cmd,
		stdin:        stdin,
		stderr:       stderr,
		closeTimeout: f.closeTimeout,
		quality:      90,
	}, nil
}

// FFmpegWriter feeds JPEG frames to an ffmpeg process.
type FFmpegWriter struct {
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	stderr       *limitedBuffer
	closeTimeout time.Duration
	quality      int

	mu     sync.Mutex
	closed bool
}

func (w *FFmpegWriter) WriteFrame(frame *Frame) error {
	data, err := frame.JPEG(w.quality)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("write to closed ffmpeg writer")
	}
	if _, err := w.stdin.Write(data); err != nil {
		return fmt.Errorf("write frame to ffmpeg: %w (%s)", err, w.stderr.String())
	}
	return nil
}

// Close ends the input stream and waits for ffmpeg to finalize the file.
// The process is killed if it does not exit within the close timeout.
func (w *FFmpegWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	_ = w.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ffmpeg exited: %w (%s)", err, w.stderr.String())
		}
		return nil
	case <-time.After(w.closeTimeout):
		_ = w.cmd.Process.Kill()
		<-done
		return fmt.Errorf("ffmpeg did not finish within %v", w.closeTimeout)
	}
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
