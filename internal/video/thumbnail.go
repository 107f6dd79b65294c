package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
	"os/exec"
	"strconv"
)

// Thumbnail extracts the first frame of a recorded file as a JPEG no wider
// than width pixels. A width of zero keeps the recorded size.
func (f *FFmpegWrapper) Thumbnail(ctx context.Context, path string, width, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("thumbnail source: %w", err)
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-frames:v", "1",
	}
	if width > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale='min(%d,iw)':-2", width))
	}
	// ffmpeg's mjpeg scale runs 2 (best) to 31.
	args = append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(2+(100-quality)*29/100),
		"-",
	)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg thumbnail failed: %w (%s)", err, stderr.String())
	}

	data := stdout.Bytes()
	if len(data) == 0 {
		return nil, fmt.Errorf("no frame data captured")
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("invalid frame data: %w", err)
	}
	return data, nil
}
