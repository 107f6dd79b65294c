package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/petguard/edge-recorder/internal/logger"
)

var (
	// ErrNotFound is returned for names that do not exist in the library.
	ErrNotFound = errors.New("recording not found")
	// ErrInvalidName is returned for names that could escape the directory.
	ErrInvalidName = errors.New("invalid recording name")
)

const recordingExt = ".mp4"

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*\.mp4$`)

// Recording is one stored video file.
type Recording struct {
	Name      string    `json:"filename"`
	Path      string    `json:"-"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created"`
}

// Library manages the flat directory of recordings.
type Library struct {
	dir    string
	prefix string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewLibrary creates dir if needed.
func NewLibrary(dir, prefix string, log *logger.Logger) (*Library, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recordings directory: %w", err)
	}
	log.Info("Recordings library initialized", "dir", abs, "prefix", prefix)
	return &Library{dir: abs, prefix: prefix, logger: log}, nil
}

// Dir returns the absolute recordings directory.
func (l *Library) Dir() string {
	return l.dir
}

// List returns all recordings, newest first. Files with equal timestamps
// are ordered by name, descending.
func (l *Library) List() ([]Recording, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	recs := make([]Recording, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !validName.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		recs = append(recs, Recording{
			Name:      e.Name(),
			Path:      filepath.Join(l.dir, e.Name()),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].Name > recs[j].Name
	})
	return recs, nil
}

// Get returns the recording called name.
func (l *Library) Get(name string) (Recording, error) {
	path, err := l.resolve(name)
	if err != nil {
		return Recording{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Recording{}, ErrNotFound
		}
		return Recording{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return Recording{}, ErrNotFound
	}
	return Recording{Name: name, Path: path, Size: info.Size(), CreatedAt: info.ModTime()}, nil
}

// Delete removes the recording called name.
func (l *Library) Delete(name string) error {
	path, err := l.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete %s: %w", name, err)
	}
	l.logger.Info("Recording deleted", "file", name)
	return nil
}

// NewRecordingPath reserves a timestamped file name for a session started
// at t. An empty file is created so concurrent callers cannot collide; a
// numeric suffix is added when the second is already taken.
func (l *Library) NewRecordingPath(t time.Time) (name, path string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := fmt.Sprintf("%s_%s", l.prefix, t.Format("20060102_150405"))
	for i := 0; i < 100; i++ {
		name = base + recordingExt
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", base, i, recordingExt)
		}
		path = filepath.Join(l.dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			return name, path, nil
		}
		if !os.IsExist(err) {
			return "", "", fmt.Errorf("reserve %s: %w", name, err)
		}
	}
	return "", "", fmt.Errorf("no free recording name for %s", base)
}

func (l *Library) resolve(name string) (string, error) {
	if !validName.MatchString(name) || strings.Contains(name, "..") || filepath.Base(name) != name {
		return "", ErrInvalidName
	}
	return filepath.Join(l.dir, name), nil
}
