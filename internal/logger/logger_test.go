package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.log")
	log, err := New(LogConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	log.Named("controller").Info("session opened", "file", "interaction_1.mp4", "err", errors.New("boom"))
	log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, `"logger":"controller"`)
	assert.Contains(t, line, `"file":"interaction_1.mp4"`)
	assert.Contains(t, line, `"err":"boom"`)
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	_, err := New(LogConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestConvertFields_OddArgs(t *testing.T) {
	fields := convertFields("a", 1, "dangling")
	require.Len(t, fields, 2)
	assert.Equal(t, "a", fields[0].Key)
	assert.Equal(t, "extra", fields[1].Key)
}

func TestNopLogger(t *testing.T) {
	log := NewNopLogger().With("k", "v")
	log.Debug("nothing")
	assert.False(t, strings.Contains(log.Logger.Name(), "x"))
}
