package state

import (
	"path/filepath"
	"testing"

	"github.com/petguard/edge-recorder/internal/config"
	"github.com/petguard/edge-recorder/internal/logger"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "db", "recorder.db")}

	mgr, err := NewManager(cfg, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}
