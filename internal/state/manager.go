package state

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/petguard/edge-recorder/internal/config"
	"github.com/petguard/edge-recorder/internal/logger"
)

const (
	keyConfidence = "detector.confidence"
	keyCooldown   = "recorder.cooldown_seconds"
)

// Manager persists runtime settings and the recordings index.
type Manager struct {
	db     *Database
	logger *logger.Logger
	mu     sync.RWMutex
}

// NewManager opens the database at cfg.Path.
func NewManager(cfg config.DatabaseConfig, log *logger.Logger) (*Manager, error) {
	db, err := NewDatabase(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	log.Info("State database opened", "path", cfg.Path)
	return &Manager{db: db, logger: log}, nil
}

// Close closes the state manager and database
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetDB returns the database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db.GetDB()
}

// SaveSystemState saves a system state value
func (m *Manager) SaveSystemState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	if _, err := m.db.GetDB().ExecContext(ctx, query, key, value, time.Now()); err != nil {
		return fmt.Errorf("failed to save system state: %w", err)
	}
	return nil
}

// GetSystemState returns the value for key, or "" when unset.
func (m *Manager) GetSystemState(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var value string
	err := m.db.GetDB().QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get system state: %w", err)
	}
	return value, nil
}

// SaveRuntimeSettings stores settings changed through the API so they
// survive a restart.
func (m *Manager) SaveRuntimeSettings(ctx context.Context, rs config.RuntimeSettings) error {
	if err := m.SaveSystemState(ctx, keyConfidence, strconv.FormatFloat(rs.Confidence, 'f', -1, 64)); err != nil {
		return err
	}
	return m.SaveSystemState(ctx, keyCooldown, strconv.FormatFloat(rs.CooldownSeconds(), 'f', -1, 64))
}

// LoadRuntimeSettings overlays stored settings on base. The boolean is
// false when nothing was stored.
func (m *Manager) LoadRuntimeSettings(ctx context.Context, base config.RuntimeSettings) (config.RuntimeSettings, bool, error) {
	patch := make(map[string]interface{})
	if v, err := m.GetSystemState(ctx, keyConfidence); err != nil {
		return base, false, err
	} else if v != "" {
		patch["confidence"] = v
	}
	if v, err := m.GetSystemState(ctx, keyCooldown); err != nil {
		return base, false, err
	} else if v != "" {
		patch["cooldown"] = v
	}
	if len(patch) == 0 {
		return base, false, nil
	}

	rs, err := base.Apply(patch)
	if err != nil {
		return base, false, fmt.Errorf("stored runtime settings are invalid: %w", err)
	}
	return rs, true, nil
}

// RecoverState marks recordings left open by an unclean shutdown as
// interrupted and returns how many were found.
func (m *Manager) RecoverState(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.GetDB().ExecContext(ctx,
		`UPDATE recordings SET interrupted = 1, ended_at = ? WHERE ended_at IS NULL`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to recover recordings: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.logger.Warn("Recovered interrupted recordings", "count", n)
	}
	return int(n), nil
}
