package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRecordingNotFound is returned when no index row matches.
var ErrRecordingNotFound = errors.New("recording not indexed")

// RecordingRecord is the index row for one recording session.
type RecordingRecord struct {
	ID            string     `json:"id"`
	FileName      string     `json:"filename"`
	Trigger       string     `json:"trigger"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	FramesWritten int64      `json:"frames_written"`
	FramesDropped int64      `json:"frames_dropped"`
	SizeBytes     int64      `json:"size_bytes"`
	Interrupted   bool       `json:"interrupted"`
}

// InsertRecording adds a row for a session that has just opened.
func (m *Manager) InsertRecording(ctx context.Context, rec RecordingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO recordings (id, file_name, trigger, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_name) DO UPDATE SET
			id = excluded.id,
			trigger = excluded.trigger,
			started_at = excluded.started_at,
			ended_at = NULL,
			frames_written = 0,
			frames_dropped = 0,
			size_bytes = 0,
			interrupted = 0
	`
	if _, err := m.db.GetDB().ExecContext(ctx, query, rec.ID, rec.FileName, rec.Trigger, rec.StartedAt); err != nil {
		return fmt.Errorf("failed to insert recording: %w", err)
	}
	return nil
}

// FinishRecording stores the final counters of a closed session.
func (m *Manager) FinishRecording(ctx context.Context, id string, endedAt time.Time, written, dropped, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.GetDB().ExecContext(ctx, `
		UPDATE recordings
		SET ended_at = ?, frames_written = ?, frames_dropped = ?, size_bytes = ?
		WHERE id = ?
	`, endedAt, written, dropped, size, id)
	if err != nil {
		return fmt.Errorf("failed to finish recording: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordingNotFound
	}
	return nil
}

// DeleteRecording removes the row for fileName. Missing rows are not an
// error.
func (m *Manager) DeleteRecording(ctx context.Context, fileName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM recordings WHERE file_name = ?`, fileName); err != nil {
		return fmt.Errorf("failed to delete recording: %w", err)
	}
	return nil
}

// GetRecording returns the row for fileName.
func (m *Manager) GetRecording(ctx context.Context, fileName string) (*RecordingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row := m.db.GetDB().QueryRowContext(ctx, `
		SELECT id, file_name, trigger, started_at, ended_at, frames_written, frames_dropped, size_bytes, interrupted
		FROM recordings WHERE file_name = ?
	`, fileName)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}
	return rec, nil
}

// ListRecordings returns up to limit rows, newest first. A limit of zero
// returns all rows.
func (m *Manager) ListRecordings(ctx context.Context, limit int) ([]RecordingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := m.db.GetDB().QueryContext(ctx, `
		SELECT id, file_name, trigger, started_at, ended_at, frames_written, frames_dropped, size_bytes, interrupted
		FROM recordings
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer rows.Close()

	var recs []RecordingRecord
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecording(s scanner) (*RecordingRecord, error) {
	var rec RecordingRecord
	var ended sql.NullTime
	if err := s.Scan(
		&rec.ID, &rec.FileName, &rec.Trigger, &rec.StartedAt, &ended,
		&rec.FramesWritten, &rec.FramesDropped, &rec.SizeBytes, &rec.Interrupted,
	); err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		rec.EndedAt = &t
	}
	return &rec, nil
}
