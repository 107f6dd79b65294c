package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petguard/edge-recorder/internal/config"
)

func TestNewManager(t *testing.T) {
	mgr := setupTestManager(t)
	if mgr.GetDB() == nil {
		t.Error("Database should be initialized")
	}
}

func TestManager_SystemState(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	if err := mgr.SaveSystemState(ctx, "k", "v1"); err != nil {
		t.Fatalf("SaveSystemState failed: %v", err)
	}
	if err := mgr.SaveSystemState(ctx, "k", "v2"); err != nil {
		t.Fatalf("SaveSystemState overwrite failed: %v", err)
	}
	value, err := mgr.GetSystemState(ctx, "k")
	if err != nil {
		t.Fatalf("GetSystemState failed: %v", err)
	}
	if value != "v2" {
		t.Errorf("Expected 'v2', got '%s'", value)
	}

	value, err = mgr.GetSystemState(ctx, "missing")
	if err != nil || value != "" {
		t.Errorf("Expected empty value for missing key, got %q, %v", value, err)
	}
}

func TestManager_RuntimeSettings(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()
	base := config.RuntimeSettings{Confidence: 0.25, Cooldown: 2 * time.Second}

	rs, found, err := mgr.LoadRuntimeSettings(ctx, base)
	if err != nil {
		t.Fatalf("LoadRuntimeSettings failed: %v", err)
	}
	if found || rs != base {
		t.Errorf("Expected base settings when nothing stored, got %+v (found=%v)", rs, found)
	}

	want := config.RuntimeSettings{Confidence: 0.55, Cooldown: 1500 * time.Millisecond}
	if err := mgr.SaveRuntimeSettings(ctx, want); err != nil {
		t.Fatalf("SaveRuntimeSettings failed: %v", err)
	}
	rs, found, err = mgr.LoadRuntimeSettings(ctx, base)
	if err != nil {
		t.Fatalf("LoadRuntimeSettings failed: %v", err)
	}
	if !found || rs != want {
		t.Errorf("Expected %+v, got %+v (found=%v)", want, rs, found)
	}
}

func TestManager_RuntimeSettingsInvalid(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()
	base := config.RuntimeSettings{Confidence: 0.25, Cooldown: 2 * time.Second}

	if err := mgr.SaveSystemState(ctx, keyConfidence, "7"); err != nil {
		t.Fatal(err)
	}
	rs, found, err := mgr.LoadRuntimeSettings(ctx, base)
	if err == nil {
		t.Fatal("Expected error for out-of-range stored confidence")
	}
	if found || rs != base {
		t.Errorf("Expected base settings on error, got %+v", rs)
	}
}

func TestManager_Recordings(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute).Truncate(time.Second)

	for i, name := range []string{"a.mp4", "b.mp4"} {
		err := mgr.InsertRecording(ctx, RecordingRecord{
			ID:        name + "-id",
			FileName:  name,
			Trigger:   "detection",
			StartedAt: start.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("InsertRecording failed: %v", err)
		}
	}

	if err := mgr.FinishRecording(ctx, "a.mp4-id", start.Add(5*time.Second), 40, 2, 1024); err != nil {
		t.Fatalf("FinishRecording failed: %v", err)
	}
	if err := mgr.FinishRecording(ctx, "nope", time.Now(), 0, 0, 0); !errors.Is(err, ErrRecordingNotFound) {
		t.Errorf("Expected ErrRecordingNotFound, got %v", err)
	}

	rec, err := mgr.GetRecording(ctx, "a.mp4")
	if err != nil {
		t.Fatalf("GetRecording failed: %v", err)
	}
	if rec.FramesWritten != 40 || rec.FramesDropped != 2 || rec.SizeBytes != 1024 {
		t.Errorf("Unexpected counters: %+v", rec)
	}
	if rec.EndedAt == nil || !rec.EndedAt.Equal(start.Add(5*time.Second)) {
		t.Errorf("Unexpected ended_at: %v", rec.EndedAt)
	}

	recs, err := mgr.ListRecordings(ctx, 0)
	if err != nil {
		t.Fatalf("ListRecordings failed: %v", err)
	}
	if len(recs) != 2 || recs[0].FileName != "b.mp4" {
		t.Errorf("Expected newest first, got %+v", recs)
	}

	if err := mgr.DeleteRecording(ctx, "a.mp4"); err != nil {
		t.Fatalf("DeleteRecording failed: %v", err)
	}
	if _, err := mgr.GetRecording(ctx, "a.mp4"); !errors.Is(err, ErrRecordingNotFound) {
		t.Errorf("Expected ErrRecordingNotFound after delete, got %v", err)
	}
	if err := mgr.DeleteRecording(ctx, "a.mp4"); err != nil {
		t.Errorf("Deleting a missing row should succeed: %v", err)
	}
}

func TestManager_RecoverState(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	if err := mgr.InsertRecording(ctx, RecordingRecord{ID: "1", FileName: "open.mp4", Trigger: "proximity", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.InsertRecording(ctx, RecordingRecord{ID: "2", FileName: "done.mp4", Trigger: "detection", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.FinishRecording(ctx, "2", time.Now(), 1, 0, 10); err != nil {
		t.Fatal(err)
	}

	n, err := mgr.RecoverState(ctx)
	if err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 interrupted recording, got %d", n)
	}
	rec, err := mgr.GetRecording(ctx, "open.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Interrupted || rec.EndedAt == nil {
		t.Errorf("Expected open recording marked interrupted, got %+v", rec)
	}
}
