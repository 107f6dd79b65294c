package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/service"
)

// RecordingIndex is told about recordings removed from disk.
type RecordingIndex interface {
	DeleteRecording(ctx context.Context, fileName string) error
}

// Retention keeps the newest recordings up to a limit and deletes the rest.
type Retention struct {
	library *Library
	disk    *DiskMonitor
	index   RecordingIndex
	logger  *logger.Logger

	mu    sync.Mutex // serializes Enforce and guards limit
	limit int
}

// NewRetention creates a retention policy. A limit of zero disables pruning.
func NewRetention(library *Library, limit int, log *logger.Logger) *Retention {
	return &Retention{library: library, limit: limit, logger: log}
}

// SetIndex makes Enforce remove index rows for deleted files.
func (r *Retention) SetIndex(index RecordingIndex) {
	r.mu.Lock()
	r.index = index
	r.mu.Unlock()
}

// SetDiskMonitor makes Enforce invalidate cached disk usage after deleting.
func (r *Retention) SetDiskMonitor(disk *DiskMonitor) {
	r.mu.Lock()
	r.disk = disk
	r.mu.Unlock()
}

// SetLimit changes the number of recordings kept.
func (r *Retention) SetLimit(limit int) {
	r.mu.Lock()
	r.limit = limit
	r.mu.Unlock()
}

// Limit returns the number of recordings kept.
func (r *Retention) Limit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limit
}

// Enforce deletes all but the newest recordings and returns the names it
// removed. Individual deletion failures are logged and skipped; only a
// failure to list the directory is returned.
func (r *Retention) Enforce(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit <= 0 {
		return nil, nil
	}
	recs, err := r.library.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	if len(recs) <= r.limit {
		return nil, nil
	}

	var deleted []string
	for _, rec := range recs[r.limit:] {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := r.library.Delete(rec.Name); err != nil && err != ErrNotFound {
			r.logger.Warn("Failed to delete old recording", "file", rec.Name, "error", err)
			continue
		}
		deleted = append(deleted, rec.Name)

		if r.index != nil {
			if err := r.index.DeleteRecording(ctx, rec.Name); err != nil {
				r.logger.Warn("Failed to remove recording from index", "file", rec.Name, "error", err)
			}
		}
	}

	if len(deleted) > 0 {
		if r.disk != nil {
			r.disk.Invalidate()
		}
		r.logger.Info("Old recordings pruned", "count", len(deleted), "kept", r.limit)
	}
	return deleted, nil
}

// Sweeper runs Enforce on a fixed interval, catching files that appear
// outside of recording sessions.
type Sweeper struct {
	*service.ServiceBase
	retention *Retention
	interval  time.Duration
	scheduler gocron.Scheduler
}

// NewSweeper creates the periodic retention service.
func NewSweeper(retention *Retention, interval time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		ServiceBase: service.NewServiceBase("retention", log),
		retention:   retention,
		interval:    interval,
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStarting)
	if s.interval <= 0 {
		s.LogInfo("Retention sweep disabled")
		s.GetStatus().SetStatus(service.StatusRunning)
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		s.GetStatus().SetError(err)
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.Sweep, context.WithoutCancel(ctx)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		s.GetStatus().SetError(err)
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	scheduler.Start()
	s.scheduler = scheduler

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Retention sweep started", "interval", s.interval.String(), "max_recordings", s.retention.Limit())
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStopping)
	var err error
	if s.scheduler != nil {
		err = s.scheduler.Shutdown()
		s.scheduler = nil
	}
	s.GetStatus().SetStatus(service.StatusStopped)
	return err
}

// Sweep enforces retention once and publishes the names it removed.
func (s *Sweeper) Sweep(ctx context.Context) {
	deleted, err := s.retention.Enforce(ctx)
	if err != nil {
		s.LogError("Retention sweep failed", err)
		return
	}
	if len(deleted) > 0 {
		s.PublishEvent(service.EventTypeRecordingsPruned, map[string]interface{}{
			"files": deleted,
			"count": len(deleted),
		})
	}
}
