package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/petguard/edge-recorder/internal/logger"
)

// DiskMonitor reports filesystem usage of the recordings directory.
type DiskMonitor struct {
	path          string
	minFreeBytes  uint64
	logger        *logger.Logger
	mu            sync.RWMutex
	lastCheck     time.Time
	cacheDuration time.Duration
	cachedUsage   *DiskUsage
}

// DiskUsage contains disk usage information
type DiskUsage struct {
	TotalBytes     uint64  `json:"total_bytes"`
	UsedBytes      uint64  `json:"used_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsagePercent   float64 `json:"usage_percent"`
}

// NewDiskMonitor creates a monitor. A zero minFreeBytes disables the
// free space check.
func NewDiskMonitor(path string, minFreeBytes uint64, log *logger.Logger) *DiskMonitor {
	return &DiskMonitor{
		path:          path,
		minFreeBytes:  minFreeBytes,
		logger:        log,
		cacheDuration: 5 * time.Second,
	}
}

// GetUsage returns current disk usage, cached for a few seconds.
func (d *DiskMonitor) GetUsage(ctx context.Context) (*DiskUsage, error) {
	d.mu.RLock()
	if d.cachedUsage != nil && time.Since(d.lastCheck) < d.cacheDuration {
		usage := *d.cachedUsage
		d.mu.RUnlock()
		return &usage, nil
	}
	d.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	usage, err := d.getDiskUsage()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cachedUsage = usage
	d.lastCheck = time.Now()
	d.mu.Unlock()

	u := *usage
	return &u, nil
}

// HasSpace reports whether at least minFreeBytes are available.
func (d *DiskMonitor) HasSpace(ctx context.Context) (bool, error) {
	if d.minFreeBytes == 0 {
		return true, nil
	}
	usage, err := d.GetUsage(ctx)
	if err != nil {
		return false, err
	}
	return usage.AvailableBytes >= d.minFreeBytes, nil
}

// Invalidate drops the cached usage, e.g. after files were deleted.
func (d *DiskMonitor) Invalidate() {
	d.mu.Lock()
	d.cachedUsage = nil
	d.mu.Unlock()
}

func (d *DiskMonitor) getDiskUsage() (*DiskUsage, error) {
	absPath, err := filepath.Abs(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(absPath, &stat); err != nil {
		return nil, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)
	used := total - stat.Bfree*uint64(stat.Bsize)

	var percent float64
	if total > 0 {
		percent = float64(used) / float64(total) * 100.0
	}
	return &DiskUsage{
		TotalBytes:     total,
		UsedBytes:      used,
		AvailableBytes: available,
		UsagePercent:   percent,
	}, nil
}
