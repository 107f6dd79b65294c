package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/petguard/edge-recorder/internal/capture"
	"github.com/petguard/edge-recorder/internal/storage"
)

func newCheck(name string) Check {
	return Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// DetectorChecker probes the detection service. Results are cached so that
// frequent /health polls do not load the service. An unreachable detector
// degrades the recorder; frames are still processed as empty.
type DetectorChecker struct {
	url   string
	probe func(ctx context.Context) error
	cache *cache.Cache
}

// NewDetectorChecker caches probe results for ttl.
func NewDetectorChecker(url string, probe func(ctx context.Context) error, ttl time.Duration) *DetectorChecker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &DetectorChecker{
		url:   url,
		probe: probe,
		cache: cache.New(ttl, 0),
	}
}

func (c *DetectorChecker) Name() string {
	return "detector"
}

func (c *DetectorChecker) Check(ctx context.Context) Check {
	if cached, ok := c.cache.Get(c.url); ok {
		return cached.(Check)
	}

	check := newCheck(c.Name())
	check.Details["url"] = c.url

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.probe(probeCtx); err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Detector unreachable: %v", err)
	} else {
		check.Status = StatusHealthy
		check.Message = "Detector is ready"
	}

	c.cache.Set(c.url, check, cache.DefaultExpiration)
	return check
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseChecker checks the recordings index connection.
type DatabaseChecker struct {
	db   Pinger
	path string
}

func NewDatabaseChecker(db Pinger, path string) *DatabaseChecker {
	return &DatabaseChecker{db: db, path: path}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["path"] = c.path

	if c.db == nil {
		check.Status = StatusDegraded
		check.Message = "Recordings index not configured"
		return check
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	return check
}

// StorageChecker verifies the recordings directory is writable and reports
// free space.
type StorageChecker struct {
	dir          string
	disk         *storage.DiskMonitor
	minFreeBytes uint64
}

func NewStorageChecker(dir string, disk *storage.DiskMonitor, minFreeBytes uint64) *StorageChecker {
	return &StorageChecker{dir: dir, disk: disk, minFreeBytes: minFreeBytes}
}

func (c *StorageChecker) Name() string {
	return "storage"
}

func (c *StorageChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["recordings_dir"] = c.dir

	probe, err := os.CreateTemp(c.dir, ".health-*")
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Recordings directory not writable: %v", err)
		return check
	}
	probe.Close()
	os.Remove(filepath.Clean(probe.Name()))

	check.Status = StatusHealthy
	check.Message = "Recordings directory writable"

	if c.disk == nil {
		return check
	}
	usage, err := c.disk.GetUsage(ctx)
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Disk usage unavailable: %v", err)
		return check
	}
	check.Details["available_bytes"] = usage.AvailableBytes
	check.Details["usage_percent"] = usage.UsagePercent
	if c.minFreeBytes > 0 && usage.AvailableBytes < c.minFreeBytes {
		check.Status = StatusDegraded
		check.Message = "Free space below minimum, new sessions are refused"
	}
	return check
}

// SourcesChecker reports frame source states. The recorder is unhealthy
// when every source has stopped.
type SourcesChecker struct {
	sources func() []capture.SourceInfo
}

func NewSourcesChecker(sources func() []capture.SourceInfo) *SourcesChecker {
	return &SourcesChecker{sources: sources}
}

func (c *SourcesChecker) Name() string {
	return "sources"
}

func (c *SourcesChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	infos := c.sources()

	running := 0
	for _, info := range infos {
		entry := map[string]interface{}{
			"type":    info.Type,
			"running": info.Running,
			"frames":  info.Frames,
		}
		if info.Error != "" {
			entry["error"] = info.Error
		}
		check.Details[info.ID] = entry
		if info.Running {
			running++
		}
	}

	switch {
	case len(infos) == 0 || running == 0:
		check.Status = StatusUnhealthy
		check.Message = "No frame source running"
	case running < len(infos):
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d of %d sources running", running, len(infos))
	default:
		check.Status = StatusHealthy
		check.Message = "All sources running"
	}
	return check
}
