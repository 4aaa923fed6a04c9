// Package diskstat watches the data volume. Photo bytes live in object
// storage, but the SQLite database, its WAL, and the event log all sit under
// DATA_DIR; running that volume out of space stalls every write in the
// pipeline, so the health endpoint surfaces the remaining headroom.
package diskstat

import (
	"io/fs"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// lowWaterPct is the free-space percentage below which Low reports true.
const lowWaterPct = 5.0

// Stats is a point-in-time snapshot of the data volume.
type Stats struct {
	TotalBytes uint64
	FreeBytes  uint64
	DataBytes  uint64 // bytes under DATA_DIR
	CapturedAt time.Time
}

// PctFree returns the percentage of the volume that is free (0-100).
func (s Stats) PctFree() float64 {
	if s.TotalBytes == 0 {
		return 100
	}
	return float64(s.FreeBytes) / float64(s.TotalBytes) * 100
}

// Low reports whether free space is under the low-water mark.
func (s Stats) Low() bool {
	return s.PctFree() < lowWaterPct
}

// Cache refreshes disk stats in the background so the health endpoint never
// walks the data directory on the request path.
type Cache struct {
	mu      sync.RWMutex
	stats   Stats
	dataDir string
	ttl     time.Duration
	stop    chan struct{}
	done    chan struct{}
}

func New(dataDir string, ttl time.Duration) *Cache {
	return &Cache{
		dataDir: dataDir,
		ttl:     ttl,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start takes one synchronous snapshot, then refreshes every ttl until Stop.
func (c *Cache) Start() {
	c.refresh()
	go func() {
		defer close(c.done)
		t := time.NewTicker(c.ttl)
		defer t.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-t.C:
				c.refresh()
			}
		}
	}()
}

func (c *Cache) Stop() {
	close(c.stop)
	<-c.done
}

// Get returns the latest snapshot.
func (c *Cache) Get() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Cache) refresh() {
	total, free, err := statFS(c.dataDir)
	if err != nil {
		// Keep the previous snapshot; a transient stat failure is not news.
		return
	}
	s := Stats{
		TotalBytes: total,
		FreeBytes:  free,
		DataBytes:  dirSize(c.dataDir),
		CapturedAt: time.Now(),
	}
	c.mu.Lock()
	c.stats = s
	c.mu.Unlock()
}

func statFS(path string) (total, free uint64, err error) {
	var stat syscall.Statfs_t
	if err = syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	bsize := uint64(stat.Bsize)
	return bsize * stat.Blocks, bsize * stat.Bfree, nil
}

func dirSize(dir string) uint64 {
	var total uint64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
