package metrics

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/queue"
	"github.com/kilnworks/kiln/pkg/store"
	"github.com/kilnworks/kiln/pkg/types"
)

// WorkerLister exposes worker snapshots to the collector
type WorkerLister interface {
	List() []*types.Worker
}

// Collector periodically refreshes the exported gauges from queue and
// registry snapshots and persists one system_metrics row per cycle.
type Collector struct {
	queue    *queue.Queue
	workers  WorkerLister
	store    store.Store
	interval time.Duration
	logger   zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewCollector creates a collector; interval defaults to 15s
func NewCollector(q *queue.Queue, workers WorkerLister, st store.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		queue:    q,
		workers:  workers,
		store:    st,
		interval: interval,
		logger:   log.WithComponent("metrics"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the collection loop
func (c *Collector) Start() {
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect()
			}
		}
	}()
	c.logger.Info().Dur("interval", c.interval).Msg("metrics collector started")
}

// Stop halts the collection loop
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// Collect takes one sample: gauges plus a durable system_metrics row
func (c *Collector) Collect() {
	stats := c.queue.Stats()
	QueueDepth.Set(float64(stats.Queued))
	TasksByStatus.WithLabelValues("queued").Set(float64(stats.Queued))
	TasksByStatus.WithLabelValues("active").Set(float64(stats.Active))
	TasksByStatus.WithLabelValues("completed").Set(float64(stats.Completed))

	counts := map[types.WorkerStatus]int{}
	for _, w := range c.workers.List() {
		counts[w.Status]++
	}
	for _, status := range []types.WorkerStatus{
		types.WorkerStatusStarting,
		types.WorkerStatusIdle,
		types.WorkerStatusBusy,
		types.WorkerStatusError,
		types.WorkerStatusOffline,
	} {
		WorkersByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	sample := &types.SystemMetric{
		Timestamp:      time.Now(),
		ActiveTasks:    stats.Active,
		QueuedTasks:    stats.Queued,
		CompletedTasks: stats.Completed,
	}
	if ram, err := readMemInfo(); err == nil {
		sample.TotalRAMGB = ram.totalGB
		sample.UsedRAMGB = ram.totalGB - ram.availableGB
		sample.AvailableRAMGB = ram.availableGB
		if ram.totalGB > 0 {
			sample.RAMPercent = 100 * (ram.totalGB - ram.availableGB) / ram.totalGB
		}
	}
	if err := c.store.RecordSystemMetric(sample); err != nil {
		c.logger.Debug().Err(err).Msg("system metric write failed")
	}
}

type memInfo struct {
	totalGB     float64
	availableGB float64
}

// readMemInfo samples host memory from /proc/meminfo
func readMemInfo() (memInfo, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return memInfo{}, err
	}
	defer f.Close()

	var info memInfo
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			info.totalGB = kb / (1024 * 1024)
		case "MemAvailable:":
			info.availableGB = kb / (1024 * 1024)
		}
	}
	return info, scanner.Err()
}
