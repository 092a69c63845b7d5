package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage holds CPU and memory readings for one child process.
type Usage struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	MemorySwap uint64    `json:"memory_swap,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
}

// UsageConfig holds configuration for resource usage collection.
type UsageConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	HistorySize int           `mapstructure:"history_size"`
}

// usageRing is a fixed-size circular buffer of samples.
type usageRing struct {
	buf   []Usage
	start int
	count int
}

func newUsageRing(size int) *usageRing {
	return &usageRing{buf: make([]Usage, size)}
}

func (r *usageRing) add(u Usage) {
	if r.count < len(r.buf) {
		r.buf[r.count] = u
		r.count++
		return
	}
	r.buf[r.start] = u
	r.start = (r.start + 1) % len(r.buf)
}

func (r *usageRing) latest() (Usage, bool) {
	if r.count == 0 {
		return Usage{}, false
	}
	if r.count < len(r.buf) {
		return r.buf[r.count-1], true
	}
	return r.buf[(r.start-1+len(r.buf))%len(r.buf)], true
}

// ordered returns samples oldest-first.
func (r *usageRing) ordered() []Usage {
	out := make([]Usage, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// UsageCollector samples CPU and memory for supervised children on an
// interval and exports them as gauges plus an in-memory history.
type UsageCollector struct {
	enabled  bool
	interval time.Duration
	size     int

	mu      sync.RWMutex
	history map[string]*usageRing

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewUsageCollector creates a collector from cfg. Interval defaults to
// 5s and history size to 100 samples.
func NewUsageCollector(cfg UsageConfig) *UsageCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = 100
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "botkeepr",
				Subsystem: "program",
				Name:      name,
				Help:      help,
			}, []string{"name"},
		)
	}
	return &UsageCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		size:       size,
		history:    make(map[string]*usageRing),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the child process."),
		memoryMB:   gauge("memory_mb", "Resident memory of the child process in MB."),
		numThreads: gauge("num_threads", "Thread count of the child process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the child process (Unix only)."),
	}
}

// RegisterMetrics registers the usage gauges with the provided registerer.
func (c *UsageCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, col := range collectors {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling. pids supplies the live children by
// program name; entries with pid <= 0 are skipped.
func (c *UsageCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect(pids())
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to finish.
func (c *UsageCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *UsageCollector) collect(pids map[string]int32) {
	now := time.Now()
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := sampleUsage(name, pid, now)
		if err != nil {
			slog.Debug("usage sample failed", "name", name, "pid", pid, "error", err)
			continue
		}
		c.cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
		c.memoryMB.WithLabelValues(name).Set(u.MemoryMB)
		c.numThreads.WithLabelValues(name).Set(float64(u.NumThreads))
		if runtime.GOOS != "windows" && u.NumFDs > 0 {
			c.numFDs.WithLabelValues(name).Set(float64(u.NumFDs))
		}
		c.mu.Lock()
		ring, ok := c.history[name]
		if !ok {
			ring = newUsageRing(c.size)
			c.history[name] = ring
		}
		ring.add(*u)
		c.mu.Unlock()
	}
	c.cleanup(pids)
}

// cleanup drops history and gauges for programs that no longer have a
// live child.
func (c *UsageCollector) cleanup(active map[string]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.history {
		if _, ok := active[name]; ok {
			continue
		}
		delete(c.history, name)
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryMB.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		if runtime.GOOS != "windows" {
			c.numFDs.DeleteLabelValues(name)
		}
	}
}

// Latest returns the most recent sample for name.
func (c *UsageCollector) Latest(name string) (Usage, bool) {
	if !c.enabled {
		return Usage{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring, ok := c.history[name]
	if !ok {
		return Usage{}, false
	}
	return ring.latest()
}

// History returns samples for name, oldest first.
func (c *UsageCollector) History(name string) ([]Usage, bool) {
	if !c.enabled {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring, ok := c.history[name]
	if !ok || ring.count == 0 {
		return nil, false
	}
	return ring.ordered(), true
}

func sampleUsage(name string, pid int32, ts time.Time) (*Usage, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("process handle: %w", err)
	}
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("memory info: %w", err)
	}
	numThreads, err := proc.NumThreads()
	if err != nil {
		numThreads = 0
	}
	u := &Usage{
		PID:        pid,
		Name:       name,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		MemorySwap: memInfo.Swap,
		Timestamp:  ts,
		NumThreads: numThreads,
	}
	if runtime.GOOS != "windows" {
		if numFDs, err := proc.NumFDs(); err == nil {
			u.NumFDs = numFDs
		}
	}
	return u, nil
}
