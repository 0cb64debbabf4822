package metrics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deskhost",
			Subsystem: "backend",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the backend process tree.",
		}, []string{"name"},
	)
	memoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deskhost",
			Subsystem: "backend",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the backend process tree.",
		}, []string{"name"},
	)
	numProcs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deskhost",
			Subsystem: "backend",
			Name:      "processes",
			Help:      "Number of processes in the backend tree.",
		}, []string{"name"},
	)
)

// Usage is one resource sample of the backend process tree.
type Usage struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Processes  int       `json:"processes"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig holds configuration for backend resource sampling.
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceSampler periodically samples CPU and memory of the tracked backend
// and its descendants.
type ResourceSampler struct {
	name     string
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	pid    int
	procs  map[int32]*process.Process
	latest Usage
}

func NewResourceSampler(name string, cfg ResourceConfig, logger *slog.Logger) *ResourceSampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceSampler{name: name, interval: cfg.Interval, logger: logger, procs: map[int32]*process.Process{}}
}

// Track switches sampling to pid. A pid of 0 stops sampling and clears gauges.
func (s *ResourceSampler) Track(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pid == pid {
		return
	}
	s.pid = pid
	s.procs = map[int32]*process.Process{}
	s.latest = Usage{}
	if pid == 0 && regOK.Load() {
		cpuPercent.WithLabelValues(s.name).Set(0)
		memoryRSS.WithLabelValues(s.name).Set(0)
		numProcs.WithLabelValues(s.name).Set(0)
	}
}

// Latest returns the most recent sample; zero when nothing is tracked.
func (s *ResourceSampler) Latest() Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Run samples until ctx is done.
func (s *ResourceSampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.SampleOnce(ctx); err != nil && !errors.Is(err, errNotTracked) {
				s.logger.Debug("resource sample failed", "name", s.name, "error", err)
			}
		}
	}
}

var errNotTracked = errors.New("no backend tracked")

// SampleOnce takes one sample of the tracked tree and updates the gauges.
func (s *ResourceSampler) SampleOnce(ctx context.Context) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pid == 0 {
		return Usage{}, errNotTracked
	}
	root, err := s.handle(ctx, int32(s.pid))
	if err != nil {
		return Usage{}, err
	}
	tree := []*process.Process{root}
	tree = append(tree, s.descendants(ctx, root)...)

	u := Usage{PID: s.pid, Timestamp: time.Now()}
	seen := make(map[int32]bool, len(tree))
	for _, p := range tree {
		seen[p.Pid] = true
		// CPUPercent on a reused handle measures the interval since the previous call
		if c, err := p.PercentWithContext(ctx, 0); err == nil {
			u.CPUPercent += c
		}
		if m, err := p.MemoryInfoWithContext(ctx); err == nil && m != nil {
			u.MemoryRSS += m.RSS
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			u.NumThreads += n
		}
		u.Processes++
	}
	for pid := range s.procs {
		if !seen[pid] {
			delete(s.procs, pid)
		}
	}
	u.MemoryMB = float64(u.MemoryRSS) / 1024 / 1024
	s.latest = u
	if regOK.Load() {
		cpuPercent.WithLabelValues(s.name).Set(u.CPUPercent)
		memoryRSS.WithLabelValues(s.name).Set(float64(u.MemoryRSS))
		numProcs.WithLabelValues(s.name).Set(float64(u.Processes))
	}
	return u, nil
}

func (s *ResourceSampler) handle(ctx context.Context, pid int32) (*process.Process, error) {
	if p, ok := s.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	s.procs[pid] = p
	return p, nil
}

func (s *ResourceSampler) descendants(ctx context.Context, root *process.Process) []*process.Process {
	var out []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		for _, c := range children {
			h, err := s.handle(ctx, c.Pid)
			if err != nil {
				continue
			}
			out = append(out, h)
			queue = append(queue, h)
		}
	}
	return out
}
