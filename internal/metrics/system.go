package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Sample holds one measurement of process resources. MemoryFraction is heap
// in use over heap obtained from the OS and feeds the memory health check.
type Sample struct {
	MemoryBytes    int64     `json:"memory_bytes"`
	HeapUsedBytes  uint64    `json:"heap_used_bytes"`
	HeapTotalBytes uint64    `json:"heap_total_bytes"`
	MemoryFraction float64   `json:"memory_fraction"`
	CPUPercent     float64   `json:"cpu_percent"`
	Goroutines     int       `json:"goroutines"`
	Timestamp      time.Time `json:"timestamp"`
}

// SystemSource provides the latest resource sample. Implemented by Sampler;
// tests substitute fixed values.
type SystemSource interface {
	Latest() Sample
}

// Sampler measures process resources on a fixed interval: one measurement,
// many readers. RSS comes from the process entry with a host-memory fallback,
// heap numbers from runtime introspection.
type Sampler struct {
	interval time.Duration
	logger   zerolog.Logger
	prom     *Prom
	proc     *process.Process

	mu     sync.RWMutex
	latest Sample

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSampler builds a sampler. prom may be nil.
func NewSampler(interval time.Duration, prom *Prom, logger zerolog.Logger) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s := &Sampler{
		interval: interval,
		logger:   logger.With().Str("component", "system_sampler").Logger(),
		prom:     prom,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Process introspection unavailable, falling back to host memory")
	} else {
		s.proc = proc
	}
	return s
}

// Start launches the sampling loop. The first sample is taken immediately so
// Latest never returns a zero value after Start.
func (s *Sampler) Start() {
	s.sample()
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
	s.logger.Debug().Dur("interval", s.interval).Msg("System sampler started")
}

// Stop halts the sampling loop and waits for it to exit.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Latest returns the most recent sample.
func (s *Sampler) Latest() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *Sampler) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	fraction := 0.0
	if ms.HeapSys > 0 {
		fraction = float64(ms.HeapAlloc) / float64(ms.HeapSys)
	}

	var rss int64
	var cpuPercent float64
	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil {
			rss = int64(info.RSS)
		}
		if pct, err := s.proc.Percent(0); err == nil {
			cpuPercent = pct
		}
	}
	if rss == 0 {
		if vm, err := mem.VirtualMemory(); err == nil {
			rss = int64(vm.Used)
		}
	}

	sample := Sample{
		MemoryBytes:    rss,
		HeapUsedBytes:  ms.HeapAlloc,
		HeapTotalBytes: ms.HeapSys,
		MemoryFraction: fraction,
		CPUPercent:     cpuPercent,
		Goroutines:     runtime.NumGoroutine(),
		Timestamp:      time.Now(),
	}

	s.mu.Lock()
	s.latest = sample
	s.mu.Unlock()

	if s.prom != nil {
		s.prom.memoryBytes.Set(float64(rss))
		s.prom.heapFraction.Set(fraction)
		s.prom.cpuUsagePercent.Set(cpuPercent)
		s.prom.goroutinesActive.Set(float64(sample.Goroutines))
	}

	s.logger.Trace().
		Int64("memory_bytes", rss).
		Float64("heap_fraction", fraction).
		Float64("cpu_percent", cpuPercent).
		Int("goroutines", sample.Goroutines).
		Msg("System metrics updated")
}
