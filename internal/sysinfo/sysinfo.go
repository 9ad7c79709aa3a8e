// Package sysinfo periodically samples process CPU and RSS usage and
// publishes them as metrics gauges. Plain observability only: shardkv
// doesn't throttle admission on CPU, so nothing reads these samples on
// the request path.
package sysinfo

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	cpuPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_process_cpu_percent",
		Help: "Process CPU usage percent, sampled over the last collection interval.",
	})
	rssBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_process_rss_bytes",
		Help: "Process resident set size in bytes.",
	})
	systemCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_system_cpu_percent",
		Help: "Host-wide CPU usage percent, for detecting co-located noisy neighbors.",
	})
)

func init() {
	prometheus.MustRegister(cpuPercent, rssBytes, systemCPUPercent)
}

// Collector samples this process's resource usage on a fixed interval.
type Collector struct {
	proc   *process.Process
	logger zerolog.Logger
}

// NewCollector constructs a Collector for the running process.
func NewCollector(logger zerolog.Logger) (*Collector, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Collector{proc: p, logger: logger}, nil
}

// Run samples every interval until stop is closed.
func (c *Collector) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Collector) sample() {
	if pct, err := c.proc.CPUPercent(); err == nil {
		cpuPercent.Set(pct)
	} else {
		c.logger.Debug().Err(err).Msg("sysinfo: failed to sample process CPU")
	}
	if mem, err := c.proc.MemoryInfo(); err == nil && mem != nil {
		rssBytes.Set(float64(mem.RSS))
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		systemCPUPercent.Set(pcts[0])
	}
}
