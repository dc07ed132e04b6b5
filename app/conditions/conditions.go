// Package conditions gates admission of regeneration jobs on host health.
// A denied check means the job waits in the queue; nothing is rejected.
package conditions

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/covergen/coverd/app/config"
)

// Checker evaluates admission conditions against live system metrics
type Checker struct {
	cfg       config.ConditionsConfig
	cpuSample time.Duration
}

const defaultCPUSample = 500 * time.Millisecond

// NewChecker makes a checker for the given thresholds. cpuSample is the CPU
// measurement window, 0 picks the default.
func NewChecker(cfg config.ConditionsConfig, cpuSample time.Duration) *Checker {
	if cpuSample <= 0 {
		cpuSample = defaultCPUSample
	}
	return &Checker{cfg: cfg, cpuSample: cpuSample}
}

// Check verifies all configured conditions, returns false with a reason on
// the first one failing. May block for the CPU sampling window, don't call
// it under locks.
func (c *Checker) Check() (bool, string) {
	if c.cfg.CPUBelow != nil {
		if ok, reason := c.checkCPU(*c.cfg.CPUBelow); !ok {
			return false, reason
		}
	}
	if c.cfg.MemoryBelow != nil {
		if ok, reason := c.checkMemory(*c.cfg.MemoryBelow); !ok {
			return false, reason
		}
	}
	if c.cfg.LoadAvgBelow != nil {
		if ok, reason := c.checkLoadAvg(*c.cfg.LoadAvgBelow); !ok {
			return false, reason
		}
	}
	if c.cfg.DiskFreeAbove != nil {
		path := c.cfg.DiskFreePath
		if path == "" {
			path = "/"
		}
		if ok, reason := c.checkDiskFree(*c.cfg.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}
	return true, ""
}

func (c *Checker) checkCPU(threshold int) (bool, string) {
	cpuPercent, err := cpu.Percent(c.cpuSample, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	current := int(cpuPercent[0])
	if current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c *Checker) checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c *Checker) checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

func (c *Checker) checkDiskFree(minFreePercent int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freePercent := 100 - int(usage.UsedPercent)
	if freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", freePercent, minFreePercent, path)
	}
	return true, ""
}
