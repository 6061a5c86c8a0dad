// Package hwinfo reports the machine load a host advertises in its gateway heartbeats.
package hwinfo

import (
	"runtime"
	"time"

	"github.com/pingcap/errors"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// Load is a sample of the machine usage, percentages are in [0, 100].
type Load struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Collector samples the machine load.
type Collector interface {
	Collect() (Load, error)
}

// New returns the collector for the running platform. It is chosen once at startup.
func New() Collector {
	switch runtime.GOOS {
	case "linux", "darwin", "windows", "freebsd":
		return &psCollector{}
	default:
		return noopCollector{}
	}
}

type psCollector struct{}

// Collect reports the CPU usage since the previous call, the first call measures since boot.
func (psCollector) Collect() (Load, error) {
	percents, err := cpu.Percent(time.Duration(0), false)
	if err != nil {
		return Load{}, errors.Trace(err)
	}
	var load Load
	if len(percents) > 0 {
		load.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return load, errors.Trace(err)
	}
	load.MemoryPercent = vm.UsedPercent
	return load, nil
}

type noopCollector struct{}

func (noopCollector) Collect() (Load, error) {
	return Load{}, nil
}

// Static always reports the same load.
type Static Load

// Collect implements Collector.
func (s Static) Collect() (Load, error) {
	return Load(s), nil
}
