//go:build linux

package memmon

import (
	"os"

	"golang.org/x/sys/unix"
)

// ReadSystemMemory uses sysinfo(2) for totals and refines the available
// figure with MemAvailable, which also counts reclaimable page cache
func ReadSystemMemory() (SystemMemory, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return SystemMemory{}, err
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	mem := SystemMemory{
		Total:     uint64(info.Totalram) * unit,
		Available: (uint64(info.Freeram) + uint64(info.Bufferram)) * unit,
	}

	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		if avail, ok := parseMemAvailable(data); ok && avail <= mem.Total {
			mem.Available = avail
		}
	}
	return mem, nil
}
