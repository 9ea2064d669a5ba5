package memmon

import (
	"bufio"
	"bytes"
	"errors"
	"strconv"
)

// ErrUnsupported is returned by ReadSystemMemory on platforms without a probe
var ErrUnsupported = errors.New("system memory probe not supported on this platform")

// SystemMemory is a snapshot of host memory
type SystemMemory struct {
	Total     uint64 `json:"total"`
	Available uint64 `json:"available"`
}

// UsedFraction is (total - available) / total, or 0 when total is unknown
func (m SystemMemory) UsedFraction() float64 {
	if m.Total == 0 || m.Available >= m.Total {
		return 0
	}
	return float64(m.Total-m.Available) / float64(m.Total)
}

// FreeFraction is available / total, or 1 when total is unknown
func (m SystemMemory) FreeFraction() float64 {
	if m.Total == 0 || m.Available >= m.Total {
		return 1
	}
	return float64(m.Available) / float64(m.Total)
}

// Probe reports host memory. The chunk store consults it on every admission.
type Probe interface {
	Read() (SystemMemory, error)
}

// SystemProbe reads the host's memory counters
type SystemProbe struct{}

func (SystemProbe) Read() (SystemMemory, error) {
	return ReadSystemMemory()
}

// StaticProbe always reports the same snapshot
type StaticProbe SystemMemory

func (p StaticProbe) Read() (SystemMemory, error) {
	return SystemMemory(p), nil
}

// ProbeFunc adapts a function to Probe
type ProbeFunc func() (SystemMemory, error)

func (f ProbeFunc) Read() (SystemMemory, error) {
	return f()
}

// parseMemAvailable extracts MemAvailable (kB) from /proc/meminfo content
func parseMemAvailable(data []byte) (uint64, bool) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("MemAvailable:")) {
			continue
		}
		fields := bytes.Fields(line[len("MemAvailable:"):])
		if len(fields) == 0 {
			return 0, false
		}
		kb, err := strconv.ParseUint(string(fields[0]), 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
