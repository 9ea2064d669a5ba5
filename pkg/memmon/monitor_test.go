package memmon

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/objectfs/chunkcache/pkg/utils"
)

type scriptedProbe struct {
	mu    sync.Mutex
	steps []SystemMemory
	i     int
}

func (p *scriptedProbe) Read() (SystemMemory, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.steps[p.i]
	if p.i < len(p.steps)-1 {
		p.i++
	}
	return m, nil
}

func TestSystemMemoryFractions(t *testing.T) {
	m := SystemMemory{Total: 1000, Available: 250}
	if got := m.UsedFraction(); got != 0.75 {
		t.Errorf("UsedFraction = %v, want 0.75", got)
	}
	if got := m.FreeFraction(); got != 0.25 {
		t.Errorf("FreeFraction = %v, want 0.25", got)
	}
	if (SystemMemory{}).UsedFraction() != 0 {
		t.Error("unknown total should report no usage")
	}
}

func TestParseMemAvailable(t *testing.T) {
	data := []byte("MemTotal:       16307528 kB\nMemFree:         1021352 kB\nMemAvailable:    8153764 kB\n")
	got, ok := parseMemAvailable(data)
	if !ok || got != 8153764*1024 {
		t.Errorf("parseMemAvailable = %d, %v", got, ok)
	}
	if _, ok := parseMemAvailable([]byte("MemTotal: 1 kB\n")); ok {
		t.Error("expected missing MemAvailable to report false")
	}
}

func TestReadSystemMemory(t *testing.T) {
	m, err := ReadSystemMemory()
	if runtime.GOOS != "linux" {
		if !errors.Is(err, ErrUnsupported) {
			t.Errorf("err = %v, want ErrUnsupported", err)
		}
		return
	}
	if err != nil {
		t.Fatalf("ReadSystemMemory: %v", err)
	}
	if m.Total == 0 || m.Available > m.Total {
		t.Errorf("implausible snapshot %+v", m)
	}
}

func TestMemoryMonitor_PressureTransitions(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{Level: utils.INFO, Output: &buf})

	probe := &scriptedProbe{steps: []SystemMemory{
		{Total: 100, Available: 50},
		{Total: 100, Available: 10},
		{Total: 100, Available: 5},
		{Total: 100, Available: 60},
	}}
	var seen []MemorySample
	mon := NewMemoryMonitor(MonitorConfig{
		MinFreeFraction: 0.2,
		Probe:           probe,
		Logger:          logger,
		MaxSamples:      3,
		OnSample:        func(s MemorySample) { seen = append(seen, s) },
	})

	for i := 0; i < 4; i++ {
		mon.Sample()
	}

	if n := len(mon.Alerts()); n != 1 {
		t.Fatalf("alerts = %d, want 1 (one per pressure episode)", n)
	}
	if mon.Alerts()[0].FreeFraction != 0.1 {
		t.Errorf("alert free fraction = %v", mon.Alerts()[0].FreeFraction)
	}

	stats := mon.GetStats()
	if stats.SampleCount != 3 {
		t.Errorf("SampleCount = %d, want history capped at 3", stats.SampleCount)
	}
	if stats.UnderPressure {
		t.Error("expected recovery after last sample")
	}
	if len(seen) != 4 {
		t.Errorf("OnSample calls = %d", len(seen))
	}

	out := buf.String()
	if !strings.Contains(out, "System memory below free floor") || !strings.Contains(out, "System memory recovered") {
		t.Errorf("missing transition logs: %q", out)
	}
}

func TestMemoryMonitor_ProbeError(t *testing.T) {
	mon := NewMemoryMonitor(MonitorConfig{
		MinFreeFraction: 0.5,
		Probe: ProbeFunc(func() (SystemMemory, error) {
			return SystemMemory{}, ErrUnsupported
		}),
	})
	s := mon.Sample()
	if s.SystemErr == "" {
		t.Error("expected probe error recorded")
	}
	if s.UnderPressure(0.5) {
		t.Error("unknown memory must not count as pressure")
	}
}

func TestMemoryMonitor_StartStop(t *testing.T) {
	mon := NewMemoryMonitor(MonitorConfig{
		SampleInterval: 10 * time.Millisecond,
		Probe:          StaticProbe{Total: 100, Available: 80},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := mon.Start(ctx); err != nil {
		t.Fatalf("Failed to start monitor: %v", err)
	}
	if err := mon.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.Now().Add(time.Second)
	for mon.GetStats().SampleCount < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mon.GetStats().SampleCount < 2 {
		t.Errorf("Expected at least 2 samples, got %d", mon.GetStats().SampleCount)
	}

	if err := mon.Stop(); err != nil {
		t.Fatalf("Failed to stop monitor: %v", err)
	}
	if err := mon.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
}
