package batch

import (
	"math"
	"runtime"
	"sync"
	"time"
)

const emaAlpha = 0.3

// LoadSignals describe system conditions that scale the adaptive batch size
type LoadSignals struct {
	CPU          float64 // 0..1
	Memory       float64 // 0..1
	APISlowness  float64 // observed latency / expected latency
	QueueDepth   int
	Hour         int // local hour of day
	PendingCalls int // inference calls waiting for a dispatch slot
}

// LoadFunc samples current load
type LoadFunc func() LoadSignals

// Metrics are the rolling statistics for one request type
type Metrics struct {
	Batches     int           `json:"batches"`
	AvgLatency  time.Duration `json:"avg_latency"`
	SuccessRate float64       `json:"success_rate"`
	Throughput  float64       `json:"throughput"` // items per second
	CurrentSize int           `json:"current_size"`
}

// AdaptiveController tunes the batch size of each request type from
// observed latency and success rate.
type AdaptiveController struct {
	mu      sync.Mutex
	config  Config
	metrics map[RequestType]*Metrics
	load    LoadFunc
}

// NewAdaptiveController creates a controller. A nil load function samples
// heap usage only.
func NewAdaptiveController(config Config, load LoadFunc) *AdaptiveController {
	if load == nil {
		load = RuntimeLoad
	}
	return &AdaptiveController{
		config:  config,
		metrics: make(map[RequestType]*Metrics),
		load:    load,
	}
}

// RuntimeLoad reads heap usage and the local hour. ReadMemStats stops the
// world, so callers sample once per tick rather than per batch.
func RuntimeLoad() LoadSignals {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memory := 0.0
	if ms.HeapSys > 0 {
		memory = float64(ms.HeapInuse) / float64(ms.HeapSys)
	}
	return LoadSignals{Memory: memory, APISlowness: 1, Hour: time.Now().Hour()}
}

func (a *AdaptiveController) metricsFor(t RequestType) *Metrics {
	m, ok := a.metrics[t]
	if !ok {
		m = &Metrics{SuccessRate: 1, CurrentSize: a.config.TypeConfigFor(t).InitialSize}
		a.metrics[t] = m
	}
	return m
}

// Record folds one completed batch into the rolling metrics and adjusts the
// next batch size: shrink on errors or slowness, grow when comfortably healthy.
func (a *AdaptiveController) Record(t RequestType, items int, latency time.Duration, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tc := a.config.TypeConfigFor(t)
	m := a.metricsFor(t)

	outcome := 0.0
	if success {
		outcome = 1
	}
	if m.Batches == 0 {
		m.AvgLatency = latency
		m.SuccessRate = outcome
	} else {
		m.AvgLatency = time.Duration(emaAlpha*float64(latency) + (1-emaAlpha)*float64(m.AvgLatency))
		m.SuccessRate = emaAlpha*outcome + (1-emaAlpha)*m.SuccessRate
	}
	if latency > 0 {
		tp := float64(items) / latency.Seconds()
		if m.Batches == 0 {
			m.Throughput = tp
		} else {
			m.Throughput = emaAlpha*tp + (1-emaAlpha)*m.Throughput
		}
	}
	m.Batches++

	switch {
	case m.SuccessRate < 0.95 || m.AvgLatency > tc.MaxLatency:
		m.CurrentSize = int(math.Floor(float64(m.CurrentSize) * 0.7))
	case m.SuccessRate >= 0.98 && m.AvgLatency < tc.MaxLatency/2:
		m.CurrentSize = int(math.Ceil(float64(m.CurrentSize) * 1.2))
	}
	m.CurrentSize = clamp(m.CurrentSize, tc.MinSize, tc.MaxSize)
}

// Sample reads the load function once
func (a *AdaptiveController) Sample() LoadSignals {
	return a.load()
}

// Size returns the batch size to use next for t, scaled by a load sample
// taken with Sample.
func (a *AdaptiveController) Size(t RequestType, queueDepth int, load LoadSignals) int {
	a.mu.Lock()
	tc := a.config.TypeConfigFor(t)
	base := a.metricsFor(t).CurrentSize
	a.mu.Unlock()

	load.QueueDepth = queueDepth
	return clamp(int(math.Round(float64(base)*loadFactor(load))), tc.MinSize, tc.MaxSize)
}

// loadFactor shrinks batches under resource pressure and grows them when a
// long queue or a backed up inference client needs draining.
func loadFactor(s LoadSignals) float64 {
	f := 1.0
	if s.CPU > 0.8 {
		f *= 0.8
	}
	if s.Memory > 0.85 {
		f *= 0.7
	}
	if s.APISlowness > 1.5 {
		f *= 0.75
	}
	if s.QueueDepth > 100 || s.PendingCalls > 20 {
		f *= 1.2
	}
	if s.Hour >= 9 && s.Hour < 18 {
		f *= 0.9
	}
	return f
}

// Metrics returns a snapshot of the metrics for every type seen so far
func (a *AdaptiveController) Metrics() map[RequestType]Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[RequestType]Metrics, len(a.metrics))
	for t, m := range a.metrics {
		out[t] = *m
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
