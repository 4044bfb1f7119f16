package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// turnStageWindow keeps a fixed-size ring of latency samples per turn stage
// so the perf endpoint can report recent percentiles without Prometheus.
type turnStageWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*stageRing
	indicators map[string]int
}

type stageRing struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newTurnStageWindow(maxSamples int) *turnStageWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &turnStageWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*stageRing),
		indicators: make(map[string]int),
	}
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.stages[stage]
	if !ok {
		ring = &stageRing{values: make([]float64, w.maxSamples)}
		w.stages[stage] = ring
	}
	ring.values[ring.next] = ms
	ring.last = ms
	ring.next++
	if ring.next >= len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		keys = append(keys, stage)
	}
	sort.Strings(keys)

	stages := make([]TurnStageStats, 0, len(keys))
	for _, stage := range keys {
		ring := w.stages[stage]
		n := ring.next
		if ring.filled {
			n = len(ring.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, ring.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		stages = append(stages, TurnStageStats{
			Stage:       stage,
			Samples:     n,
			LastMS:      round2(ring.last),
			AvgMS:       round2(sum / float64(n)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			TargetP95MS: stageTargetP95MS(stage),
		})
	}

	indicatorKeys := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		indicatorKeys = append(indicatorKeys, name)
	}
	sort.Strings(indicatorKeys)
	indicators := make([]TurnIndicator, 0, len(indicatorKeys))
	for _, name := range indicatorKeys {
		if w.indicators[name] <= 0 {
			continue
		}
		indicators = append(indicators, TurnIndicator{Name: name, Count: w.indicators[name]})
	}

	return TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stages,
		Indicators:  indicators,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case "final_to_context_ready":
		return 350
	case "final_to_first_text":
		return 900
	case "final_to_first_audio":
		return 1400
	case "turn_total":
		return 3500
	default:
		return 0
	}
}
