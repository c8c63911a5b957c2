package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Pipeline stages tracked by the rolling latency window.
const (
	StageRetrieve  = "retrieve"
	StageCompose   = "compose"
	StageGenerate  = "generate"
	StageTurnTotal = "turn_total"
)

// Pipeline indicators counted next to the latency window.
const (
	IndicatorRetrievalDegraded = "retrieval_degraded"
	IndicatorNoContext         = "answered_without_context"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow keeps the most recent size latencies per stage, oldest first.
type stageWindow struct {
	mu         sync.Mutex
	size       int
	samples    map[string][]float64
	indicators map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		samples:    make(map[string][]float64),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	vals := append(w.samples[stage], ms)
	if over := len(vals) - w.size; over > 0 {
		vals = slices.Delete(vals, 0, over)
	}
	w.samples[stage] = vals
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.samples)),
	}
	for _, stage := range sortedKeys(w.samples) {
		if stats, ok := summarizeStage(stage, w.samples[stage]); ok {
			snap.Stages = append(snap.Stages, stats)
		}
	}
	for _, name := range sortedKeys(w.indicators) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func summarizeStage(stage string, vals []float64) (StageStats, bool) {
	if len(vals) == 0 {
		return StageStats{}, false
	}
	sorted := slices.Clone(vals)
	slices.Sort(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      round2(vals[len(vals)-1]),
		AvgMS:       round2(sum / float64(len(sorted))),
		P50MS:       round2(quantile(sorted, 0.50)),
		P95MS:       round2(quantile(sorted, 0.95)),
		P99MS:       round2(quantile(sorted, 0.99)),
		TargetP95MS: stageTargetP95MS(stage),
	}, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// quantile interpolates linearly between the closest ranks of an ascending slice.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	lo := int(pos)
	if lo+1 >= n {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// stageTargetP95MS holds latency budgets for a 20-chunk pgvector lookup
// followed by a 512 token completion on a hosted 8B model.
func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageRetrieve:
		return 250
	case StageCompose:
		return 5
	case StageGenerate:
		return 4000
	case StageTurnTotal:
		return 4500
	default:
		return 0
	}
}
