// Package sla tracks completion latency per job family against target
// thresholds. It is a reporting sink only and never gates dispatch.
package sla

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kmansel/jobdispatch/internal/classify"
	"github.com/kmansel/jobdispatch/pkg/models"
)

const defaultWindowSize = 200

// FamilyReport is a point-in-time view of one family's window.
type FamilyReport struct {
	Family   string `json:"family"`
	TargetMS int64  `json:"target_ms"`
	Count    int    `json:"count"`
	P95MS    int64  `json:"p95_ms"`
	Drifting bool   `json:"drifting"`
}

// Monitor keeps a rolling window of completion latencies per family and
// raises a drift alert when the window's p95 exceeds 1.5x the family
// target. Families with no target (long_running) are recorded but never
// alert.
type Monitor struct {
	mu            sync.Mutex
	windows       map[string]*window
	targets       map[string]time.Duration
	windowSize    int
	alertCooldown time.Duration
	lastAlert     map[string]time.Time
}

type window struct {
	samples []time.Duration
	next    int
	full    bool
}

// NewMonitor creates a Monitor with the given per-family targets. A
// zero target disables alerting for that family.
func NewMonitor(targets map[string]time.Duration) *Monitor {
	return &Monitor{
		windows:       make(map[string]*window),
		targets:       targets,
		windowSize:    defaultWindowSize,
		alertCooldown: time.Minute,
		lastAlert:     make(map[string]time.Time),
	}
}

// Observe records one completed job's latency (completed_at minus
// created_at) and checks the drift threshold.
func (m *Monitor) Observe(family string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[family]
	if !ok {
		w = &window{samples: make([]time.Duration, m.windowSize)}
		m.windows[family] = w
	}
	w.samples[w.next] = latency
	w.next++
	if w.next == m.windowSize {
		w.next = 0
		w.full = true
	}

	m.checkDrift(family, w)
}

// checkDrift alerts when p95 exceeds 1.5x target, at most once per
// cooldown per family. Caller holds the lock.
func (m *Monitor) checkDrift(family string, w *window) {
	target := m.targets[family]
	if target <= 0 {
		return
	}

	count := w.count()
	if count < 20 {
		// Too few samples for a meaningful p95.
		return
	}

	p95 := percentile(w.snapshot(), 0.95)
	threshold := target + target/2
	if p95 <= threshold {
		return
	}

	now := time.Now()
	if now.Sub(m.lastAlert[family]) < m.alertCooldown {
		return
	}
	m.lastAlert[family] = now

	slog.Warn("SLA drift detected",
		"family", family,
		"p95_ms", p95.Milliseconds(),
		"target_ms", target.Milliseconds(),
		"threshold_ms", threshold.Milliseconds(),
		"window", count,
	)
}

// Snapshot reports every family's current window.
func (m *Monitor) Snapshot() []FamilyReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	families := make([]string, 0, len(m.windows))
	for f := range m.windows {
		families = append(families, f)
	}
	sort.Strings(families)

	reports := make([]FamilyReport, 0, len(families))
	for _, f := range families {
		w := m.windows[f]
		target := m.targets[f]
		count := w.count()

		var p95 time.Duration
		if count > 0 {
			p95 = percentile(w.snapshot(), 0.95)
		}

		reports = append(reports, FamilyReport{
			Family:   f,
			TargetMS: target.Milliseconds(),
			Count:    count,
			P95MS:    p95.Milliseconds(),
			Drifting: target > 0 && count >= 20 && p95 > target+target/2,
		})
	}
	return reports
}

func (w *window) count() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

func (w *window) snapshot() []time.Duration {
	out := make([]time.Duration, w.count())
	copy(out, w.samples[:w.count()])
	return out
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := int(float64(len(samples)-1) * p)
	return samples[idx]
}

// DefaultTargets builds the target table from the family policy.
func DefaultTargets() map[string]time.Duration {
	targets := make(map[string]time.Duration)
	for _, f := range []string{models.FamilyInteractive, models.FamilyScheduled, models.FamilyLongRunning} {
		targets[f] = classify.Defaults(f).SLATarget
	}
	return targets
}
