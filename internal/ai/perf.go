package ai

import (
	"sync"
	"time"

	"sparc/server/internal/dice"
)

// Performance targets. Dice resolution should answer within 100ms at the
// 95th percentile; narrative generation within 3s.
const (
	DiceTargetMS      = 100
	NarrationTargetMS = 3000
)

// Report is the payload served by GET /ai/performance.
type Report struct {
	UptimeSeconds float64       `json:"uptimeSeconds"`
	Dice          LatencyReport `json:"dice"`
	Narration     LatencyReport `json:"narration"`
}

// LatencyReport summarizes one latency stream against its target.
type LatencyReport struct {
	Samples       int     `json:"samples"`
	P95MS         float64 `json:"p95Ms"`
	AverageMS     float64 `json:"averageMs"`
	TargetMS      float64 `json:"targetMs"`
	UnderTarget   float64 `json:"underTargetRate"`
	MeetingTarget bool    `json:"meetingTarget"`
}

// Monitor aggregates dice and narration latencies into performance reports.
type Monitor struct {
	mu        sync.Mutex
	dice      *dice.LatencyRecorder
	narration *dice.LatencyRecorder
	startedAt time.Time
	now       func() time.Time
}

type MonitorOption func(*Monitor)

// WithMonitorClock overrides the wall clock, for tests.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor builds a monitor over the given dice latency stream. Narration
// latencies are recorded through ObserveNarration.
func NewMonitor(diceLatency *dice.LatencyRecorder, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		dice:      diceLatency,
		narration: dice.NewLatencyRecorder(0),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startedAt = m.now()
	return m
}

// ObserveNarration records one narration round trip.
func (m *Monitor) ObserveNarration(elapsed time.Duration) {
	m.narration.Record(float64(elapsed) / float64(time.Millisecond))
}

// Report snapshots current performance against the targets.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	uptime := m.now().Sub(m.startedAt).Seconds()
	m.mu.Unlock()

	return Report{
		UptimeSeconds: uptime,
		Dice:          summarize(m.dice, DiceTargetMS),
		Narration:     summarize(m.narration, NarrationTargetMS),
	}
}

func summarize(rec *dice.LatencyRecorder, targetMS float64) LatencyReport {
	p95 := rec.P95()
	return LatencyReport{
		Samples:       rec.Count(),
		P95MS:         p95,
		AverageMS:     rec.Average(),
		TargetMS:      targetMS,
		UnderTarget:   rec.UnderRate(targetMS),
		MeetingTarget: p95 < targetMS,
	}
}
