// Package resources samples runtime usage against configured budgets and
// gates task admission when a budget is critically breached.
package resources

import (
	"runtime"
	"strconv"
	"sync"
	"time"

	"arbiter/internal/config"
	"arbiter/internal/events"
	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// Level classifies one gauge reading against its budget.
type Level string

const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Gauge names, matching the config keys.
const (
	GaugeMemoryMB       = "memory_mb"
	GaugeGoroutines     = "goroutines"
	GaugeTokens         = "tokens"
	GaugeActiveThoughts = "active_thoughts"
)

// Snapshot is one set of readings.
type Snapshot struct {
	Taken          time.Time
	MemoryMB       int64
	Goroutines     int64
	Tokens         int64
	ActiveThoughts int64
}

// Sources supplies the readings that do not come from the Go runtime.
// A nil function reads as zero.
type Sources struct {
	Tokens         func() int64
	ActiveThoughts func() int64
}

// Status summarizes the monitor for operators.
type Status struct {
	Snapshot    Snapshot
	Levels      map[string]Level
	Paused      bool
	PausedSince time.Time
}

// Monitor samples resource usage on an interval. A critical breach on any
// gauge pauses task admission; admission resumes only after every gauge has
// stayed below its warning threshold for the full cooldown period, so a
// gauge oscillating around the critical line cannot flap admission.
type Monitor struct {
	budgets  config.ResourcesConfig
	interval time.Duration
	cooldown time.Duration
	clock    types.Clock
	sources  Sources
	stream   *events.Stream

	mu          sync.RWMutex
	last        Snapshot
	levels      map[string]Level
	lastWorst   Level
	paused      bool
	pausedSince time.Time
	calmSince   time.Time

	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a monitor from the resources section of cfg. The stream
// may be nil when event streaming is disabled.
func NewMonitor(cfg *config.Config, clock types.Clock, sources Sources, stream *events.Stream) *Monitor {
	return &Monitor{
		budgets:   cfg.Resources,
		interval:  cfg.GetResourceInterval(),
		cooldown:  cfg.GetResourceCooldown(),
		clock:     clock,
		sources:   sources,
		stream:    stream,
		levels:    make(map[string]Level),
		lastWorst: LevelOK,
	}
}

// Start launches the sampling loop. Calling Start twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	logging.Resources("Monitor started: interval=%s cooldown=%s", m.interval, m.cooldown)
	go m.loop()
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (m *Monitor) loop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sample()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one snapshot, classifies it, and updates admission state.
func (m *Monitor) Sample() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := Snapshot{
		Taken:      m.clock.Now(),
		MemoryMB:   int64(ms.Alloc / 1024 / 1024),
		Goroutines: int64(runtime.NumGoroutine()),
	}
	if m.sources.Tokens != nil {
		snap.Tokens = m.sources.Tokens()
	}
	if m.sources.ActiveThoughts != nil {
		snap.ActiveThoughts = m.sources.ActiveThoughts()
	}

	m.observe(snap)
	return snap
}

// AdmissionAllowed reports whether new work may be admitted. The scheduler
// defers task activation while this is false.
func (m *Monitor) AdmissionAllowed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.paused
}

// Status returns the last snapshot, per-gauge levels, and pause state.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	levels := make(map[string]Level, len(m.levels))
	for name, level := range m.levels {
		levels[name] = level
	}
	return Status{
		Snapshot:    m.last,
		Levels:      levels,
		Paused:      m.paused,
		PausedSince: m.pausedSince,
	}
}

func (m *Monitor) observe(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	levels := map[string]Level{
		GaugeMemoryMB:       levelFor(snap.MemoryMB, m.budgets.MemoryMB),
		GaugeGoroutines:     levelFor(snap.Goroutines, m.budgets.Goroutines),
		GaugeTokens:         levelFor(snap.Tokens, m.budgets.Tokens),
		GaugeActiveThoughts: levelFor(snap.ActiveThoughts, m.budgets.ActiveThoughts),
	}
	m.last = snap
	m.levels = levels

	worst, gauge := worstLevel(levels)

	switch {
	case worst == LevelCritical && !m.paused:
		m.paused = true
		m.pausedSince = snap.Taken
		m.calmSince = time.Time{}
		logging.ResourcesError("CRITICAL breach on %s (%d): task admission paused", gauge, gaugeValue(snap, gauge))
		m.emit(events.KindResourceBreach, "admission paused", gauge, snap)

	case m.paused:
		if worst != LevelOK {
			// Still at or above warning somewhere; restart the calm window.
			m.calmSince = time.Time{}
			break
		}
		if m.calmSince.IsZero() {
			m.calmSince = snap.Taken
			break
		}
		if snap.Taken.Sub(m.calmSince) >= m.cooldown {
			m.paused = false
			m.pausedSince = time.Time{}
			m.calmSince = time.Time{}
			logging.Resources("Usage below warning for %s: task admission resumed", m.cooldown)
			m.emit(events.KindResourceBreach, "admission resumed", gauge, snap)
		}

	case worst == LevelWarning && m.lastWorst == LevelOK:
		logging.ResourcesWarn("%s at warning level (%d)", gauge, gaugeValue(snap, gauge))
	}

	m.lastWorst = worst
}

func (m *Monitor) emit(kind events.Kind, message, gauge string, snap Snapshot) {
	if m.stream == nil {
		return
	}
	m.stream.Emit(events.Event{
		Kind:    kind,
		Message: message,
		Fields: map[string]string{
			"gauge":      gauge,
			"memory_mb":  formatInt(snap.MemoryMB),
			"goroutines": formatInt(snap.Goroutines),
			"tokens":     formatInt(snap.Tokens),
			"thoughts":   formatInt(snap.ActiveThoughts),
		},
	})
}

// levelFor classifies value against the budget. A non-positive limit means
// the gauge is unmonitored.
func levelFor(value int64, b config.ResourceBudget) Level {
	if b.Limit <= 0 {
		return LevelOK
	}
	frac := float64(value) / float64(b.Limit)
	switch {
	case frac >= b.Critical:
		return LevelCritical
	case frac >= b.Warning:
		return LevelWarning
	default:
		return LevelOK
	}
}

// worstLevel returns the most severe level present and the gauge carrying it.
func worstLevel(levels map[string]Level) (Level, string) {
	worst, gauge := LevelOK, ""
	for name, level := range levels {
		if severity(level) > severity(worst) {
			worst, gauge = level, name
		}
	}
	return worst, gauge
}

func severity(l Level) int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

func gaugeValue(snap Snapshot, gauge string) int64 {
	switch gauge {
	case GaugeMemoryMB:
		return snap.MemoryMB
	case GaugeGoroutines:
		return snap.Goroutines
	case GaugeTokens:
		return snap.Tokens
	case GaugeActiveThoughts:
		return snap.ActiveThoughts
	default:
		return 0
	}
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
