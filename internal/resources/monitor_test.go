package resources

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"arbiter/internal/config"
	"arbiter/internal/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Resources = config.ResourcesConfig{
		MemoryMB:       config.ResourceBudget{Limit: 100000, Warning: 0.7, Critical: 0.9},
		Goroutines:     config.ResourceBudget{Limit: 100000, Warning: 0.7, Critical: 0.9},
		Tokens:         config.ResourceBudget{Limit: 1000, Warning: 0.5, Critical: 0.8},
		ActiveThoughts: config.ResourceBudget{Limit: 10, Warning: 0.5, Critical: 0.9},
		Interval:       "5s",
		Cooldown:       "30s",
	}
	return cfg
}

func TestLevelClassification(t *testing.T) {
	budget := config.ResourceBudget{Limit: 100, Warning: 0.5, Critical: 0.9}

	cases := []struct {
		value int64
		want  Level
	}{
		{0, LevelOK},
		{49, LevelOK},
		{50, LevelWarning},
		{89, LevelWarning},
		{90, LevelCritical},
		{200, LevelCritical},
	}
	for _, tc := range cases {
		if got := levelFor(tc.value, budget); got != tc.want {
			t.Errorf("levelFor(%d) = %s, want %s", tc.value, got, tc.want)
		}
	}

	if got := levelFor(1<<40, config.ResourceBudget{Limit: 0}); got != LevelOK {
		t.Errorf("unmonitored gauge should read ok, got %s", got)
	}
}

func TestCriticalBreachPausesAdmission(t *testing.T) {
	clock := types.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMonitor(testConfig(), clock, Sources{}, nil)

	if !m.AdmissionAllowed() {
		t.Fatalf("admission should start allowed")
	}

	m.observe(Snapshot{Taken: clock.Now(), Tokens: 900})

	if m.AdmissionAllowed() {
		t.Fatalf("critical token usage should pause admission")
	}
	status := m.Status()
	if !status.Paused {
		t.Fatalf("Status.Paused = false after breach")
	}
	if status.Levels[GaugeTokens] != LevelCritical {
		t.Fatalf("token level = %s, want critical", status.Levels[GaugeTokens])
	}
	if status.PausedSince.IsZero() {
		t.Fatalf("PausedSince not recorded")
	}
}

func TestCooldownGatesResumption(t *testing.T) {
	clock := types.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMonitor(testConfig(), clock, Sources{}, nil)

	m.observe(Snapshot{Taken: clock.Now(), Tokens: 900})
	if m.AdmissionAllowed() {
		t.Fatalf("expected paused after breach")
	}

	// First calm reading opens the cooldown window but does not resume.
	clock.Advance(5 * time.Second)
	m.observe(Snapshot{Taken: clock.Now(), Tokens: 100})
	if m.AdmissionAllowed() {
		t.Fatalf("resumed before cooldown elapsed")
	}

	// A warning-level blip resets the window.
	clock.Advance(5 * time.Second)
	m.observe(Snapshot{Taken: clock.Now(), Tokens: 600})
	clock.Advance(5 * time.Second)
	m.observe(Snapshot{Taken: clock.Now(), Tokens: 100})
	clock.Advance(20 * time.Second)
	m.observe(Snapshot{Taken: clock.Now(), Tokens: 100})
	if m.AdmissionAllowed() {
		t.Fatalf("blip should have reset the cooldown window")
	}

	// Staying calm for the full cooldown resumes admission.
	clock.Advance(15 * time.Second)
	m.observe(Snapshot{Taken: clock.Now(), Tokens: 100})
	if !m.AdmissionAllowed() {
		t.Fatalf("admission should resume after cooldown below warning")
	}
	if m.Status().Paused {
		t.Fatalf("Status.Paused = true after resumption")
	}
}

func TestSampleReadsSources(t *testing.T) {
	clock := types.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMonitor(testConfig(), clock, Sources{
		Tokens:         func() int64 { return 42 },
		ActiveThoughts: func() int64 { return 3 },
	}, nil)

	snap := m.Sample()
	if snap.Tokens != 42 {
		t.Errorf("snapshot tokens = %d, want 42", snap.Tokens)
	}
	if snap.ActiveThoughts != 3 {
		t.Errorf("snapshot thoughts = %d, want 3", snap.ActiveThoughts)
	}
	if snap.Goroutines < 1 {
		t.Errorf("snapshot goroutines = %d, want >= 1", snap.Goroutines)
	}
	if !snap.Taken.Equal(clock.Now()) {
		t.Errorf("snapshot taken = %v, want clock time", snap.Taken)
	}
	if !m.AdmissionAllowed() {
		t.Errorf("healthy sample should not pause admission")
	}
}

func TestStartStopLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.Resources.Interval = "10ms"
	m := NewMonitor(cfg, types.SystemClock{}, Sources{}, nil)

	m.Start()
	m.Start() // second Start is a no-op
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop() // second Stop is a no-op
}
