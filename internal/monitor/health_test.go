package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "marketsync/config"
	"marketsync/internal/models"
	"marketsync/internal/store"
)

type fakeAlerts struct {
	mu     sync.Mutex
	raised []string
	resets int
}

func (f *fakeAlerts) Raise(ctx context.Context, severity models.AlertSeverity, component, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, fmt.Sprintf("%s/%s: %s", severity, component, message))
}

func (f *fakeAlerts) ResetCycle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeAlerts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raised)
}

func testMonitorConfig() appconfig.MonitorConfig {
	return appconfig.MonitorConfig{
		LivenessInterval: time.Minute,
		CycleInterval:    5 * time.Minute,
		ProbeTimeout:     200 * time.Millisecond,
		LatencyWarning:   map[string]time.Duration{"slow_component": time.Millisecond},
		QualityFloor:     0.95,
		Resources: appconfig.ResourceThresholds{
			CPUWarningPct:    85,
			MemoryWarningPct: 90,
			DiskWarningPct:   90,
			DiskPath:         "/",
		},
		SampleInterval: time.Second,
		HistoryLimit:   50,
	}
}

func newTestMonitor(t *testing.T, probes []Probe, checker *IntegrityChecker, alerts AlertRaiser) *Monitor {
	t.Helper()
	st, err := store.NewStore(t.TempDir(), 50)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(st.Close)

	tables := []appconfig.TableMap{{Table: "stock_ticks", Collection: "stocks"}}
	sampler := NewResourceSampler(10, time.Second, "/")
	return NewMonitor(testMonitorConfig(), tables, probes, checker, sampler, st, alerts)
}

func TestProbesRunConcurrently(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	probe := func(name string) Probe {
		return Probe{
			Component: name,
			Check: func(ctx context.Context) (map[string]interface{}, error) {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()
				time.Sleep(30 * time.Millisecond)
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil, nil
			},
		}
	}

	m := newTestMonitor(t, []Probe{probe("a"), probe("b"), probe("c")}, nil, &fakeAlerts{})
	records := m.RunProbes(context.Background())

	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if maxInFlight < 2 {
		t.Fatalf("expected probes to overlap, max in flight was %d", maxInFlight)
	}
	for _, rec := range records {
		if rec.Status != models.StatusHealthy {
			t.Fatalf("expected healthy, got %+v", rec)
		}
	}
}

func TestFailingProbeIsCriticalAndAlerts(t *testing.T) {
	alerts := &fakeAlerts{}
	probes := []Probe{
		{Component: "source", Check: func(ctx context.Context) (map[string]interface{}, error) {
			return nil, errors.New("connection refused")
		}},
		{Component: "sink", Check: func(ctx context.Context) (map[string]interface{}, error) {
			return map[string]interface{}{"records": 10}, nil
		}},
	}

	m := newTestMonitor(t, probes, nil, alerts)
	records := m.RunProbes(context.Background())

	byComponent := map[string]models.HealthRecord{}
	for _, rec := range records {
		byComponent[rec.Component] = rec
	}
	if byComponent["source"].Status != models.StatusCritical {
		t.Fatalf("expected critical source, got %+v", byComponent["source"])
	}
	if byComponent["sink"].Status != models.StatusHealthy {
		t.Fatalf("expected healthy sink, got %+v", byComponent["sink"])
	}
	if alerts.count() != 1 {
		t.Fatalf("expected 1 alert, got %d: %v", alerts.count(), alerts.raised)
	}
}

func TestHangingProbeTimesOut(t *testing.T) {
	probes := []Probe{
		{Component: "source", Check: func(ctx context.Context) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	}

	m := newTestMonitor(t, probes, nil, &fakeAlerts{})
	start := time.Now()
	records := m.RunProbes(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("probe timeout did not apply, took %s", elapsed)
	}
	if records[0].Status != models.StatusCritical {
		t.Fatalf("expected critical for timed out probe, got %+v", records[0])
	}
}

func TestSlowProbeGetsWarning(t *testing.T) {
	probes := []Probe{
		{Component: "slow_component", Check: func(ctx context.Context) (map[string]interface{}, error) {
			time.Sleep(10 * time.Millisecond)
			return nil, nil
		}},
	}

	m := newTestMonitor(t, probes, nil, &fakeAlerts{})
	records := m.RunProbes(context.Background())
	if records[0].Status != models.StatusWarning {
		t.Fatalf("expected warning for slow probe, got %+v", records[0])
	}
}

func TestRunCycleRaisesQualityAlert(t *testing.T) {
	alerts := &fakeAlerts{}
	checker := NewIntegrityChecker(&fixedSource{count: 100}, &fixedSink{count: 80}, 0.95)

	m := newTestMonitor(t, nil, checker, alerts)
	m.RunCycle(context.Background())

	if alerts.resets != 1 {
		t.Fatalf("expected cycle reset, got %d", alerts.resets)
	}
	found := false
	alerts.mu.Lock()
	for _, msg := range alerts.raised {
		if strings.Contains(msg, "integrity_checker") && strings.Contains(msg, "0.800") {
			found = true
		}
	}
	alerts.mu.Unlock()
	if !found {
		t.Fatalf("expected quality alert, got %v", alerts.raised)
	}
}

func TestRunCycleHealthyQualityRaisesNothing(t *testing.T) {
	alerts := &fakeAlerts{}
	checker := NewIntegrityChecker(&fixedSource{count: 100}, &fixedSink{count: 100}, 0.95)

	m := newTestMonitor(t, nil, checker, alerts)
	m.RunCycle(context.Background())

	if alerts.count() != 0 {
		t.Fatalf("expected no alerts, got %v", alerts.raised)
	}
}
