// Package monitor runs the timed health and integrity cycles: lightweight
// liveness probes every minute, the full cycle with integrity checks every
// five minutes. Probes run concurrently, each under its own timeout, so a
// hanging dependency costs one probe slot and not the whole cycle.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "marketsync/config"
	"marketsync/internal/metrics"
	"marketsync/internal/models"
	"marketsync/internal/store"
	"marketsync/logger"
)

// Probe checks one component and returns optional details for the health
// record.
type Probe struct {
	Component string
	Check     func(ctx context.Context) (map[string]interface{}, error)
}

// AlertRaiser is the alert dispatcher surface the monitor needs.
type AlertRaiser interface {
	Raise(ctx context.Context, severity models.AlertSeverity, component, message string)
	ResetCycle()
}

// Monitor owns the probe and integrity schedules.
type Monitor struct {
	cfg     appconfig.MonitorConfig
	tables  []appconfig.TableMap
	probes  []Probe
	checker *IntegrityChecker
	sampler *ResourceSampler
	store   *store.Store
	alerts  AlertRaiser

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	log *logger.Log
}

func NewMonitor(cfg appconfig.MonitorConfig, tables []appconfig.TableMap, probes []Probe, checker *IntegrityChecker, sampler *ResourceSampler, st *store.Store, alerts AlertRaiser) *Monitor {
	return &Monitor{
		cfg:     cfg,
		tables:  tables,
		probes:  probes,
		checker: checker,
		sampler: sampler,
		store:   st,
		alerts:  alerts,
		log:     logger.GetLogger(),
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.log.WithComponent("monitor").WithFields(logger.Fields{
		"liveness_interval": m.cfg.LivenessInterval.String(),
		"cycle_interval":    m.cfg.CycleInterval.String(),
		"probes":            len(m.probes),
	}).Info("starting monitor")

	m.sampler.Start(m.ctx)

	m.wg.Add(1)
	go m.run()
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.sampler.Stop()
	m.log.WithComponent("monitor").Info("monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()

	liveness := time.NewTicker(m.cfg.LivenessInterval)
	defer liveness.Stop()
	cycle := time.NewTicker(m.cfg.CycleInterval)
	defer cycle.Stop()

	// One immediate cycle so the monitoring API has data right after start.
	m.RunCycle(m.ctx)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-liveness.C:
			m.RunProbes(m.ctx)
		case <-cycle.C:
			m.RunCycle(m.ctx)
		}
	}
}

// RunProbes executes all probes concurrently and records the results.
func (m *Monitor) RunProbes(ctx context.Context) []models.HealthRecord {
	records := make([]models.HealthRecord, len(m.probes))
	var wg sync.WaitGroup
	for i, probe := range m.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			records[i] = m.runProbe(ctx, p)
		}(i, probe)
	}
	wg.Wait()

	if rec, ok := m.resourceRecord(); ok {
		records = append(records, rec)
	}

	for _, rec := range records {
		m.store.AppendHealth(rec)
		metrics.SetProbeLatency(rec.Component, rec.Latency.Seconds())
		switch rec.Status {
		case models.StatusCritical:
			m.alerts.Raise(ctx, models.SeverityCritical, rec.Component, rec.Error)
		case models.StatusWarning:
			msg := rec.Error
			if msg == "" {
				msg = fmt.Sprintf("%s responded in %s", rec.Component, rec.Latency)
			}
			m.alerts.Raise(ctx, models.SeverityWarning, rec.Component, msg)
		}
	}
	return records
}

func (m *Monitor) runProbe(ctx context.Context, p Probe) models.HealthRecord {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	details, err := p.Check(probeCtx)
	latency := time.Since(start)

	rec := models.HealthRecord{
		Component: p.Component,
		Status:    models.StatusHealthy,
		Latency:   latency,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		rec.Status = models.StatusCritical
		rec.Error = err.Error()
		return rec
	}
	if warn, ok := m.cfg.LatencyWarning[p.Component]; ok && warn > 0 && latency > warn {
		rec.Status = models.StatusWarning
	}
	return rec
}

// resourceRecord folds the newest resource sample into a health record.
func (m *Monitor) resourceRecord() (models.HealthRecord, bool) {
	sample, ok := m.sampler.Latest()
	if !ok {
		return models.HealthRecord{}, false
	}

	rec := models.HealthRecord{
		Component: "resources",
		Status:    models.StatusHealthy,
		Details: map[string]interface{}{
			"cpu_percent":    sample.CPUPercent,
			"memory_percent": sample.MemoryPct,
			"disk_percent":   sample.DiskPct,
		},
		Timestamp: time.Now().UTC(),
	}

	thresholds := m.cfg.Resources
	switch {
	case sample.CPUPercent > thresholds.CPUWarningPct:
		rec.Status = models.StatusWarning
		rec.Error = fmt.Sprintf("cpu usage at %.1f%%", sample.CPUPercent)
	case sample.MemoryPct > thresholds.MemoryWarningPct:
		rec.Status = models.StatusWarning
		rec.Error = fmt.Sprintf("memory usage at %.1f%%", sample.MemoryPct)
	case sample.DiskPct > thresholds.DiskWarningPct:
		rec.Status = models.StatusWarning
		rec.Error = fmt.Sprintf("disk usage at %.1f%%", sample.DiskPct)
	}
	return rec, true
}

// RunCycle is the full monitoring pass: probes, per-mapping integrity checks
// and the alert dedup window reset.
func (m *Monitor) RunCycle(ctx context.Context) {
	m.alerts.ResetCycle()
	m.RunProbes(ctx)

	if m.checker == nil {
		return
	}
	for _, tm := range m.tables {
		report, err := m.checker.Check(ctx, tm.Table, tm.Collection)
		if err != nil {
			m.log.WithComponent("monitor").WithError(err).WithFields(logger.Fields{
				"collection": tm.Collection,
			}).Warn("integrity check failed")
			m.alerts.Raise(ctx, models.SeverityWarning, "integrity_checker",
				fmt.Sprintf("integrity check for %s failed: %v", tm.Collection, err))
			continue
		}
		m.store.AppendIntegrity(report)
		if report.QualityScore < m.cfg.QualityFloor {
			m.alerts.Raise(ctx, models.SeverityWarning, "integrity_checker",
				fmt.Sprintf("data quality for %s at %.3f, below floor %.2f",
					tm.Collection, report.QualityScore, m.cfg.QualityFloor))
		}
	}
}
