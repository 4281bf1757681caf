package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "marketsync/config"
	"marketsync/internal/models"
	"marketsync/logger"
)

// Scheduler drives the pipeline on a fixed interval: one full pass at startup,
// incremental passes afterwards. Stats of the latest pass are kept for the
// monitoring API.
type Scheduler struct {
	pipeline *Pipeline
	tables   []appconfig.TableMap
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	running   bool
	lastStats []models.SyncJobStats

	log *logger.Log
}

func NewScheduler(pipeline *Pipeline, tables []appconfig.TableMap, interval time.Duration) *Scheduler {
	return &Scheduler{
		pipeline: pipeline,
		tables:   tables,
		interval: interval,
		log:      logger.GetLogger(),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sync scheduler is already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.WithComponent("sync_scheduler").WithFields(logger.Fields{
		"tables":   len(s.tables),
		"interval": s.interval.String(),
	}).Info("starting sync scheduler")

	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.WithComponent("sync_scheduler").Info("sync scheduler stopped")
}

// Stats returns the results of the most recent pass.
func (s *Scheduler) Stats() []models.SyncJobStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.SyncJobStats(nil), s.lastStats...)
}

// TriggerFull runs a full pass immediately, used by the monitoring API.
func (s *Scheduler) TriggerFull(ctx context.Context) []models.SyncJobStats {
	stats := s.pipeline.RunAll(ctx, s.tables, true)
	s.record(stats)
	return stats
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	// On a fresh deployment there is no watermark yet, so the first pass
	// reads everything; on restart it resumes where the last run stopped.
	s.record(s.pipeline.RunAll(s.ctx, s.tables, false))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.record(s.pipeline.RunAll(s.ctx, s.tables, false))
		}
	}
}

func (s *Scheduler) record(stats []models.SyncJobStats) {
	s.mu.Lock()
	s.lastStats = stats
	s.mu.Unlock()
}
