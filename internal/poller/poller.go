// Package poller drives the live tick providers on a fixed interval. Each
// provider runs in its own worker so an upstream outage on one exchange never
// stalls the others. Fetched ticks go to the record sink one by one and the
// whole batch is handed to the stream broadcaster.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketsync/internal/metrics"
	"marketsync/internal/models"
	"marketsync/internal/provider"
	"marketsync/logger"
)

// TickSink uploads a single validated tick.
type TickSink interface {
	SyncTick(ctx context.Context, collection string, tick models.Tick) error
}

// Broadcaster pushes a tick batch to stream subscribers. May be nil when the
// stream is disabled.
type Broadcaster interface {
	BroadcastTicks(ticks []models.Tick)
}

type Poller struct {
	providers   []provider.Provider
	sink        TickSink
	broadcaster Broadcaster
	collection  string
	interval    time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	log *logger.Log
}

func NewPoller(providers []provider.Provider, sink TickSink, broadcaster Broadcaster, collection string, interval time.Duration) *Poller {
	return &Poller{
		providers:   providers,
		sink:        sink,
		broadcaster: broadcaster,
		collection:  collection,
		interval:    interval,
		log:         logger.GetLogger(),
	}
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.log.WithComponent("poller").WithFields(logger.Fields{
		"providers": len(p.providers),
		"interval":  p.interval.String(),
	}).Info("starting provider poller")

	for _, prov := range p.providers {
		p.wg.Add(1)
		go p.pollWorker(prov)
	}
	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.log.WithComponent("poller").Info("provider poller stopped")
}

func (p *Poller) pollWorker(prov provider.Provider) {
	defer p.wg.Done()

	log := p.log.WithComponent("poller").WithFields(logger.Fields{
		"provider": prov.Name(),
	})
	log.Info("starting poll worker")

	// First poll immediately so the stream has data before the first tick
	// interval elapses.
	p.pollOnce(prov)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			log.Info("poll worker stopped")
			return
		case <-ticker.C:
			p.pollOnce(prov)
		}
	}
}

func (p *Poller) pollOnce(prov provider.Provider) {
	log := p.log.WithComponent("poller").WithFields(logger.Fields{
		"provider": prov.Name(),
	})

	start := time.Now()
	ticks, err := prov.FetchTicks(p.ctx)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("provider fetch failed, will retry next interval")
		return
	}
	metrics.AddTicksPolled(prov.Name(), len(ticks))
	logger.LogPerformanceEntry(log, "poller", "provider_fetch", time.Since(start), logger.Fields{
		"ticks": len(ticks),
	})

	uploaded := 0
	for _, tick := range ticks {
		if err := p.sink.SyncTick(p.ctx, p.collection, tick); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"symbol": tick.Symbol,
			}).Warn("failed to upload live tick")
			continue
		}
		uploaded++
	}

	if p.broadcaster != nil && len(ticks) > 0 {
		p.broadcaster.BroadcastTicks(ticks)
	}

	log.WithFields(logger.Fields{
		"fetched":  len(ticks),
		"uploaded": uploaded,
	}).Debug("poll cycle complete")
}
