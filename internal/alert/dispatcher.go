// Package alert creates and fans out operator alerts. An alert is written to
// the monitoring store before any delivery is attempted, so a dead SMTP
// server or webhook can never lose the record. Duplicate alerts for the same
// component and message are suppressed until the next monitoring cycle.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketsync/internal/metrics"
	"marketsync/internal/models"
	"marketsync/logger"
)

// AlertStore persists alerts durably.
type AlertStore interface {
	AppendAlert(alert models.Alert)
}

// Dispatcher owns alert creation, dedup and channel fan-out.
type Dispatcher struct {
	store    AlertStore
	channels []Channel

	mu   sync.Mutex
	seen map[string]struct{}

	wg  sync.WaitGroup
	log *logger.Log
}

func NewDispatcher(store AlertStore, channels []Channel) *Dispatcher {
	return &Dispatcher{
		store:    store,
		channels: channels,
		seen:     make(map[string]struct{}),
		log:      logger.GetLogger(),
	}
}

// Raise persists a new alert and fans it out asynchronously. A second Raise
// with the same component and message within the current cycle is dropped.
func (d *Dispatcher) Raise(ctx context.Context, severity models.AlertSeverity, component, message string) {
	key := component + "|" + message

	d.mu.Lock()
	if _, dup := d.seen[key]; dup {
		d.mu.Unlock()
		return
	}
	d.seen[key] = struct{}{}
	d.mu.Unlock()

	alert := models.Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Component: component,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}

	// Durability first, delivery second.
	d.store.AppendAlert(alert)
	metrics.IncrementAlertsRaised(string(severity))

	d.log.WithComponent("alert_dispatcher").WithFields(logger.Fields{
		"alert_id":  alert.ID,
		"severity":  severity,
		"component": component,
	}).Warn(message)

	for _, ch := range d.channels {
		d.wg.Add(1)
		go func(ch Channel) {
			defer d.wg.Done()
			if err := ch.Deliver(ctx, alert); err != nil {
				d.log.WithComponent("alert_dispatcher").WithError(err).WithFields(logger.Fields{
					"alert_id": alert.ID,
					"channel":  ch.Name(),
				}).Warn("alert delivery failed")
			}
		}(ch)
	}
}

// ResetCycle clears the dedup window; called at the start of each monitoring
// cycle.
func (d *Dispatcher) ResetCycle() {
	d.mu.Lock()
	d.seen = make(map[string]struct{})
	d.mu.Unlock()
}

// Close waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}
