// Registers:
//
//	#marketsync_rows_synced_total / _failed_total / _dropped_total
//	#marketsync_ticks_polled_total
//	#marketsync_broadcasts_total and subscriber drops
//	#marketsync_alerts_raised_total, backup outcomes, probe latencies
//	#go_* and process_* system metrics
//
// Exposed through Handler(), mounted on the monitoring API.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once               sync.Once
	rowsSynced         *prometheus.CounterVec
	rowsFailed         *prometheus.CounterVec
	rowsDropped        *prometheus.CounterVec
	ticksPolled        *prometheus.CounterVec
	broadcasts         prometheus.Counter
	subscribersDropped prometheus.Counter
	alertsRaised       *prometheus.CounterVec
	backupsTotal       *prometheus.CounterVec
	probeLatency       *prometheus.GaugeVec
)

func Init() {
	once.Do(func() {
		rowsSynced = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsync_rows_synced_total",
				Help: "Number of rows successfully uploaded to the record sink",
			},
			[]string{"collection"},
		)

		rowsFailed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsync_rows_failed_total",
				Help: "Number of rows whose batch exhausted its retry budget",
			},
			[]string{"collection"},
		)

		rowsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsync_rows_dropped_total",
				Help: "Number of rows dropped by OHLC validation",
			},
			[]string{"collection"},
		)

		ticksPolled = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsync_ticks_polled_total",
				Help: "Number of live ticks fetched from upstream providers",
			},
			[]string{"provider"},
		)

		broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketsync_broadcasts_total",
			Help: "Number of tick batches fanned out to stream subscribers",
		})

		subscribersDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketsync_subscribers_dropped_total",
			Help: "Number of unresponsive stream subscribers removed",
		})

		alertsRaised = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsync_alerts_raised_total",
				Help: "Number of alerts raised by the dispatcher",
			},
			[]string{"severity"},
		)

		backupsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsync_backups_total",
				Help: "Number of backup runs by system and outcome",
			},
			[]string{"system", "status"},
		)

		probeLatency = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketsync_probe_latency_seconds",
				Help: "Latency of the most recent health probe per component",
			},
			[]string{"component"},
		)

		_ = prometheus.Register(rowsSynced)
		_ = prometheus.Register(rowsFailed)
		_ = prometheus.Register(rowsDropped)
		_ = prometheus.Register(ticksPolled)
		_ = prometheus.Register(broadcasts)
		_ = prometheus.Register(subscribersDropped)
		_ = prometheus.Register(alertsRaised)
		_ = prometheus.Register(backupsTotal)
		_ = prometheus.Register(probeLatency)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler exposes the prometheus registry for mounting on the monitoring API.
func Handler() http.Handler {
	return promhttp.Handler()
}

func AddRowsSynced(collection string, n int) {
	if rowsSynced != nil && n > 0 {
		rowsSynced.WithLabelValues(collection).Add(float64(n))
	}
}

func AddRowsFailed(collection string, n int) {
	if rowsFailed != nil && n > 0 {
		rowsFailed.WithLabelValues(collection).Add(float64(n))
	}
}

func AddRowsDropped(collection string, n int) {
	if rowsDropped != nil && n > 0 {
		rowsDropped.WithLabelValues(collection).Add(float64(n))
	}
}

func AddTicksPolled(provider string, n int) {
	if ticksPolled != nil && n > 0 {
		ticksPolled.WithLabelValues(provider).Add(float64(n))
	}
}

func IncrementBroadcasts() {
	if broadcasts != nil {
		broadcasts.Inc()
	}
}

func IncrementSubscribersDropped() {
	if subscribersDropped != nil {
		subscribersDropped.Inc()
	}
}

func IncrementAlertsRaised(severity string) {
	if alertsRaised != nil {
		alertsRaised.WithLabelValues(severity).Inc()
	}
}

func IncrementBackups(system, status string) {
	if backupsTotal != nil {
		backupsTotal.WithLabelValues(system, status).Inc()
	}
}

func SetProbeLatency(component string, seconds float64) {
	if probeLatency != nil {
		probeLatency.WithLabelValues(component).Set(seconds)
	}
}
