// Package syncer moves rows from the time-series source into the record sink
// in fixed-size batches. Rows failing validation are dropped and counted; a
// batch whose retry budget is exhausted is counted as failed and the run
// continues with the next batch. The watermark only advances past rows that
// were handled, so an interrupted run resumes without duplicating uploads.
package syncer

import (
	"context"
	"fmt"
	"time"

	appconfig "marketsync/config"
	"marketsync/internal/metrics"
	"marketsync/internal/models"
	"marketsync/internal/retry"
	"marketsync/internal/sink"
	"marketsync/logger"
)

// TickFetcher is the read side of the pipeline. Pages are ordered by
// (timestamp, symbol) and resume strictly after the cursor, so equal
// timestamps straddling a page boundary are still fetched.
type TickFetcher interface {
	FetchTicks(ctx context.Context, table string, after models.SyncCursor, limit int) ([]models.Tick, error)
}

// RecordWriter is the write side of the pipeline.
type RecordWriter interface {
	CreateRecord(ctx context.Context, collection string, rec models.SinkRecord) error
	CreateBatch(ctx context.Context, collection string, recs []models.SinkRecord) error
}

// WatermarkStore persists the per-mapping sync position.
type WatermarkStore interface {
	Watermark(key string) (models.SyncCursor, bool)
	SetWatermark(key string, cur models.SyncCursor) error
}

// Pipeline is the batch synchronisation engine. It holds no per-run state;
// each SyncTable call owns its own stats value.
type Pipeline struct {
	fetcher    TickFetcher
	writer     RecordWriter
	watermarks WatermarkStore
	resolver   *CompanyResolver
	batchSize  int
	policy     retry.Policy
	log        *logger.Log
}

func NewPipeline(fetcher TickFetcher, writer RecordWriter, watermarks WatermarkStore, resolver *CompanyResolver, cfg appconfig.SyncConfig) *Pipeline {
	return &Pipeline{
		fetcher:    fetcher,
		writer:     writer,
		watermarks: watermarks,
		resolver:   resolver,
		batchSize:  cfg.BatchSize,
		policy:     retry.FromConfig(cfg.Retry),
		log:        logger.GetLogger(),
	}
}

func watermarkKey(table, collection string) string {
	return table + "/" + collection
}

// SyncTable copies one table into its collection. With full set the watermark
// is ignored and every row is read; otherwise only rows strictly newer than
// the watermark are fetched. Returns the stats of this run even on error.
func (p *Pipeline) SyncTable(ctx context.Context, table, collection string, full bool) (models.SyncJobStats, error) {
	stats := models.SyncJobStats{
		Table:      table,
		Collection: collection,
		StartTime:  time.Now(),
	}

	key := watermarkKey(table, collection)
	var cursor models.SyncCursor
	if !full {
		if wm, ok := p.watermarks.Watermark(key); ok {
			cursor = wm
		}
	}

	// Once a batch fails the persisted watermark is frozen for the rest of the
	// run: the cursor keeps moving so later rows are still attempted, but the
	// next incremental run starts again at the failed batch.
	batchFailed := false

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		ticks, err := p.fetcher.FetchTicks(ctx, table, cursor, p.batchSize)
		if err != nil {
			return stats, fmt.Errorf("fetch %s: %w", table, err)
		}
		if len(ticks) == 0 {
			break
		}

		records := make([]models.SinkRecord, 0, len(ticks))
		dropped := 0
		for _, tick := range ticks {
			stats.Processed++
			if err := tick.Validate(); err != nil {
				dropped++
				p.log.WithComponent("sync_pipeline").WithError(err).WithFields(logger.Fields{
					"table":  table,
					"symbol": tick.Symbol,
				}).Debug("dropped invalid row")
				continue
			}
			records = append(records, Transform(tick, p.resolver.Resolve(tick.Symbol)))
		}
		stats.Dropped += dropped
		metrics.AddRowsDropped(collection, dropped)

		last := ticks[len(ticks)-1]
		batchLast := models.SyncCursor{Timestamp: last.Timestamp, Symbol: last.Symbol}
		stats.LastTime = last.Timestamp

		if len(records) > 0 {
			if err := p.uploadBatch(ctx, collection, records); err != nil {
				batchFailed = true
				stats.Failed += len(records)
				metrics.AddRowsFailed(collection, len(records))
				p.log.WithComponent("sync_pipeline").WithError(err).WithFields(logger.Fields{
					"table":      table,
					"collection": collection,
					"rows":       len(records),
				}).Error("batch failed after retries, continuing with next batch")
			} else {
				stats.Synced += len(records)
				metrics.AddRowsSynced(collection, len(records))
				if !batchFailed {
					p.advanceWatermark(key, batchLast)
				}
			}
		} else if !batchFailed {
			// A page of only invalid rows is handled: they are dropped for
			// good and must not be refetched on the next incremental run.
			p.advanceWatermark(key, batchLast)
		}

		cursor = batchLast
		if len(ticks) < p.batchSize {
			break
		}
	}

	p.log.WithComponent("sync_pipeline").WithFields(logger.Fields{
		"table":      table,
		"collection": collection,
		"processed":  stats.Processed,
		"synced":     stats.Synced,
		"failed":     stats.Failed,
		"dropped":    stats.Dropped,
		"duration":   time.Since(stats.StartTime).String(),
	}).Info("table sync finished")
	logger.LogDataFlowEntry(p.log.WithComponent("sync_pipeline"), table, collection, stats.Synced, "ticks")

	return stats, nil
}

// RunAll syncs every configured mapping. A mapping that errors does not stop
// the others; its partial stats are still reported.
func (p *Pipeline) RunAll(ctx context.Context, tables []appconfig.TableMap, full bool) []models.SyncJobStats {
	results := make([]models.SyncJobStats, 0, len(tables))
	for _, tm := range tables {
		stats, err := p.SyncTable(ctx, tm.Table, tm.Collection, full)
		if err != nil {
			p.log.WithComponent("sync_pipeline").WithError(err).WithFields(logger.Fields{
				"table": tm.Table,
			}).Error("table sync aborted")
		}
		results = append(results, stats)
	}
	return results
}

// SyncTick pushes a single live tick through validation, transformation and a
// retried single-record upload. Used by the provider poller.
func (p *Pipeline) SyncTick(ctx context.Context, collection string, tick models.Tick) error {
	if err := tick.Validate(); err != nil {
		metrics.AddRowsDropped(collection, 1)
		return err
	}

	rec := Transform(tick, p.resolver.Resolve(tick.Symbol))
	err := p.policy.Do(ctx, func() error {
		err := p.writer.CreateRecord(ctx, collection, rec)
		if err != nil && !sink.IsTransient(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		metrics.AddRowsFailed(collection, 1)
		return err
	}
	metrics.AddRowsSynced(collection, 1)
	return nil
}

// uploadBatch retries only transient sink failures; anything else aborts the
// batch immediately.
func (p *Pipeline) uploadBatch(ctx context.Context, collection string, records []models.SinkRecord) error {
	attempt := 0
	return p.policy.DoNotify(ctx, func() error {
		attempt++
		err := p.writer.CreateBatch(ctx, collection, records)
		if err != nil && !sink.IsTransient(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, next time.Duration) {
		p.log.WithComponent("sync_pipeline").WithError(err).WithFields(logger.Fields{
			"collection": collection,
			"attempt":    attempt,
			"next_in":    next,
		}).Warn("batch upload failed, backing off")
	})
}

func (p *Pipeline) advanceWatermark(key string, cur models.SyncCursor) {
	if err := p.watermarks.SetWatermark(key, cur); err != nil {
		p.log.WithComponent("sync_pipeline").WithError(err).WithFields(logger.Fields{
			"key": key,
		}).Warn("failed to persist watermark")
	}
}
