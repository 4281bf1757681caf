package monitor

import (
	"context"
	"fmt"
	"time"

	"marketsync/internal/models"
	"marketsync/logger"
)

// SourceCounter counts rows on the time-series side.
type SourceCounter interface {
	CountRows(ctx context.Context, table string) (int64, error)
}

// SinkCounter counts records on the record-store side.
type SinkCounter interface {
	CountRecords(ctx context.Context, collection string) (int64, error)
}

// IntegrityChecker compares independent row counts of both stores and scores
// their agreement. A score below the configured floor raises a warning alert.
type IntegrityChecker struct {
	source       SourceCounter
	sink         SinkCounter
	qualityFloor float64
	log          *logger.Log
}

func NewIntegrityChecker(source SourceCounter, sink SinkCounter, qualityFloor float64) *IntegrityChecker {
	return &IntegrityChecker{
		source:       source,
		sink:         sink,
		qualityFloor: qualityFloor,
		log:          logger.GetLogger(),
	}
}

// Check counts both sides of one mapping. Both counts are taken fresh from
// their stores; nothing is read from sync statistics.
func (c *IntegrityChecker) Check(ctx context.Context, table, collection string) (models.IntegrityReport, error) {
	report := models.IntegrityReport{
		Collection: collection,
		Timestamp:  time.Now().UTC(),
	}

	src, err := c.source.CountRows(ctx, table)
	if err != nil {
		return report, fmt.Errorf("count source %s: %w", table, err)
	}
	sinkCount, err := c.sink.CountRecords(ctx, collection)
	if err != nil {
		return report, fmt.Errorf("count sink %s: %w", collection, err)
	}

	report.TotalRecords = src
	report.MatchedRecords = minInt64(src, sinkCount)
	report.MismatchedRecords = absInt64(src - sinkCount)
	report.QualityScore = qualityScore(src, sinkCount)

	if report.MismatchedRecords > 0 {
		report.Issues = append(report.Issues, fmt.Sprintf(
			"count mismatch for %s: source has %d rows, sink has %d records",
			collection, src, sinkCount))
	}

	c.log.WithComponent("integrity_checker").WithFields(logger.Fields{
		"collection": collection,
		"source":     src,
		"sink":       sinkCount,
		"quality":    report.QualityScore,
	}).Info("integrity check complete")

	return report, nil
}

// qualityScore is the ratio of the smaller count to the larger one. Two empty
// stores agree perfectly.
func qualityScore(a, b int64) float64 {
	if a == b {
		return 1.0
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	if hi == 0 || lo < 0 {
		return 0
	}
	return float64(lo) / float64(hi)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
