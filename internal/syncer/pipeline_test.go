package syncer

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	appconfig "marketsync/config"
	"marketsync/internal/models"
	"marketsync/internal/monitor"
	"marketsync/internal/sink"
)

func testSyncConfig(batchSize int) appconfig.SyncConfig {
	return appconfig.SyncConfig{
		BatchSize: batchSize,
		Retry: appconfig.RetryConfig{
			MaxAttempts:       5,
			BaseDelay:         time.Millisecond,
			MaxDelay:          2 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}
}

// fakeSource serves ticks ordered by (timestamp, symbol), honouring the
// cursor and limit the way the real source query does.
type fakeSource struct {
	ticks   []models.Tick
	fetches int
}

func (f *fakeSource) FetchTicks(ctx context.Context, table string, after models.SyncCursor, limit int) ([]models.Tick, error) {
	f.fetches++
	sorted := append([]models.Tick(nil), f.ticks...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})
	var out []models.Tick
	for _, t := range sorted {
		if after.Covers(t.Timestamp, t.Symbol) {
			continue
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) CountRows(ctx context.Context, table string) (int64, error) {
	return int64(len(f.ticks)), nil
}

type fakeWriter struct {
	records    []models.SinkRecord
	batchCalls int
	failBatch  int  // fail the next N batch calls with a transient error
	alwaysFail bool // every batch call fails with a transient error
	permanent  bool // fail with a non-transient error instead
}

func (f *fakeWriter) CreateRecord(ctx context.Context, collection string, rec models.SinkRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeWriter) CreateBatch(ctx context.Context, collection string, recs []models.SinkRecord) error {
	f.batchCalls++
	if f.permanent {
		return errors.New("records failed validation")
	}
	if f.alwaysFail || f.failBatch > 0 {
		if f.failBatch > 0 {
			f.failBatch--
		}
		return &sink.TransientError{Status: 503, Err: errors.New("sink unavailable")}
	}
	f.records = append(f.records, recs...)
	return nil
}

func (f *fakeWriter) CountRecords(ctx context.Context, collection string) (int64, error) {
	return int64(len(f.records)), nil
}

type fakeWatermarks struct {
	marks map[string]models.SyncCursor
}

func newFakeWatermarks() *fakeWatermarks {
	return &fakeWatermarks{marks: make(map[string]models.SyncCursor)}
}

func (f *fakeWatermarks) Watermark(key string) (models.SyncCursor, bool) {
	cur, ok := f.marks[key]
	return cur, ok
}

func (f *fakeWatermarks) SetWatermark(key string, cur models.SyncCursor) error {
	f.marks[key] = cur
	return nil
}

func tickAt(sec int64) models.Tick {
	return models.Tick{
		Symbol:    "PKN",
		Open:      100,
		High:      105,
		Low:       99,
		Close:     103,
		Volume:    1000,
		Timestamp: time.Unix(sec, 0),
	}
}

func TestSyncTableSplitsValidAndInvalid(t *testing.T) {
	bad := tickAt(2)
	bad.High = 50 // high below open

	src := &fakeSource{ticks: []models.Tick{tickAt(1), bad, tickAt(3)}}
	writer := &fakeWriter{}
	resolver := NewCompanyResolver(map[string]models.Company{
		"PKN": {Name: "PKN Orlen", Sector: "Energy"},
	})
	p := NewPipeline(src, writer, newFakeWatermarks(), resolver, testSyncConfig(10))

	stats, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", false)
	if err != nil {
		t.Fatalf("SyncTable failed: %v", err)
	}
	if stats.Processed != 3 || stats.Synced != 2 || stats.Dropped != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(writer.records) != 2 {
		t.Fatalf("expected exactly one record per valid tick, got %d", len(writer.records))
	}
	if writer.records[0].CompanyName != "PKN Orlen" || writer.records[0].Sector != "Energy" {
		t.Fatalf("company metadata not applied: %+v", writer.records[0])
	}
}

func TestSyncTableUnknownSymbolGetsPlaceholder(t *testing.T) {
	src := &fakeSource{ticks: []models.Tick{tickAt(1)}}
	writer := &fakeWriter{}
	p := NewPipeline(src, writer, newFakeWatermarks(), NewCompanyResolver(nil), testSyncConfig(10))

	if _, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", false); err != nil {
		t.Fatalf("SyncTable failed: %v", err)
	}
	if writer.records[0].CompanyName != "Unknown" || writer.records[0].Sector != "Unknown" {
		t.Fatalf("expected Unknown placeholder, got %+v", writer.records[0])
	}
}

func TestFailingBatchRetriedExactlyFiveTimesThenCounted(t *testing.T) {
	src := &fakeSource{ticks: []models.Tick{tickAt(1), tickAt(2), tickAt(3)}}
	writer := &fakeWriter{alwaysFail: true}
	p := NewPipeline(src, writer, newFakeWatermarks(), NewCompanyResolver(nil), testSyncConfig(10))

	stats, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", false)
	if err != nil {
		t.Fatalf("a failing batch must not abort the run: %v", err)
	}
	if writer.batchCalls != 5 {
		t.Fatalf("expected exactly 5 upload attempts, got %d", writer.batchCalls)
	}
	if stats.Failed != 3 || stats.Synced != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTransientFailureRecoversWithinBudget(t *testing.T) {
	src := &fakeSource{ticks: []models.Tick{tickAt(1), tickAt(2)}}
	writer := &fakeWriter{failBatch: 2}
	p := NewPipeline(src, writer, newFakeWatermarks(), NewCompanyResolver(nil), testSyncConfig(10))

	stats, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", false)
	if err != nil {
		t.Fatalf("SyncTable failed: %v", err)
	}
	if writer.batchCalls != 3 {
		t.Fatalf("expected 3 attempts (2 failures + success), got %d", writer.batchCalls)
	}
	if stats.Synced != 2 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	src := &fakeSource{ticks: []models.Tick{tickAt(1)}}
	writer := &fakeWriter{permanent: true}
	p := NewPipeline(src, writer, newFakeWatermarks(), NewCompanyResolver(nil), testSyncConfig(10))

	stats, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", false)
	if err != nil {
		t.Fatalf("SyncTable failed: %v", err)
	}
	if writer.batchCalls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d attempts", writer.batchCalls)
	}
	if stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestWatermarkFrozenAfterFailedBatch(t *testing.T) {
	src := &fakeSource{ticks: []models.Tick{tickAt(1), tickAt(2), tickAt(3), tickAt(4)}}
	writer := &fakeWriter{failBatch: 5} // first batch exhausts its budget
	marks := newFakeWatermarks()
	p := NewPipeline(src, writer, marks, NewCompanyResolver(nil), testSyncConfig(2))

	stats, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", false)
	if err != nil {
		t.Fatalf("SyncTable failed: %v", err)
	}
	if stats.Failed != 2 || stats.Synced != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	// The second batch succeeded but the watermark must still point before the
	// failed rows so the next run retries them.
	if wm, ok := marks.Watermark("stock_ticks/stocks"); ok {
		t.Fatalf("watermark must not advance past a failed batch, got %v", wm)
	}
}

func TestIncrementalRerunIsIdempotent(t *testing.T) {
	src := &fakeSource{ticks: []models.Tick{tickAt(1), tickAt(2), tickAt(3)}}
	writer := &fakeWriter{}
	marks := newFakeWatermarks()
	p := NewPipeline(src, writer, marks, NewCompanyResolver(nil), testSyncConfig(2))

	first, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", false)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if first.Synced != 3 {
		t.Fatalf("expected 3 synced on first run, got %d", first.Synced)
	}

	second, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", false)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.Synced != 0 || second.Processed != 0 {
		t.Fatalf("expected idempotent re-run, got %+v", second)
	}
	if len(writer.records) != 3 {
		t.Fatalf("expected no duplicate uploads, got %d records", len(writer.records))
	}
}

func TestIncrementalPicksUpNewRows(t *testing.T) {
	src := &fakeSource{ticks: []models.Tick{tickAt(1), tickAt(2)}}
	writer := &fakeWriter{}
	marks := newFakeWatermarks()
	p := NewPipeline(src, writer, marks, NewCompanyResolver(nil), testSyncConfig(10))

	if _, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", false); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	src.ticks = append(src.ticks, tickAt(3), tickAt(4))
	stats, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", false)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if stats.Synced != 2 {
		t.Fatalf("expected only the 2 new rows, got %d", stats.Synced)
	}
	if len(writer.records) != 4 {
		t.Fatalf("expected 4 records total, got %d", len(writer.records))
	}
}

func TestFullSyncIgnoresWatermark(t *testing.T) {
	src := &fakeSource{ticks: []models.Tick{tickAt(1), tickAt(2)}}
	writer := &fakeWriter{}
	marks := newFakeWatermarks()
	marks.marks["stock_ticks/stocks"] = models.SyncCursor{Timestamp: time.Unix(2, 0), Symbol: "PKN"}
	p := NewPipeline(src, writer, marks, NewCompanyResolver(nil), testSyncConfig(10))

	stats, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", true)
	if err != nil {
		t.Fatalf("full sync failed: %v", err)
	}
	if stats.Synced != 2 {
		t.Fatalf("full sync must read everything, got %d synced", stats.Synced)
	}
}

func tickFor(symbol string, sec int64) models.Tick {
	t := tickAt(sec)
	t.Symbol = symbol
	return t
}

func TestEqualTimestampRowsSpanPageBoundary(t *testing.T) {
	// Three symbols share one timestamp and the page holds only two of them:
	// the third must arrive with the next page, not vanish behind the cursor.
	src := &fakeSource{ticks: []models.Tick{
		tickFor("ALE", 10), tickFor("KGH", 10), tickFor("PKN", 10),
	}}
	writer := &fakeWriter{}
	marks := newFakeWatermarks()
	p := NewPipeline(src, writer, marks, NewCompanyResolver(nil), testSyncConfig(2))

	stats, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", false)
	if err != nil {
		t.Fatalf("SyncTable failed: %v", err)
	}
	if stats.Synced != 3 || len(writer.records) != 3 {
		t.Fatalf("expected all 3 equal-timestamp ticks synced, got synced=%d records=%d",
			stats.Synced, len(writer.records))
	}

	wm, ok := marks.Watermark("stock_ticks/stocks")
	if !ok || wm.Symbol != "PKN" || !wm.Timestamp.Equal(time.Unix(10, 0)) {
		t.Fatalf("unexpected watermark: %+v ok=%v", wm, ok)
	}

	second, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", false)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.Processed != 0 {
		t.Fatalf("expected idempotent re-run, got %+v", second)
	}
}

func TestFullSyncThenIntegrityReportsClean(t *testing.T) {
	day := int64(24 * 60 * 60)
	src := &fakeSource{ticks: []models.Tick{
		tickFor("PKN", 1), tickFor("PKN", 3600), tickFor("PKN", 7200),
		tickFor("PKN", day), tickFor("PKN", day+3600),
	}}
	writer := &fakeWriter{}
	resolver := NewCompanyResolver(map[string]models.Company{
		"PKN": {Name: "PKN Orlen", Sector: "Energy"},
	})
	p := NewPipeline(src, writer, newFakeWatermarks(), resolver, testSyncConfig(2))

	stats, err := p.SyncTable(context.Background(), "stock_ticks", "stocks", true)
	if err != nil {
		t.Fatalf("full sync failed: %v", err)
	}
	if stats.Synced != 5 {
		t.Fatalf("expected 5 synced rows, got %+v", stats)
	}
	for _, rec := range writer.records {
		if rec.Symbol != "PKN" || rec.CompanyName != "PKN Orlen" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	}

	checker := monitor.NewIntegrityChecker(src, writer, 0.95)
	report, err := checker.Check(context.Background(), "stock_ticks", "stocks")
	if err != nil {
		t.Fatalf("integrity check failed: %v", err)
	}
	if report.TotalRecords != 5 || report.MismatchedRecords != 0 || report.QualityScore != 1.0 {
		t.Fatalf("expected a clean report after full sync, got %+v", report)
	}
}

func TestSyncTickDropsInvalidAndUploadsValid(t *testing.T) {
	writer := &fakeWriter{}
	p := NewPipeline(&fakeSource{}, writer, newFakeWatermarks(), NewCompanyResolver(nil), testSyncConfig(10))

	bad := tickAt(1)
	bad.Close = -1
	if err := p.SyncTick(context.Background(), "stocks", bad); err == nil {
		t.Fatal("expected validation error for invalid tick")
	}
	if len(writer.records) != 0 {
		t.Fatalf("invalid tick must not be uploaded, got %d records", len(writer.records))
	}

	if err := p.SyncTick(context.Background(), "stocks", tickAt(2)); err != nil {
		t.Fatalf("SyncTick failed: %v", err)
	}
	if len(writer.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(writer.records))
	}
}
