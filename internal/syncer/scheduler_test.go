package syncer

import (
	"context"
	"testing"
	"time"

	appconfig "marketsync/config"
	"marketsync/internal/models"
)

func testTables() []appconfig.TableMap {
	return []appconfig.TableMap{{Table: "stock_ticks", Collection: "stocks"}}
}

func TestSchedulerRunsImmediatePassAndRecordsStats(t *testing.T) {
	src := &fakeSource{ticks: []models.Tick{tickAt(1), tickAt(2)}}
	writer := &fakeWriter{}
	p := NewPipeline(src, writer, newFakeWatermarks(), NewCompanyResolver(nil), testSyncConfig(10))
	s := NewScheduler(p, testTables(), time.Hour)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Stats()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never recorded a pass")
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	stats := s.Stats()
	if len(stats) != 1 || stats[0].Synced != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(writer.records) != 2 {
		t.Fatalf("expected 2 uploaded records, got %d", len(writer.records))
	}
}

func TestSchedulerTriggerFullIgnoresWatermark(t *testing.T) {
	src := &fakeSource{ticks: []models.Tick{tickAt(1), tickAt(2)}}
	writer := &fakeWriter{}
	marks := newFakeWatermarks()
	marks.marks["stock_ticks/stocks"] = models.SyncCursor{Timestamp: time.Unix(2, 0), Symbol: "PKN"}
	p := NewPipeline(src, writer, marks, NewCompanyResolver(nil), testSyncConfig(10))
	s := NewScheduler(p, testTables(), time.Hour)

	stats := s.TriggerFull(context.Background())
	if len(stats) != 1 || stats[0].Synced != 2 {
		t.Fatalf("full trigger must read everything, got %+v", stats)
	}
	if got := s.Stats(); len(got) != 1 || got[0].Synced != 2 {
		t.Fatalf("trigger results must be recorded, got %+v", got)
	}
}

func TestSchedulerDoubleStartRejected(t *testing.T) {
	p := NewPipeline(&fakeSource{}, &fakeWriter{}, newFakeWatermarks(), NewCompanyResolver(nil), testSyncConfig(10))
	s := NewScheduler(p, testTables(), time.Hour)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second Start must be rejected")
	}
}
