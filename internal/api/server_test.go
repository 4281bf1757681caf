package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appconfig "marketsync/config"
	"marketsync/internal/models"
	"marketsync/internal/store"
)

type fakeStats struct {
	stats     []models.SyncJobStats
	triggered atomic.Int32
}

func (f *fakeStats) Stats() []models.SyncJobStats { return f.stats }

func (f *fakeStats) TriggerFull(ctx context.Context) []models.SyncJobStats {
	f.triggered.Add(1)
	return f.stats
}

type fakeBackups struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeBackups) Backup(ctx context.Context, system string, typ models.BackupType) models.BackupRecord {
	f.mu.Lock()
	f.calls = append(f.calls, system+"/"+string(typ))
	f.mu.Unlock()
	return models.BackupRecord{ID: "b-" + system, System: system, Type: typ, Status: models.BackupSuccess}
}

func (f *fakeBackups) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *fakeStats, *fakeBackups) {
	t.Helper()

	st, err := store.NewStore(t.TempDir(), 100)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(st.Close)

	stats := &fakeStats{stats: []models.SyncJobStats{{Table: "stock_ticks", Collection: "stocks", Synced: 7}}}
	backups := &fakeBackups{}

	srv := NewServer(appconfig.APIConfig{Enabled: true, Address: ":0"}, "marketsync", "test", st, stats, backups, nil, nil)
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter failed: %v", err)
	}

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, st, stats, backups
}

func getJSON(t *testing.T, url string, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestHealthEndpointDerivesOverallStatus(t *testing.T) {
	ts, st, _, _ := newTestServer(t)

	var body struct {
		Status  string                `json:"status"`
		Records []models.HealthRecord `json:"records"`
	}
	getJSON(t, ts.URL+"/api/health", &body)
	if body.Status != "unknown" {
		t.Fatalf("empty store should be unknown, got %q", body.Status)
	}

	st.AppendHealth(models.HealthRecord{Component: "clickhouse", Status: models.StatusHealthy, Timestamp: time.Now()})
	st.AppendHealth(models.HealthRecord{Component: "sink_api", Status: models.StatusWarning, Timestamp: time.Now()})
	getJSON(t, ts.URL+"/api/health", &body)
	if body.Status != "warning" || len(body.Records) != 2 {
		t.Fatalf("expected warning with 2 records, got %q / %d", body.Status, len(body.Records))
	}

	st.AppendHealth(models.HealthRecord{Component: "clickhouse", Status: models.StatusCritical, Timestamp: time.Now()})
	getJSON(t, ts.URL+"/api/health", &body)
	if body.Status != "critical" {
		t.Fatalf("expected critical, got %q", body.Status)
	}
}

func TestAlertLifecycleEndpoints(t *testing.T) {
	ts, st, _, _ := newTestServer(t)

	st.AppendAlert(models.Alert{ID: "a1", Severity: models.SeverityWarning, Component: "monitor", Message: "slow"})

	resp, err := http.Post(ts.URL+"/api/alerts/a1/acknowledge", "application/json", nil)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	var alert models.Alert
	if err := json.NewDecoder(resp.Body).Decode(&alert); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if !alert.Acknowledged || alert.Resolved {
		t.Fatalf("expected acknowledged only, got %+v", alert)
	}

	resp, err = http.Post(ts.URL+"/api/alerts/a1/resolve", "application/json", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&alert); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if !alert.Resolved {
		t.Fatalf("expected resolved, got %+v", alert)
	}

	resp, err = http.Post(ts.URL+"/api/alerts/missing/resolve", "application/json", nil)
	if err != nil {
		t.Fatalf("resolve missing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown alert id should 404, got %d", resp.StatusCode)
	}
}

func TestTriggerBackupRunsBothSystemsByDefault(t *testing.T) {
	ts, _, _, backups := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/backups/trigger", "application/json", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger status %d", resp.StatusCode)
	}
	calls := backups.recorded()
	if len(calls) != 2 || calls[0] != "source/full" || calls[1] != "sink/full" {
		t.Fatalf("expected full backups of both systems, got %v", calls)
	}
}

func TestTriggerBackupHonorsSystemAndType(t *testing.T) {
	ts, _, _, backups := newTestServer(t)

	body := bytes.NewBufferString(`{"system":"sink","type":"incremental"}`)
	resp, err := http.Post(ts.URL+"/api/backups/trigger", "application/json", body)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	resp.Body.Close()
	if calls := backups.recorded(); len(calls) != 1 || calls[0] != "sink/incremental" {
		t.Fatalf("expected one incremental sink backup, got %v", calls)
	}

	resp, err = http.Post(ts.URL+"/api/backups/trigger", "application/json", bytes.NewBufferString(`{"system":"bogus"}`))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad system should 400, got %d", resp.StatusCode)
	}
}

func TestStatsAndSyncTrigger(t *testing.T) {
	ts, _, stats, _ := newTestServer(t)

	var body struct {
		Tables []models.SyncJobStats `json:"tables"`
	}
	getJSON(t, ts.URL+"/api/stats", &body)
	if len(body.Tables) != 1 || body.Tables[0].Synced != 7 {
		t.Fatalf("unexpected stats: %+v", body.Tables)
	}

	resp, err := http.Post(ts.URL+"/api/sync/trigger", "application/json", nil)
	if err != nil {
		t.Fatalf("sync trigger: %v", err)
	}
	resp.Body.Close()
	if got := stats.triggered.Load(); got != 1 {
		t.Fatalf("expected one full sync trigger, got %d", got)
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}

func TestServerRunShutsDownOnCancel(t *testing.T) {
	st, err := store.NewStore(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(st.Close)

	srv := NewServer(appconfig.APIConfig{Enabled: true, Address: "127.0.0.1:0"}, "marketsync", "test", st, &fakeStats{}, &fakeBackups{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
