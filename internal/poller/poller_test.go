package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketsync/internal/models"
	"marketsync/internal/provider"
)

type fakeProvider struct {
	name    string
	ticks   []models.Tick
	err     error
	fetches int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) FetchTicks(ctx context.Context) ([]models.Tick, error) {
	atomic.AddInt32(&f.fetches, 1)
	return f.ticks, f.err
}

type fakeSink struct {
	mu      sync.Mutex
	uploads []models.Tick
}

func (f *fakeSink) SyncTick(ctx context.Context, collection string, tick models.Tick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, tick)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

type fakeBroadcaster struct {
	batches int32
}

func (f *fakeBroadcaster) BroadcastTicks(ticks []models.Tick) {
	atomic.AddInt32(&f.batches, 1)
}

func validTick(symbol string) models.Tick {
	return models.Tick{
		Symbol: symbol, Open: 100, High: 105, Low: 99, Close: 103,
		Volume: 1000, Timestamp: time.Unix(1, 0),
	}
}

func TestPollerUploadsAndBroadcasts(t *testing.T) {
	prov := &fakeProvider{name: "binance", ticks: []models.Tick{validTick("BTCUSDT"), validTick("ETHUSDT")}}
	sink := &fakeSink{}
	bc := &fakeBroadcaster{}
	p := NewPoller([]provider.Provider{prov}, sink, bc, "stocks", time.Hour)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for sink.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected 2 uploads, got %d", sink.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if atomic.LoadInt32(&bc.batches) != 1 {
		t.Fatalf("expected 1 broadcast batch, got %d", bc.batches)
	}
}

func TestProviderFailureIsolated(t *testing.T) {
	broken := &fakeProvider{name: "binance", err: errors.New("upstream down")}
	healthy := &fakeProvider{name: "bybit", ticks: []models.Tick{validTick("BTCUSDT")}}
	sink := &fakeSink{}
	p := NewPoller([]provider.Provider{broken, healthy}, sink, nil, "stocks", time.Hour)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for sink.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("healthy provider should keep delivering when another fails")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDoubleStartRejected(t *testing.T) {
	p := NewPoller(nil, &fakeSink{}, nil, "stocks", time.Hour)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
}
