// Package provider fetches live market ticks from upstream exchange APIs.
// Each provider polls its own symbol set; a failure of one provider never
// affects the others.
package provider

import (
	"context"

	"marketsync/internal/models"
)

// Provider is one upstream market data source.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// FetchTicks returns the latest tick per configured symbol, with
	// indicator values computed over the provider's kline window.
	FetchTicks(ctx context.Context) ([]models.Tick, error)
}
