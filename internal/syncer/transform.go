package syncer

import (
	"strings"
	"sync"

	"marketsync/internal/models"
)

// CompanyResolver maps symbols to company metadata for record enrichment.
// Unknown symbols resolve to the "Unknown" placeholder, never an error.
type CompanyResolver struct {
	mu        sync.RWMutex
	companies map[string]models.Company
}

func NewCompanyResolver(companies map[string]models.Company) *CompanyResolver {
	resolved := make(map[string]models.Company, len(companies))
	for symbol, company := range companies {
		resolved[strings.ToUpper(symbol)] = company
	}
	return &CompanyResolver{companies: resolved}
}

// Register adds or replaces metadata for a symbol.
func (r *CompanyResolver) Register(symbol string, company models.Company) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.companies[strings.ToUpper(symbol)] = company
}

// Resolve returns the metadata for a symbol, falling back to Unknown.
func (r *CompanyResolver) Resolve(symbol string) models.Company {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if company, ok := r.companies[strings.ToUpper(symbol)]; ok {
		return company
	}
	return models.UnknownCompany
}

// Transform projects a validated tick into its sink record. The tick itself
// is never mutated.
func Transform(tick models.Tick, company models.Company) models.SinkRecord {
	return models.SinkRecord{
		Symbol:      tick.Symbol,
		CompanyName: company.Name,
		Sector:      company.Sector,
		Open:        tick.Open,
		High:        tick.High,
		Low:         tick.Low,
		Close:       tick.Close,
		Volume:      tick.Volume,
		MACD:        tick.MACD,
		RSI:         tick.RSI,
		BBUpper:     tick.BBUpper,
		BBLower:     tick.BBLower,
		Timestamp:   tick.Timestamp,
	}
}
