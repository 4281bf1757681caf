package models

import (
	"fmt"
	"time"
)

// Tick is a single OHLCV observation with derived indicator values. A tick is
// immutable once produced; transformations create new values.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	MACD      float64   `json:"macd,omitempty"`
	RSI       float64   `json:"rsi,omitempty"`
	BBUpper   float64   `json:"bb_upper,omitempty"`
	BBLower   float64   `json:"bb_lower,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidationError describes a tick that failed OHLC consistency checks. Rows
// carrying it are dropped and counted, never retried.
type ValidationError struct {
	Symbol string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid tick %s: %s", e.Symbol, e.Reason)
}

// Validate enforces OHLC consistency: high is the ceiling, low is the floor,
// prices are positive and volume is not negative.
func (t Tick) Validate() error {
	if t.Symbol == "" {
		return &ValidationError{Symbol: t.Symbol, Reason: "empty symbol"}
	}
	if t.Open <= 0 || t.High <= 0 || t.Low <= 0 || t.Close <= 0 {
		return &ValidationError{Symbol: t.Symbol, Reason: "non-positive price"}
	}
	if t.High < t.Open || t.High < t.Close || t.High < t.Low {
		return &ValidationError{Symbol: t.Symbol, Reason: "high below open/close/low"}
	}
	if t.Low > t.Open || t.Low > t.Close {
		return &ValidationError{Symbol: t.Symbol, Reason: "low above open/close"}
	}
	if t.Volume < 0 {
		return &ValidationError{Symbol: t.Symbol, Reason: "negative volume"}
	}
	if t.Timestamp.IsZero() {
		return &ValidationError{Symbol: t.Symbol, Reason: "zero timestamp"}
	}
	return nil
}

// SinkRecord is the record-store projection of a valid Tick. Exactly one
// SinkRecord exists per valid tick.
type SinkRecord struct {
	ID          string    `json:"id,omitempty"`
	Symbol      string    `json:"symbol"`
	CompanyName string    `json:"company_name"`
	Sector      string    `json:"sector"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      int64     `json:"volume"`
	MACD        float64   `json:"macd,omitempty"`
	RSI         float64   `json:"rsi,omitempty"`
	BBUpper     float64   `json:"bb_upper,omitempty"`
	BBLower     float64   `json:"bb_lower,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Created     time.Time `json:"created,omitempty"`
	Updated     time.Time `json:"updated,omitempty"`
}

// Company carries the metadata attached to records during transformation.
type Company struct {
	Name   string `json:"name"`
	Sector string `json:"sector"`
}

// UnknownCompany is substituted when a symbol has no metadata entry.
var UnknownCompany = Company{Name: "Unknown", Sector: "Unknown"}
