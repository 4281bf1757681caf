package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	appconfig "marketsync/config"
	"marketsync/logger"

	"marketsync/internal/models"
)

// BybitProvider reads spot klines through the bybit UTA API.
type BybitProvider struct {
	client   *bybit.Client
	symbols  []string
	interval string
	window   int
	log      *logger.Log
}

func NewBybitProvider(cfg appconfig.ProviderConfig) *BybitProvider {
	base := cfg.URL
	if parsed, err := url.Parse(cfg.URL); err == nil && parsed.Host != "" {
		base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))

	// Bybit uses bare-minute interval codes ("1", "5", "60").
	interval := cfg.Interval
	if interval == "" {
		interval = "1"
	}
	window := cfg.Window
	if window <= 0 {
		window = 50
	}

	p := &BybitProvider{
		client:   client,
		symbols:  cfg.Symbols,
		interval: interval,
		window:   window,
		log:      logger.GetLogger(),
	}

	p.log.WithComponent("bybit_provider").WithFields(logger.Fields{
		"symbols":  cfg.Symbols,
		"interval": interval,
		"window":   window,
	}).Info("bybit provider initialized")

	return p
}

func (p *BybitProvider) Name() string { return "bybit" }

// bybitKlineResult is the kline payload inside the UTA response envelope.
// Rows are [startTime, open, high, low, close, volume, turnover], newest
// first.
type bybitKlineResult struct {
	Category string     `json:"category"`
	Symbol   string     `json:"symbol"`
	List     [][]string `json:"list"`
}

func (p *BybitProvider) FetchTicks(ctx context.Context) ([]models.Tick, error) {
	ticks := make([]models.Tick, 0, len(p.symbols))
	for _, symbol := range p.symbols {
		params := map[string]interface{}{
			"category": "spot",
			"symbol":   symbol,
			"interval": p.interval,
			"limit":    p.window,
		}

		resp, err := p.client.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
		if err != nil {
			return ticks, fmt.Errorf("bybit klines %s: %w", symbol, err)
		}
		if resp.RetCode != 0 {
			return ticks, fmt.Errorf("bybit klines %s: %s", symbol, resp.RetMsg)
		}

		payload, err := json.Marshal(resp.Result)
		if err != nil {
			return ticks, fmt.Errorf("bybit klines %s: %w", symbol, err)
		}
		var result bybitKlineResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return ticks, fmt.Errorf("bybit klines %s: %w", symbol, err)
		}
		if len(result.List) == 0 {
			p.log.WithComponent("bybit_provider").WithFields(logger.Fields{
				"symbol": symbol,
			}).Warn("empty kline response")
			continue
		}

		// Oldest-first close series for the indicator pass.
		closes := make([]float64, 0, len(result.List))
		for i := len(result.List) - 1; i >= 0; i-- {
			row := result.List[i]
			if len(row) < 6 {
				return ticks, fmt.Errorf("bybit klines %s: malformed row", symbol)
			}
			c, err := strconv.ParseFloat(row[4], 64)
			if err != nil {
				return ticks, fmt.Errorf("bybit kline close %s: %w", symbol, err)
			}
			closes = append(closes, c)
		}

		tick, err := bybitTick(symbol, result.List[0])
		if err != nil {
			return ticks, err
		}
		applyIndicators(&tick, closes)
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

func bybitTick(symbol string, row []string) (models.Tick, error) {
	startMs, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("bybit kline time %s: %w", symbol, err)
	}
	open, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("bybit kline open %s: %w", symbol, err)
	}
	high, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("bybit kline high %s: %w", symbol, err)
	}
	low, err := strconv.ParseFloat(row[3], 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("bybit kline low %s: %w", symbol, err)
	}
	closePrice, err := strconv.ParseFloat(row[4], 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("bybit kline close %s: %w", symbol, err)
	}
	volume, err := strconv.ParseFloat(row[5], 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("bybit kline volume %s: %w", symbol, err)
	}

	return models.Tick{
		Symbol:    symbol,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    int64(volume),
		Timestamp: time.UnixMilli(startMs).UTC(),
	}, nil
}
