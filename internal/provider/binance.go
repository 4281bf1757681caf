package provider

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"

	appconfig "marketsync/config"
	"marketsync/logger"

	"marketsync/internal/models"
)

// BinanceProvider reads spot klines through the binance-go client.
type BinanceProvider struct {
	client   *binance.Client
	symbols  []string
	interval string
	window   int
	log      *logger.Log
}

func NewBinanceProvider(cfg appconfig.ProviderConfig) *BinanceProvider {
	client := binance.NewClient("", "")
	if parsed, err := url.Parse(cfg.URL); err == nil && parsed.Host != "" {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}

	interval := cfg.Interval
	if interval == "" {
		interval = "1m"
	}
	window := cfg.Window
	if window <= 0 {
		window = 50
	}

	p := &BinanceProvider{
		client:   client,
		symbols:  cfg.Symbols,
		interval: interval,
		window:   window,
		log:      logger.GetLogger(),
	}

	p.log.WithComponent("binance_provider").WithFields(logger.Fields{
		"symbols":  cfg.Symbols,
		"interval": interval,
		"window":   window,
	}).Info("binance provider initialized")

	return p
}

func (p *BinanceProvider) Name() string { return "binance" }

// FetchTicks fetches the kline window per symbol and returns the newest
// candle of each, enriched with indicators computed over the window.
func (p *BinanceProvider) FetchTicks(ctx context.Context) ([]models.Tick, error) {
	ticks := make([]models.Tick, 0, len(p.symbols))
	for _, symbol := range p.symbols {
		klines, err := p.client.NewKlinesService().
			Symbol(symbol).
			Interval(p.interval).
			Limit(p.window).
			Do(ctx)
		if err != nil {
			return ticks, fmt.Errorf("binance klines %s: %w", symbol, err)
		}
		if len(klines) == 0 {
			p.log.WithComponent("binance_provider").WithFields(logger.Fields{
				"symbol": symbol,
			}).Warn("empty kline response")
			continue
		}

		closes := make([]float64, 0, len(klines))
		for _, k := range klines {
			c, err := strconv.ParseFloat(k.Close, 64)
			if err != nil {
				return ticks, fmt.Errorf("binance kline close %s: %w", symbol, err)
			}
			closes = append(closes, c)
		}

		tick, err := binanceTick(symbol, klines[len(klines)-1])
		if err != nil {
			return ticks, err
		}
		applyIndicators(&tick, closes)
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

func binanceTick(symbol string, k *binance.Kline) (models.Tick, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("binance kline open %s: %w", symbol, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("binance kline high %s: %w", symbol, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("binance kline low %s: %w", symbol, err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("binance kline close %s: %w", symbol, err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("binance kline volume %s: %w", symbol, err)
	}

	return models.Tick{
		Symbol:    symbol,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    int64(volume),
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
	}, nil
}
