package provider

import (
	"math"

	"marketsync/internal/models"
)

const (
	rsiPeriod       = 14
	macdFastPeriod  = 12
	macdSlowPeriod  = 26
	bollingerPeriod = 20
	bollingerWidth  = 2.0
)

// applyIndicators fills the derived fields of the newest tick from the close
// series of its kline window, oldest first. Series too short for an indicator
// leave that field at zero.
func applyIndicators(tick *models.Tick, closes []float64) {
	tick.RSI = rsi(closes, rsiPeriod)
	tick.MACD = macd(closes)
	tick.BBUpper, tick.BBLower = bollinger(closes, bollingerPeriod, bollingerWidth)
}

func sma(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func ema(values []float64, period int) float64 {
	if len(values) < period {
		return 0
	}
	// Seed with the SMA of the first period, then smooth forward.
	result := sma(values[:period])
	k := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		result = v*k + result*(1-k)
	}
	return result
}

// rsi uses Wilder's smoothing over one pass of the close series.
func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 0
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func macd(closes []float64) float64 {
	if len(closes) < macdSlowPeriod {
		return 0
	}
	return ema(closes, macdFastPeriod) - ema(closes, macdSlowPeriod)
}

func bollinger(closes []float64, period int, width float64) (upper, lower float64) {
	if len(closes) < period {
		return 0, 0
	}
	window := closes[len(closes)-period:]
	mean := sma(window)
	var variance float64
	for _, v := range window {
		variance += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(variance / float64(period))
	return mean + width*stddev, mean - width*stddev
}
