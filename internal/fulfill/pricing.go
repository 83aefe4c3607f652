package fulfill

import (
	"github.com/shopspring/decimal"

	"github.com/o2-exchange/trading-bot-sub002/internal/model"
)

var one = decimal.NewFromInt(1)

// MinProfitablePrice is the lowest sell price that still clears the
// configured take-profit margin over the last buy.
func MinProfitablePrice(lastBuy, takeProfitRate decimal.Decimal) decimal.Decimal {
	return lastBuy.Mul(one.Add(takeProfitRate))
}

// SellPrice resolves the paired-sell limit price, quantized to tick. With
// profit protection on, the price is the best bid when it clears the
// profit floor, else the floor itself (margin over speed). The floor is
// rounded UP to the tick: truncating it would place the sell below the
// computed minimum whenever the tick does not divide it. Bids truncate
// down. With protection off, the best bid wins unconditionally. The false
// return means no reference price exists and the placement must be
// skipped.
func SellPrice(cfg model.StrategyConfig, bestBid decimal.Decimal, hasBid bool, tick decimal.Decimal) (decimal.Decimal, bool) {
	bid := TruncateToTick(bestBid, tick)
	hasRef := cfg.AverageBuyPrice.Sign() > 0

	if !cfg.ProfitProtection {
		if hasBid {
			return bid, true
		}
		return decimal.Decimal{}, false
	}

	if !hasRef {
		// Nothing to protect; the bid is the only reference.
		if hasBid {
			return bid, true
		}
		return decimal.Decimal{}, false
	}

	floor := CeilToTick(MinProfitablePrice(cfg.AverageBuyPrice, cfg.TakeProfitRate), tick)
	if hasBid && bid.GreaterThanOrEqual(floor) {
		return bid, true
	}
	return floor, true
}

// FloorToStep rounds a size down to the market's step precision. Rounding
// down never over-promises inventory.
func FloorToStep(size, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return size
	}
	return size.Div(step).Floor().Mul(step)
}

// TruncateToTick truncates a price to the market's tick precision, always
// toward the conservative side.
func TruncateToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// CeilToTick rounds a price up to the market's tick precision. Used for
// the profit floor, which must never move down under quantization.
func CeilToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick)
}
