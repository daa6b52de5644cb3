// Package catalog keeps provider offer inventories in sync: metadata,
// balances, pricing with margin math, aggregates and stock integrity.
package catalog

import (
	"strconv"

	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/money"
)

// profitBuffer shaves 0.1% off the reverse-computed cost ceiling so a price
// drift upstream never turns a sale unprofitable.
var profitBuffer = money.MustParse("0.999")

// PointsRate converts a configured float rate into fixed-point form.
// Non-positive rates normalize to 1.
func PointsRate(rate float64) money.Amount {
	if rate <= 0 {
		return money.FromInt(1)
	}
	a, err := money.Parse(strconv.FormatFloat(rate, 'f', -1, 64))
	if err != nil || !a.IsPositive() {
		return money.FromInt(1)
	}
	return a
}

// EffectiveRate returns the upstream-to-display conversion rate for a
// provider's currency mode. Unusable configurations fall back to 1.
func EffectiveRate(p provider.Provider, pointsRate money.Amount) money.Amount {
	switch p.CurrencyMode {
	case provider.CurrencySmartAuto:
		if !p.DepositSpent.IsPositive() {
			return money.FromInt(1)
		}
		rate := money.Ratio(p.DepositReceived, p.DepositSpent)
		if !rate.IsPositive() {
			return money.FromInt(1)
		}
		if pointsRate.IsPositive() {
			rate = rate.Mul(pointsRate)
		}
		return rate
	case provider.CurrencyManual:
		if p.ManualRate.IsPositive() {
			return p.ManualRate
		}
		return money.FromInt(1)
	default:
		return money.FromInt(1)
	}
}

// NormalizeCost converts a raw upstream cost into the display currency.
func NormalizeCost(p provider.Provider, raw money.Amount, pointsRate money.Amount) money.Amount {
	return raw.Mul(EffectiveRate(p, pointsRate))
}

// SellPrice computes the user-facing price in cents:
// normalizedCost * priceMultiplier + fixedMarkup. Points pricing rounds up
// so sub-unit value is never given away; otherwise half-up to cents.
func SellPrice(p provider.Provider, rawCost money.Amount, pointsRate money.Amount, pointsEnabled bool) int64 {
	mult := p.PriceMultiplier
	if !mult.IsPositive() {
		mult = money.FromInt(1)
	}
	price := NormalizeCost(p, rawCost, pointsRate).Mul(mult).Add(p.FixedMarkup)
	if price.IsNegative() {
		return 0
	}
	if pointsEnabled {
		return price.CentsUp()
	}
	return price.Cents()
}

// MaxProfitableCost inverts SellPrice: the highest raw upstream cost that
// still leaves the configured margin at soldCents, shaved by the profit
// buffer and rounded down to cents.
func MaxProfitableCost(p provider.Provider, soldCents int64, pointsRate money.Amount) money.Amount {
	mult := p.PriceMultiplier
	if !mult.IsPositive() {
		mult = money.FromInt(1)
	}
	margin := money.FromCents(soldCents).Sub(p.FixedMarkup)
	if !margin.IsPositive() {
		return 0
	}
	cost := margin.Div(mult)
	if rate := EffectiveRate(p, pointsRate); rate.IsPositive() {
		cost = cost.Div(rate)
	}
	buffered := cost.Mul(profitBuffer)
	if buffered.IsNegative() {
		return 0
	}
	return money.FromCents(buffered.CentsDown())
}
