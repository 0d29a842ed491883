package reconcile

import (
	"github.com/shopspring/decimal"

	"perpexecutor/src/connectors"
	"perpexecutor/src/model"
)

// MatchPolicy decides whether a trade fill explains a vanished conditional
// order. All comparisons run on decimals so the band boundary is exact:
// a fill priced exactly at the edge of the tolerance band matches, one tick
// beyond does not.
type MatchPolicy struct {
	priceTolerancePct    decimal.Decimal
	quantityTolerancePct decimal.Decimal
}

func NewMatchPolicy(cfg Config) MatchPolicy {
	return MatchPolicy{
		priceTolerancePct:    decimal.NewFromFloat(cfg.PriceTolerancePct),
		quantityTolerancePct: decimal.NewFromFloat(cfg.QuantityTolerancePct),
	}
}

var hundred = decimal.NewFromInt(100)

// closingFillSide is the trade side that closes the given position side.
func closingFillSide(positionSide string) string {
	if positionSide == model.SideLong {
		return "sell"
	}
	return "buy"
}

// priceWithinBand reports whether price sits inside the inclusive tolerance
// band around the trigger price.
func (p MatchPolicy) priceWithinBand(triggerPrice, price float64) bool {
	trigger := decimal.NewFromFloat(triggerPrice)
	band := trigger.Mul(p.priceTolerancePct).Div(hundred).Abs()
	diff := decimal.NewFromFloat(price).Sub(trigger).Abs()
	return diff.Cmp(band) <= 0
}

// quantityAcceptable reports whether the filled quantity stays within the
// order quantity plus the precision tolerance. Larger unrelated fills are
// rejected; smaller fills are allowed (partial execution).
func (p MatchPolicy) quantityAcceptable(orderQty, fillQty float64) bool {
	if fillQty <= 0 {
		return false
	}
	limit := decimal.NewFromFloat(orderQty).
		Mul(hundred.Add(p.quantityTolerancePct)).
		Div(hundred)
	return decimal.NewFromFloat(fillQty).Cmp(limit) <= 0
}

// MatchFill returns the fill most plausibly produced by the given order
// triggering, or nil. Candidates must close the position side, land inside
// the price band, and not exceed the quantity limit; among candidates the
// earliest execution wins.
func (p MatchPolicy) MatchFill(order *model.PriceOrder, fills []connectors.TradeFill) *connectors.TradeFill {
	wantSide := closingFillSide(order.Side)

	var best *connectors.TradeFill
	for i := range fills {
		fill := &fills[i]
		if fill.Side != wantSide {
			continue
		}
		if fill.Symbol != order.Symbol {
			continue
		}
		if !p.priceWithinBand(order.TriggerPrice, fill.Price) {
			continue
		}
		if !p.quantityAcceptable(order.Quantity, fill.Quantity) {
			continue
		}
		if best == nil || fill.ExecutedAt.Before(best.ExecutedAt) {
			best = fill
		}
	}
	return best
}
