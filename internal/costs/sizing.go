package costs

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/delquant/delphibot/internal/domain"
)

// marginSafetyFactor is applied to the available balance when the first
// sizing pass would exceed it.
const marginSafetyFactor = 0.95

// minNotionalHeadroom oversizes a below-minimum order so rounding cannot
// push it back under the venue floor.
const minNotionalHeadroom = 1.1

// Sizer converts the account state and venue rules into an order quantity.
type Sizer struct {
	CapitalPercent float64
	Leverage       int
	logger         *slog.Logger
}

// NewSizer builds a Sizer from the trading configuration.
func NewSizer(capitalPercent float64, leverage int, logger *slog.Logger) *Sizer {
	return &Sizer{
		CapitalPercent: capitalPercent,
		Leverage:       leverage,
		logger:         logger.With(slog.String("component", "sizing")),
	}
}

// OrderQuantity computes the entry quantity for one order:
//
//	qty = equity × capitalPercent/100 × leverage / price
//
// When the required margin exceeds the available balance the quantity is
// recomputed from 95% of the available balance. When the resulting notional
// is below the venue minimum the quantity is scaled up to 110% of the
// minimum, unless that would require more than the whole balance. The final
// quantity is rounded DOWN to the symbol's step size.
func (s *Sizer) OrderQuantity(ctx context.Context, acct domain.AccountState, rules domain.SymbolRules, price float64) (float64, error) {
	if price <= 0 {
		return 0, domain.Validation("price", "must be positive")
	}
	if s.Leverage <= 0 {
		return 0, domain.Validation("leverage", "must be positive")
	}

	lev := float64(s.Leverage)
	notional := acct.TotalBalance * s.CapitalPercent / 100 * lev
	qty := notional / price

	// Margin check against the free balance.
	requiredMargin := qty * price / lev
	if requiredMargin > acct.AvailableBalance {
		adjusted := acct.AvailableBalance * marginSafetyFactor * lev / price
		s.logger.InfoContext(ctx, "quantity reduced to fit available margin",
			slog.String("symbol", rules.Symbol),
			slog.Float64("requested_qty", qty),
			slog.Float64("adjusted_qty", adjusted),
			slog.Float64("available_balance", acct.AvailableBalance),
		)
		qty = adjusted
	}

	// Venue minimum-notional floor.
	if qty*price < rules.MinNotional {
		needed := rules.MinNotional * minNotionalHeadroom / price
		neededMargin := needed * price / lev
		if acct.TotalBalance <= 0 || neededMargin > acct.TotalBalance {
			return 0, domain.Validation("quantity",
				"minimum notional requires more capital than the account holds")
		}
		s.logger.InfoContext(ctx, "quantity raised to venue minimum notional",
			slog.String("symbol", rules.Symbol),
			slog.Float64("computed_qty", qty),
			slog.Float64("raised_qty", needed),
			slog.Float64("min_notional", rules.MinNotional),
		)
		qty = needed
	}

	qty = RoundToStep(qty, rules.StepSize)

	if qty <= 0 || qty < rules.MinQuantity {
		return 0, domain.Validation("quantity", "below venue minimum quantity after rounding")
	}
	return qty, nil
}

// RoundToStep rounds qty DOWN to an integer multiple of step. Rounding down
// keeps the order inside both the margin and notional ceilings already
// checked. Decimal arithmetic avoids float drift on small steps like 0.001.
func RoundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	st := decimal.NewFromFloat(step)
	steps := q.Div(st).Floor()
	out, _ := steps.Mul(st).Float64()
	return out
}
