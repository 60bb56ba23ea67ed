// Package advisor defines the advisory collaborator boundary: the engine
// sends its current context and receives back one structured decision. The
// collaborator is opaque; the engine validates the reply and treats
// anything malformed as HOLD-with-error.
package advisor

import (
	"context"
	"time"

	"github.com/delquant/delphibot/internal/domain"
)

// Request is the engine context posted for one decision.
type Request struct {
	Symbol string `json:"symbol"`
	// Reason is what prompted the call: "scheduled", "startup", or the
	// rationale of the trigger that fired.
	Reason string `json:"reason"`

	Price     float64                `json:"price"`
	Condition domain.MarketCondition `json:"market_condition"`
	AsOf      time.Time              `json:"as_of"`

	// Account and position context. Position is omitted while flat.
	TotalBalance     float64   `json:"total_balance"`
	AvailableBalance float64   `json:"available_balance"`
	Position         *Position `json:"position,omitempty"`
}

// Position is the open-position context included in a request.
type Position struct {
	Direction  domain.PositionDirection `json:"direction"`
	Quantity   float64                  `json:"quantity"`
	EntryPrice float64                  `json:"entry_price"`
	MarkPrice  float64                  `json:"mark_price"`
	PnLPercent float64                  `json:"pnl_percent"`
	Scenario   string                   `json:"scenario,omitempty"`
	StopLoss   float64                  `json:"stop_loss,omitempty"`
	Target     float64                  `json:"target,omitempty"`
	HeldHours  float64                  `json:"held_hours,omitempty"`
	Adjusted   bool                     `json:"adjusted,omitempty"`
}

// Advisor produces one decision for the given engine context.
type Advisor interface {
	Decide(ctx context.Context, req Request) (domain.Decision, error)
}

// BuildRequest assembles the request from the merged view and snapshot.
func BuildRequest(reason string, snap domain.MarketSnapshot, acct domain.AccountState, view *domain.MergedPositionView, now time.Time) Request {
	req := Request{
		Symbol:           snap.Symbol,
		Reason:           reason,
		Price:            snap.Price,
		Condition:        snap.Condition,
		AsOf:             snap.AsOf,
		TotalBalance:     acct.TotalBalance,
		AvailableBalance: acct.AvailableBalance,
	}
	if view != nil {
		pos := &Position{
			Direction:  view.Direction,
			Quantity:   view.Quantity,
			EntryPrice: view.EntryPrice,
			MarkPrice:  view.MarkPrice,
			PnLPercent: view.PnLPct,
			Scenario:   view.Scenario,
			StopLoss:   view.StopLoss,
			Target:     view.TargetPrice,
		}
		if !view.LogEntryTime.IsZero() {
			pos.HeldHours = now.Sub(view.LogEntryTime).Hours()
		}
		req.Position = pos
	}
	return req
}
