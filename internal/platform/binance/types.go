package binance

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/delquant/delphibot/internal/domain"
)

// decStr parses a Binance decimal string. The futures API sends every
// price and quantity as a string; decimal parsing avoids float drift before
// we reduce to float64 at the domain boundary.
func decStr(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// --------------------------------------------------------------------------
// Futures REST DTOs
// --------------------------------------------------------------------------

// apiError is the venue's error envelope, present on non-2xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// apiPositionRisk is one row of GET /fapi/v2/positionRisk.
type apiPositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	PositionSide     string `json:"positionSide"`
	UpdateTime       int64  `json:"updateTime"`
}

// toDomain converts a position row to the domain snapshot. A zero
// positionAmt means flat and converts to nil.
func (p apiPositionRisk) toDomain(now time.Time) *domain.ExchangePosition {
	amt := decStr(p.PositionAmt)
	if amt == 0 {
		return nil
	}
	dir := domain.DirectionLong
	qty := amt
	if amt < 0 {
		dir = domain.DirectionShort
		qty = -amt
	}
	lev, _ := strconv.Atoi(p.Leverage)
	return &domain.ExchangePosition{
		Symbol:        p.Symbol,
		Direction:     dir,
		Quantity:      qty,
		EntryPrice:    decStr(p.EntryPrice),
		MarkPrice:     decStr(p.MarkPrice),
		UnrealizedPnL: decStr(p.UnrealizedProfit),
		Leverage:      lev,
		Isolated:      p.MarginType == "isolated",
		FetchedAt:     now,
	}
}

// apiAccount is the subset of GET /fapi/v2/account this engine reads.
type apiAccount struct {
	TotalWalletBalance    string `json:"totalWalletBalance"`
	AvailableBalance      string `json:"availableBalance"`
	TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
	TotalMaintMargin      string `json:"totalMaintMargin"`
	TotalMarginBalance    string `json:"totalMarginBalance"`
}

func (a apiAccount) toDomain() domain.AccountState {
	state := domain.AccountState{
		TotalBalance:     decStr(a.TotalWalletBalance),
		AvailableBalance: decStr(a.AvailableBalance),
		UnrealizedPnL:    decStr(a.TotalUnrealizedProfit),
	}
	if mb := decStr(a.TotalMarginBalance); mb > 0 {
		state.MarginRatio = decStr(a.TotalMaintMargin) / mb
	}
	return state
}

// apiExchangeInfo is GET /fapi/v1/exchangeInfo reduced to the filters the
// sizing model needs.
type apiExchangeInfo struct {
	Symbols []apiSymbolInfo `json:"symbols"`
}

type apiSymbolInfo struct {
	Symbol            string      `json:"symbol"`
	PricePrecision    int         `json:"pricePrecision"`
	QuantityPrecision int         `json:"quantityPrecision"`
	Filters           []apiFilter `json:"filters"`
}

type apiFilter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	Notional    string `json:"notional"`
	MinNotional string `json:"minNotional"`
}

func (s apiSymbolInfo) toDomain() domain.SymbolRules {
	rules := domain.SymbolRules{
		Symbol:    s.Symbol,
		PricePrec: s.PricePrecision,
		QtyPrec:   s.QuantityPrecision,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			rules.StepSize = decStr(f.StepSize)
			rules.MinQuantity = decStr(f.MinQty)
		case "MIN_NOTIONAL":
			// Futures uses "notional"; spot used "minNotional".
			if f.Notional != "" {
				rules.MinNotional = decStr(f.Notional)
			} else {
				rules.MinNotional = decStr(f.MinNotional)
			}
		}
	}
	return rules
}

// apiPremiumIndex is GET /fapi/v1/premiumIndex.
type apiPremiumIndex struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
}

// apiOrder is the order object shared by the place, query, and cancel
// endpoints.
type apiOrder struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Price       string `json:"price"`
	StopPrice   string `json:"stopPrice"`
	AvgPrice    string `json:"avgPrice"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	UpdateTime  int64  `json:"updateTime"`
}

func (o apiOrder) toAck() domain.OrderAck {
	return domain.OrderAck{
		OrderID:   o.OrderID,
		Status:    domain.OrderStatus(o.Status),
		FillPrice: decStr(o.AvgPrice),
		FilledQty: decStr(o.ExecutedQty),
		PlacedAt:  time.UnixMilli(o.UpdateTime),
	}
}

func (o apiOrder) toState() domain.OrderState {
	return domain.OrderState{
		OrderID:      o.OrderID,
		Symbol:       o.Symbol,
		Side:         domain.OrderSide(o.Side),
		Type:         domain.OrderType(o.Type),
		Status:       domain.OrderStatus(o.Status),
		Price:        decStr(o.Price),
		StopPrice:    decStr(o.StopPrice),
		OrigQty:      decStr(o.OrigQty),
		ExecutedQty:  decStr(o.ExecutedQty),
		AvgFillPrice: decStr(o.AvgPrice),
		UpdatedAt:    time.UnixMilli(o.UpdateTime),
	}
}

// --------------------------------------------------------------------------
// WebSocket stream DTOs
// --------------------------------------------------------------------------

// wsEnvelope carries the event type discriminator for user-data events.
type wsEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// wsMarkPrice is the markPriceUpdate stream payload.
type wsMarkPrice struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	EventTime int64  `json:"E"`
}

// wsOrderUpdate is the ORDER_TRADE_UPDATE user-data payload.
type wsOrderUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol       string `json:"s"`
		Side         string `json:"S"`
		Type         string `json:"o"`
		Status       string `json:"X"`
		OrderID      int64  `json:"i"`
		OrigQty      string `json:"q"`
		FilledQty    string `json:"z"`
		AvgPrice     string `json:"ap"`
		StopPrice    string `json:"sp"`
		RealizedPnL  string `json:"rp"`
		ReduceOnly   bool   `json:"R"`
		PositionSide string `json:"ps"`
	} `json:"o"`
}

// OrderEvent is a fill/cancel notification from the user-data stream,
// consumed by the exits manager and the feed snapshot.
type OrderEvent struct {
	Symbol      string
	OrderID     int64
	Side        domain.OrderSide
	Type        domain.OrderType
	Status      domain.OrderStatus
	FilledQty   float64
	AvgPrice    float64
	RealizedPnL float64
	At          time.Time
}

func (u wsOrderUpdate) toEvent() OrderEvent {
	return OrderEvent{
		Symbol:      u.Order.Symbol,
		OrderID:     u.Order.OrderID,
		Side:        domain.OrderSide(u.Order.Side),
		Type:        domain.OrderType(u.Order.Type),
		Status:      domain.OrderStatus(u.Order.Status),
		FilledQty:   decStr(u.Order.FilledQty),
		AvgPrice:    decStr(u.Order.AvgPrice),
		RealizedPnL: decStr(u.Order.RealizedPnL),
		At:          time.UnixMilli(u.EventTime),
	}
}

// MarkPriceEvent is one mark-price tick.
type MarkPriceEvent struct {
	Symbol string
	Price  float64
	At     time.Time
}

func (m wsMarkPrice) toEvent() MarkPriceEvent {
	return MarkPriceEvent{
		Symbol: m.Symbol,
		Price:  decStr(m.MarkPrice),
		At:     time.UnixMilli(m.EventTime),
	}
}
