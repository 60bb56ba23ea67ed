package domain

import "time"

// OrderSide is the wire-level buy/sell side.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// ExitSide returns the side that closes a position of the given direction.
func ExitSide(d PositionDirection) OrderSide {
	if d == DirectionLong {
		return SideSell
	}
	return SideBuy
}

// EntrySide returns the side that opens a position of the given direction.
func EntrySide(d PositionDirection) OrderSide {
	if d == DirectionLong {
		return SideBuy
	}
	return SideSell
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeStopLimit  OrderType = "STOP"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus is the venue-reported order lifecycle state.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// OrderRequest is one order submission.
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   float64
	Price      float64 // limit orders
	StopPrice  float64 // stop-class orders
	ReduceOnly bool
	Direction  PositionDirection // position side in hedge mode
}

// OrderAck is the venue's acknowledgement of a placed order.
type OrderAck struct {
	OrderID   int64
	Status    OrderStatus
	FillPrice float64 // average fill price when immediately executed
	FilledQty float64
	PlacedAt  time.Time
}

// OrderState is a point-in-time order status query result.
type OrderState struct {
	OrderID      int64
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Status       OrderStatus
	Price        float64
	StopPrice    float64
	OrigQty      float64
	ExecutedQty  float64
	AvgFillPrice float64
	UpdatedAt    time.Time
}

// ExitLegKind distinguishes the legs of an exit-order pair.
type ExitLegKind string

const (
	LegStop    ExitLegKind = "STOP"
	LegTarget1 ExitLegKind = "TARGET1"
	LegTarget2 ExitLegKind = "TARGET2"
)

// IsTarget reports whether the leg is a target-class leg.
func (k ExitLegKind) IsTarget() bool { return k == LegTarget1 || k == LegTarget2 }

// ExitLeg is one live leg of an exit-order pair.
type ExitLeg struct {
	Kind     ExitLegKind
	OrderID  int64
	Price    float64
	Quantity float64
	Status   OrderStatus
}

// PairStatus is the lifecycle of an exit-order pair.
type PairStatus string

const (
	PairActive   PairStatus = "ACTIVE"
	PairResolved PairStatus = "RESOLVED"
	PairFallback PairStatus = "FALLBACK" // placed without OCO protection
)

// ExitOrderPair is one stop plus one or two targets protecting a single
// position quantity. The venue has no atomic OCO group for futures, so
// one-cancels-other is enforced client-side by the exits manager.
type ExitOrderPair struct {
	TradeID    string
	Symbol     string
	Direction  PositionDirection
	Quantity   float64
	EntryPrice float64
	Legs       []ExitLeg
	Status     PairStatus
	CreatedAt  time.Time

	// Resolution, set exactly once.
	FilledLeg     ExitLegKind
	FillPrice     float64
	RealizedPnL   float64
	ResolvedAt    time.Time
	CancelledLegs []int64
}

// LegByKind returns the leg of the given kind, if present.
func (p *ExitOrderPair) LegByKind(kind ExitLegKind) (ExitLeg, bool) {
	for _, l := range p.Legs {
		if l.Kind == kind {
			return l, true
		}
	}
	return ExitLeg{}, false
}

// StopLeg returns the stop-class leg.
func (p *ExitOrderPair) StopLeg() (ExitLeg, bool) { return p.LegByKind(LegStop) }

// TargetLegs returns the target-class legs in order.
func (p *ExitOrderPair) TargetLegs() []ExitLeg {
	var out []ExitLeg
	for _, l := range p.Legs {
		if l.Kind.IsTarget() {
			out = append(out, l)
		}
	}
	return out
}
