package domain

import "context"

// Exchange is the venue protocol this engine depends on. Implementations
// must be decimal-precise on price/quantity fields and already wrapped in
// the timeout/retry/breaker policy; callers treat every error as final
// except ErrOutcomeUnknown, which demands a truth re-query.
type Exchange interface {
	// Position returns the open position for symbol, or nil when flat.
	Position(ctx context.Context, symbol string) (*ExchangePosition, error)
	// Account returns balances and the current margin ratio.
	Account(ctx context.Context) (AccountState, error)
	// SymbolRules returns quantity step, minimum quantity, and minimum
	// notional for symbol.
	SymbolRules(ctx context.Context, symbol string) (SymbolRules, error)
	// MarkPrice returns the current mark price for symbol.
	MarkPrice(ctx context.Context, symbol string) (float64, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	OrderStatus(ctx context.Context, symbol string, orderID int64) (OrderState, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	OpenOrders(ctx context.Context, symbol string) ([]OrderState, error)
	// SetLeverage configures the position leverage before an entry.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}
