package domain

import (
	"context"
	"time"
)

// OrderStatus mirrors the upstream order lifecycle states.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Active reports whether an order can still trade (and hence still be
// cancelled meaningfully).
func (s OrderStatus) Active() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// OrderRequest describes an order to be placed through the execution
// collaborator. Exit legs set ReduceOnly and a StopPrice.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        string // LIMIT, MARKET, STOP_MARKET, TAKE_PROFIT_MARKET
	Price       float64
	StopPrice   float64
	Qty         float64
	TimeInForce string
	ReduceOnly  bool
}

// OrderState is the collaborator's view of an order.
type OrderState struct {
	OrderID     int64
	Symbol      string
	Status      OrderStatus
	Price       float64
	OrigQty     float64
	ExecutedQty float64
	AvgPrice    float64
	UpdatedAt   time.Time
}

// OrderExecutor is the signed-endpoint collaborator. Placement, cancellation
// and status live outside this module; the job manager only schedules and
// observes them through this interface.
type OrderExecutor interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderState, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (OrderState, error)
	OrderStatus(ctx context.Context, symbol string, orderID int64) (OrderState, error)
}

// MarketDataSource is the unsigned REST collaborator for public market data.
// Implementations must return ErrRateLimited (possibly wrapped) when the
// upstream signals throttling so the rate governor can back off.
type MarketDataSource interface {
	FetchOrderBook(ctx context.Context, symbol string, limit int) (OrderBookSnapshot, error)
	FetchRecentTrades(ctx context.Context, symbol string, limit int) ([]TradeRecord, error)
	FetchTradesRange(ctx context.Context, symbol string, start, end time.Time) ([]TradeRecord, error)
	FetchMarkPrice(ctx context.Context, symbol string) (MarkPriceInfo, error)
}
