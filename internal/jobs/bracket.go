package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tapelens/tapelens/internal/domain"
)

// Bracket result strings.
const (
	resultStopLoss   = "stop_loss_triggered"
	resultTakeProfit = "take_profit_triggered"
	resultEntryGone  = "entry_cancelled_externally"
)

// BracketRequest describes an entry order with dependent exit legs.
type BracketRequest struct {
	Symbol          string
	Side            domain.Side
	Qty             float64
	EntryPrice      float64
	StopPrice       float64
	TakeProfitPrice float64
}

func (r BracketRequest) validate() error {
	if !r.Side.Valid() {
		return fmt.Errorf("jobs: bracket side %q: %w", r.Side, domain.ErrValidation)
	}
	if r.Qty <= 0 || r.EntryPrice <= 0 || r.StopPrice <= 0 || r.TakeProfitPrice <= 0 {
		return fmt.Errorf("jobs: bracket prices and qty must be positive: %w", domain.ErrValidation)
	}
	if r.Side == domain.SideBuy && (r.StopPrice >= r.EntryPrice || r.TakeProfitPrice <= r.EntryPrice) {
		return fmt.Errorf("jobs: long bracket needs stop below and take-profit above entry: %w", domain.ErrValidation)
	}
	if r.Side == domain.SideSell && (r.StopPrice <= r.EntryPrice || r.TakeProfitPrice >= r.EntryPrice) {
		return fmt.Errorf("jobs: short bracket needs stop above and take-profit below entry: %w", domain.ErrValidation)
	}
	return nil
}

// StartBracket places the entry order and begins monitoring it. On entry
// fill, reduce-only stop-loss and take-profit legs are placed; when one exit
// fills, the other is cancelled and the job completes with the trigger kind.
// Cancelling the job before the entry fills cancels the entry and places no
// exits.
func (m *Manager) StartBracket(ctx context.Context, req BracketRequest) (Job, error) {
	if err := req.validate(); err != nil {
		return Job{}, err
	}

	entryState, err := m.exec.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        "LIMIT",
		Price:       req.EntryPrice,
		Qty:         req.Qty,
		TimeInForce: "GTC",
	})
	if err != nil {
		return Job{}, fmt.Errorf("jobs: bracket entry: %w", err)
	}

	now := m.now()
	job := Job{
		ID:        newJobID(),
		Type:      TypeBracket,
		State:     StateEntryPending,
		Symbol:    req.Symbol,
		OrderIDs:  []int64{entryState.OrderID},
		CreatedAt: now,
		Deadline:  now.Add(m.bracketCap),
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	e := m.register(job, cancel)

	m.wg.Add(1)
	go m.runBracket(jobCtx, e, req, entryState.OrderID)

	m.logger.Info("bracket started",
		slog.String("job_id", job.ID),
		slog.String("symbol", req.Symbol),
		slog.Int64("entry_order_id", entryState.OrderID),
	)
	return job, nil
}

// runBracket drives the bracket state machine end to end.
func (m *Manager) runBracket(ctx context.Context, e *entry, req BracketRequest, entryID int64) {
	defer m.wg.Done()

	// Phase 1: wait for the entry to fill.
	filled, ok := m.watchEntry(ctx, e, req.Symbol, entryID)
	if !ok {
		return
	}
	if !m.transition(e, StateEntryFilled, "", "") {
		return
	}

	// Phase 2: place the exit legs.
	stopID, tpID, err := m.placeExits(e, req, filled)
	if err != nil {
		m.unwindOrders(req.Symbol, stopID, tpID)
		m.transition(e, StateFailed, "", fmt.Sprintf("place exits: %v", err))
		return
	}
	if !m.transition(e, StateExitsPlaced, "", "") {
		m.unwindOrders(req.Symbol, stopID, tpID)
		return
	}

	// Phase 3: one-cancels-other watch on the exits.
	m.watchExits(ctx, e, req.Symbol, stopID, tpID)
}

// watchEntry polls the entry order until fill, external cancellation, job
// cancellation, or the monitoring cap. It returns the executed quantity and
// whether the bracket should continue.
func (m *Manager) watchEntry(ctx context.Context, e *entry, symbol string, entryID int64) (float64, bool) {
	capTimer := time.NewTimer(m.bracketCap)
	defer capTimer.Stop()
	poll := time.NewTicker(m.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.cancelRequested(e) {
				m.unwindOrders(symbol, entryID)
				m.transition(e, StateCancelled, "", "cancelled before entry fill, entry order cancelled")
			} else {
				m.transition(e, StateFailed, "", "manager shutdown before entry fill")
			}
			return 0, false

		case <-capTimer.C:
			m.unwindOrders(symbol, entryID)
			m.transition(e, StateCancelled, "", "entry unfilled at monitoring cap")
			return 0, false

		case <-poll.C:
			state, err := m.exec.OrderStatus(ctx, symbol, entryID)
			if err != nil {
				continue
			}
			switch state.Status {
			case domain.OrderStatusFilled:
				return state.ExecutedQty, true
			case domain.OrderStatusCanceled, domain.OrderStatusExpired, domain.OrderStatusRejected:
				m.transition(e, StateCancelled, resultEntryGone,
					fmt.Sprintf("entry order %s", state.Status))
				return 0, false
			}
		}
	}
}

// placeExits submits the reduce-only stop-loss and take-profit legs.
func (m *Manager) placeExits(e *entry, req BracketRequest, qty float64) (stopID, tpID int64, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exitSide := req.Side.Opposite()
	if qty <= 0 {
		qty = req.Qty
	}

	stop, err := m.exec.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     req.Symbol,
		Side:       exitSide,
		Type:       "STOP_MARKET",
		StopPrice:  req.StopPrice,
		Qty:        qty,
		ReduceOnly: true,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("stop leg: %w", err)
	}
	m.addOrder(e, stop.OrderID)

	tp, err := m.exec.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     req.Symbol,
		Side:       exitSide,
		Type:       "TAKE_PROFIT_MARKET",
		StopPrice:  req.TakeProfitPrice,
		Qty:        qty,
		ReduceOnly: true,
	})
	if err != nil {
		return stop.OrderID, 0, fmt.Errorf("take-profit leg: %w", err)
	}
	m.addOrder(e, tp.OrderID)

	return stop.OrderID, tp.OrderID, nil
}

// watchExits polls both exit legs; the first to fill cancels the other and
// completes the job with the trigger kind.
func (m *Manager) watchExits(ctx context.Context, e *entry, symbol string, stopID, tpID int64) {
	capTimer := time.NewTimer(m.bracketCap)
	defer capTimer.Stop()
	poll := time.NewTicker(m.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.cancelRequested(e) {
				m.unwindOrders(symbol, stopID, tpID)
				m.transition(e, StateCancelled, "", "cancelled with exits live, both legs cancelled")
			} else {
				m.transition(e, StateFailed, "", "manager shutdown with exits live")
			}
			return

		case <-capTimer.C:
			m.unwindOrders(symbol, stopID, tpID)
			m.transition(e, StateCancelled, "", "exits unfilled at monitoring cap")
			return

		case <-poll.C:
			if state, err := m.exec.OrderStatus(ctx, symbol, stopID); err == nil && state.Status == domain.OrderStatusFilled {
				m.unwindOrders(symbol, tpID)
				m.transition(e, StateComplete, resultStopLoss, "")
				return
			}
			if state, err := m.exec.OrderStatus(ctx, symbol, tpID); err == nil && state.Status == domain.OrderStatusFilled {
				m.unwindOrders(symbol, stopID)
				m.transition(e, StateComplete, resultTakeProfit, "")
				return
			}
		}
	}
}

// unwindOrders best-effort cancels the given orders on a detached context.
// Orders that already left the book are not an error.
func (m *Manager) unwindOrders(symbol string, orderIDs ...int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range orderIDs {
		if id == 0 {
			continue
		}
		if _, err := m.exec.CancelOrder(ctx, symbol, id); err != nil {
			m.logger.Warn("unwind cancel failed",
				slog.String("symbol", symbol),
				slog.Int64("order_id", id),
				slog.Any("error", err),
			)
		}
	}
}
