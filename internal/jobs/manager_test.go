package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapelens/tapelens/internal/domain"
)

// fakeExec is an in-memory OrderExecutor.
type fakeExec struct {
	mu          sync.Mutex
	nextID      int64
	orders      map[int64]domain.OrderState
	placed      []domain.OrderRequest
	cancelCalls int
	placeErrOn  int // fail the Nth PlaceOrder call (1-based), 0 = never
	placeCalls  int
}

func newFakeExec() *fakeExec {
	return &fakeExec{orders: make(map[int64]domain.OrderState)}
}

func (f *fakeExec) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if f.placeErrOn != 0 && f.placeCalls == f.placeErrOn {
		return domain.OrderState{}, domain.ErrUpstream
	}
	f.nextID++
	state := domain.OrderState{
		OrderID: f.nextID,
		Symbol:  req.Symbol,
		Status:  domain.OrderStatusNew,
		Price:   req.Price,
		OrigQty: req.Qty,
	}
	f.orders[f.nextID] = state
	f.placed = append(f.placed, req)
	return state, nil
}

func (f *fakeExec) CancelOrder(ctx context.Context, symbol string, orderID int64) (domain.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	state, ok := f.orders[orderID]
	if !ok {
		return domain.OrderState{}, domain.ErrNotFound
	}
	if state.Status.Active() {
		state.Status = domain.OrderStatusCanceled
		f.orders[orderID] = state
	}
	return state, nil
}

func (f *fakeExec) OrderStatus(ctx context.Context, symbol string, orderID int64) (domain.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.orders[orderID]
	if !ok {
		return domain.OrderState{}, domain.ErrNotFound
	}
	return state, nil
}

func (f *fakeExec) setStatus(orderID int64, status domain.OrderStatus, executed float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.orders[orderID]
	state.Status = status
	state.ExecutedQty = executed
	f.orders[orderID] = state
}

func (f *fakeExec) cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCalls
}

func newTestManager(exec domain.OrderExecutor) *Manager {
	m := NewManager(exec, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.pollInterval = 10 * time.Millisecond
	return m
}

func TestGetStatusUnknownID(t *testing.T) {
	m := newTestManager(newFakeExec())
	defer m.Close()

	_, err := m.GetStatus("nope")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = m.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestTTLRejectsOutOfRange(t *testing.T) {
	m := newTestManager(newFakeExec())
	defer m.Close()

	_, err := m.ScheduleTTLCancel("BTCUSDT", 1, 601*time.Second)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = m.ScheduleTTLCancel("BTCUSDT", 1, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestTTLFiresCancelAtDeadline(t *testing.T) {
	exec := newFakeExec()
	state, err := exec.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "BTCUSDT", Qty: 1})
	require.NoError(t, err)

	m := newTestManager(exec)
	defer m.Close()

	job, err := m.ScheduleTTLCancel("BTCUSDT", state.OrderID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, job.State)

	final, err := m.Await(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, final.State)
	assert.Equal(t, resultCancelled, final.Result)
	assert.Equal(t, 1, exec.cancels())
}

func TestTTLOrderFillsBeforeDeadline(t *testing.T) {
	exec := newFakeExec()
	state, err := exec.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "BTCUSDT", Qty: 1})
	require.NoError(t, err)

	m := newTestManager(exec)
	defer m.Close()

	job, err := m.ScheduleTTLCancel("BTCUSDT", state.OrderID, 10*time.Second)
	require.NoError(t, err)

	exec.setStatus(state.OrderID, domain.OrderStatusFilled, 1)

	final, err := m.Await(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, final.State)
	assert.Equal(t, resultNoAction, final.Result)
	assert.Zero(t, exec.cancels(), "cancel must never fire for a filled order")
}

func TestTTLJobCancelIdempotent(t *testing.T) {
	exec := newFakeExec()
	state, err := exec.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "BTCUSDT", Qty: 1})
	require.NoError(t, err)

	m := newTestManager(exec)
	defer m.Close()

	job, err := m.ScheduleTTLCancel("BTCUSDT", state.OrderID, 10*time.Second)
	require.NoError(t, err)

	first, err := m.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, first.State)
	assert.Equal(t, resultJobStopped, first.Result)

	second, err := m.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.Result, second.Result)
	assert.Zero(t, exec.cancels(), "stopping the job must not cancel the order")
}

func TestBracketValidation(t *testing.T) {
	m := newTestManager(newFakeExec())
	defer m.Close()
	ctx := context.Background()

	cases := []struct {
		name string
		req  BracketRequest
	}{
		{"bad side", BracketRequest{Symbol: "BTCUSDT", Side: "HOLD", Qty: 1, EntryPrice: 100, StopPrice: 95, TakeProfitPrice: 110}},
		{"zero qty", BracketRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 100, StopPrice: 95, TakeProfitPrice: 110}},
		{"long stop above entry", BracketRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: 1, EntryPrice: 100, StopPrice: 105, TakeProfitPrice: 110}},
		{"short stop below entry", BracketRequest{Symbol: "BTCUSDT", Side: domain.SideSell, Qty: 1, EntryPrice: 100, StopPrice: 95, TakeProfitPrice: 90}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.StartBracket(ctx, tc.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestBracketFullFlowStopLoss(t *testing.T) {
	exec := newFakeExec()
	m := newTestManager(exec)
	defer m.Close()
	ctx := context.Background()

	job, err := m.StartBracket(ctx, BracketRequest{
		Symbol:          "BTCUSDT",
		Side:            domain.SideBuy,
		Qty:             1,
		EntryPrice:      100,
		StopPrice:       95,
		TakeProfitPrice: 110,
	})
	require.NoError(t, err)
	assert.Equal(t, StateEntryPending, job.State)
	entryID := job.OrderIDs[0]

	exec.setStatus(entryID, domain.OrderStatusFilled, 1)

	require.Eventually(t, func() bool {
		j, err := m.GetStatus(job.ID)
		return err == nil && j.State == StateExitsPlaced
	}, 2*time.Second, 5*time.Millisecond)

	j, err := m.GetStatus(job.ID)
	require.NoError(t, err)
	require.Len(t, j.OrderIDs, 3, "entry plus two exit legs")
	stopID := j.OrderIDs[1]

	// Exit legs are reduce-only and on the opposite side.
	exec.mu.Lock()
	require.Len(t, exec.placed, 3)
	for _, leg := range exec.placed[1:] {
		assert.True(t, leg.ReduceOnly)
		assert.Equal(t, domain.SideSell, leg.Side)
	}
	exec.mu.Unlock()

	exec.setStatus(stopID, domain.OrderStatusFilled, 1)

	final, err := m.Await(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, final.State)
	assert.Equal(t, resultStopLoss, final.Result)

	// The take-profit leg was cancelled when the stop filled.
	tpID := j.OrderIDs[2]
	state, err := exec.OrderStatus(ctx, "BTCUSDT", tpID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, state.Status)
}

func TestBracketCancelBeforeEntryFill(t *testing.T) {
	exec := newFakeExec()
	m := newTestManager(exec)
	defer m.Close()
	ctx := context.Background()

	job, err := m.StartBracket(ctx, BracketRequest{
		Symbol:          "BTCUSDT",
		Side:            domain.SideBuy,
		Qty:             1,
		EntryPrice:      100,
		StopPrice:       95,
		TakeProfitPrice: 110,
	})
	require.NoError(t, err)
	entryID := job.OrderIDs[0]

	final, err := m.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, final.State)

	// Entry cancelled, no exits placed.
	state, err := exec.OrderStatus(ctx, "BTCUSDT", entryID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, state.Status)
	exec.mu.Lock()
	assert.Len(t, exec.placed, 1)
	exec.mu.Unlock()
}

func TestBracketEntryCancelledExternally(t *testing.T) {
	exec := newFakeExec()
	m := newTestManager(exec)
	defer m.Close()
	ctx := context.Background()

	job, err := m.StartBracket(ctx, BracketRequest{
		Symbol:          "BTCUSDT",
		Side:            domain.SideBuy,
		Qty:             1,
		EntryPrice:      100,
		StopPrice:       95,
		TakeProfitPrice: 110,
	})
	require.NoError(t, err)

	exec.setStatus(job.OrderIDs[0], domain.OrderStatusCanceled, 0)

	final, err := m.Await(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, final.State)
	assert.Equal(t, resultEntryGone, final.Result)
}

func TestBracketExitPlacementFailureMarksFailed(t *testing.T) {
	exec := newFakeExec()
	exec.placeErrOn = 2 // entry succeeds, stop leg fails
	m := newTestManager(exec)
	defer m.Close()
	ctx := context.Background()

	job, err := m.StartBracket(ctx, BracketRequest{
		Symbol:          "BTCUSDT",
		Side:            domain.SideBuy,
		Qty:             1,
		EntryPrice:      100,
		StopPrice:       95,
		TakeProfitPrice: 110,
	})
	require.NoError(t, err)

	exec.setStatus(job.OrderIDs[0], domain.OrderStatusFilled, 1)

	final, err := m.Await(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, final.State)
	assert.NotEmpty(t, final.Reason)
}

func TestBracketEntryPlacementError(t *testing.T) {
	exec := newFakeExec()
	exec.placeErrOn = 1
	m := newTestManager(exec)
	defer m.Close()

	_, err := m.StartBracket(context.Background(), BracketRequest{
		Symbol:          "BTCUSDT",
		Side:            domain.SideBuy,
		Qty:             1,
		EntryPrice:      100,
		StopPrice:       95,
		TakeProfitPrice: 110,
	})
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestAwaitRespectsContext(t *testing.T) {
	exec := newFakeExec()
	state, err := exec.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "BTCUSDT", Qty: 1})
	require.NoError(t, err)

	m := newTestManager(exec)
	defer m.Close()

	job, err := m.ScheduleTTLCancel("BTCUSDT", state.OrderID, 10*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.Await(ctx, job.ID)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// memAudit records transitions and serves them back, like the database store.
type memAudit struct {
	mu   sync.Mutex
	rows []Transition
}

func (a *memAudit) RecordTransition(_ context.Context, jobID, jobType, from, to, reason string, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, Transition{JobID: jobID, JobType: jobType, From: from, To: to, Reason: reason, At: at})
	return nil
}

func (a *memAudit) JobHistory(_ context.Context, jobID string) ([]Transition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Transition
	for _, r := range a.rows {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestHistoryReturnsAuditTrail(t *testing.T) {
	exec := newFakeExec()
	state, err := exec.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "BTCUSDT", Qty: 1})
	require.NoError(t, err)

	audit := &memAudit{}
	m := NewManager(exec, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.pollInterval = 10 * time.Millisecond
	defer m.Close()

	job, err := m.ScheduleTTLCancel("BTCUSDT", state.OrderID, 30*time.Millisecond)
	require.NoError(t, err)
	_, err = m.Await(context.Background(), job.ID)
	require.NoError(t, err)

	trail, err := m.History(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, string(StateDone), trail[len(trail)-1].To)

	_, err = m.History(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestHistoryWithoutReadableAudit(t *testing.T) {
	m := newTestManager(newFakeExec())
	defer m.Close()

	_, err := m.History(context.Background(), "any")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTerminalJobKeepsFinalState(t *testing.T) {
	exec := newFakeExec()
	state, err := exec.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "BTCUSDT", Qty: 1})
	require.NoError(t, err)

	m := newTestManager(exec)
	defer m.Close()

	job, err := m.ScheduleTTLCancel("BTCUSDT", state.OrderID, 30*time.Millisecond)
	require.NoError(t, err)

	final, err := m.Await(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, final.State.Terminal())

	for i := 0; i < 3; i++ {
		got, err := m.GetStatus(job.ID)
		require.NoError(t, err)
		assert.Equal(t, final.State, got.State)
	}
}
