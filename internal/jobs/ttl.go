package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tapelens/tapelens/internal/domain"
)

// Result strings for TTL jobs, retained in the job snapshot.
const (
	resultCancelled  = "order_cancelled"
	resultNoAction   = "no_action"
	resultJobStopped = "job_cancelled"
)

// ScheduleTTLCancel creates a job that cancels the order when the TTL elapses,
// unless the order leaves the book first. It returns immediately with the
// SCHEDULED job; use Await for blocking behavior. TTLs above the maximum are
// rejected with ErrValidation.
func (m *Manager) ScheduleTTLCancel(symbol string, orderID int64, ttl time.Duration) (Job, error) {
	if ttl <= 0 || ttl > m.maxTTL {
		return Job{}, fmt.Errorf("jobs: ttl %v out of range (0, %v]: %w", ttl, m.maxTTL, domain.ErrValidation)
	}

	now := m.now()
	job := Job{
		ID:        newJobID(),
		Type:      TypeTTLCancel,
		State:     StateScheduled,
		Symbol:    symbol,
		OrderIDs:  []int64{orderID},
		CreatedAt: now,
		Deadline:  now.Add(ttl),
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := m.register(job, cancel)

	m.wg.Add(1)
	go m.runTTL(ctx, e, symbol, orderID, ttl)

	m.logger.Info("ttl cancel scheduled",
		slog.String("job_id", job.ID),
		slog.String("symbol", symbol),
		slog.Int64("order_id", orderID),
		slog.Duration("ttl", ttl),
	)
	return job, nil
}

// runTTL watches the order until the deadline. An order that fills or is
// cancelled externally resolves the job without firing; at the deadline the
// cancel action fires exactly once.
func (m *Manager) runTTL(ctx context.Context, e *entry, symbol string, orderID int64, ttl time.Duration) {
	defer m.wg.Done()

	deadline := time.NewTimer(ttl)
	defer deadline.Stop()
	poll := time.NewTicker(m.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.cancelRequested(e) {
				m.transition(e, StateDone, resultJobStopped, "cancelled before deadline, timer stopped")
			} else {
				m.transition(e, StateFailed, "", "manager shutdown before deadline")
			}
			return

		case <-poll.C:
			state, err := m.exec.OrderStatus(ctx, symbol, orderID)
			if err != nil {
				continue // transient; the deadline still bounds the job
			}
			if !state.Status.Active() {
				m.transition(e, StateDone, resultNoAction,
					fmt.Sprintf("order already %s before deadline", state.Status))
				return
			}

		case <-deadline.C:
			if !m.transition(e, StateFired, "", "") {
				return
			}
			m.fireTTLCancel(ctx, e, symbol, orderID)
			return
		}
	}
}

// fireTTLCancel performs the cancel action. Orders already gone count as
// success with no action taken. The action runs on its own context so a
// concurrent job cancellation cannot interrupt it mid-flight.
func (m *Manager) fireTTLCancel(_ context.Context, e *entry, symbol string, orderID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := m.exec.OrderStatus(ctx, symbol, orderID)
	if err == nil && !state.Status.Active() {
		m.transition(e, StateDone, resultNoAction,
			fmt.Sprintf("order already %s at deadline", state.Status))
		return
	}

	if _, err := m.exec.CancelOrder(ctx, symbol, orderID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			m.transition(e, StateDone, resultNoAction, "order gone at deadline")
			return
		}
		m.transition(e, StateFailed, "", fmt.Sprintf("cancel order: %v", err))
		return
	}
	m.transition(e, StateDone, resultCancelled, "")
}
