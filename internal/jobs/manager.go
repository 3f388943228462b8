// Package jobs runs TTL-cancel and bracket jobs as independently cancellable
// background tasks with pollable status. Every job is a small state machine
// stored in an id-keyed arena; transitions are atomic under the manager lock
// and optionally recorded to an audit store.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tapelens/tapelens/internal/domain"
)

// JobType tags the job variant.
type JobType string

const (
	TypeTTLCancel JobType = "ttl_cancel"
	TypeBracket   JobType = "bracket"
)

// JobState is one node of a job's state machine.
type JobState string

const (
	// TTL-cancel states.
	StateScheduled JobState = "SCHEDULED"
	StateFired     JobState = "FIRED"
	StateDone      JobState = "DONE"

	// Bracket states.
	StateEntryPending JobState = "ENTRY_PENDING"
	StateEntryFilled  JobState = "ENTRY_FILLED"
	StateExitsPlaced  JobState = "EXITS_PLACED"
	StateComplete     JobState = "COMPLETE"

	// Shared terminal states.
	StateCancelled JobState = "CANCELLED"
	StateFailed    JobState = "FAILED"
)

// Terminal reports whether no further transition can occur.
func (s JobState) Terminal() bool {
	switch s {
	case StateDone, StateComplete, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Job is the externally visible snapshot of one job.
type Job struct {
	ID        string    `json:"id"`
	Type      JobType   `json:"type"`
	State     JobState  `json:"state"`
	Symbol    string    `json:"symbol"`
	OrderIDs  []int64   `json:"order_ids"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline,omitempty"`
	Result    string    `json:"result,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// AuditStore records job state transitions. Implementations must tolerate
// being called concurrently; failures are logged, never propagated into the
// job itself.
type AuditStore interface {
	RecordTransition(ctx context.Context, jobID string, jobType string, from, to string, reason string, at time.Time) error
}

// Transition is one recorded state change of a job.
type Transition struct {
	JobID   string
	JobType string
	From    string
	To      string
	Reason  string
	At      time.Time
}

// HistoryReader is an AuditStore whose recorded transitions can be read back.
type HistoryReader interface {
	JobHistory(ctx context.Context, jobID string) ([]Transition, error)
}

// entry is the arena slot for one job.
type entry struct {
	job    Job
	cancel context.CancelFunc // stops the job's background goroutine
	done   chan struct{}      // closed on terminal transition

	// userCancel is set when Cancel was called, so the background goroutine
	// can distinguish caller intent from its own timeouts.
	userCancel bool
}

// Manager owns all running jobs. Lookups are O(1); GetStatus and Cancel are
// valid at any time, including after a job reaches a terminal state.
type Manager struct {
	exec   domain.OrderExecutor
	audit  AuditStore
	logger *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*entry

	wg  sync.WaitGroup
	now func() time.Time

	// Tunables, overridden in tests.
	pollInterval time.Duration
	maxTTL       time.Duration
	bracketCap   time.Duration
}

// NewManager creates a Manager. audit may be nil.
func NewManager(exec domain.OrderExecutor, audit AuditStore, logger *slog.Logger) *Manager {
	return &Manager{
		exec:         exec,
		audit:        audit,
		logger:       logger.With(slog.String("component", "jobs")),
		jobs:         make(map[string]*entry),
		now:          time.Now,
		pollInterval: 2 * time.Second,
		maxTTL:       600 * time.Second,
		bracketCap:   time.Hour,
	}
}

// GetStatus returns the job snapshot, or ErrJobNotFound for unknown ids.
// Terminal jobs keep returning their final state.
func (m *Manager) GetStatus(jobID string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("jobs: %s: %w", jobID, domain.ErrJobNotFound)
	}
	return e.job, nil
}

// Await blocks until the job reaches a terminal state or ctx is cancelled,
// then returns the final snapshot.
func (m *Manager) Await(ctx context.Context, jobID string) (Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return Job{}, fmt.Errorf("jobs: %s: %w", jobID, domain.ErrJobNotFound)
	}

	select {
	case <-ctx.Done():
		return Job{}, fmt.Errorf("jobs: await %s: %w", jobID, ctx.Err())
	case <-e.done:
	}
	return m.GetStatus(jobID)
}

// History returns the audit trail for a job, including jobs that have been
// dropped from the in-memory arena. It requires an audit store that supports
// reads; otherwise ErrNotFound is returned.
func (m *Manager) History(ctx context.Context, jobID string) ([]Transition, error) {
	reader, ok := m.audit.(HistoryReader)
	if !ok {
		return nil, fmt.Errorf("jobs: history %s: no readable audit store: %w", jobID, domain.ErrNotFound)
	}
	transitions, err := reader.JobHistory(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(transitions) == 0 {
		return nil, fmt.Errorf("jobs: history %s: %w", jobID, domain.ErrJobNotFound)
	}
	return transitions, nil
}

// Cancel requests cancellation. Calling it on a terminal job returns the
// final state without error; cancelling twice is idempotent.
func (m *Manager) Cancel(ctx context.Context, jobID string) (Job, error) {
	m.mu.Lock()
	e, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return Job{}, fmt.Errorf("jobs: %s: %w", jobID, domain.ErrJobNotFound)
	}
	if e.job.State.Terminal() {
		job := e.job
		m.mu.Unlock()
		return job, nil
	}
	alreadyRequested := e.userCancel
	e.userCancel = true
	cancel := e.cancel
	m.mu.Unlock()

	if !alreadyRequested {
		cancel()
	}

	// The background goroutine performs the actual unwind (cancelling live
	// orders) and drives the terminal transition.
	return m.Await(ctx, jobID)
}

// Close stops all running jobs and waits for their goroutines to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, e := range m.jobs {
		if !e.job.State.Terminal() {
			e.cancel()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// register inserts a new job and returns its entry.
func (m *Manager) register(job Job, cancel context.CancelFunc) *entry {
	e := &entry{job: job, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.jobs[job.ID] = e
	m.mu.Unlock()
	return e
}

// transition moves the job to a new state if it has not already reached a
// terminal one. It reports whether the transition was applied; a false return
// means another path won the race.
func (m *Manager) transition(e *entry, to JobState, result, reason string) bool {
	m.mu.Lock()
	if e.job.State.Terminal() {
		m.mu.Unlock()
		return false
	}
	from := e.job.State
	e.job.State = to
	if result != "" {
		e.job.Result = result
	}
	if reason != "" {
		e.job.Reason = reason
	}
	job := e.job
	if to.Terminal() {
		close(e.done)
	}
	m.mu.Unlock()

	m.logger.Info("job transition",
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if m.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.audit.RecordTransition(ctx, job.ID, string(job.Type), string(from), string(to), reason, m.now()); err != nil {
			m.logger.Warn("audit write failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	return true
}

// cancelRequested reports whether Cancel has been called for the entry.
func (m *Manager) cancelRequested(e *entry) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return e.userCancel
}

// addOrder appends an order id to the job snapshot.
func (m *Manager) addOrder(e *entry, orderID int64) {
	m.mu.Lock()
	e.job.OrderIDs = append(e.job.OrderIDs, orderID)
	m.mu.Unlock()
}

func newJobID() string {
	return uuid.NewString()
}
