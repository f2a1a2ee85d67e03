package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-helm/internal/persistence"
	"github.com/basket/go-helm/internal/shared"
)

// SubmitRequest describes one goal submission. GoalID is minted when empty;
// schedulers reuse a stable GoalID so memory accumulates across firings.
type SubmitRequest struct {
	GoalID        string
	GoalText      string
	Identity      string
	MaxIterations int
}

// Manager owns the concurrent goal runs of one process. Each run gets its
// own goroutine and cancelable context; the manager keeps the cancel funcs
// so runs can be stopped individually or drained together at shutdown.
type Manager struct {
	runner *Runner
	store  *persistence.Store
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewManager creates a Manager around a Runner. The store may be nil in
// tests; runs then live only in memory.
func NewManager(runner *Runner, store *persistence.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner:  runner,
		store:   store,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit registers a new goal run and starts it on its own goroutine. The
// caller's context covers only the submission; the run itself lives on a
// background context until it terminates or is canceled.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	goal := strings.TrimSpace(req.GoalText)
	if goal == "" {
		return "", errors.New("submit: empty goal")
	}

	goalID := req.GoalID
	if goalID == "" {
		goalID = shared.NewGoalID()
	}
	runID := shared.NewRunID()
	st := NewState(runID, goalID, goal, req.Identity, req.MaxIterations)

	if m.store != nil {
		run := &persistence.GoalRun{
			RunID:         runID,
			GoalID:        goalID,
			GoalText:      goal,
			Identity:      st.Identity,
			MaxIterations: st.MaxIterations,
		}
		if err := m.store.CreateRun(ctx, run); err != nil {
			return "", fmt.Errorf("submit: %w", err)
		}
	}

	if err := m.launch(st, true); err != nil {
		return "", err
	}
	m.logger.Info("goal submitted", "run_id", runID, "goal_id", goalID, "identity", st.Identity)
	return runID, nil
}

// Resume restarts a non-terminal run from its last checkpoint. Runs left in
// running state by a crash pick up at the checkpointed iteration.
func (m *Manager) Resume(ctx context.Context, runID string) error {
	if m.store == nil {
		return errors.New("resume: no store configured")
	}
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	switch run.Status {
	case persistence.RunStatusPending, persistence.RunStatusRunning:
	default:
		return fmt.Errorf("resume: run %s is %s", runID, run.Status)
	}
	if m.isActive(runID) {
		return fmt.Errorf("resume: run %s is already active", runID)
	}

	st, restoreErr := RestoreState(run.Checkpoint)
	if restoreErr != nil || st.RunID == "" {
		st = NewState(run.RunID, run.GoalID, run.GoalText, run.Identity, run.MaxIterations)
	}

	if err := m.launch(st, run.Status == persistence.RunStatusPending); err != nil {
		return err
	}
	m.logger.Info("run resumed", "run_id", runID, "goal_id", run.GoalID, "iteration", st.Iteration)
	return nil
}

// launch registers the cancel func and spawns the run goroutine.
// markRunning is false when the stored row already says running.
func (m *Manager) launch(st *State, markRunning bool) error {
	runCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return errors.New("submit: manager is draining")
	}
	m.cancels[st.RunID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go m.execute(runCtx, cancel, st, markRunning)
	return nil
}

func (m *Manager) execute(ctx context.Context, cancel context.CancelFunc, st *State, markRunning bool) {
	defer m.wg.Done()
	defer cancel()
	defer m.forget(st.RunID)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("run panicked", "run_id", st.RunID, "goal_id", st.GoalID, "panic", r)
			m.transition(st.RunID, persistence.RunStatusFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	if markRunning {
		m.transition(st.RunID, persistence.RunStatusRunning, "")
	}

	err := m.runner.Run(ctx, st)
	switch {
	case err == nil && st.IsComplete:
		m.transition(st.RunID, persistence.RunStatusCompleted, st.Outcome)
	case err == nil:
		m.transition(st.RunID, persistence.RunStatusBlocked, st.Outcome)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		m.transition(st.RunID, persistence.RunStatusCanceled, "canceled")
	default:
		m.logger.Error("run failed", "run_id", st.RunID, "goal_id", st.GoalID, "error", err)
		m.transition(st.RunID, persistence.RunStatusFailed, err.Error())
	}
}

// Cancel stops a live run. Returns false when the run is not active, which
// includes runs that already terminated.
func (m *Manager) Cancel(runID string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[runID]
	m.mu.Unlock()
	if ok {
		cancel()
		m.logger.Info("run cancel requested", "run_id", runID)
	}
	return ok
}

// Status returns the persisted view of a run.
func (m *Manager) Status(ctx context.Context, runID string) (*persistence.GoalRun, error) {
	if m.store == nil {
		return nil, errors.New("status: no store configured")
	}
	return m.store.GetRun(ctx, runID)
}

// List returns recent runs, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]*persistence.GoalRun, error) {
	if m.store == nil {
		return nil, errors.New("list: no store configured")
	}
	runs, err := m.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*persistence.GoalRun, len(runs))
	for i := range runs {
		out[i] = &runs[i]
	}
	return out, nil
}

// Active reports how many runs are currently live.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}

// Drain stops accepting new runs, cancels the live ones, and waits up to
// timeout for their goroutines to finish their terminal bookkeeping.
func (m *Manager) Drain(timeout time.Duration) {
	m.mu.Lock()
	m.closed = true
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for _, c := range m.cancels {
		cancels = append(cancels, c)
	}
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		m.logger.Warn("drain timed out with runs still live", "active", m.Active())
	}
}

func (m *Manager) isActive(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cancels[runID]
	return ok
}

func (m *Manager) forget(runID string) {
	m.mu.Lock()
	delete(m.cancels, runID)
	m.mu.Unlock()
}

// transition records a lifecycle move. Run goroutines outlive their contexts,
// so terminal bookkeeping uses a fresh context with a short deadline.
func (m *Manager) transition(runID string, to persistence.RunStatus, outcome string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.TransitionRun(ctx, runID, to, outcome); err != nil {
		m.logger.Warn("run transition failed", "run_id", runID, "to", to, "error", err)
	}
}
