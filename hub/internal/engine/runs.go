package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/amurg-ai/conduit/hub/internal/dispatch"
	"github.com/amurg-ai/conduit/hub/internal/execctx"
	"github.com/amurg-ai/conduit/hub/internal/store"
	"github.com/amurg-ai/conduit/hub/internal/workpool"
)

var (
	// ErrRunActive is returned when the (thread, run) already has a live run.
	ErrRunActive = errors.New("run already active")
	// ErrTooManyRuns is returned when the user is at the live-run limit.
	ErrTooManyRuns = errors.New("too many active runs")
	// ErrRunNotFound is returned when cancelling a run that is not live.
	ErrRunNotFound = errors.New("run not found")
	// ErrShuttingDown is returned by Start once Shutdown has begun.
	ErrShuttingDown = errors.New("engine shutting down")
)

// Options configures Runs.
type Options struct {
	ToolTimeout    time.Duration
	RunTimeout     time.Duration
	MaxRunsPerUser int
}

type runKey struct {
	threadID string
	runID    string
}

type liveRun struct {
	run    *Run
	connID string
	cancel context.CancelCauseFunc
}

// UserStats are per-user run counters.
type UserStats struct {
	Started   int64     `json:"runs_started"`
	Completed int64     `json:"runs_completed"`
	Failed    int64     `json:"runs_failed"`
	Cancelled int64     `json:"runs_cancelled"`
	ToolCalls int64     `json:"tool_calls"`
	Active    int       `json:"runs_active"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}

// Runs is the table of live runs, partitioned by user. It starts runs on
// their own goroutines and cancels them by key or by connection.
type Runs struct {
	tools    *dispatch.Toolset
	pool     *workpool.Pool
	planner  Planner
	observer Observer
	auditor  *store.Auditor
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	live    map[string]map[runKey]*liveRun
	stats   map[string]*UserStats
	closing bool
	wg      sync.WaitGroup
}

// NewRuns creates an empty run table. planner defaults to PayloadPlanner.
func NewRuns(tools *dispatch.Toolset, pool *workpool.Pool, planner Planner, observer Observer, auditor *store.Auditor, opts Options, logger *slog.Logger) *Runs {
	if planner == nil {
		planner = PayloadPlanner{}
	}
	return &Runs{
		tools:    tools,
		pool:     pool,
		planner:  planner,
		observer: observer,
		auditor:  auditor,
		opts:     opts,
		logger:   logger.With("component", "runs"),
		live:     make(map[string]map[runKey]*liveRun),
		stats:    make(map[string]*UserStats),
	}
}

// Start registers ec as a live run and executes it in the background. On
// success the run owns ec and releases it when it finishes; on error the
// caller still owns ec.
func (rs *Runs) Start(ec *execctx.Context, connID string, sender Sender, payload map[string]any) (*Run, error) {
	key := runKey{threadID: ec.ThreadID(), runID: ec.RunID()}

	rs.mu.Lock()
	if rs.closing {
		rs.mu.Unlock()
		return nil, ErrShuttingDown
	}
	userRuns := rs.live[ec.UserID()]
	if _, exists := userRuns[key]; exists {
		rs.mu.Unlock()
		return nil, fmt.Errorf("%w: thread %s run %s", ErrRunActive, key.threadID, key.runID)
	}
	if rs.opts.MaxRunsPerUser > 0 && len(userRuns) >= rs.opts.MaxRunsPerUser {
		rs.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrTooManyRuns, rs.opts.MaxRunsPerUser)
	}
	if userRuns == nil {
		userRuns = make(map[runKey]*liveRun)
		rs.live[ec.UserID()] = userRuns
	}

	d := dispatch.New(ec, rs.tools, rs.pool, dispatch.Options{Timeout: rs.opts.ToolTimeout, Logger: rs.logger})
	run := NewRun(ec, sender, d, rs.observer, rs.logger)

	ctx, cancel := context.WithCancelCause(context.Background())
	lr := &liveRun{run: run, connID: connID, cancel: cancel}
	userRuns[key] = lr
	st := rs.userStatsLocked(ec.UserID())
	st.Started++
	st.LastRunAt = time.Now()
	rs.wg.Add(1)
	rs.mu.Unlock()

	rs.auditor.Record(context.Background(), store.AuditEvent{
		Action: store.AuditRunStarted, UserID: ec.UserID(), ConnectionID: connID,
		ThreadID: key.threadID, RunID: key.runID,
	}, nil)

	go rs.execute(ctx, lr, payload)
	return run, nil
}

func (rs *Runs) execute(ctx context.Context, lr *liveRun, payload map[string]any) {
	defer rs.wg.Done()
	run := lr.run
	ec := run.Context()

	if rs.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, rs.opts.RunTimeout, errRunTimeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("run panicked: %v", p)
				_ = run.Fail(context.Background(), err, "internal_error")
			}
		}()
		return run.Execute(ctx, rs.planner, payload)
	}()

	summary := run.Summary()
	state := store.RunCompleted
	if summary.State != StateCompleted {
		state = store.RunFailed
	}
	bg := context.Background()
	if sc := ec.Scope(); sc != nil {
		if ferr := sc.Finish(bg, state, summary.Reason); ferr != nil {
			run.logger.Warn("failed to record run outcome", "error", ferr)
		}
	}
	if rerr := ec.Release(); rerr != nil {
		run.logger.Warn("failed to release execution context", "error", rerr)
	}

	rs.mu.Lock()
	if userRuns := rs.live[ec.UserID()]; userRuns != nil {
		delete(userRuns, runKey{threadID: ec.ThreadID(), runID: ec.RunID()})
		if len(userRuns) == 0 {
			delete(rs.live, ec.UserID())
		}
	}
	st := rs.userStatsLocked(ec.UserID())
	st.ToolCalls += int64(summary.ToolCalls)
	switch {
	case summary.State == StateCompleted:
		st.Completed++
	case summary.Reason == ReasonCancelled:
		st.Cancelled++
	default:
		st.Failed++
	}
	rs.mu.Unlock()

	rs.auditor.Record(bg, store.AuditEvent{
		Action: store.AuditRunFinished, UserID: ec.UserID(), ConnectionID: lr.connID,
		ThreadID: ec.ThreadID(), RunID: ec.RunID(),
	}, map[string]any{"state": summary.State, "reason": summary.Reason, "tool_calls": summary.ToolCalls})

	if err != nil {
		run.logger.Info("run failed", "reason", summary.Reason, "error", err)
	} else {
		run.logger.Info("run completed", "tool_calls", summary.ToolCalls)
	}
}

func (rs *Runs) userStatsLocked(userID string) *UserStats {
	st, ok := rs.stats[userID]
	if !ok {
		st = &UserStats{}
		rs.stats[userID] = st
	}
	return st
}

// Cancel stops one of the user's live runs.
func (rs *Runs) Cancel(userID, threadID, runID string) error {
	rs.mu.Lock()
	lr, ok := rs.live[userID][runKey{threadID: threadID, runID: runID}]
	rs.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: thread %s run %s", ErrRunNotFound, threadID, runID)
	}
	lr.cancel(errCancelled)
	return nil
}

// CancelConnection stops every run the connection started and returns how
// many were cancelled.
func (rs *Runs) CancelConnection(userID, connID string) int {
	rs.mu.Lock()
	var victims []*liveRun
	for _, lr := range rs.live[userID] {
		if lr.connID == connID {
			victims = append(victims, lr)
		}
	}
	rs.mu.Unlock()

	for _, lr := range victims {
		lr.cancel(errCancelled)
	}
	return len(victims)
}

// Lookup returns a live run of the user.
func (rs *Runs) Lookup(userID, threadID, runID string) (*Run, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	lr, ok := rs.live[userID][runKey{threadID: threadID, runID: runID}]
	if !ok {
		return nil, false
	}
	return lr.run, true
}

// Active returns summaries of the user's live runs, oldest first.
func (rs *Runs) Active(userID string) []Summary {
	rs.mu.Lock()
	runs := make([]*Run, 0, len(rs.live[userID]))
	for _, lr := range rs.live[userID] {
		runs = append(runs, lr.run)
	}
	rs.mu.Unlock()

	out := make([]Summary, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stats returns the user's counters.
func (rs *Runs) Stats(userID string) UserStats {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var st UserStats
	if s, ok := rs.stats[userID]; ok {
		st = *s
	}
	st.Active = len(rs.live[userID])
	return st
}

// ActiveCount returns the number of live runs across all users.
func (rs *Runs) ActiveCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	n := 0
	for _, m := range rs.live {
		n += len(m)
	}
	return n
}

// Wait blocks until every started run has finished its bookkeeping.
func (rs *Runs) Wait() {
	rs.wg.Wait()
}

// Shutdown cancels every live run and waits for them to finish or ctx to end.
func (rs *Runs) Shutdown(ctx context.Context) error {
	rs.mu.Lock()
	rs.closing = true
	var all []*liveRun
	for _, m := range rs.live {
		for _, lr := range m {
			all = append(all, lr)
		}
	}
	rs.mu.Unlock()

	for _, lr := range all {
		lr.cancel(errCancelled)
	}

	done := make(chan struct{})
	go func() {
		rs.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
