package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callbank/internal/domain"
	"callbank/internal/events"
	"callbank/internal/kv"
	"callbank/internal/store"
)

// ErrContended signals that every retry attempt lost a conditional
// write to competing claimers. Retryable by the caller; distinct from
// a normal empty-pool result.
var ErrContended = errors.New("claim contended; retry later")

// ErrNotHolder reports an assignment operation attempted by a
// principal other than the one holding it.
var ErrNotHolder = errors.New("not the assignment holder")

// ErrTerminal reports an operation on an assignment that is already
// done or skipped.
var ErrTerminal = errors.New("assignment already terminal")

const poolExhaustedMessage = "pool exhausted"

// Options bound the optimistic retry loop.
type Options struct {
	MaxRetries int
	Backoff    time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 25 * time.Millisecond
	}
	return o
}

// Engine hands batches of unclaimed targets to principals. There are
// no locks and no coordinator: exclusivity rests entirely on the
// per-target existence condition at commit time.
type Engine struct {
	Store  store.Store
	Events events.Writer
	Opts   Options
	Now    func() time.Time
	Sleep  func(time.Duration)
}

func New(s store.Store, ev events.Writer, opts Options) Engine {
	return Engine{Store: s, Events: ev, Opts: opts.withDefaults(), Now: time.Now, Sleep: time.Sleep}
}

// Snapshot is a point-in-time read of a task's pool. It may be stale
// by commit time; the commit conditions are what make that safe.
type Snapshot struct {
	Task        domain.Task
	Targets     []domain.Target
	Assignments []domain.Assignment
}

// Request asks for a batch of targets on behalf of a principal.
type Request struct {
	PrincipalID string
	Count       int
}

// Plan is the set of targets a commit will try to assign.
type Plan struct {
	Selected     []domain.Target
	FirstClaim   bool
	PoolRemained int
}

// BuildPlan selects up to req.Count unassigned targets in sequence
// order. Pure function over the snapshot, so selection logic is
// testable without a store.
func BuildPlan(snap Snapshot, req Request) Plan {
	taken := make(map[string]bool, len(snap.Assignments))
	for _, a := range snap.Assignments {
		// Any assignment removes the target from the pool: terminal
		// statuses never re-enter it.
		taken[a.TargetID] = true
	}
	var pool []domain.Target
	for _, t := range snap.Targets {
		if !taken[t.ID] {
			pool = append(pool, t)
		}
	}
	k := req.Count
	if k > len(pool) {
		k = len(pool)
	}
	if k < 0 {
		k = 0
	}
	return Plan{
		Selected:     pool[:k],
		FirstClaim:   len(snap.Assignments) == 0,
		PoolRemained: len(pool) - k,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) sleep(d time.Duration) {
	if e.Sleep != nil {
		e.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (e Engine) snapshot(ctx context.Context, taskID string) (Snapshot, error) {
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return Snapshot{}, err
	}
	targets, err := e.Store.TargetsByTask(ctx, taskID)
	if err != nil {
		return Snapshot{}, err
	}
	assignments, err := e.Store.AssignmentsByTask(ctx, taskID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Task: task, Targets: targets, Assignments: assignments}, nil
}

// Claim assigns up to count targets to the principal. An empty pool is
// a normal outcome, not an error. Competing claimers surface as
// condition conflicts; the whole read-plan-commit cycle retries with
// exponential backoff until the budget runs out, then ErrContended.
func (e Engine) Claim(ctx context.Context, taskID, principalID string, count int) (domain.ClaimResult, error) {
	if taskID == "" || principalID == "" {
		return domain.ClaimResult{}, errors.New("task and principal required")
	}
	if count <= 0 {
		return domain.ClaimResult{}, errors.New("count must be positive")
	}
	result := domain.ClaimResult{TaskID: taskID, Requested: count}
	for attempt := 0; attempt <= e.Opts.MaxRetries; attempt++ {
		if attempt > 0 {
			e.sleep(e.Opts.Backoff * (1 << (attempt - 1)))
		}
		snap, err := e.snapshot(ctx, taskID)
		if err != nil {
			return result, err
		}
		plan := BuildPlan(snap, Request{PrincipalID: principalID, Count: count})
		if len(plan.Selected) == 0 {
			result.Assigned = 0
			result.Message = poolExhaustedMessage
			return result, nil
		}
		err = e.commit(ctx, snap, plan, principalID)
		if err == nil {
			result.Assigned = len(plan.Selected)
			result.Message = fmt.Sprintf("assigned %d of %d requested", result.Assigned, count)
			return result, nil
		}
		if errors.Is(err, kv.ErrConditionFailed) {
			continue
		}
		return result, err
	}
	return result, ErrContended
}

// commit builds the atomic batch for a plan: one conditioned
// assignment per target, the principal-scoped claim index, the task's
// open -> in_progress transition on the first-ever claim, and a claim
// event. All-or-nothing.
func (e Engine) commit(ctx context.Context, snap Snapshot, plan Plan, principalID string) error {
	now := e.now().UTC().Format(time.RFC3339)
	writes := make([]kv.Write, 0, 2*len(plan.Selected)+2)
	targetIDs := make([]string, 0, len(plan.Selected))
	for _, t := range plan.Selected {
		a := domain.Assignment{
			TaskID:      snap.Task.ID,
			TargetID:    t.ID,
			PrincipalID: principalID,
			Status:      domain.AssignmentPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		writes = append(writes, e.Store.AssignmentCreateWrite(a), e.Store.ClaimIndexWrite(a))
		targetIDs = append(targetIDs, t.ID)
	}
	if plan.FirstClaim && snap.Task.Status == domain.TaskOpen {
		writes = append(writes, e.Store.TaskStatusWrite(snap.Task, domain.TaskOpen, domain.TaskInProgress))
	}
	evt, err := e.Events.Write("task.claimed", snap.Task.LocationID, "task", snap.Task.ID, principalID, events.EventPayload{
		"targets": targetIDs,
	})
	if err != nil {
		return err
	}
	writes = append(writes, evt)
	return e.Store.KV.Apply(ctx, writes)
}

// Skip moves the caller's pending assignment to skipped. Terminal: the
// target is not returned to the pool. (Deliberate product decision;
// revisit if skipped targets should become reclaimable.)
func (e Engine) Skip(ctx context.Context, taskID, principalID, targetID string) error {
	a, err := e.Store.GetAssignment(ctx, taskID, targetID)
	if err != nil {
		return err
	}
	if a.PrincipalID != principalID {
		return fmt.Errorf("target %s: %w", targetID, ErrNotHolder)
	}
	if a.Status != domain.AssignmentPending {
		return fmt.Errorf("target %s is %s: %w", targetID, a.Status, ErrTerminal)
	}
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	evt, err := e.Events.Write("target.skipped", task.LocationID, "target", targetID, principalID, nil)
	if err != nil {
		return err
	}
	return e.Store.KV.Apply(ctx, []kv.Write{
		e.Store.AssignmentStatusWrite(a, domain.AssignmentSkipped),
		evt,
	})
}
