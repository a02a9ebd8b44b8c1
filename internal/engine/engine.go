package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"callbank/internal/access"
	"callbank/internal/claim"
	"callbank/internal/config"
	"callbank/internal/domain"
	"callbank/internal/events"
	"callbank/internal/interact"
	"callbank/internal/kv"
	"callbank/internal/store"
	"callbank/internal/unique"
)

// Engine is the service facade over the claim engine, the permission
// resolver, the uniqueness enforcer, and the interaction tracker. The
// HTTP server and the CLI both talk only to it.
type Engine struct {
	DB      *sql.DB
	KV      kv.Store
	Store   store.Store
	Unique  unique.Enforcer
	Access  access.Resolver
	Claims  claim.Engine
	Tracker interact.Tracker
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	kvs := kv.Store{DB: db}
	reg := store.DefaultRegistry()
	st := store.New(kvs, reg)
	ev := events.Writer{KV: kvs}
	opts := claim.Options{}
	rule := interact.RuleRatedOrNoted
	if cfg != nil {
		opts.MaxRetries = cfg.Claim.MaxRetries
		opts.Backoff = time.Duration(cfg.Claim.BackoffMS) * time.Millisecond
		rule = interact.CompletionRule(cfg.Completion.Rule)
	}
	return Engine{
		DB:      db,
		KV:      kvs,
		Store:   st,
		Unique:  unique.New(kvs, reg),
		Access:  access.New(st),
		Claims:  claim.New(st, ev, opts),
		Tracker: interact.New(st, ev, rule),
		Events:  ev,
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SetNow pins the clock on the engine and every component under it.
// Test helper.
func (e *Engine) SetNow(now func() time.Time) {
	e.Now = now
	e.KV.Now = now
	e.Store.Now = now
	e.Unique.Now = now
	e.Claims.Now = now
	e.Claims.Store.Now = now
	e.Tracker.Now = now
	e.Tracker.Store.Now = now
	e.Events.Now = now
}

// InitLocation creates a location with a unique human code and seeds
// the configured RBAC graph for it.
func (e Engine) InitLocation(ctx context.Context, code, name, actorID string) (domain.Location, error) {
	if code == "" {
		return domain.Location{}, errors.New("code is required")
	}
	normalized := unique.Normalize(code)
	if normalized == "" {
		return domain.Location{}, fmt.Errorf("code %q has no usable characters", code)
	}
	loc := domain.Location{
		ID:        uuid.New().String(),
		Code:      normalized,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if _, err := e.Unique.Create(ctx, store.KindLocation, e.Store.LocationItem(loc), loc.ID, code); err != nil {
		return domain.Location{}, err
	}
	if err := e.seedRBAC(ctx, loc.ID); err != nil {
		return domain.Location{}, err
	}
	if err := e.Events.Append(ctx, "location.created", loc.ID, "location", loc.ID, actorID, events.EventPayload{"code": normalized}); err != nil {
		return domain.Location{}, err
	}
	return loc, nil
}

// seedRBAC writes the config's roles, page effects, and per-location
// groups so a fresh location is immediately authorizable.
func (e Engine) seedRBAC(ctx context.Context, locationID string) error {
	if e.Config == nil {
		return nil
	}
	for roleID, role := range e.Config.RBAC.Roles {
		if err := e.Store.PutRole(ctx, domain.Role{ID: roleID, Description: role.Description}); err != nil {
			return fmt.Errorf("seed role %s: %w", roleID, err)
		}
		for page, effect := range role.Pages {
			perm := domain.PagePermission{RoleID: roleID, Page: page, Effect: effect}
			if err := e.Store.SetPagePermission(ctx, perm); err != nil {
				return fmt.Errorf("seed permission %s/%s: %w", roleID, page, err)
			}
		}
	}
	for groupType, roles := range e.Config.RBAC.Groups {
		g := domain.Group{
			ID:         locationID + ":" + groupType,
			LocationID: locationID,
			Type:       groupType,
			Name:       groupType,
			CreatedAt:  e.now().UTC().Format(time.RFC3339),
		}
		if err := e.Store.PutGroup(ctx, g); err != nil {
			return fmt.Errorf("seed group %s: %w", groupType, err)
		}
		for _, roleID := range roles {
			if err := e.Store.AssignRoleToGroup(ctx, g.ID, roleID); err != nil {
				return fmt.Errorf("seed group role %s/%s: %w", g.ID, roleID, err)
			}
		}
	}
	return nil
}

// GetLocationByCode resolves the two-hop code lookup.
func (e Engine) GetLocationByCode(ctx context.Context, code string) (domain.Location, error) {
	it, err := e.Unique.GetByCode(ctx, store.KindLocation, code)
	if err != nil {
		return domain.Location{}, err
	}
	var loc domain.Location
	if err := json.Unmarshal(it.Doc, &loc); err != nil {
		return domain.Location{}, err
	}
	return loc, nil
}

// TaskCreateOptions are parameters for creating a call task.
type TaskCreateOptions struct {
	LocationID string
	Title      string
	Actions    []string
	ActorID    string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.LocationID == "" {
		return domain.Task{}, errors.New("location is required")
	}
	if _, err := e.Store.GetLocation(ctx, opts.LocationID); err != nil {
		return domain.Task{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:         uuid.New().String(),
		LocationID: opts.LocationID,
		Title:      opts.Title,
		Status:     domain.TaskOpen,
		Actions:    opts.Actions,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Store.InsertTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, "task.created", t.LocationID, "task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title}); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TargetInput is one row of a target import.
type TargetInput struct {
	Name  string
	Phone string
}

// AddTargets appends targets to the task pool in input order.
func (e Engine) AddTargets(ctx context.Context, taskID, actorID string, inputs []TargetInput) ([]domain.Target, error) {
	if len(inputs) == 0 {
		return nil, errors.New("at least one target required")
	}
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	targets := make([]domain.Target, 0, len(inputs))
	for _, in := range inputs {
		if in.Name == "" {
			return nil, errors.New("target name required")
		}
		targets = append(targets, domain.Target{ID: uuid.New().String(), Name: in.Name, Phone: in.Phone})
	}
	added, err := e.Store.AddTargets(ctx, taskID, targets)
	if err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, "targets.added", task.LocationID, "task", taskID, actorID, events.EventPayload{"count": len(added)}); err != nil {
		return nil, err
	}
	return added, nil
}

// ClaimTargets hands up to count unclaimed targets to the principal.
func (e Engine) ClaimTargets(ctx context.Context, taskID, principalID string, count int) (domain.ClaimResult, error) {
	if count <= 0 && e.Config != nil {
		count = e.Config.Claim.DefaultBatch
	}
	return e.Claims.Claim(ctx, taskID, principalID, count)
}

// SkipTarget marks the caller's assignment skipped; the target does
// not return to the pool.
func (e Engine) SkipTarget(ctx context.Context, taskID, principalID, targetID string) error {
	return e.Claims.Skip(ctx, taskID, principalID, targetID)
}

// RecordCall upserts the latest outcome for a target and, per the
// completion rule, finishes the assignment.
func (e Engine) RecordCall(ctx context.Context, taskID, targetID, principalID string, out interact.Outcome) (domain.Interaction, error) {
	return e.Tracker.Record(ctx, taskID, targetID, principalID, out)
}

// CompleteTask sets a task completed once every target carries a
// terminal assignment.
func (e Engine) CompleteTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	targets, err := e.Store.TargetsByTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	assignments, err := e.Store.AssignmentsByTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	terminal := 0
	for _, a := range assignments {
		if a.Status == domain.AssignmentDone || a.Status == domain.AssignmentSkipped {
			terminal++
		}
	}
	if terminal < len(targets) {
		return domain.Task{}, fmt.Errorf("%d of %d targets still open", len(targets)-terminal, len(targets))
	}
	evt, err := e.Events.Write("task.completed", task.LocationID, "task", taskID, actorID, nil)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.KV.Apply(ctx, []kv.Write{
		e.Store.TaskStatusWrite(task, domain.TaskInProgress, domain.TaskCompleted),
		evt,
	}); err != nil {
		return domain.Task{}, err
	}
	task.Status = domain.TaskCompleted
	return task, nil
}

// TaskSummary rolls up one task's pool state.
func (e Engine) TaskSummary(ctx context.Context, taskID string) (domain.TaskSummary, error) {
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return domain.TaskSummary{}, err
	}
	targets, err := e.Store.TargetsByTask(ctx, taskID)
	if err != nil {
		return domain.TaskSummary{}, err
	}
	assignments, err := e.Store.AssignmentsByTask(ctx, taskID)
	if err != nil {
		return domain.TaskSummary{}, err
	}
	return domain.TaskSummary{
		TaskID:       task.ID,
		Title:        task.Title,
		Status:       task.Status,
		TotalTargets: len(targets),
		Assigned:     len(assignments),
	}, nil
}

// TaskSummaries lists summaries for every task at a location.
func (e Engine) TaskSummaries(ctx context.Context, locationID string) ([]domain.TaskSummary, error) {
	tasks, err := e.Store.ListTasksByLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	summaries := make([]domain.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		s, err := e.TaskSummary(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// AssignedWork lists the principal's claims with target details and
// the latest interaction when one exists.
func (e Engine) AssignedWork(ctx context.Context, principalID string) ([]domain.AssignedWork, error) {
	claims, err := e.Store.ClaimsByPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	work := make([]domain.AssignedWork, 0, len(claims))
	for _, c := range claims {
		// The claim index is written once at claim time; the task
		// partition holds the live status.
		a, err := e.Store.GetAssignment(ctx, c.TaskID, c.TargetID)
		if err != nil {
			return nil, err
		}
		target, err := e.findTarget(ctx, c.TaskID, c.TargetID)
		if err != nil {
			return nil, err
		}
		w := domain.AssignedWork{
			TaskID:   c.TaskID,
			TargetID: c.TargetID,
			Name:     target.Name,
			Phone:    target.Phone,
			Status:   a.Status,
		}
		n, err := e.Store.GetInteraction(ctx, c.TaskID, c.TargetID)
		if err == nil {
			w.Interaction = &n
		} else if !errors.Is(err, kv.ErrNotFound) {
			return nil, err
		}
		work = append(work, w)
	}
	return work, nil
}

func (e Engine) findTarget(ctx context.Context, taskID, targetID string) (domain.Target, error) {
	targets, err := e.Store.TargetsByTask(ctx, taskID)
	if err != nil {
		return domain.Target{}, err
	}
	for _, t := range targets {
		if t.ID == targetID {
			return t, nil
		}
	}
	return domain.Target{}, kv.ErrNotFound
}

// CanAccess asks the permission resolver. Fail-closed.
func (e Engine) CanAccess(ctx context.Context, principalID, locationID, page string) bool {
	return e.Access.CanAccess(ctx, principalID, locationID, page)
}

// AccessiblePages filters the page catalog for a principal.
func (e Engine) AccessiblePages(ctx context.Context, principalID, locationID string) []string {
	var candidates []string
	if e.Config != nil {
		for page := range e.Config.Pages {
			candidates = append(candidates, page)
		}
	}
	sort.Strings(candidates)
	return e.Access.AccessiblePages(ctx, principalID, locationID, candidates)
}

// Join adds a principal to a location group of the given type.
func (e Engine) Join(ctx context.Context, principalID, locationID, groupType string) (domain.Membership, error) {
	groupID := locationID + ":" + groupType
	if _, err := e.Store.GetGroup(ctx, groupID); err != nil {
		return domain.Membership{}, err
	}
	m := domain.Membership{PrincipalID: principalID, LocationID: locationID, GroupID: groupID}
	if err := e.Store.AddMembership(ctx, m); err != nil {
		return domain.Membership{}, err
	}
	if err := e.Events.Append(ctx, "membership.added", locationID, "principal", principalID, principalID, events.EventPayload{"group": groupID}); err != nil {
		return domain.Membership{}, err
	}
	return m, nil
}

// CreateAPIKey mints and stores a hashed API key for an actor,
// returning the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor required")
	}
	plaintext := uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   store.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Store.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}
