package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"callbank/internal/domain"
	"callbank/internal/kv"
)

// ErrNotFound mirrors kv.ErrNotFound for callers that only import the
// store layer.
var ErrNotFound = kv.ErrNotFound

// Store is the typed repository over the key-value table. It marshals
// domain entities to JSON documents and composes conditional writes
// for the services above it.
type Store struct {
	KV  kv.Store
	Reg Registry
	Now func() time.Time
}

func New(s kv.Store, reg Registry) Store {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return Store{KV: s, Reg: reg, Now: time.Now}
}

func (s Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func mustDoc(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal doc: %v", err))
	}
	return b
}

// --- locations ---

func (s Store) GetLocation(ctx context.Context, id string) (domain.Location, error) {
	var loc domain.Location
	it, err := s.KV.Get(ctx, LocationPK(id), MetaSK)
	if err != nil {
		return loc, err
	}
	err = json.Unmarshal(it.Doc, &loc)
	return loc, err
}

// LocationItem renders the entity record handed to the uniqueness
// enforcer at creation time.
func (s Store) LocationItem(loc domain.Location) kv.Item {
	return kv.Item{PK: LocationPK(loc.ID), SK: MetaSK, Doc: mustDoc(loc)}
}

const configSK = "CONFIG"

// UpsertLocationConfig stores the location's config document beside
// its meta record.
func (s Store) UpsertLocationConfig(ctx context.Context, locationID string, doc []byte) error {
	return s.KV.Put(ctx, kv.Write{Item: kv.Item{PK: LocationPK(locationID), SK: configSK, Doc: doc}})
}

func (s Store) GetLocationConfig(ctx context.Context, locationID string) ([]byte, error) {
	it, err := s.KV.Get(ctx, LocationPK(locationID), configSK)
	if err != nil {
		return nil, err
	}
	return it.Doc, nil
}

// --- tasks ---

func (s Store) InsertTask(ctx context.Context, t domain.Task) error {
	pointer := map[string]string{"task_id": t.ID, "title": t.Title}
	return s.KV.Apply(ctx, []kv.Write{
		{Item: kv.Item{PK: TaskPK(t.ID), SK: MetaSK, Doc: mustDoc(t)}, Cond: kv.CondNotExists},
		{Item: kv.Item{PK: LocationPK(t.LocationID), SK: TaskPre + t.ID, Doc: mustDoc(pointer)}},
	})
}

func (s Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	it, err := s.KV.Get(ctx, TaskPK(id), MetaSK)
	if err != nil {
		return t, err
	}
	err = json.Unmarshal(it.Doc, &t)
	return t, err
}

// TaskStatusWrite rewrites the task record with a new status, guarded
// on the status it is transitioning from.
func (s Store) TaskStatusWrite(t domain.Task, from, to string) kv.Write {
	t.Status = to
	t.UpdatedAt = s.now()
	return kv.Write{
		Item:  kv.Item{PK: TaskPK(t.ID), SK: MetaSK, Doc: mustDoc(t)},
		Cond:  kv.CondExists,
		Guard: &kv.Guard{Field: "status", Equals: from},
	}
}

func (s Store) ListTasksByLocation(ctx context.Context, locationID string) ([]domain.Task, error) {
	pointers, err := s.KV.Query(ctx, LocationPK(locationID), TaskPre)
	if err != nil {
		return nil, err
	}
	var tasks []domain.Task
	for _, p := range pointers {
		taskID := strings.TrimPrefix(p.SK, TaskPre)
		t, err := s.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// --- targets ---

// AddTargets appends targets to a task's pool, assigning sequence
// numbers after the current tail. Each insert is conditioned on the
// slot being empty so two concurrent imports cannot collide silently.
func (s Store) AddTargets(ctx context.Context, taskID string, targets []domain.Target) ([]domain.Target, error) {
	existing, err := s.TargetsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	seq := len(existing)
	now := s.now()
	writes := make([]kv.Write, 0, len(targets))
	out := make([]domain.Target, 0, len(targets))
	for i := range targets {
		t := targets[i]
		t.TaskID = taskID
		t.Seq = seq + i
		t.CreatedAt = now
		writes = append(writes, kv.Write{
			Item: kv.Item{PK: TaskPK(taskID), SK: TargetSK(t.Seq), Doc: mustDoc(t)},
			Cond: kv.CondNotExists,
		})
		out = append(out, t)
	}
	if err := s.KV.Apply(ctx, writes); err != nil {
		return nil, err
	}
	return out, nil
}

func (s Store) TargetsByTask(ctx context.Context, taskID string) ([]domain.Target, error) {
	items, err := s.KV.Query(ctx, TaskPK(taskID), TargetPre)
	if err != nil {
		return nil, err
	}
	targets := make([]domain.Target, 0, len(items))
	for _, it := range items {
		var t domain.Target
		if err := json.Unmarshal(it.Doc, &t); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// --- assignments ---

func (s Store) AssignmentsByTask(ctx context.Context, taskID string) ([]domain.Assignment, error) {
	items, err := s.KV.Query(ctx, TaskPK(taskID), AssignPre)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Assignment, 0, len(items))
	for _, it := range items {
		var a domain.Assignment
		if err := json.Unmarshal(it.Doc, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s Store) GetAssignment(ctx context.Context, taskID, targetID string) (domain.Assignment, error) {
	var a domain.Assignment
	it, err := s.KV.Get(ctx, TaskPK(taskID), AssignSK(targetID))
	if err != nil {
		return a, err
	}
	err = json.Unmarshal(it.Doc, &a)
	return a, err
}

// AssignmentCreateWrite is the race-safe claim write: it only commits
// if no assignment record exists for the target yet.
func (s Store) AssignmentCreateWrite(a domain.Assignment) kv.Write {
	return kv.Write{
		Item: kv.Item{PK: TaskPK(a.TaskID), SK: AssignSK(a.TargetID), Doc: mustDoc(a)},
		Cond: kv.CondNotExists,
	}
}

// AssignmentStatusWrite flips an assignment out of pending, guarded so
// a terminal record can never revert or double-transition.
func (s Store) AssignmentStatusWrite(a domain.Assignment, to string) kv.Write {
	a.Status = to
	a.UpdatedAt = s.now()
	return kv.Write{
		Item:  kv.Item{PK: TaskPK(a.TaskID), SK: AssignSK(a.TargetID), Doc: mustDoc(a)},
		Cond:  kv.CondExists,
		Guard: &kv.Guard{Field: "status", Equals: domain.AssignmentPending},
	}
}

// ClaimIndexWrite denormalizes a claim under the principal's partition
// for principal-scoped work lookups.
func (s Store) ClaimIndexWrite(a domain.Assignment) kv.Write {
	return kv.Write{
		Item: kv.Item{PK: PrincipalPK(a.PrincipalID), SK: ClaimSK(a.TaskID, a.TargetID), Doc: mustDoc(a)},
	}
}

func (s Store) ClaimsByPrincipal(ctx context.Context, principalID string) ([]domain.Assignment, error) {
	items, err := s.KV.Query(ctx, PrincipalPK(principalID), ClaimPre)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Assignment, 0, len(items))
	for _, it := range items {
		var a domain.Assignment
		if err := json.Unmarshal(it.Doc, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// --- interactions ---

func (s Store) GetInteraction(ctx context.Context, taskID, targetID string) (domain.Interaction, error) {
	var n domain.Interaction
	it, err := s.KV.Get(ctx, TaskPK(taskID), NoteSK(targetID))
	if err != nil {
		return n, err
	}
	err = json.Unmarshal(it.Doc, &n)
	return n, err
}

// InteractionWrite overwrites the single outcome record for the
// (task, target) pair. Latest state only; no history.
func (s Store) InteractionWrite(n domain.Interaction) kv.Write {
	return kv.Write{Item: kv.Item{PK: TaskPK(n.TaskID), SK: NoteSK(n.TargetID), Doc: mustDoc(n)}}
}

// --- groups, memberships, roles, page permissions ---

func (s Store) PutGroup(ctx context.Context, g domain.Group) error {
	return s.KV.Put(ctx, kv.Write{Item: kv.Item{PK: GroupPK(g.ID), SK: MetaSK, Doc: mustDoc(g)}})
}

func (s Store) GetGroup(ctx context.Context, id string) (domain.Group, error) {
	var g domain.Group
	it, err := s.KV.Get(ctx, GroupPK(id), MetaSK)
	if err != nil {
		return g, err
	}
	err = json.Unmarshal(it.Doc, &g)
	return g, err
}

func (s Store) AddMembership(ctx context.Context, m domain.Membership) error {
	m.CreatedAt = s.now()
	return s.KV.Put(ctx, kv.Write{
		Item: kv.Item{PK: PrincipalPK(m.PrincipalID), SK: MemberSK(m.LocationID, m.GroupID), Doc: mustDoc(m)},
	})
}

// MembershipsInScope returns the principal's memberships filtered to
// one location. Bounded fan-out; typically a handful of groups.
func (s Store) MembershipsInScope(ctx context.Context, principalID, locationID string) ([]domain.Membership, error) {
	items, err := s.KV.Query(ctx, PrincipalPK(principalID), MemberPrefix(locationID))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Membership, 0, len(items))
	for _, it := range items {
		var m domain.Membership
		if err := json.Unmarshal(it.Doc, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s Store) PutRole(ctx context.Context, r domain.Role) error {
	return s.KV.Put(ctx, kv.Write{Item: kv.Item{PK: RolePK(r.ID), SK: MetaSK, Doc: mustDoc(r)}})
}

func (s Store) AssignRoleToGroup(ctx context.Context, groupID, roleID string) error {
	doc := map[string]string{"role_id": roleID}
	return s.KV.Put(ctx, kv.Write{Item: kv.Item{PK: GroupPK(groupID), SK: RoleAsgSK(roleID), Doc: mustDoc(doc)}})
}

func (s Store) RolesByGroup(ctx context.Context, groupID string) ([]string, error) {
	items, err := s.KV.Query(ctx, GroupPK(groupID), RoleAsgPre)
	if err != nil {
		return nil, err
	}
	roles := make([]string, 0, len(items))
	for _, it := range items {
		roles = append(roles, strings.TrimPrefix(it.SK, RoleAsgPre))
	}
	return roles, nil
}

func (s Store) SetPagePermission(ctx context.Context, p domain.PagePermission) error {
	return s.KV.Put(ctx, kv.Write{Item: kv.Item{PK: RolePK(p.RoleID), SK: PageSK(p.Page), Doc: mustDoc(p)}})
}

// GetPagePermission is the O(1) point lookup at the end of the
// permission traversal.
func (s Store) GetPagePermission(ctx context.Context, roleID, page string) (domain.PagePermission, error) {
	var p domain.PagePermission
	it, err := s.KV.Get(ctx, RolePK(roleID), PageSK(page))
	if err != nil {
		return p, err
	}
	err = json.Unmarshal(it.Doc, &p)
	return p, err
}
