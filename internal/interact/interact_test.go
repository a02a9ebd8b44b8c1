package interact_test

import (
	"context"
	"errors"
	"testing"

	"callbank/internal/claim"
	"callbank/internal/db"
	"callbank/internal/domain"
	"callbank/internal/events"
	"callbank/internal/interact"
	"callbank/internal/kv"
	"callbank/internal/migrate"
	"callbank/internal/store"
)

func newTrackerEnv(t *testing.T) (store.Store, events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	kvs := kv.Store{DB: conn}
	st := store.New(kvs, store.DefaultRegistry())
	ctx := context.Background()
	task := domain.Task{ID: "task-1", LocationID: "loc-1", Title: "calls", Status: domain.TaskInProgress}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AddTargets(ctx, task.ID, []domain.Target{{ID: "tgt-1", Name: "Ada"}}); err != nil {
		t.Fatal(err)
	}
	a := domain.Assignment{
		TaskID:      task.ID,
		TargetID:    "tgt-1",
		PrincipalID: "vol-1",
		Status:      domain.AssignmentPending,
		CreatedAt:   "2026-03-01T09:00:00Z",
		UpdatedAt:   "2026-03-01T09:00:00Z",
	}
	if err := kvs.Apply(ctx, []kv.Write{st.AssignmentCreateWrite(a)}); err != nil {
		t.Fatal(err)
	}
	return st, events.Writer{KV: kvs}
}

func TestCompletionRules(t *testing.T) {
	rating := 3
	cases := []struct {
		rule interact.CompletionRule
		n    domain.Interaction
		want bool
	}{
		{interact.RuleRatedOrNoted, domain.Interaction{Notes: "x"}, true},
		{interact.RuleRatedOrNoted, domain.Interaction{Rating: &rating}, true},
		{interact.RuleRatedOrNoted, domain.Interaction{}, false},
		{interact.RuleRated, domain.Interaction{Notes: "x"}, false},
		{interact.RuleRated, domain.Interaction{Rating: &rating}, true},
		{interact.RuleNoted, domain.Interaction{Rating: &rating}, false},
		{interact.RuleNoted, domain.Interaction{Notes: "x"}, true},
		{interact.RuleManual, domain.Interaction{Notes: "x", Rating: &rating}, false},
	}
	for _, c := range cases {
		if got := c.rule.Complete(c.n); got != c.want {
			t.Errorf("%s.Complete(%+v) = %v, want %v", c.rule, c.n, got, c.want)
		}
	}
}

func TestInvalidRuleFallsBack(t *testing.T) {
	st, ev := newTrackerEnv(t)
	tr := interact.New(st, ev, "whatever")
	if tr.Rule != interact.RuleRatedOrNoted {
		t.Fatalf("rule %q, want default", tr.Rule)
	}
}

func TestRecordCompletesAssignment(t *testing.T) {
	st, ev := newTrackerEnv(t)
	tr := interact.New(st, ev, interact.RuleRatedOrNoted)
	ctx := context.Background()
	n, err := tr.Record(ctx, "task-1", "tgt-1", "vol-1", interact.Outcome{Notes: "answered, interested"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if n.Notes != "answered, interested" {
		t.Fatalf("unexpected interaction %+v", n)
	}
	a, err := st.GetAssignment(ctx, "task-1", "tgt-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AssignmentDone {
		t.Fatalf("assignment %q, want done", a.Status)
	}
}

func TestRecordManualRuleKeepsPending(t *testing.T) {
	st, ev := newTrackerEnv(t)
	tr := interact.New(st, ev, interact.RuleManual)
	ctx := context.Background()
	rating := 5
	if _, err := tr.Record(ctx, "task-1", "tgt-1", "vol-1", interact.Outcome{Notes: "great call", Rating: &rating}); err != nil {
		t.Fatal(err)
	}
	a, err := st.GetAssignment(ctx, "task-1", "tgt-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AssignmentPending {
		t.Fatalf("manual rule moved assignment to %q", a.Status)
	}
}

func TestRecordGuards(t *testing.T) {
	st, ev := newTrackerEnv(t)
	tr := interact.New(st, ev, interact.RuleRatedOrNoted)
	ctx := context.Background()
	if _, err := tr.Record(ctx, "task-1", "tgt-1", "vol-2", interact.Outcome{Notes: "not mine"}); !errors.Is(err, claim.ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder for non-holder record, got %v", err)
	}
	for _, bad := range []int{0, 6, -1} {
		r := bad
		if _, err := tr.Record(ctx, "task-1", "tgt-1", "vol-1", interact.Outcome{Rating: &r}); err == nil {
			t.Fatalf("expected rating %d rejected", bad)
		}
	}
	if _, err := tr.Record(ctx, "task-1", "missing", "vol-1", interact.Outcome{Notes: "x"}); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected unclaimed target to surface not found, got %v", err)
	}
}

func TestRecordKeepsLatestOnly(t *testing.T) {
	st, ev := newTrackerEnv(t)
	tr := interact.New(st, ev, interact.RuleRatedOrNoted)
	ctx := context.Background()
	rating := 2
	if _, err := tr.Record(ctx, "task-1", "tgt-1", "vol-1", interact.Outcome{Notes: "first pass", Rating: &rating}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Record(ctx, "task-1", "tgt-1", "vol-1", interact.Outcome{Notes: "second pass"}); err != nil {
		t.Fatal(err)
	}
	n, err := tr.Get(ctx, "task-1", "tgt-1")
	if err != nil {
		t.Fatal(err)
	}
	// full replacement, not a merge: the old rating is gone
	if n.Notes != "second pass" || n.Rating != nil {
		t.Fatalf("expected latest outcome only, got %+v", n)
	}
}

func TestGetWithoutInteraction(t *testing.T) {
	st, ev := newTrackerEnv(t)
	tr := interact.New(st, ev, interact.RuleRatedOrNoted)
	if _, err := tr.Get(context.Background(), "task-1", "tgt-1"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
