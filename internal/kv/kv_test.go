package kv_test

import (
	"context"
	"errors"
	"testing"

	"callbank/internal/db"
	"callbank/internal/kv"
	"callbank/internal/migrate"
)

func newStore(t *testing.T) kv.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return kv.Store{DB: conn}
}

func put(t *testing.T, s kv.Store, pk, sk, doc string) {
	t.Helper()
	if err := s.Put(context.Background(), kv.Write{Item: kv.Item{PK: pk, SK: sk, Doc: []byte(doc)}}); err != nil {
		t.Fatalf("put %s/%s: %v", pk, sk, err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "TASK#x", "META")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	put(t, s, "TASK#1", "META", `{"status":"open"}`)
	it, err := s.Get(ctx, "TASK#1", "META")
	if err != nil {
		t.Fatal(err)
	}
	if string(it.Doc) != `{"status":"open"}` {
		t.Fatalf("unexpected doc %s", it.Doc)
	}
	// unconditional put overwrites
	put(t, s, "TASK#1", "META", `{"status":"in_progress"}`)
	it, err = s.Get(ctx, "TASK#1", "META")
	if err != nil {
		t.Fatal(err)
	}
	if string(it.Doc) != `{"status":"in_progress"}` {
		t.Fatalf("overwrite lost: %s", it.Doc)
	}
}

func TestCondNotExists(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	w := kv.Write{Item: kv.Item{PK: "LOOKUP#LOCATION", SK: "austin-01", Doc: []byte(`{}`)}, Cond: kv.CondNotExists}
	if err := s.Put(ctx, w); err != nil {
		t.Fatalf("first conditional put: %v", err)
	}
	err := s.Put(ctx, w)
	if !errors.Is(err, kv.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	var ce *kv.ConditionError
	if !errors.As(err, &ce) || ce.PK != "LOOKUP#LOCATION" || ce.SK != "austin-01" {
		t.Fatalf("expected ConditionError naming the record, got %v", err)
	}
}

func TestCondExists(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	w := kv.Write{Item: kv.Item{PK: "TASK#1", SK: "META", Doc: []byte(`{}`)}, Cond: kv.CondExists}
	if err := s.Put(ctx, w); !errors.Is(err, kv.ErrConditionFailed) {
		t.Fatalf("expected failure on missing record, got %v", err)
	}
	put(t, s, "TASK#1", "META", `{"status":"open"}`)
	if err := s.Put(ctx, w); err != nil {
		t.Fatalf("expected success once record exists: %v", err)
	}
}

func TestGuardOnStringField(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	put(t, s, "TASK#1", "META", `{"status":"open"}`)
	w := kv.Write{
		Item:  kv.Item{PK: "TASK#1", SK: "META", Doc: []byte(`{"status":"in_progress"}`)},
		Cond:  kv.CondExists,
		Guard: &kv.Guard{Field: "status", Equals: "open"},
	}
	if err := s.Put(ctx, w); err != nil {
		t.Fatalf("guarded transition: %v", err)
	}
	// the same transition loses now that the field moved on
	if err := s.Put(ctx, w); !errors.Is(err, kv.ErrConditionFailed) {
		t.Fatalf("expected stale guard rejected, got %v", err)
	}
}

func TestApplyAtomicity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	put(t, s, "TASK#1", "ASSIGN#t2", `{}`)
	err := s.Apply(ctx, []kv.Write{
		{Item: kv.Item{PK: "TASK#1", SK: "ASSIGN#t1", Doc: []byte(`{}`)}, Cond: kv.CondNotExists},
		{Item: kv.Item{PK: "TASK#1", SK: "ASSIGN#t2", Doc: []byte(`{}`)}, Cond: kv.CondNotExists},
	})
	if !errors.Is(err, kv.ErrConditionFailed) {
		t.Fatalf("expected batch failure, got %v", err)
	}
	var ce *kv.ConditionError
	if !errors.As(err, &ce) || ce.Index != 1 {
		t.Fatalf("expected failure at write 1, got %v", err)
	}
	// the first write must have rolled back with the batch
	if _, err := s.Get(ctx, "TASK#1", "ASSIGN#t1"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("partial batch persisted: %v", err)
	}
}

func TestDeleteInBatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	put(t, s, "LOOKUP#LOCATION", "austin-01", `{}`)
	put(t, s, "LOCATION#1", "META", `{}`)
	err := s.Apply(ctx, []kv.Write{
		{Op: kv.OpDelete, Item: kv.Item{PK: "LOOKUP#LOCATION", SK: "austin-01"}},
		{Op: kv.OpDelete, Item: kv.Item{PK: "LOCATION#1", SK: "META"}},
	})
	if err != nil {
		t.Fatalf("delete batch: %v", err)
	}
	if _, err := s.Get(ctx, "LOOKUP#LOCATION", "austin-01"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("lookup survived delete")
	}
	if _, err := s.Get(ctx, "LOCATION#1", "META"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("entity survived delete")
	}
}

func TestQueryPrefixOrdering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	put(t, s, "TASK#1", "TARGET#00002", `{"n":2}`)
	put(t, s, "TASK#1", "TARGET#00001", `{"n":1}`)
	put(t, s, "TASK#1", "TARGET#00010", `{"n":10}`)
	put(t, s, "TASK#1", "ASSIGN#x", `{}`)
	put(t, s, "TASK#2", "TARGET#00001", `{}`)

	items, err := s.Query(ctx, "TASK#1", "TARGET#")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"TARGET#00001", "TARGET#00002", "TARGET#00010"}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i, it := range items {
		if it.SK != want[i] {
			t.Fatalf("item %d is %s, want %s", i, it.SK, want[i])
		}
	}
	empty, err := s.Query(ctx, "TASK#9", "TARGET#")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty result for unknown partition")
	}
}
