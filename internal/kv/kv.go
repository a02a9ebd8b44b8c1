package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// ErrConditionFailed marks a conditional write that lost to current
// store state. Callers match it with errors.Is and retry at their own
// budget.
var ErrConditionFailed = errors.New("condition failed")

// StoreError wraps transport or driver failures so callers can
// distinguish infrastructure trouble from condition conflicts.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// ConditionError identifies which write of a batch failed its
// condition.
type ConditionError struct {
	Index int
	PK    string
	SK    string
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition failed for %s/%s (write %d)", e.PK, e.SK, e.Index)
}

func (e *ConditionError) Is(target error) bool { return target == ErrConditionFailed }

// Item is one stored record: a JSON document addressed by partition
// key and sort key.
type Item struct {
	PK        string
	SK        string
	Doc       []byte
	CreatedAt string
	UpdatedAt string
}

// Cond is the existence predicate evaluated against current state at
// write time.
type Cond int

const (
	CondNone Cond = iota
	CondNotExists
	CondExists
)

// Guard compares a top-level string field of the current document.
// Only meaningful together with CondExists.
type Guard struct {
	Field  string
	Equals string
}

// Op selects what a Write does to its record.
type Op int

const (
	OpPut Op = iota
	OpDelete
)

// Write is one operation in a batch, optionally conditioned.
type Write struct {
	Op    Op
	Item  Item
	Cond  Cond
	Guard *Guard
}

// Store is the single-table conditional key-value store. All
// coordination between concurrent callers happens through the
// conditions on writes; reads are point-in-time snapshots.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Get returns the item at pk/sk, or ErrNotFound.
func (s Store) Get(ctx context.Context, pk, sk string) (Item, error) {
	var it Item
	err := s.DB.QueryRowContext(ctx, `SELECT pk, sk, doc, created_at, updated_at FROM records WHERE pk=? AND sk=?`, pk, sk).
		Scan(&it.PK, &it.SK, &it.Doc, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, &StoreError{Op: "get", Err: err}
	}
	return it, nil
}

// Query returns all items under pk whose sort key starts with skPrefix,
// ordered by sort key ascending. The ordering is stable, which callers
// rely on for deterministic selection.
func (s Store) Query(ctx context.Context, pk, skPrefix string) ([]Item, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT pk, sk, doc, created_at, updated_at FROM records WHERE pk=? AND sk>=? AND sk<? ORDER BY sk ASC`,
		pk, skPrefix, skPrefix+"￿")
	if err != nil {
		return nil, &StoreError{Op: "query", Err: err}
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.PK, &it.SK, &it.Doc, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, &StoreError{Op: "query", Err: err}
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "query", Err: err}
	}
	return items, nil
}

// Put applies a single conditional write.
func (s Store) Put(ctx context.Context, w Write) error {
	return s.Apply(ctx, []Write{w})
}

// Apply executes the batch in one transaction: every condition is
// re-evaluated against current state inside the transaction, and the
// first failure aborts the whole batch. Either all writes persist or
// none do.
func (s Store) Apply(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	now := s.now()
	for i, w := range writes {
		var doc string
		var createdAt string
		err := tx.QueryRowContext(ctx, `SELECT doc, created_at FROM records WHERE pk=? AND sk=?`, w.Item.PK, w.Item.SK).
			Scan(&doc, &createdAt)
		exists := true
		if err == sql.ErrNoRows {
			exists = false
		} else if err != nil {
			return &StoreError{Op: "apply", Err: err}
		}
		switch w.Cond {
		case CondNotExists:
			if exists {
				return &ConditionError{Index: i, PK: w.Item.PK, SK: w.Item.SK}
			}
		case CondExists:
			if !exists {
				return &ConditionError{Index: i, PK: w.Item.PK, SK: w.Item.SK}
			}
		}
		if w.Guard != nil {
			if !exists || !guardHolds(doc, w.Guard) {
				return &ConditionError{Index: i, PK: w.Item.PK, SK: w.Item.SK}
			}
		}
		if w.Op == OpDelete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE pk=? AND sk=?`, w.Item.PK, w.Item.SK); err != nil {
				return &StoreError{Op: "apply", Err: err}
			}
			continue
		}
		created := now
		if exists {
			created = createdAt
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO records(pk, sk, doc, created_at, updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(pk, sk) DO UPDATE SET doc=excluded.doc, updated_at=excluded.updated_at`,
			w.Item.PK, w.Item.SK, string(w.Item.Doc), created, now); err != nil {
			return &StoreError{Op: "apply", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "commit", Err: err}
	}
	return nil
}

func guardHolds(doc string, g *Guard) bool {
	var fields map[string]any
	if err := json.Unmarshal([]byte(doc), &fields); err != nil {
		return false
	}
	v, ok := fields[g.Field].(string)
	return ok && v == g.Equals
}
