package unique

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"callbank/internal/domain"
	"callbank/internal/kv"
	"callbank/internal/store"
)

// ErrCodeTaken reports that a human-readable code is already claimed
// by another entity. User-actionable, unlike infrastructure failures.
type ErrCodeTaken struct {
	Code string
}

func (e ErrCodeTaken) Error() string { return fmt.Sprintf("code %q already taken", e.Code) }

var errEmptyCode = errors.New("code required")

// Enforcer creates an entity together with its code lookup record in
// one atomic write, so the lookup partition is the single authority
// for code uniqueness. One instance serves every code-addressable
// resource kind via the registry.
type Enforcer struct {
	KV  kv.Store
	Reg store.Registry
	Now func() time.Time
}

func New(s kv.Store, reg store.Registry) Enforcer {
	return Enforcer{KV: s, Reg: reg, Now: time.Now}
}

// Normalize lower-cases the code and strips everything outside
// [a-z0-9-]. Normalizing BEFORE the uniqueness check closes the
// case-variant loophole.
func Normalize(code string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(code)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (e Enforcer) strategy(kind string) (store.Strategy, error) {
	st, ok := e.Reg[kind]
	if !ok || st.LookupPK == "" {
		return store.Strategy{}, fmt.Errorf("kind %s is not code-addressable", kind)
	}
	return st, nil
}

// Create writes the entity item and the lookup record, both
// conditioned on not existing yet. The two writes commit together or
// not at all; a lookup collision surfaces as ErrCodeTaken.
func (e Enforcer) Create(ctx context.Context, kind string, entity kv.Item, entityID, code string) (string, error) {
	st, err := e.strategy(kind)
	if err != nil {
		return "", err
	}
	normalized := Normalize(code)
	if normalized == "" {
		return "", errEmptyCode
	}
	lookup := domain.CodeLookup{
		Kind:      kind,
		Code:      normalized,
		EntityID:  entityID,
		CreatedAt: e.Now().UTC().Format(time.RFC3339),
	}
	doc, err := json.Marshal(lookup)
	if err != nil {
		return "", err
	}
	err = e.KV.Apply(ctx, []kv.Write{
		{Item: kv.Item{PK: st.LookupPK, SK: normalized, Doc: doc}, Cond: kv.CondNotExists},
		{Item: entity, Cond: kv.CondNotExists},
	})
	if err != nil {
		var ce *kv.ConditionError
		if errors.As(err, &ce) && ce.Index == 0 {
			return "", ErrCodeTaken{Code: normalized}
		}
		return "", err
	}
	return normalized, nil
}

// GetByCode resolves code -> canonical id -> entity item. Either hop
// missing yields ErrNotFound, never a panic or a distinct error shape.
func (e Enforcer) GetByCode(ctx context.Context, kind, code string) (kv.Item, error) {
	st, err := e.strategy(kind)
	if err != nil {
		return kv.Item{}, err
	}
	it, err := e.KV.Get(ctx, st.LookupPK, Normalize(code))
	if err != nil {
		return kv.Item{}, err
	}
	var lookup domain.CodeLookup
	if err := json.Unmarshal(it.Doc, &lookup); err != nil {
		return kv.Item{}, err
	}
	return e.KV.Get(ctx, st.EntityPK(lookup.EntityID), st.EntitySK)
}

// Release deletes the entity and its lookup together, keeping the two
// records in lockstep so a code is never orphaned.
func (e Enforcer) Release(ctx context.Context, kind, entityID, code string) error {
	st, err := e.strategy(kind)
	if err != nil {
		return err
	}
	return e.KV.Apply(ctx, []kv.Write{
		{Op: kv.OpDelete, Item: kv.Item{PK: st.LookupPK, SK: Normalize(code)}},
		{Op: kv.OpDelete, Item: kv.Item{PK: st.EntityPK(entityID), SK: st.EntitySK}},
	})
}
