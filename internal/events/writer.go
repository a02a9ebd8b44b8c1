package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"callbank/internal/domain"
	"callbank/internal/kv"
	"callbank/internal/store"
)

type Writer struct {
	KV  kv.Store
	Now func() time.Time
}

type EventPayload map[string]any

// Write renders an event record as a kv write so callers can bundle
// it into the same atomic batch as the state change it describes.
func (w Writer) Write(evtType, locationID, entityKind, entityID, actorID string, payload EventPayload) (kv.Write, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return kv.Write{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		ID:         uuid.New().String(),
		TS:         ts,
		Type:       evtType,
		LocationID: locationID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}
	doc, err := json.Marshal(evt)
	if err != nil {
		return kv.Write{}, fmt.Errorf("marshal event: %w", err)
	}
	return kv.Write{Item: kv.Item{PK: store.EventPK(locationID), SK: ts + "#" + evt.ID, Doc: doc}}, nil
}

// Append records a standalone event outside any batch.
func (w Writer) Append(ctx context.Context, evtType, locationID, entityKind, entityID, actorID string, payload EventPayload) error {
	write, err := w.Write(evtType, locationID, entityKind, entityID, actorID, payload)
	if err != nil {
		return err
	}
	return w.KV.Put(ctx, write)
}

// Tail returns the location's events in chronological order.
func (w Writer) Tail(ctx context.Context, locationID string, limit int) ([]domain.Event, error) {
	items, err := w.KV.Query(ctx, store.EventPK(locationID), "")
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(items))
	for _, it := range items {
		var e domain.Event
		if err := json.Unmarshal(it.Doc, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
