package interact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callbank/internal/claim"
	"callbank/internal/domain"
	"callbank/internal/events"
	"callbank/internal/kv"
	"callbank/internal/store"
)

// CompletionRule names the policy deciding when a recorded outcome
// also finishes the assignment. An explicit knob, not an inference
// from which optional fields happen to be set.
type CompletionRule string

const (
	// RuleRatedOrNoted finishes the assignment when a rating is present
	// or notes are non-empty. Default.
	RuleRatedOrNoted CompletionRule = "rated_or_noted"
	RuleRated        CompletionRule = "rated"
	RuleNoted        CompletionRule = "noted"
	// RuleManual never finishes assignments from an interaction; a
	// separate call must do it.
	RuleManual CompletionRule = "manual"
)

func (r CompletionRule) Valid() bool {
	switch r {
	case RuleRatedOrNoted, RuleRated, RuleNoted, RuleManual:
		return true
	}
	return false
}

// Complete reports whether the outcome satisfies the rule.
func (r CompletionRule) Complete(n domain.Interaction) bool {
	switch r {
	case RuleRated:
		return n.Rating != nil
	case RuleNoted:
		return n.Notes != ""
	case RuleManual:
		return false
	default:
		return n.Rating != nil || n.Notes != ""
	}
}

// Outcome carries what the caller reports about one contact attempt.
type Outcome struct {
	Actions    []string
	Notes      string
	Rating     *int
	FollowUpAt *string
}

// Tracker upserts the latest outcome per (task, target) and drives the
// assignment's pending -> done transition when the completion rule is
// met. No history is kept.
type Tracker struct {
	Store  store.Store
	Events events.Writer
	Rule   CompletionRule
	Now    func() time.Time
}

func New(s store.Store, ev events.Writer, rule CompletionRule) Tracker {
	if !rule.Valid() {
		rule = RuleRatedOrNoted
	}
	return Tracker{Store: s, Events: ev, Rule: rule, Now: time.Now}
}

// Record overwrites the interaction for (task, target). When the rule
// marks the outcome complete and the caller still holds a pending
// assignment, the same batch flips it to done.
func (t Tracker) Record(ctx context.Context, taskID, targetID, principalID string, out Outcome) (domain.Interaction, error) {
	if out.Rating != nil && (*out.Rating < 1 || *out.Rating > 5) {
		return domain.Interaction{}, fmt.Errorf("rating %d out of range 1-5", *out.Rating)
	}
	a, err := t.Store.GetAssignment(ctx, taskID, targetID)
	if err != nil {
		return domain.Interaction{}, err
	}
	if a.PrincipalID != principalID {
		return domain.Interaction{}, fmt.Errorf("target %s: %w", targetID, claim.ErrNotHolder)
	}
	task, err := t.Store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Interaction{}, err
	}
	now := t.Now().UTC().Format(time.RFC3339)
	n := domain.Interaction{
		TaskID:      taskID,
		TargetID:    targetID,
		PrincipalID: principalID,
		Actions:     out.Actions,
		Notes:       out.Notes,
		Rating:      out.Rating,
		FollowUpAt:  out.FollowUpAt,
		UpdatedAt:   now,
	}
	writes := []kv.Write{t.Store.InteractionWrite(n)}
	completed := t.Rule.Complete(n) && a.Status == domain.AssignmentPending
	if completed {
		writes = append(writes, t.Store.AssignmentStatusWrite(a, domain.AssignmentDone))
	}
	evt, err := t.Events.Write("interaction.recorded", task.LocationID, "target", targetID, principalID, events.EventPayload{
		"completed": completed,
	})
	if err != nil {
		return domain.Interaction{}, err
	}
	writes = append(writes, evt)
	if err := t.Store.KV.Apply(ctx, writes); err != nil {
		// Lost a race on the assignment guard; the interaction itself
		// is still the caller's latest word, so write it alone.
		if completed && errors.Is(err, kv.ErrConditionFailed) {
			if err := t.Store.KV.Apply(ctx, []kv.Write{t.Store.InteractionWrite(n), evt}); err != nil {
				return domain.Interaction{}, err
			}
			return n, nil
		}
		return domain.Interaction{}, err
	}
	return n, nil
}

// Get returns the latest interaction for (task, target), or
// kv.ErrNotFound when none was recorded.
func (t Tracker) Get(ctx context.Context, taskID, targetID string) (domain.Interaction, error) {
	return t.Store.GetInteraction(ctx, taskID, targetID)
}
