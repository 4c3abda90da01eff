package matrix

import (
	"context"

	"github.com/google/uuid"

	"hivematrix/observability/metrics"
)

// OnLevelPurchase records the level on the purchaser and distributes the
// reward the rule table dictates for that level. Exactly one ancestor tier
// is named per level; a chain that terminates before the required depth
// simply produces no reward. Replaying the same purchase is harmless: level
// grants are monotonic and reward insertion is keyed on
// (source, trigger level, recipient).
func (e *Engine) OnLevelPurchase(ctx context.Context, member string, level int) ([]RewardRecord, error) {
	key := NormalizeKey(member)
	purchaser, err := e.dir.GetMember(ctx, key)
	if err != nil {
		return nil, err
	}
	rule, err := e.params.Rule(level)
	if err != nil {
		return nil, err
	}

	if !purchaser.Owns(level) {
		if err := e.dir.GrantLevel(ctx, key, level); err != nil {
			return nil, err
		}
	}
	if level == 1 && !purchaser.Activated {
		if err := e.dir.Activate(ctx, key); err != nil {
			return nil, err
		}
	}

	recipient, ok, err := e.ancestorAt(ctx, key, rule.HopOffset)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Purchaser sits too close to the root; nobody is owed anything.
		return nil, nil
	}

	required := rule.RequiredLevel
	if level == 1 {
		granted, err := e.store.Level1RewardCount(ctx, recipient)
		if err != nil {
			return nil, err
		}
		if granted >= e.params.RelaxedLevel1Count {
			required = e.params.EscalatedLevel
		}
	}

	rec := RewardRecord{
		ID:            uuid.NewString(),
		Recipient:     recipient,
		SourceMember:  key,
		TriggerLevel:  level,
		RequiredLevel: required,
		HopOffset:     rule.HopOffset,
		AmountCents:   e.params.RewardCents(level),
		CreatedAt:     e.now(),
	}
	qualified, err := e.qualifies(ctx, recipient, required)
	if err != nil {
		return nil, err
	}
	if qualified && rule.Claimable {
		rec.Status = StatusClaimable
	} else {
		rec.Status = StatusPending
		rec.PendingUntil = rec.CreatedAt.Add(e.params.PendingWindow)
	}

	inserted, err := e.store.InsertReward(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Duplicate purchase replay; the original record stands.
		return nil, nil
	}
	metrics.Matrix().ObserveRewardCreated(string(rec.Status))
	return []RewardRecord{rec}, nil
}

// qualifies reports whether the member is activated and owns a level at or
// above the requirement. Ownership is judged on live directory state, never
// on values cached at reward creation.
func (e *Engine) qualifies(ctx context.Context, member string, requiredLevel int) (bool, error) {
	m, err := e.dir.GetMember(ctx, member)
	if err != nil {
		return false, err
	}
	if !m.Activated {
		return false, nil
	}
	return m.MaxLevel() >= requiredLevel, nil
}
