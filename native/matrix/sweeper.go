package matrix

import (
	"context"

	"hivematrix/observability/metrics"

	"github.com/google/uuid"
)

// Sweep resolves every pending reward whose countdown has lapsed. A
// recipient who upgraded in time keeps the reward as claimable; otherwise
// the record rolls up to the nearest ancestor who qualifies right now, and
// failing that it expires with no redistribution target.
//
// Every transition is a conditional update filtered on the pending status,
// so re-running the sweep over already-resolved records is a no-op and a
// record promoted a moment earlier is never expired by a racing pass.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := e.now()

	expired, err := e.store.PendingExpired(ctx, now)
	if err != nil {
		return result, err
	}
	for _, rec := range expired {
		outcome, err := e.sweepOne(ctx, rec)
		if err != nil {
			return result, err
		}
		switch outcome {
		case sweepPromoted:
			result.Promoted++
		case sweepReallocated:
			result.Reallocated++
		case sweepForfeited:
			result.Forfeited++
		}
	}
	return result, nil
}

type sweepOutcome int

const (
	sweepSkipped sweepOutcome = iota
	sweepPromoted
	sweepReallocated
	sweepForfeited
)

func (e *Engine) sweepOne(ctx context.Context, rec RewardRecord) (sweepOutcome, error) {
	// Qualification is re-checked against live directory state: an upgrade
	// that landed after reward creation still counts.
	qualified, err := e.qualifies(ctx, rec.Recipient, rec.RequiredLevel)
	if err != nil {
		return sweepSkipped, err
	}
	if qualified {
		changed, err := e.store.MarkClaimable(ctx, rec.ID)
		if err != nil {
			return sweepSkipped, err
		}
		if !changed {
			return sweepSkipped, nil
		}
		metrics.Matrix().ObserveSweepTransition("promoted")
		return sweepPromoted, nil
	}

	target, err := e.nearestQualifiedAncestor(ctx, rec.Recipient, rec.RequiredLevel)
	if err != nil {
		return sweepSkipped, err
	}
	now := e.now()
	if target == "" {
		changed, err := e.store.MarkRedistributed(ctx, rec.ID, "", now)
		if err != nil {
			return sweepSkipped, err
		}
		if !changed {
			return sweepSkipped, nil
		}
		metrics.Matrix().ObserveSweepTransition("forfeited")
		return sweepForfeited, nil
	}

	// The replacement is immediately claimable and carries no countdown of
	// its own; redistribution is final. It is written before the original is
	// terminated: the (source, trigger level, recipient) key makes the
	// insert idempotent, so a failure between the two writes is repaired by
	// the next sweep pass re-running both. Terminating first would strand
	// the rollup, because the pending filter no longer selects the record.
	replacement := RewardRecord{
		ID:            uuid.NewString(),
		Recipient:     target,
		SourceMember:  rec.SourceMember,
		TriggerLevel:  rec.TriggerLevel,
		RequiredLevel: rec.RequiredLevel,
		HopOffset:     rec.HopOffset,
		AmountCents:   rec.AmountCents,
		Status:        StatusClaimable,
		CreatedAt:     now,
	}
	inserted, err := e.store.InsertReward(ctx, replacement)
	if err != nil {
		return sweepSkipped, err
	}
	if inserted {
		metrics.Matrix().ObserveRewardCreated(string(StatusClaimable))
	}
	changed, err := e.store.MarkRedistributed(ctx, rec.ID, target, now)
	if err != nil {
		return sweepSkipped, err
	}
	if !changed {
		return sweepSkipped, nil
	}
	metrics.Matrix().ObserveSweepTransition("reallocated")
	return sweepReallocated, nil
}

// nearestQualifiedAncestor walks the placement chain upward from the member
// and returns the first ancestor who is activated and owns the required
// level. Empty when the chain reaches the root without a match.
func (e *Engine) nearestQualifiedAncestor(ctx context.Context, member string, requiredLevel int) (string, error) {
	current := member
	for depth := 0; depth < MaxDepth; depth++ {
		slot, err := e.store.Slot(ctx, current)
		if err != nil {
			return "", err
		}
		if slot == nil || slot.PlacementAncestor == "" {
			return "", nil
		}
		current = slot.PlacementAncestor
		qualified, err := e.qualifies(ctx, current, requiredLevel)
		if err != nil {
			return "", err
		}
		if qualified {
			return current, nil
		}
	}
	return "", nil
}
