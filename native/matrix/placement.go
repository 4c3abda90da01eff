package matrix

import (
	"context"
	"errors"
	"fmt"

	"hivematrix/observability/metrics"
)

// placeAttempts bounds the retry loop around the conditional slot insert.
// Two concurrent placements can race for the same parent's last position;
// the loser re-runs the search. Needing more than a handful of attempts
// means the store is not enforcing the slot uniqueness it promised.
const placeAttempts = 5

// Place assigns newMember a slot in the global matrix. The sponsor's open
// positions are tried first; a full sponsor spills the new member over to
// the earliest-joined matrix member with a free position. The operation is
// total for valid input: it always finds a slot.
func (e *Engine) Place(ctx context.Context, newMember, sponsor string) (*MatrixSlot, error) {
	member := NormalizeKey(newMember)
	sponsorKey := NormalizeKey(sponsor)
	if member == "" {
		return nil, ErrUnknownMember
	}

	if _, err := e.dir.GetMember(ctx, sponsorKey); err != nil {
		if errors.Is(err, ErrUnknownMember) {
			return nil, ErrUnknownSponsor
		}
		return nil, err
	}
	if _, err := e.dir.GetMember(ctx, member); err != nil {
		return nil, err
	}
	if existing, err := e.store.Slot(ctx, member); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrAlreadyPlaced
	}

	var lastErr error
	for attempt := 0; attempt < placeAttempts; attempt++ {
		slot, err := e.findPlacement(ctx, member, sponsorKey)
		if err != nil {
			return nil, err
		}
		err = e.store.InsertSlot(ctx, *slot)
		switch {
		case err == nil:
			metrics.Matrix().ObservePlacement(string(slot.Placement))
			return slot, nil
		case errors.Is(err, ErrPositionTaken):
			// Lost the race for this position; search again.
			lastErr = err
		case errors.Is(err, ErrAlreadyPlaced):
			return nil, ErrAlreadyPlaced
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrCapacityViolation, lastErr)
}

// findPlacement runs the placement policy: direct under the sponsor when a
// position is free, otherwise spillover to the earliest-joined open member,
// with a degenerate fallback to the sponsor itself.
func (e *Engine) findPlacement(ctx context.Context, member, sponsor string) (*MatrixSlot, error) {
	now := e.now()

	count, err := e.store.ChildCount(ctx, sponsor)
	if err != nil {
		return nil, err
	}
	if count < PositionCount {
		return &MatrixSlot{
			Member:            member,
			DirectSponsor:     sponsor,
			PlacementAncestor: sponsor,
			PositionIndex:     count + 1,
			Placement:         PlacementDirect,
			JoinedAt:          now,
		}, nil
	}

	parent, ok, err := e.store.FirstOpenSlot(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		// A tree with N nodes always has a node with fewer than three
		// children, so this only fires on an empty matrix.
		return &MatrixSlot{
			Member:            member,
			DirectSponsor:     sponsor,
			PlacementAncestor: sponsor,
			PositionIndex:     1,
			Placement:         PlacementFallback,
			JoinedAt:          now,
		}, nil
	}
	parentCount, err := e.store.ChildCount(ctx, parent)
	if err != nil {
		return nil, err
	}
	if parentCount >= PositionCount {
		return nil, fmt.Errorf("%w: open-slot search returned full parent %s", ErrCapacityViolation, parent)
	}
	// The search cannot return the sponsor here: it only runs once the
	// sponsor holds three children, and children are never removed.
	return &MatrixSlot{
		Member:            member,
		DirectSponsor:     sponsor,
		PlacementAncestor: parent,
		PositionIndex:     parentCount + 1,
		Placement:         PlacementSpillover,
		JoinedAt:          now,
	}, nil
}
