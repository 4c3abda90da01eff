package matrix

import (
	"context"
	"errors"
	"testing"
)

func TestPlaceFillsSponsorPositionsInOrder(t *testing.T) {
	h := newHarness(t)

	for i, member := range []string{"alice", "bob", "carol"} {
		slot := h.join(t, member, "root")
		if slot.PlacementAncestor != "root" {
			t.Fatalf("member %s placed under %s, want root", member, slot.PlacementAncestor)
		}
		if slot.PositionIndex != i+1 {
			t.Fatalf("member %s got position %d, want %d", member, slot.PositionIndex, i+1)
		}
		if slot.Placement != PlacementDirect {
			t.Fatalf("member %s placement %s, want direct", member, slot.Placement)
		}
		if slot.DirectSponsor != "root" {
			t.Fatalf("member %s direct sponsor %s, want root", member, slot.DirectSponsor)
		}
	}
}

func TestPlaceSpillsOverToEarliestJoinedOpenMember(t *testing.T) {
	h := newHarness(t)
	h.join(t, "alice", "root")
	h.join(t, "bob", "root")
	h.join(t, "carol", "root")

	// Root is full; dave sponsors under root but must land under alice, the
	// earliest-joined member with a free position.
	slot := h.join(t, "dave", "root")
	if slot.Placement != PlacementSpillover {
		t.Fatalf("placement %s, want spillover", slot.Placement)
	}
	if slot.PlacementAncestor != "alice" {
		t.Fatalf("placement ancestor %s, want alice", slot.PlacementAncestor)
	}
	if slot.PositionIndex != 1 {
		t.Fatalf("position %d, want 1", slot.PositionIndex)
	}
	if slot.DirectSponsor != "root" {
		t.Fatalf("direct sponsor %s, want root", slot.DirectSponsor)
	}
}

func TestPlaceSpilloverUnderOwnSponsorStaysDirect(t *testing.T) {
	h := newHarness(t)
	h.join(t, "alice", "root")
	h.join(t, "bob", "root")
	h.join(t, "carol", "root")
	h.join(t, "dave", "root") // spills under alice

	// Alice still has open positions and is the earliest open member, so her
	// own referral lands under her and stays a direct placement.
	slot := h.join(t, "erin", "alice")
	if slot.Placement != PlacementDirect {
		t.Fatalf("placement %s, want direct", slot.Placement)
	}
	if slot.PlacementAncestor != "alice" {
		t.Fatalf("placement ancestor %s, want alice", slot.PlacementAncestor)
	}
	if slot.PositionIndex != 2 {
		t.Fatalf("position %d, want 2", slot.PositionIndex)
	}
}

func TestPlaceRejectsUnknownSponsor(t *testing.T) {
	h := newHarness(t)
	h.dir.add("alice", "ghost", h.now)

	_, err := h.engine.Place(context.Background(), "alice", "ghost")
	if !errors.Is(err, ErrUnknownSponsor) {
		t.Fatalf("err = %v, want ErrUnknownSponsor", err)
	}
}

func TestPlaceRejectsUnknownMember(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Place(context.Background(), "ghost", "root")
	if !errors.Is(err, ErrUnknownMember) {
		t.Fatalf("err = %v, want ErrUnknownMember", err)
	}
}

func TestPlaceRejectsSecondPlacement(t *testing.T) {
	h := newHarness(t)
	h.join(t, "alice", "root")

	_, err := h.engine.Place(context.Background(), "alice", "root")
	if !errors.Is(err, ErrAlreadyPlaced) {
		t.Fatalf("err = %v, want ErrAlreadyPlaced", err)
	}
}

func TestPlaceRetriesLostPositionRace(t *testing.T) {
	h := newHarness(t)
	h.dir.add("alice", "root", h.now)
	h.store.stealPositions = 2

	slot, err := h.engine.Place(context.Background(), "alice", "root")
	if err != nil {
		t.Fatalf("place after races: %v", err)
	}
	if slot.PlacementAncestor != "root" || slot.PositionIndex != 1 {
		t.Fatalf("slot = %s/%d, want root/1", slot.PlacementAncestor, slot.PositionIndex)
	}
}

func TestPlaceGivesUpAfterRepeatedRaces(t *testing.T) {
	h := newHarness(t)
	h.dir.add("alice", "root", h.now)
	h.store.stealPositions = placeAttempts

	_, err := h.engine.Place(context.Background(), "alice", "root")
	if !errors.Is(err, ErrCapacityViolation) {
		t.Fatalf("err = %v, want ErrCapacityViolation", err)
	}
}

func TestPlaceNormalizesKeys(t *testing.T) {
	h := newHarness(t)
	h.dir.add("alice", "root", h.now)

	slot, err := h.engine.Place(context.Background(), "  ALICE ", "ROOT")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if slot.Member != "alice" {
		t.Fatalf("member %q, want alice", slot.Member)
	}
}
