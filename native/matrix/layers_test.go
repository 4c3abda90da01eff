package matrix

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"
)

func TestDeriveLayersFollowsSponsorshipNotPlacement(t *testing.T) {
	h := newHarness(t)
	h.join(t, "alice", "root")
	h.join(t, "bob", "root")
	h.join(t, "carol", "root")
	// Dave is sponsored by root but spills over under alice in the matrix.
	h.join(t, "dave", "root")
	h.join(t, "erin", "alice")

	layers, err := h.engine.DeriveLayers(context.Background(), "root")
	if err != nil {
		t.Fatalf("derive layers: %v", err)
	}
	if len(layers) != 2 {
		t.Fatalf("got %d layers, want 2", len(layers))
	}
	// Dave stays on root's first layer despite his spillover slot.
	want1 := []string{"alice", "bob", "carol", "dave"}
	if !reflect.DeepEqual(layers[0].Members, want1) {
		t.Fatalf("layer 1 = %v, want %v", layers[0].Members, want1)
	}
	want2 := []string{"erin"}
	if !reflect.DeepEqual(layers[1].Members, want2) {
		t.Fatalf("layer 2 = %v, want %v", layers[1].Members, want2)
	}
}

func TestDeriveLayersReplacesStoredSnapshots(t *testing.T) {
	h := newHarness(t)
	h.join(t, "alice", "root")
	if _, err := h.engine.DeriveLayers(context.Background(), "root"); err != nil {
		t.Fatalf("first derivation: %v", err)
	}
	h.join(t, "bob", "root")
	if _, err := h.engine.DeriveLayers(context.Background(), "root"); err != nil {
		t.Fatalf("second derivation: %v", err)
	}

	stored, err := h.engine.Layers(context.Background(), "root")
	if err != nil {
		t.Fatalf("layers: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("got %d layers, want 1", len(stored))
	}
	want := []string{"alice", "bob"}
	if !reflect.DeepEqual(stored[0].Members, want) {
		t.Fatalf("layer 1 = %v, want %v", stored[0].Members, want)
	}
}

func TestDeriveLayersStopsAtMaxDepth(t *testing.T) {
	h := newHarness(t)
	sponsor := "root"
	for i := 0; i < MaxDepth+2; i++ {
		member := fmt.Sprintf("m%02d", i)
		h.advance(time.Minute)
		h.dir.add(member, sponsor, h.now)
		sponsor = member
	}

	layers, err := h.engine.DeriveLayers(context.Background(), "root")
	if err != nil {
		t.Fatalf("derive layers: %v", err)
	}
	if len(layers) != MaxDepth {
		t.Fatalf("got %d layers, want %d", len(layers), MaxDepth)
	}
	for i, layer := range layers {
		if layer.Layer != i+1 {
			t.Fatalf("layer index %d labelled %d", i, layer.Layer)
		}
		if layer.Count() != 1 {
			t.Fatalf("layer %d has %d members, want 1", layer.Layer, layer.Count())
		}
	}
}

func TestDeriveLayersUnknownMember(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.DeriveLayers(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown member")
	}
}

func TestTeamStatsAggregatesSnapshots(t *testing.T) {
	h := newHarness(t)
	h.join(t, "alice", "root")
	h.join(t, "bob", "root")
	h.join(t, "carol", "alice")
	if _, err := h.engine.DeriveLayers(context.Background(), "root"); err != nil {
		t.Fatalf("derive layers: %v", err)
	}

	stats, err := h.engine.TeamStats(context.Background(), "root")
	if err != nil {
		t.Fatalf("team stats: %v", err)
	}
	if stats.DirectReferrals != 2 {
		t.Fatalf("direct referrals = %d, want 2", stats.DirectReferrals)
	}
	if stats.TotalTeamSize != 3 {
		t.Fatalf("total team size = %d, want 3", stats.TotalTeamSize)
	}
	if stats.LayerCounts[1] != 2 || stats.LayerCounts[2] != 1 {
		t.Fatalf("layer counts = %v, want {1:2 2:1}", stats.LayerCounts)
	}
}
