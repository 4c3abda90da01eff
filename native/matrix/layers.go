package matrix

import (
	"context"

	"hivematrix/observability/metrics"
)

// DeriveLayers rebuilds the member's nineteen layer snapshots from the
// sponsorship graph. Layers follow direct-referral edges, not the placement
// tree: spillover never moves anyone between layers. The traversal is a
// plain breadth-first walk with a global visited set, and the resulting
// snapshots replace the stored ones wholesale.
//
// Concurrent derivations for the same member are collapsed onto a single
// in-flight computation; the second caller reuses the first result.
func (e *Engine) DeriveLayers(ctx context.Context, member string) ([]LayerSnapshot, error) {
	key := NormalizeKey(member)
	result, err, _ := e.flight.Do("layers:"+key, func() (interface{}, error) {
		return e.deriveLayers(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return result.([]LayerSnapshot), nil
}

func (e *Engine) deriveLayers(ctx context.Context, member string) ([]LayerSnapshot, error) {
	if _, err := e.dir.GetMember(ctx, member); err != nil {
		return nil, err
	}
	computedAt := e.now()

	visited := map[string]struct{}{member: {}}
	frontier := []string{member}
	layers := make([]LayerSnapshot, 0, MaxDepth)

	for depth := 1; depth <= MaxDepth && len(frontier) > 0; depth++ {
		next := make(map[string]struct{})
		for _, node := range frontier {
			referrals, err := e.dir.DirectReferrals(ctx, node)
			if err != nil {
				return nil, err
			}
			for _, ref := range referrals {
				if _, seen := visited[ref]; seen {
					continue
				}
				visited[ref] = struct{}{}
				next[ref] = struct{}{}
			}
		}
		if len(next) == 0 {
			break
		}
		members := sortedKeys(next)
		layers = append(layers, LayerSnapshot{
			Member:     member,
			Layer:      depth,
			Members:    members,
			ComputedAt: computedAt,
		})
		frontier = members
	}

	if err := e.store.ReplaceLayers(ctx, member, layers); err != nil {
		return nil, err
	}
	metrics.Matrix().ObserveLayerDerivation(len(layers))
	return layers, nil
}
