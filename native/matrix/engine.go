package matrix

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Directory describes the minimal functionality the engine needs from the
// member directory. The engine reads identity, activation and owned levels,
// and writes back the activation flip and level grants that accompany a
// purchase.
type Directory interface {
	GetMember(ctx context.Context, key string) (*Member, error)
	DirectReferrals(ctx context.Context, key string) ([]string, error)
	GrantLevel(ctx context.Context, key string, level int) error
	Activate(ctx context.Context, key string) error
}

// Store is the persistence surface for slots, layer snapshots and reward
// records. All mutating calls are expected to be safely retryable; the
// conditional updates return whether the row actually changed so the engine
// can implement compare-and-swap transitions.
type Store interface {
	Slot(ctx context.Context, member string) (*MatrixSlot, error)
	ChildCount(ctx context.Context, parent string) (int, error)
	// FirstOpenSlot returns the earliest-joined matrix member with fewer
	// than three children, ties broken by member key. ok is false when the
	// matrix holds no members at all.
	FirstOpenSlot(ctx context.Context) (parent string, ok bool, err error)
	InsertSlot(ctx context.Context, slot MatrixSlot) error

	ReplaceLayers(ctx context.Context, member string, layers []LayerSnapshot) error
	Layers(ctx context.Context, member string) ([]LayerSnapshot, error)

	// InsertReward persists the record unless one already exists for the
	// same (source, trigger level, recipient) key; inserted is false on the
	// duplicate.
	InsertReward(ctx context.Context, rec RewardRecord) (inserted bool, err error)
	RewardByID(ctx context.Context, id string) (*RewardRecord, error)
	RewardsByRecipient(ctx context.Context, recipient string, status RewardStatus) ([]RewardRecord, error)
	PendingExpired(ctx context.Context, asOf time.Time) ([]RewardRecord, error)
	Level1RewardCount(ctx context.Context, recipient string) (int, error)
	MarkClaimable(ctx context.Context, id string) (bool, error)
	MarkRedistributed(ctx context.Context, id, redistributedTo string, at time.Time) (bool, error)
	MarkClaimed(ctx context.Context, id string, at time.Time) (bool, error)
}

// Engine implements placement, layer derivation, reward distribution and the
// expiry sweep over a Directory and a Store.
type Engine struct {
	dir    Directory
	store  Store
	params Params
	now    func() time.Time
	flight singleflight.Group
}

// Option customises engine construction.
type Option func(*Engine)

// WithParams overrides the default policy constants.
func WithParams(p Params) Option {
	return func(e *Engine) { e.params = p }
}

// WithClock injects a deterministic time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs an engine. Directory and store must be non-nil.
func New(dir Directory, store Store, opts ...Option) (*Engine, error) {
	if dir == nil {
		return nil, fmt.Errorf("matrix: directory required")
	}
	if store == nil {
		return nil, fmt.Errorf("matrix: store required")
	}
	e := &Engine{
		dir:    dir,
		store:  store,
		params: DefaultParams(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.params.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Params exposes the active policy, mainly for handlers and tests.
func (e *Engine) Params() Params { return e.params }

// NormalizeKey lowercases and trims a member key the way the directory
// stores it.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Slot returns the member's matrix slot, or ErrUnknownMember when the member
// was never placed.
func (e *Engine) Slot(ctx context.Context, member string) (*MatrixSlot, error) {
	slot, err := e.store.Slot(ctx, NormalizeKey(member))
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, ErrUnknownMember
	}
	return slot, nil
}

// Layers returns the cached layer snapshots for the member.
func (e *Engine) Layers(ctx context.Context, member string) ([]LayerSnapshot, error) {
	key := NormalizeKey(member)
	if _, err := e.dir.GetMember(ctx, key); err != nil {
		return nil, err
	}
	return e.store.Layers(ctx, key)
}

// Rewards lists reward records for a recipient, optionally filtered by
// status. An empty status returns everything.
func (e *Engine) Rewards(ctx context.Context, recipient string, status RewardStatus) ([]RewardRecord, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("matrix: unknown reward status %q", status)
	}
	return e.store.RewardsByRecipient(ctx, NormalizeKey(recipient), status)
}

// TeamStats aggregates the cached snapshots into the totals the reporting
// surfaces show.
func (e *Engine) TeamStats(ctx context.Context, member string) (TeamStats, error) {
	key := NormalizeKey(member)
	stats := TeamStats{Member: key, LayerCounts: make(map[int]int)}
	layers, err := e.Layers(ctx, key)
	if err != nil {
		return stats, err
	}
	for _, layer := range layers {
		n := layer.Count()
		if n == 0 {
			continue
		}
		stats.LayerCounts[layer.Layer] = n
		stats.TotalTeamSize += n
		if layer.Layer == 1 {
			stats.DirectReferrals = n
		}
	}
	return stats, nil
}

// Claim transitions a claimable reward to claimed on behalf of its
// recipient. Balance crediting happens downstream of the status change.
func (e *Engine) Claim(ctx context.Context, rewardID, claimer string) (*RewardRecord, error) {
	rec, err := e.store.RewardByID(ctx, rewardID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRewardNotFound
	}
	if rec.Recipient != NormalizeKey(claimer) {
		return nil, ErrNotRecipient
	}
	if rec.Status != StatusClaimable {
		return nil, fmt.Errorf("%w: status is %s", ErrNotClaimable, rec.Status)
	}
	claimedAt := e.now()
	changed, err := e.store.MarkClaimed(ctx, rec.ID, claimedAt)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Lost a race with another claim or a concurrent sweep.
		return nil, ErrNotClaimable
	}
	rec.Status = StatusClaimed
	rec.ClaimedAt = claimedAt
	return rec, nil
}

// ancestorAt walks the matrix placement chain upward and returns the
// ancestor exactly hops levels above the member. ok is false when the chain
// terminates first. The walk is iterative with a hard bound so a corrupt
// chain can never recurse unbounded.
func (e *Engine) ancestorAt(ctx context.Context, member string, hops int) (string, bool, error) {
	if hops < 1 || hops > MaxDepth {
		return "", false, nil
	}
	current := member
	for i := 0; i < hops; i++ {
		slot, err := e.store.Slot(ctx, current)
		if err != nil {
			return "", false, err
		}
		if slot == nil || slot.PlacementAncestor == "" {
			return "", false, nil
		}
		current = slot.PlacementAncestor
	}
	return current, true, nil
}
