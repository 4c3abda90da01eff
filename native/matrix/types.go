package matrix

import (
	"sort"
	"time"
)

// MaxDepth bounds both the layer derivation and every ancestor walk. The
// matrix pays out across nineteen tiers; nothing below that depth is ever
// consulted.
const MaxDepth = 19

// PositionCount is the fan-out of the placement tree.
const PositionCount = 3

// Member mirrors the directory view of a participant. Keys are wallet-style
// strings normalized to lowercase before they reach the engine.
type Member struct {
	Key          string
	Sponsor      string
	Activated    bool
	CurrentLevel int
	OwnedLevels  []int
	JoinedAt     time.Time
}

// Owns reports whether the member holds the given level.
func (m *Member) Owns(level int) bool {
	if m == nil {
		return false
	}
	for _, l := range m.OwnedLevels {
		if l == level {
			return true
		}
	}
	return false
}

// MaxLevel returns the highest level the member owns, zero when none.
func (m *Member) MaxLevel() int {
	if m == nil {
		return 0
	}
	max := 0
	for _, l := range m.OwnedLevels {
		if l > max {
			max = l
		}
	}
	return max
}

// PlacementType records how a slot was obtained.
type PlacementType string

const (
	// PlacementDirect means the new member landed under their own sponsor.
	PlacementDirect PlacementType = "direct"
	// PlacementSpillover means the sponsor was full and the slot spilled to
	// the earliest-joined open ancestor.
	PlacementSpillover PlacementType = "spillover"
	// PlacementFallback is the degenerate guard when the open-slot search
	// comes back empty.
	PlacementFallback PlacementType = "fallback"
)

// MatrixSlot is a member's fixed position in the shared placement tree.
// Slots are immutable once written; there is no re-parenting.
type MatrixSlot struct {
	Member            string
	DirectSponsor     string
	PlacementAncestor string
	PositionIndex     int
	Placement         PlacementType
	JoinedAt          time.Time
}

// LayerSnapshot is the cached set of descendants at one sponsorship-graph
// depth. Snapshots are overwritten wholesale on every derivation, never
// patched in place.
type LayerSnapshot struct {
	Member     string
	Layer      int
	Members    []string
	ComputedAt time.Time
}

// Count returns the number of descendants captured by the snapshot.
func (s LayerSnapshot) Count() int { return len(s.Members) }

// RewardStatus is the lifecycle state of a reward record. The only legal
// transitions are pending -> claimable, pending -> expired_redistributed and
// claimable -> claimed; both terminal states freeze the record.
type RewardStatus string

const (
	StatusPending       RewardStatus = "pending"
	StatusClaimable     RewardStatus = "claimable"
	StatusClaimed       RewardStatus = "claimed"
	StatusRedistributed RewardStatus = "expired_redistributed"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s RewardStatus) Valid() bool {
	switch s {
	case StatusPending, StatusClaimable, StatusClaimed, StatusRedistributed:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transition.
func (s RewardStatus) Terminal() bool {
	return s == StatusClaimed || s == StatusRedistributed
}

// RewardRecord is one monetary reward owed to an ancestor of a purchaser.
// Records are never deleted; they form the audit trail of the engine.
type RewardRecord struct {
	ID            string
	Recipient     string
	SourceMember  string
	TriggerLevel  int
	RequiredLevel int
	HopOffset     int
	AmountCents   int64
	Status        RewardStatus
	PendingUntil  time.Time
	// RedistributedTo is set when the record expired and rolled up. Empty on
	// an expired record means no qualified ancestor existed and the reward
	// was forfeited.
	RedistributedTo string
	CreatedAt       time.Time
	ClaimedAt       time.Time
	ResolvedAt      time.Time
}

// SweepResult summarises one expiry sweep pass.
type SweepResult struct {
	// Reallocated counts pending records rolled up to a qualified ancestor.
	Reallocated int
	// Promoted counts pending records whose original recipient qualified in
	// time and became claimable.
	Promoted int
	// Forfeited counts expired records with no qualified ancestor.
	Forfeited int
}

// TeamStats aggregates the cached layer snapshots for reporting.
type TeamStats struct {
	Member          string
	TotalTeamSize   int
	DirectReferrals int
	LayerCounts     map[int]int
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
