package matrix

import (
	"fmt"
	"time"
)

const (
	// DefaultPendingWindow is the countdown granted to an unqualified
	// recipient before their pending reward rolls up.
	DefaultPendingWindow = 72 * time.Hour
	// DefaultRelaxedLevel1Count is how many level-1 rewards an ancestor may
	// collect while owning only level 1. From the next one on they must own
	// the escalated level.
	DefaultRelaxedLevel1Count = 2
	// DefaultEscalatedLevel is the level required for level-1 rewards beyond
	// the relaxed quota.
	DefaultEscalatedLevel = 2

	baseLevelPriceCents = 100 * 100
	levelPriceStepCents = 50 * 100

	// DefaultLevel1RewardCents is the rewardable portion of the level-1
	// price once the platform fee is held back.
	DefaultLevel1RewardCents = 70 * 100
)

// LevelRule describes how one purchase level pays out: which ancestor tier
// receives the reward, what level they must own, and whether qualification
// makes the record immediately claimable.
type LevelRule struct {
	Level         int
	RequiredLevel int
	HopOffset     int
	Claimable     bool
}

// Params carries the tunable policy of the engine. The shape of the rules is
// fixed; operators may adjust the constants.
type Params struct {
	PendingWindow      time.Duration
	RelaxedLevel1Count int
	EscalatedLevel     int
	Level1RewardCents  int64
	// PriceCents is indexed by level (1..MaxDepth); index zero is unused.
	PriceCents [MaxDepth + 1]int64
	// Rules is indexed by level (1..MaxDepth); index zero is unused.
	Rules [MaxDepth + 1]LevelRule
}

// DefaultParams returns the production rule set: level 1 pays the direct
// matrix parent, level 2 skips one generation, levels 3..19 pay the ancestor
// at the matrix depth equal to the purchased level.
func DefaultParams() Params {
	p := Params{
		PendingWindow:      DefaultPendingWindow,
		RelaxedLevel1Count: DefaultRelaxedLevel1Count,
		EscalatedLevel:     DefaultEscalatedLevel,
		Level1RewardCents:  DefaultLevel1RewardCents,
	}
	for level := 1; level <= MaxDepth; level++ {
		p.PriceCents[level] = baseLevelPriceCents + int64(level-1)*levelPriceStepCents
		p.Rules[level] = LevelRule{
			Level:         level,
			RequiredLevel: level,
			HopOffset:     level,
			Claimable:     true,
		}
	}
	// Level 1 walks a single hop; level 2 already does by construction.
	p.Rules[1].HopOffset = 1
	return p
}

// Rule returns the payout rule for the level.
func (p Params) Rule(level int) (LevelRule, error) {
	if level < 1 || level > MaxDepth {
		return LevelRule{}, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	return p.Rules[level], nil
}

// RewardCents returns the rewardable amount for a purchase of the level.
// Level 1 excludes the platform fee; all other levels pay the full price.
func (p Params) RewardCents(level int) int64 {
	if level == 1 {
		return p.Level1RewardCents
	}
	if level < 1 || level > MaxDepth {
		return 0
	}
	return p.PriceCents[level]
}

// Validate checks the params for internal consistency.
func (p Params) Validate() error {
	if p.PendingWindow <= 0 {
		return fmt.Errorf("matrix: pending window must be positive")
	}
	if p.RelaxedLevel1Count < 0 {
		return fmt.Errorf("matrix: relaxed level-1 count must not be negative")
	}
	if p.EscalatedLevel < 1 || p.EscalatedLevel > MaxDepth {
		return fmt.Errorf("matrix: escalated level out of range: %d", p.EscalatedLevel)
	}
	if p.Level1RewardCents <= 0 {
		return fmt.Errorf("matrix: level-1 reward must be positive")
	}
	for level := 1; level <= MaxDepth; level++ {
		rule := p.Rules[level]
		if rule.Level != level {
			return fmt.Errorf("matrix: rule for level %d mislabelled as %d", level, rule.Level)
		}
		if rule.HopOffset < 1 || rule.HopOffset > MaxDepth {
			return fmt.Errorf("matrix: rule for level %d has hop offset %d", level, rule.HopOffset)
		}
		if rule.RequiredLevel < 1 || rule.RequiredLevel > MaxDepth {
			return fmt.Errorf("matrix: rule for level %d requires level %d", level, rule.RequiredLevel)
		}
		if p.PriceCents[level] <= 0 {
			return fmt.Errorf("matrix: price for level %d must be positive", level)
		}
	}
	return nil
}
