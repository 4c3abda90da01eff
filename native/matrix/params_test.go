package matrix

import (
	"testing"
	"time"
)

func TestDefaultParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
}

func TestDefaultRuleTable(t *testing.T) {
	p := DefaultParams()

	one, err := p.Rule(1)
	if err != nil {
		t.Fatalf("rule 1: %v", err)
	}
	if one.HopOffset != 1 || one.RequiredLevel != 1 {
		t.Fatalf("level 1 rule = %+v, want hop 1 requiring level 1", one)
	}

	two, err := p.Rule(2)
	if err != nil {
		t.Fatalf("rule 2: %v", err)
	}
	if two.HopOffset != 2 {
		t.Fatalf("level 2 hop = %d, want 2", two.HopOffset)
	}

	for level := 3; level <= MaxDepth; level++ {
		rule, err := p.Rule(level)
		if err != nil {
			t.Fatalf("rule %d: %v", level, err)
		}
		if rule.HopOffset != level || rule.RequiredLevel != level {
			t.Fatalf("level %d rule = %+v, want hop and requirement at the level", level, rule)
		}
		if !rule.Claimable {
			t.Fatalf("level %d rule must be claimable on qualification", level)
		}
	}
}

func TestLevelPrices(t *testing.T) {
	p := DefaultParams()
	cases := []struct {
		level int
		cents int64
	}{
		{1, 100 * 100},
		{2, 150 * 100},
		{3, 200 * 100},
		{19, 1000 * 100},
	}
	for _, tc := range cases {
		if got := p.PriceCents[tc.level]; got != tc.cents {
			t.Fatalf("level %d price = %d, want %d", tc.level, got, tc.cents)
		}
	}
}

func TestRewardCents(t *testing.T) {
	p := DefaultParams()
	if got := p.RewardCents(1); got != DefaultLevel1RewardCents {
		t.Fatalf("level 1 reward = %d, want %d", got, DefaultLevel1RewardCents)
	}
	if got := p.RewardCents(5); got != p.PriceCents[5] {
		t.Fatalf("level 5 reward = %d, want full price %d", got, p.PriceCents[5])
	}
	if got := p.RewardCents(0); got != 0 {
		t.Fatalf("level 0 reward = %d, want 0", got)
	}
}

func TestValidateRejectsBadParams(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero pending window", func(p *Params) { p.PendingWindow = 0 }},
		{"negative relaxed count", func(p *Params) { p.RelaxedLevel1Count = -1 }},
		{"escalated level out of range", func(p *Params) { p.EscalatedLevel = MaxDepth + 1 }},
		{"zero level-1 reward", func(p *Params) { p.Level1RewardCents = 0 }},
		{"mislabelled rule", func(p *Params) { p.Rules[4].Level = 5 }},
		{"hop out of range", func(p *Params) { p.Rules[7].HopOffset = MaxDepth + 1 }},
		{"zero price", func(p *Params) { p.PriceCents[9] = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParams()
			tc.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidatedWindowIsThreeDays(t *testing.T) {
	if DefaultPendingWindow != 72*time.Hour {
		t.Fatalf("pending window = %v, want 72h", DefaultPendingWindow)
	}
}
