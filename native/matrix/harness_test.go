package matrix

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// memDirectory is an in-memory Directory for engine tests.
type memDirectory struct {
	mu      sync.Mutex
	members map[string]*Member
}

func newMemDirectory() *memDirectory {
	return &memDirectory{members: make(map[string]*Member)}
}

func (d *memDirectory) add(key, sponsor string, joinedAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[key] = &Member{Key: key, Sponsor: sponsor, JoinedAt: joinedAt}
}

func (d *memDirectory) setLevels(key string, activated bool, levels ...int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.members[key]
	m.Activated = activated
	m.OwnedLevels = append([]int(nil), levels...)
	for _, l := range levels {
		if l > m.CurrentLevel {
			m.CurrentLevel = l
		}
	}
}

func (d *memDirectory) GetMember(_ context.Context, key string) (*Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[key]
	if !ok {
		return nil, ErrUnknownMember
	}
	clone := *m
	clone.OwnedLevels = append([]int(nil), m.OwnedLevels...)
	return &clone, nil
}

func (d *memDirectory) DirectReferrals(_ context.Context, key string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var refs []string
	for _, m := range d.members {
		if m.Sponsor == key {
			refs = append(refs, m.Key)
		}
	}
	sort.Strings(refs)
	return refs, nil
}

func (d *memDirectory) GrantLevel(_ context.Context, key string, level int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[key]
	if !ok {
		return ErrUnknownMember
	}
	for _, l := range m.OwnedLevels {
		if l == level {
			return nil
		}
	}
	m.OwnedLevels = append(m.OwnedLevels, level)
	if level > m.CurrentLevel {
		m.CurrentLevel = level
	}
	return nil
}

func (d *memDirectory) Activate(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[key]
	if !ok {
		return ErrUnknownMember
	}
	m.Activated = true
	return nil
}

// memStore is an in-memory Store. Nodes are tracked in join order so the
// open-slot search mirrors the earliest-joined ordering of the SQL store.
type memStore struct {
	mu        sync.Mutex
	nodes     []string
	slots     map[string]*MatrixSlot
	positions map[string]map[int]string
	layers    map[string][]LayerSnapshot
	rewards   map[string]*RewardRecord
	dedupe    map[string]struct{}

	// stealPositions, when positive, makes that many InsertSlot calls fail
	// with ErrPositionTaken to simulate a lost placement race.
	stealPositions int
	// failRewardInserts, when positive, makes that many InsertReward calls
	// fail to simulate a transient store outage.
	failRewardInserts int
}

func newMemStore(root string) *memStore {
	s := &memStore{
		slots:     make(map[string]*MatrixSlot),
		positions: make(map[string]map[int]string),
		layers:    make(map[string][]LayerSnapshot),
		rewards:   make(map[string]*RewardRecord),
		dedupe:    make(map[string]struct{}),
	}
	if root != "" {
		s.nodes = append(s.nodes, root)
	}
	return s
}

func rewardKey(rec RewardRecord) string {
	return fmt.Sprintf("%s|%d|%s", rec.SourceMember, rec.TriggerLevel, rec.Recipient)
}

func (s *memStore) Slot(_ context.Context, member string) (*MatrixSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[member]
	if !ok {
		return nil, nil
	}
	clone := *slot
	return &clone, nil
}

func (s *memStore) ChildCount(_ context.Context, parent string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions[parent]), nil
}

func (s *memStore) FirstOpenSlot(_ context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, node := range s.nodes {
		if len(s.positions[node]) < PositionCount {
			return node, true, nil
		}
	}
	return "", false, nil
}

func (s *memStore) InsertSlot(_ context.Context, slot MatrixSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stealPositions > 0 {
		s.stealPositions--
		return ErrPositionTaken
	}
	if _, ok := s.slots[slot.Member]; ok {
		return ErrAlreadyPlaced
	}
	if _, taken := s.positions[slot.PlacementAncestor][slot.PositionIndex]; taken {
		return ErrPositionTaken
	}
	clone := slot
	s.slots[slot.Member] = &clone
	if s.positions[slot.PlacementAncestor] == nil {
		s.positions[slot.PlacementAncestor] = make(map[int]string)
	}
	s.positions[slot.PlacementAncestor][slot.PositionIndex] = slot.Member
	s.nodes = append(s.nodes, slot.Member)
	return nil
}

func (s *memStore) ReplaceLayers(_ context.Context, member string, layers []LayerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[member] = append([]LayerSnapshot(nil), layers...)
	return nil
}

func (s *memStore) Layers(_ context.Context, member string) ([]LayerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LayerSnapshot(nil), s.layers[member]...), nil
}

func (s *memStore) InsertReward(_ context.Context, rec RewardRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRewardInserts > 0 {
		s.failRewardInserts--
		return false, errors.New("reward insert unavailable")
	}
	key := rewardKey(rec)
	if _, ok := s.dedupe[key]; ok {
		return false, nil
	}
	s.dedupe[key] = struct{}{}
	clone := rec
	s.rewards[rec.ID] = &clone
	return true, nil
}

func (s *memStore) RewardByID(_ context.Context, id string) (*RewardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rewards[id]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

func (s *memStore) RewardsByRecipient(_ context.Context, recipient string, status RewardStatus) ([]RewardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RewardRecord
	for _, rec := range s.rewards {
		if rec.Recipient != recipient {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) PendingExpired(_ context.Context, asOf time.Time) ([]RewardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RewardRecord
	for _, rec := range s.rewards {
		if rec.Status == StatusPending && !rec.PendingUntil.IsZero() && rec.PendingUntil.Before(asOf) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Level1RewardCount(_ context.Context, recipient string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.rewards {
		if rec.Recipient == recipient && rec.TriggerLevel == 1 {
			count++
		}
	}
	return count, nil
}

func (s *memStore) MarkClaimable(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rewards[id]
	if !ok || rec.Status != StatusPending {
		return false, nil
	}
	rec.Status = StatusClaimable
	return true, nil
}

func (s *memStore) MarkRedistributed(_ context.Context, id, redistributedTo string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rewards[id]
	if !ok || rec.Status != StatusPending {
		return false, nil
	}
	rec.Status = StatusRedistributed
	rec.RedistributedTo = redistributedTo
	rec.ResolvedAt = at
	return true, nil
}

func (s *memStore) MarkClaimed(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rewards[id]
	if !ok || rec.Status != StatusClaimable {
		return false, nil
	}
	rec.Status = StatusClaimed
	rec.ClaimedAt = at
	rec.ResolvedAt = at
	return true, nil
}

// harness bundles a directory, store and engine around a manual clock.
type harness struct {
	dir    *memDirectory
	store  *memStore
	engine *Engine
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dir:   newMemDirectory(),
		store: newMemStore("root"),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.dir.add("root", "", h.now.Add(-time.Hour))
	h.dir.setLevels("root", true, 1)

	engine, err := New(h.dir, h.store, WithClock(func() time.Time { return h.now }))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = engine
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

// join registers the member under the sponsor and places them.
func (h *harness) join(t *testing.T, member, sponsor string) *MatrixSlot {
	t.Helper()
	h.advance(time.Minute)
	h.dir.add(member, sponsor, h.now)
	slot, err := h.engine.Place(context.Background(), member, sponsor)
	if err != nil {
		t.Fatalf("place %s under %s: %v", member, sponsor, err)
	}
	return slot
}

func (h *harness) purchase(t *testing.T, member string, level int) []RewardRecord {
	t.Helper()
	recs, err := h.engine.OnLevelPurchase(context.Background(), member, level)
	if err != nil {
		t.Fatalf("purchase level %d by %s: %v", level, member, err)
	}
	return recs
}
