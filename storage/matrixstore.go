package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"hivematrix/native/matrix"
)

// Slot returns the member's matrix slot, nil when the member was never
// placed.
func (s *Storage) Slot(ctx context.Context, member string) (*matrix.MatrixSlot, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT member, direct_sponsor, placement_ancestor, position_index, placement_type, joined_at
        FROM matrix_slots
        WHERE member = ?
    `, member)
	var (
		slot     matrix.MatrixSlot
		ptype    string
		joinedAt int64
	)
	if err := row.Scan(&slot.Member, &slot.DirectSponsor, &slot.PlacementAncestor, &slot.PositionIndex, &ptype, &joinedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query slot: %w", err)
	}
	slot.Placement = matrix.PlacementType(ptype)
	slot.JoinedAt = timeOrZero(joinedAt)
	return &slot, nil
}

// ChildCount counts slots placed directly under the parent.
func (s *Storage) ChildCount(ctx context.Context, parent string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM matrix_slots WHERE placement_ancestor = ?
    `, parent).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return count, nil
}

// FirstOpenSlot finds the earliest-joined matrix member with fewer than
// three children. The matrix population is the seeded root plus everyone
// holding a slot; ordering by join time with the key as tiebreak keeps the
// spillover policy deterministic under replay.
func (s *Storage) FirstOpenSlot(ctx context.Context) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT m.member_key
        FROM members m
        LEFT JOIN matrix_slots c ON c.placement_ancestor = m.member_key
        WHERE m.sponsor = '' OR m.member_key IN (SELECT member FROM matrix_slots)
        GROUP BY m.member_key, m.joined_at
        HAVING COUNT(c.member) < 3
        ORDER BY m.joined_at ASC, m.member_key ASC
        LIMIT 1
    `)
	var parent string
	if err := row.Scan(&parent); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query open slot: %w", err)
	}
	return parent, true, nil
}

// InsertSlot writes the slot. The schema enforces one slot per member and
// one occupant per (ancestor, position); violations surface as
// ErrAlreadyPlaced and ErrPositionTaken so the engine can retry its search.
func (s *Storage) InsertSlot(ctx context.Context, slot matrix.MatrixSlot) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO matrix_slots(member, direct_sponsor, placement_ancestor, position_index, placement_type, joined_at)
        VALUES(?, ?, ?, ?, ?, ?)
    `, slot.Member, slot.DirectSponsor, slot.PlacementAncestor, slot.PositionIndex, string(slot.Placement), unixOrZero(slot.JoinedAt))
	if err != nil {
		if isUniqueViolation(err, "matrix_slots.member") {
			return matrix.ErrAlreadyPlaced
		}
		if isUniqueViolation(err, "matrix_slots.placement_ancestor") {
			return matrix.ErrPositionTaken
		}
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

// ReplaceLayers swaps the member's snapshots for the provided set in one
// transaction. Nothing is persisted when any write fails.
func (s *Storage) ReplaceLayers(ctx context.Context, member string, layers []matrix.LayerSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM layer_snapshots WHERE member = ?`, member); err != nil {
		return fmt.Errorf("clear layers: %w", err)
	}
	for _, layer := range layers {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO layer_snapshots(member, layer, members, computed_at)
            VALUES(?, ?, ?, ?)
        `, member, layer.Layer, strings.Join(layer.Members, ","), unixOrZero(layer.ComputedAt)); err != nil {
			return fmt.Errorf("insert layer %d: %w", layer.Layer, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit layers: %w", err)
	}
	return nil
}

// Layers returns the cached snapshots for the member, ordered by layer.
func (s *Storage) Layers(ctx context.Context, member string) ([]matrix.LayerSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT layer, members, computed_at
        FROM layer_snapshots
        WHERE member = ?
        ORDER BY layer ASC
    `, member)
	if err != nil {
		return nil, fmt.Errorf("query layers: %w", err)
	}
	defer rows.Close()
	var layers []matrix.LayerSnapshot
	for rows.Next() {
		snap := matrix.LayerSnapshot{Member: member}
		var members string
		var computedAt int64
		if err := rows.Scan(&snap.Layer, &members, &computedAt); err != nil {
			return nil, fmt.Errorf("scan layer: %w", err)
		}
		if members != "" {
			snap.Members = strings.Split(members, ",")
		}
		snap.ComputedAt = timeOrZero(computedAt)
		layers = append(layers, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate layers: %w", err)
	}
	return layers, nil
}

// InsertReward persists the record unless the idempotency key already
// exists.
func (s *Storage) InsertReward(ctx context.Context, rec matrix.RewardRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO reward_records(
            id, recipient, source_member, trigger_level, required_level, hop_offset,
            amount_cents, status, pending_until, redistributed_to, created_at, claimed_at, resolved_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(source_member, trigger_level, recipient) DO NOTHING
    `, rec.ID, rec.Recipient, rec.SourceMember, rec.TriggerLevel, rec.RequiredLevel, rec.HopOffset,
		rec.AmountCents, string(rec.Status), unixOrZero(rec.PendingUntil), rec.RedistributedTo,
		unixOrZero(rec.CreatedAt), unixOrZero(rec.ClaimedAt), unixOrZero(rec.ResolvedAt))
	if err != nil {
		return false, fmt.Errorf("insert reward: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

const rewardColumns = `
    id, recipient, source_member, trigger_level, required_level, hop_offset,
    amount_cents, status, pending_until, redistributed_to, created_at, claimed_at, resolved_at`

func scanReward(scan func(dest ...any) error) (matrix.RewardRecord, error) {
	var (
		rec          matrix.RewardRecord
		status       string
		pendingUntil int64
		createdAt    int64
		claimedAt    int64
		resolvedAt   int64
	)
	err := scan(&rec.ID, &rec.Recipient, &rec.SourceMember, &rec.TriggerLevel, &rec.RequiredLevel,
		&rec.HopOffset, &rec.AmountCents, &status, &pendingUntil, &rec.RedistributedTo,
		&createdAt, &claimedAt, &resolvedAt)
	if err != nil {
		return rec, err
	}
	rec.Status = matrix.RewardStatus(status)
	rec.PendingUntil = timeOrZero(pendingUntil)
	rec.CreatedAt = timeOrZero(createdAt)
	rec.ClaimedAt = timeOrZero(claimedAt)
	rec.ResolvedAt = timeOrZero(resolvedAt)
	return rec, nil
}

// RewardByID loads a single record, nil when absent.
func (s *Storage) RewardByID(ctx context.Context, id string) (*matrix.RewardRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM reward_records WHERE id = ?`, id)
	rec, err := scanReward(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query reward: %w", err)
	}
	return &rec, nil
}

// RewardsByRecipient lists records for the recipient, newest first. An
// empty status returns every record.
func (s *Storage) RewardsByRecipient(ctx context.Context, recipient string, status matrix.RewardStatus) ([]matrix.RewardRecord, error) {
	query := `SELECT ` + rewardColumns + ` FROM reward_records WHERE recipient = ?`
	args := []any{recipient}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rewards: %w", err)
	}
	defer rows.Close()
	var records []matrix.RewardRecord
	for rows.Next() {
		rec, err := scanReward(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rewards: %w", err)
	}
	return records, nil
}

// PendingExpired returns pending records whose countdown lapsed at or
// before asOf, oldest deadline first.
func (s *Storage) PendingExpired(ctx context.Context, asOf time.Time) ([]matrix.RewardRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+rewardColumns+`
        FROM reward_records
        WHERE status = 'pending' AND pending_until > 0 AND pending_until < ?
        ORDER BY pending_until ASC, id ASC
    `, asOf.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("query expired: %w", err)
	}
	defer rows.Close()
	var records []matrix.RewardRecord
	for rows.Next() {
		rec, err := scanReward(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan expired: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired: %w", err)
	}
	return records, nil
}

// Level1RewardCount counts level-1-triggered rewards already granted to the
// recipient, regardless of their current status.
func (s *Storage) Level1RewardCount(ctx context.Context, recipient string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM reward_records WHERE recipient = ? AND trigger_level = 1
    `, recipient).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count level-1 rewards: %w", err)
	}
	return count, nil
}

// MarkClaimable promotes a pending record. The status filter makes the
// update a compare-and-swap; false means another transition won.
func (s *Storage) MarkClaimable(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE reward_records
        SET status = 'claimable', pending_until = 0
        WHERE id = ? AND status = 'pending'
    `, id)
	if err != nil {
		return false, fmt.Errorf("mark claimable: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkRedistributed terminates a pending record, stamping where the value
// rolled up to. An empty target records a forfeited reward.
func (s *Storage) MarkRedistributed(ctx context.Context, id, redistributedTo string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE reward_records
        SET status = 'expired_redistributed', redistributed_to = ?, resolved_at = ?
        WHERE id = ? AND status = 'pending'
    `, redistributedTo, at.UTC().Unix(), id)
	if err != nil {
		return false, fmt.Errorf("mark redistributed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkClaimed terminates a claimable record.
func (s *Storage) MarkClaimed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE reward_records
        SET status = 'claimed', claimed_at = ?, resolved_at = ?
        WHERE id = ? AND status = 'claimable'
    `, at.UTC().Unix(), at.UTC().Unix(), id)
	if err != nil {
		return false, fmt.Errorf("mark claimed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}
