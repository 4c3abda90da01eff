package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"hivematrix/native/matrix"
)

// Storage wraps the matrixd persistence layer. It backs both the member
// directory and the matrix store consumed by the engine.
type Storage struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("matrixd storage path must be configured")

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Storage, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS members (
    member_key TEXT PRIMARY KEY,
    sponsor TEXT NOT NULL DEFAULT '',
    activated INTEGER NOT NULL DEFAULT 0,
    current_level INTEGER NOT NULL DEFAULT 0,
    owned_levels TEXT NOT NULL DEFAULT '',
    joined_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_members_sponsor ON members(sponsor, joined_at);

CREATE TABLE IF NOT EXISTS matrix_slots (
    member TEXT PRIMARY KEY,
    direct_sponsor TEXT NOT NULL,
    placement_ancestor TEXT NOT NULL,
    position_index INTEGER NOT NULL CHECK (position_index BETWEEN 1 AND 3),
    placement_type TEXT NOT NULL,
    joined_at INTEGER NOT NULL,
    UNIQUE (placement_ancestor, position_index)
);
CREATE INDEX IF NOT EXISTS idx_matrix_slots_ancestor ON matrix_slots(placement_ancestor);

CREATE TABLE IF NOT EXISTS layer_snapshots (
    member TEXT NOT NULL,
    layer INTEGER NOT NULL CHECK (layer BETWEEN 1 AND 19),
    members TEXT NOT NULL,
    computed_at INTEGER NOT NULL,
    PRIMARY KEY (member, layer)
);

CREATE TABLE IF NOT EXISTS reward_records (
    id TEXT PRIMARY KEY,
    recipient TEXT NOT NULL,
    source_member TEXT NOT NULL,
    trigger_level INTEGER NOT NULL,
    required_level INTEGER NOT NULL,
    hop_offset INTEGER NOT NULL,
    amount_cents INTEGER NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('pending','claimable','claimed','expired_redistributed')),
    pending_until INTEGER NOT NULL DEFAULT 0,
    redistributed_to TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    claimed_at INTEGER NOT NULL DEFAULT 0,
    resolved_at INTEGER NOT NULL DEFAULT 0,
    UNIQUE (source_member, trigger_level, recipient)
);
CREATE INDEX IF NOT EXISTS idx_reward_records_recipient ON reward_records(recipient, status);
CREATE INDEX IF NOT EXISTS idx_reward_records_pending ON reward_records(status, pending_until);
`

func isUniqueViolation(err error, index string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, index)
}

func encodeLevels(levels []int) string {
	if len(levels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(levels))
	for _, l := range levels {
		parts = append(parts, strconv.Itoa(l))
	}
	return strings.Join(parts, ",")
}

func decodeLevels(raw string) []int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	levels := make([]int, 0, len(parts))
	for _, p := range parts {
		l, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		levels = append(levels, l)
	}
	return levels
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

// SeedRoot ensures the pre-seeded company member exists. The root has no
// sponsor and no matrix slot; every ancestor walk terminates at it.
func (s *Storage) SeedRoot(ctx context.Context, key string, at time.Time) error {
	root := matrix.NormalizeKey(key)
	if root == "" {
		return fmt.Errorf("root member key required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO members(member_key, sponsor, activated, joined_at)
        VALUES(?, '', 1, ?)
        ON CONFLICT(member_key) DO NOTHING
    `, root, at.UTC().Unix())
	if err != nil {
		return fmt.Errorf("seed root: %w", err)
	}
	return nil
}

// RegisterMember creates a directory entry. The sponsor reference is
// immutable from this point on.
func (s *Storage) RegisterMember(ctx context.Context, key, sponsor string, at time.Time) error {
	member := matrix.NormalizeKey(key)
	sponsorKey := matrix.NormalizeKey(sponsor)
	if member == "" {
		return fmt.Errorf("member key required")
	}
	if sponsorKey == "" {
		return fmt.Errorf("sponsor key required")
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM members WHERE member_key = ?`, sponsorKey).Scan(&exists)
	if err == sql.ErrNoRows {
		return matrix.ErrUnknownSponsor
	}
	if err != nil {
		return fmt.Errorf("check sponsor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO members(member_key, sponsor, joined_at)
        VALUES(?, ?, ?)
        ON CONFLICT(member_key) DO NOTHING
    `, member, sponsorKey, at.UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

// GetMember loads the directory entry for the key.
func (s *Storage) GetMember(ctx context.Context, key string) (*matrix.Member, error) {
	member := matrix.NormalizeKey(key)
	row := s.db.QueryRowContext(ctx, `
        SELECT member_key, sponsor, activated, current_level, owned_levels, joined_at
        FROM members
        WHERE member_key = ?
    `, member)
	var (
		m         matrix.Member
		activated int
		levels    string
		joinedAt  int64
	)
	if err := row.Scan(&m.Key, &m.Sponsor, &activated, &m.CurrentLevel, &levels, &joinedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, matrix.ErrUnknownMember
		}
		return nil, fmt.Errorf("query member: %w", err)
	}
	m.Activated = activated != 0
	m.OwnedLevels = decodeLevels(levels)
	m.JoinedAt = timeOrZero(joinedAt)
	return &m, nil
}

// DirectReferrals returns members sponsored by the key, earliest first.
func (s *Storage) DirectReferrals(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT member_key
        FROM members
        WHERE sponsor = ?
        ORDER BY joined_at ASC, member_key ASC
    `, matrix.NormalizeKey(key))
	if err != nil {
		return nil, fmt.Errorf("query referrals: %w", err)
	}
	defer rows.Close()
	var referrals []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan referral: %w", err)
		}
		referrals = append(referrals, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate referrals: %w", err)
	}
	return referrals, nil
}

// GrantLevel adds the level to the member's owned set. The set only grows;
// granting an already-owned level is a no-op.
func (s *Storage) GrantLevel(ctx context.Context, key string, level int) error {
	member := matrix.NormalizeKey(key)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	var (
		levels  string
		current int
	)
	err = tx.QueryRowContext(ctx, `
        SELECT owned_levels, current_level FROM members WHERE member_key = ?
    `, member).Scan(&levels, &current)
	if err == sql.ErrNoRows {
		return matrix.ErrUnknownMember
	}
	if err != nil {
		return fmt.Errorf("query levels: %w", err)
	}
	owned := decodeLevels(levels)
	for _, l := range owned {
		if l == level {
			return nil
		}
	}
	owned = append(owned, level)
	if level > current {
		current = level
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE members SET owned_levels = ?, current_level = ? WHERE member_key = ?
    `, encodeLevels(owned), current, member); err != nil {
		return fmt.Errorf("update levels: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit levels: %w", err)
	}
	return nil
}

// Activate flips the activation flag. The flag only ever moves false to
// true; repeated calls are no-ops.
func (s *Storage) Activate(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE members SET activated = 1 WHERE member_key = ? AND activated = 0
    `, matrix.NormalizeKey(key))
	if err != nil {
		return fmt.Errorf("activate member: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	return nil
}
