package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNoKeyring    = errors.New("secret storage requires a keyring")
	ErrEmptyProfile = errors.New("profile id is empty")
)

// KV is the per-profile view over the store. Writes are last-write-wins and
// no guarantee spans more than one key.
type KV interface {
	Get(ctx context.Context, key Key) (string, error)
	Set(ctx context.Context, key Key, value string) error
	Remove(ctx context.Context, key Key) error
}

type ProfileKV struct {
	store     *Store
	profileID string
}

func (s *Store) Profile(profileID string) *ProfileKV {
	return &ProfileKV{store: s, profileID: profileID}
}

func (p *ProfileKV) ID() string {
	return p.profileID
}

func (p *ProfileKV) Get(ctx context.Context, key Key) (string, error) {
	if p.profileID == "" {
		return "", ErrEmptyProfile
	}
	q := p.store.sql.Select("value").
		From("profile_kv").
		Where(sq.Eq{"profile_id": p.profileID, "key": string(key)})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get %s query: %w", key, err)
	}

	var value string
	if err := p.store.db.QueryRowContext(ctx, sqlStr, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	if !key.secret() {
		return value, nil
	}
	if p.store.keyring == nil {
		return "", ErrNoKeyring
	}
	plain, err := p.store.keyring.Open(value, p.profileID)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", key, err)
	}
	return plain, nil
}

func (p *ProfileKV) Set(ctx context.Context, key Key, value string) error {
	if p.profileID == "" {
		return ErrEmptyProfile
	}
	if key.secret() {
		if p.store.keyring == nil {
			return ErrNoKeyring
		}
		sealed, err := p.store.keyring.Seal(value, p.profileID)
		if err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
		value = sealed
	}

	q := p.store.sql.Insert("profile_kv").
		Columns("profile_id", "key", "value", "updated_at").
		Values(p.profileID, string(key), value, nowExpr(p.store.driver)).
		Suffix("ON CONFLICT(profile_id, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set %s query: %w", key, err)
	}
	if _, err := p.store.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (p *ProfileKV) Remove(ctx context.Context, key Key) error {
	if p.profileID == "" {
		return ErrEmptyProfile
	}
	q := p.store.sql.Delete("profile_kv").
		Where(sq.Eq{"profile_id": p.profileID, "key": string(key)})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build remove %s query: %w", key, err)
	}
	if _, err := p.store.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// RemoveSummaries drops every cached summary of the profile.
func (p *ProfileKV) RemoveSummaries(ctx context.Context) (int64, error) {
	if p.profileID == "" {
		return 0, ErrEmptyProfile
	}
	q := p.store.sql.Delete("profile_kv").
		Where(sq.Eq{"profile_id": p.profileID}).
		Where(sq.Like{"key": summaryPrefix + "%"})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build remove summaries query: %w", err)
	}
	res, err := p.store.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("remove summaries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type AuditEntry struct {
	ProfileID string
	Action    string
	MetaJSON  string
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" || !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("profile_id", "action", "meta_json").
		Values(e.ProfileID, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// CountActions returns how many audit entries with the given action the
// profile has recorded.
func (s *Store) CountActions(ctx context.Context, profileID, action string) (int, error) {
	q := s.sql.Select("COUNT(*)").
		From("audit_log").
		Where(sq.Eq{"profile_id": profileID, "action": action})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build audit count query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
