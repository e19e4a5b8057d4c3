package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetPrefs stores the flags of one contact.
func (db *DB) SetPrefs(identity string, p Prefs) error {
	_, err := db.Exec(`
		INSERT INTO contact_prefs (identity, peer, muted, blocked, favorite, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity, peer) DO UPDATE SET
			muted = excluded.muted,
			blocked = excluded.blocked,
			favorite = excluded.favorite,
			updated_at = excluded.updated_at`,
		identity, p.Peer, p.Muted, p.Blocked, p.Favorite, time.Now().UnixMilli())
	return err
}

// GetPrefs returns the flags of peer; all false when none are stored.
func (db *DB) GetPrefs(identity, peer string) (Prefs, error) {
	p := Prefs{Peer: peer}
	err := db.QueryRow(`SELECT muted, blocked, favorite FROM contact_prefs WHERE identity = ? AND peer = ?`, identity, peer).
		Scan(&p.Muted, &p.Blocked, &p.Favorite)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return Prefs{}, fmt.Errorf("get prefs: %w", err)
	}
	return p, nil
}

// AllPrefs returns the stored flags of identity keyed by peer.
func (db *DB) AllPrefs(identity string) (map[string]Prefs, error) {
	rows, err := db.Query(`SELECT peer, muted, blocked, favorite FROM contact_prefs WHERE identity = ?`, identity)
	if err != nil {
		return nil, fmt.Errorf("list prefs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Prefs)
	for rows.Next() {
		var p Prefs
		if err := rows.Scan(&p.Peer, &p.Muted, &p.Blocked, &p.Favorite); err != nil {
			return nil, fmt.Errorf("scan prefs: %w", err)
		}
		out[p.Peer] = p
	}
	return out, rows.Err()
}

// SetState stores a small per-identity value, such as the last selected
// conversation.
func (db *DB) SetState(identity, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO session_state (identity, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		identity, key, value, time.Now().UnixMilli())
	return err
}

// GetState returns the value under key, or "" when unset.
func (db *DB) GetState(identity, key string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM session_state WHERE identity = ? AND key = ?`, identity, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state: %w", err)
	}
	return v, nil
}
