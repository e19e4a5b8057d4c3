package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveDraft stores d for identity, or deletes it when empty.
func (db *DB) SaveDraft(identity string, d Draft) error {
	if d.Empty() {
		_, err := db.Exec(`DELETE FROM drafts WHERE identity = ? AND peer = ?`, identity, d.Peer)
		return err
	}
	_, err := db.Exec(`
		INSERT INTO drafts (identity, peer, body, reply_to, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity, peer) DO UPDATE SET
			body = excluded.body,
			reply_to = excluded.reply_to,
			updated_at = excluded.updated_at`,
		identity, d.Peer, d.Body, d.ReplyTo, time.Now().UnixMilli())
	return err
}

// GetDraft returns the draft for peer, or an empty draft when none is stored.
func (db *DB) GetDraft(identity, peer string) (Draft, error) {
	d := Draft{Peer: peer}
	err := db.QueryRow(`SELECT body, reply_to FROM drafts WHERE identity = ? AND peer = ?`, identity, peer).
		Scan(&d.Body, &d.ReplyTo)
	if errors.Is(err, sql.ErrNoRows) {
		return d, nil
	}
	if err != nil {
		return Draft{}, fmt.Errorf("get draft: %w", err)
	}
	return d, nil
}

// ListDrafts returns every stored draft of identity.
func (db *DB) ListDrafts(identity string) ([]Draft, error) {
	rows, err := db.Query(`SELECT peer, body, reply_to FROM drafts WHERE identity = ? ORDER BY updated_at DESC`, identity)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	var out []Draft
	for rows.Next() {
		var d Draft
		if err := rows.Scan(&d.Peer, &d.Body, &d.ReplyTo); err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
