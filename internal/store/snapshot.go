package store

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/descartes-run/descartes/internal/errkind"
)

// CreateSnapshot gzip-compresses state (marshalled as JSON) and persists
// it as a BLOB, mirroring the teacher's checkpoint.Store.Create
// compression discipline.
func (s *Store) CreateSnapshot(id, sessionID string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errkind.New(errkind.Validation, "store.CreateSnapshot", err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return errkind.New(errkind.Internal, "store.CreateSnapshot", err)
	}
	if err := gw.Close(); err != nil {
		return errkind.New(errkind.Internal, "store.CreateSnapshot", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO snapshots (id, session_id, created_at, state_gz)
		VALUES (?, ?, ?, ?)
	`, id, sessionID, nowRFC3339(), buf.Bytes())
	if err != nil {
		return errkind.New(errkind.IO, "store.CreateSnapshot", err)
	}
	return nil
}

// RestoreSnapshot decompresses the named snapshot and unmarshals it into out.
func (s *Store) RestoreSnapshot(id string, out any) error {
	row := s.db.QueryRow(`SELECT state_gz FROM snapshots WHERE id = ?`, id)
	var gz []byte
	if err := row.Scan(&gz); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errkind.New(errkind.NotFound, "store.RestoreSnapshot", err)
		}
		return errkind.New(errkind.IO, "store.RestoreSnapshot", err)
	}

	gr, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return errkind.New(errkind.Internal, "store.RestoreSnapshot", err)
	}
	defer gr.Close()

	dec := json.NewDecoder(gr)
	if err := dec.Decode(out); err != nil {
		return errkind.New(errkind.Internal, "store.RestoreSnapshot", err)
	}
	return nil
}

// LatestSnapshot returns the id of the most recent snapshot for a
// session, or "" if none exists.
func (s *Store) LatestSnapshot(sessionID string) (string, error) {
	row := s.db.QueryRow(`SELECT id FROM snapshots WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", errkind.New(errkind.IO, "store.LatestSnapshot", err)
	}
	return id, nil
}

// PruneSnapshots deletes snapshots for sessionID older than olderThan,
// always keeping at least minKeep most-recent ones, matching the
// teacher's checkpoint.Store.Prune retention policy.
func (s *Store) PruneSnapshots(sessionID string, olderThan time.Time, minKeep int) (int64, error) {
	rows, err := s.db.Query(`SELECT id, created_at FROM snapshots WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return 0, errkind.New(errkind.IO, "store.PruneSnapshots", err)
	}
	type row struct {
		id string
		ts time.Time
	}
	var all []row
	for rows.Next() {
		var r row
		var ts string
		if err := rows.Scan(&r.id, &ts); err != nil {
			continue
		}
		r.ts = parseTime(ts)
		all = append(all, r)
	}
	rows.Close()

	var toDelete []string
	for i, r := range all {
		if i < minKeep {
			continue
		}
		if r.ts.Before(olderThan) {
			toDelete = append(toDelete, r.id)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	var n int64
	for _, id := range toDelete {
		res, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
		if err != nil {
			return n, errkind.New(errkind.IO, "store.PruneSnapshots", err)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	return n, nil
}
