/*
Maitred - programmable mail transfer agent.
Copyright © 2024-2026 The Maitred Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLite is the Store backed by a single SQLite table. The AUTOINCREMENT
// primary key is the sequence number, so SELECT ... ORDER BY seq is the
// FIFO order and the counter never goes backwards, not even after Clear.
// Rows whose columns cannot be read back are flagged broken and excluded
// from all queue operations.
type SQLite struct {
	db *sql.DB

	// Serializes multi-statement operations. The connection pool is
	// capped at one connection anyway to keep SQLite happy under
	// concurrent writes.
	lck sync.Mutex
}

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("queue: sqlite backend requires a file path")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	db.SetMaxOpenConns(1)

	initQueries := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			uid TEXT NOT NULL,
			data BLOB NOT NULL,
			broken INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, q := range initQueries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("queue: init query failed: %w", err)
		}
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Enqueue(ent *Entry) error {
	fillUID(ent)

	res, err := s.db.Exec(`INSERT INTO queue (uid, data) VALUES (?, ?)`, ent.UID, ent.Data)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	ent.Seq = uint64(seq)
	return nil
}

// headSeq returns the seq of the next entry, sql.ErrNoRows when empty.
func (s *SQLite) headSeq() (uint64, error) {
	var seq uint64
	err := s.db.QueryRow(`SELECT seq FROM queue WHERE broken = 0 ORDER BY seq LIMIT 1`).Scan(&seq)
	return seq, err
}

func (s *SQLite) readRow(seq uint64) (*Entry, error) {
	ent := &Entry{Seq: seq}
	err := s.db.QueryRow(`SELECT uid, data FROM queue WHERE seq = ?`, seq).Scan(&ent.UID, &ent.Data)
	if err != nil {
		return nil, err
	}
	return ent, nil
}

func (s *SQLite) markBroken(seq uint64) {
	if _, err := s.db.Exec(`UPDATE queue SET broken = 1 WHERE seq = ?`, seq); err != nil {
		dlog.Error("failed to move aside broken entry", err, "seq", seq)
		return
	}
	dlog.Msg("moved aside broken entry", "seq", seq)
}

func (s *SQLite) Dequeue() (*Entry, error) {
	s.lck.Lock()
	defer s.lck.Unlock()

	for {
		seq, err := s.headSeq()
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}

		ent, err := s.readRow(seq)
		if err != nil {
			s.markBroken(seq)
			continue
		}
		if _, err := s.db.Exec(`DELETE FROM queue WHERE seq = ?`, seq); err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}
		return ent, nil
	}
}

func (s *SQLite) Peek() (*Entry, error) {
	s.lck.Lock()
	defer s.lck.Unlock()

	for {
		seq, err := s.headSeq()
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}

		ent, err := s.readRow(seq)
		if err != nil {
			s.markBroken(seq)
			continue
		}
		return ent, nil
	}
}

func (s *SQLite) Len() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue WHERE broken = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: %w", err)
	}
	return n, nil
}

func (s *SQLite) IsEmpty() (bool, error) {
	n, err := s.Len()
	return n == 0, err
}

// seqs returns the seq numbers of all queued entries in FIFO order.
// Called with lck held.
func (s *SQLite) seqs() ([]uint64, error) {
	rows, err := s.db.Query(`SELECT seq FROM queue WHERE broken = 0 ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var seq uint64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func (s *SQLite) Snapshot() ([]*Entry, error) {
	s.lck.Lock()
	defer s.lck.Unlock()

	seqs, err := s.seqs()
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	snap := make([]*Entry, 0, len(seqs))
	for _, seq := range seqs {
		ent, err := s.readRow(seq)
		if err != nil {
			s.markBroken(seq)
			continue
		}
		snap = append(snap, ent)
	}
	return snap, nil
}

func (s *SQLite) RemoveByIndex(i int) error {
	return s.RemoveByIndices([]int{i})
}

func (s *SQLite) RemoveByIndices(indices []int) error {
	if len(indices) == 0 {
		return nil
	}

	s.lck.Lock()
	defer s.lck.Unlock()

	seqs, err := s.seqs()
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	for _, i := range indices {
		if i < 0 || i >= len(seqs) {
			return ErrNoSuchEntry
		}
	}
	for _, i := range sortedUniqueDesc(indices) {
		if _, err := s.db.Exec(`DELETE FROM queue WHERE seq = ?`, seqs[i]); err != nil {
			return fmt.Errorf("queue: %w", err)
		}
	}
	return nil
}

func (s *SQLite) RemoveByUID(uid string) error {
	res, err := s.db.Exec(`DELETE FROM queue WHERE broken = 0 AND uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if n == 0 {
		return ErrNoSuchEntry
	}
	return nil
}

func (s *SQLite) RemoveByUIDs(uids []string) error {
	for _, uid := range uids {
		if err := s.RemoveByUID(uid); err != nil && err != ErrNoSuchEntry {
			return err
		}
	}
	return nil
}

func (s *SQLite) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM queue`); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
