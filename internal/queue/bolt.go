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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltEntries = []byte("entries")
	boltBroken  = []byte("broken")
)

// Bolt is the bbolt-backed Store: all entries live in one bucket, keyed
// by the big-endian sequence number so bbolt's key order is the FIFO
// order. The bucket sequence provides the monotone counter. Entries that
// fail to decode are copied into a side bucket and removed from the
// queue.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	if path == "" {
		return nil, fmt.Errorf("queue: bolt backend requires a file path")
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltBroken)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: %w", err)
	}

	return &Bolt{db: db}, nil
}

func seqKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}

func (b *Bolt) Enqueue(ent *Entry) error {
	fillUID(ent)

	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltEntries)

		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		ent.Seq = seq

		data, err := json.Marshal(ent)
		if err != nil {
			return err
		}
		return bkt.Put(seqKey(seq), data)
	})
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

// moveBroken is called within an update tx. It parks the value under the
// same key in the side bucket.
func moveBroken(tx *bolt.Tx, key, value []byte) error {
	if err := tx.Bucket(boltBroken).Put(key, value); err != nil {
		return err
	}
	if err := tx.Bucket(boltEntries).Delete(key); err != nil {
		return err
	}
	dlog.Msg("moved aside broken entry", "seq", binary.BigEndian.Uint64(key))
	return nil
}

func (b *Bolt) Dequeue() (*Entry, error) {
	var out *Entry
	err := b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.First() {
			ent := &Entry{}
			if err := json.Unmarshal(v, ent); err != nil {
				if err := moveBroken(tx, k, v); err != nil {
					return err
				}
				continue
			}
			if err := tx.Bucket(boltEntries).Delete(k); err != nil {
				return err
			}
			out = ent
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	return out, nil
}

func (b *Bolt) Peek() (*Entry, error) {
	var out *Entry
	err := b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.First() {
			ent := &Entry{}
			if err := json.Unmarshal(v, ent); err != nil {
				if err := moveBroken(tx, k, v); err != nil {
					return err
				}
				continue
			}
			out = ent
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	return out, nil
}

func (b *Bolt) Len() (int, error) {
	n := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltEntries).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("queue: %w", err)
	}
	return n, nil
}

func (b *Bolt) IsEmpty() (bool, error) {
	n, err := b.Len()
	return n == 0, err
}

func (b *Bolt) Snapshot() ([]*Entry, error) {
	var snap []*Entry
	err := b.db.Update(func(tx *bolt.Tx) error {
		var broken [][2][]byte

		err := tx.Bucket(boltEntries).ForEach(func(k, v []byte) error {
			ent := &Entry{}
			if err := json.Unmarshal(v, ent); err != nil {
				key := append([]byte(nil), k...)
				val := append([]byte(nil), v...)
				broken = append(broken, [2][]byte{key, val})
				return nil
			}
			snap = append(snap, ent)
			return nil
		})
		if err != nil {
			return err
		}

		for _, kv := range broken {
			if err := moveBroken(tx, kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	return snap, nil
}

// keysAt collects the bucket keys at the given FIFO positions. Called
// within a tx.
func keysAt(tx *bolt.Tx, indices []int) ([][]byte, error) {
	want := make(map[int]struct{}, len(indices))
	max := -1
	for _, i := range indices {
		if i < 0 {
			return nil, ErrNoSuchEntry
		}
		want[i] = struct{}{}
		if i > max {
			max = i
		}
	}

	var keys [][]byte
	pos := 0
	c := tx.Bucket(boltEntries).Cursor()
	for k, _ := c.First(); k != nil && pos <= max; k, _ = c.Next() {
		if _, ok := want[pos]; ok {
			keys = append(keys, append([]byte(nil), k...))
		}
		pos++
	}
	if len(keys) != len(want) {
		return nil, ErrNoSuchEntry
	}
	return keys, nil
}

func (b *Bolt) RemoveByIndex(i int) error {
	return b.RemoveByIndices([]int{i})
}

func (b *Bolt) RemoveByIndices(indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		keys, err := keysAt(tx, indices)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := tx.Bucket(boltEntries).Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err == ErrNoSuchEntry {
		return err
	}
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

// uidKeys collects the bucket keys of entries with the given UIDs.
// Called within a tx. Undecodable values are left for the consumer to
// discard.
func uidKeys(tx *bolt.Tx, uids map[string]struct{}) [][]byte {
	var keys [][]byte
	_ = tx.Bucket(boltEntries).ForEach(func(k, v []byte) error {
		ent := &Entry{}
		if err := json.Unmarshal(v, ent); err != nil {
			return nil
		}
		if _, ok := uids[ent.UID]; ok {
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	return keys
}

func (b *Bolt) RemoveByUID(uid string) error {
	found := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		keys := uidKeys(tx, map[string]struct{}{uid: {}})
		for _, k := range keys {
			if err := tx.Bucket(boltEntries).Delete(k); err != nil {
				return err
			}
			found = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if !found {
		return ErrNoSuchEntry
	}
	return nil
}

func (b *Bolt) RemoveByUIDs(uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		set[uid] = struct{}{}
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, k := range uidKeys(tx, set) {
			if err := tx.Bucket(boltEntries).Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

func (b *Bolt) Clear() error {
	// Keys are deleted one by one instead of dropping the bucket: the
	// bucket sequence must keep counting from where it was.
	err := b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltEntries).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.First() {
			if err := tx.Bucket(boltEntries).Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
