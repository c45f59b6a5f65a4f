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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Disk is the default Store: one JSON file per entry in a dedicated
// directory.
//
// File names are the zero-padded sequence number plus the UID
// ("00000000000000000042.<uid>.json"), so a plain name sort recovers the
// FIFO order and the index is rebuilt by listing the directory on open.
// Writes go through a ".new" temp file with fsync and rename. Files that
// fail to decode are renamed to "<name>.broken" and skipped.
type Disk struct {
	dir string

	lck     sync.Mutex
	items   []diskItem
	nextSeq uint64
	closed  bool
}

type diskItem struct {
	seq uint64
	uid string
}

// OpenDisk opens (creating if needed) the queue directory and rebuilds
// the in-memory index from the file names in it.
func OpenDisk(dir string) (*Disk, error) {
	if dir == "" {
		return nil, fmt.Errorf("queue: disk backend requires a location")
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	d := &Disk{dir: dir, nextSeq: 1}

	dirEnts, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	// os.ReadDir sorts by name and the zero-padded seq prefix makes the
	// name order the queue order.
	for _, ent := range dirEnts {
		name := ent.Name()
		if ent.IsDir() {
			continue
		}
		if strings.HasSuffix(name, ".new") {
			// Leftover of an interrupted enqueue, the entry was never
			// committed.
			d.tryRemove(name)
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		seq, uid, ok := parseEntryName(name)
		if !ok {
			d.moveAside(name)
			continue
		}

		d.items = append(d.items, diskItem{seq: seq, uid: uid})
		if seq >= d.nextSeq {
			d.nextSeq = seq + 1
		}
	}

	return d, nil
}

func entryName(seq uint64, uid string) string {
	return fmt.Sprintf("%020d.%s.json", seq, uid)
}

func parseEntryName(name string) (seq uint64, uid string, ok bool) {
	trimmed := strings.TrimSuffix(name, ".json")
	dot := strings.IndexByte(trimmed, '.')
	if dot != 20 {
		return 0, "", false
	}
	seq, err := strconv.ParseUint(trimmed[:dot], 10, 64)
	if err != nil {
		return 0, "", false
	}
	uid = trimmed[dot+1:]
	if uid == "" {
		return 0, "", false
	}
	return seq, uid, true
}

func (d *Disk) path(it diskItem) string {
	return filepath.Join(d.dir, entryName(it.seq, it.uid))
}

func (d *Disk) tryRemove(name string) {
	if err := os.Remove(filepath.Join(d.dir, name)); err != nil {
		dlog.Error("failed to remove dangling file", err, "name", name)
	}
}

// moveAside renames an unreadable entry file out of the queue so it stops
// being considered but stays around for inspection.
func (d *Disk) moveAside(name string) {
	p := filepath.Join(d.dir, name)
	if err := os.Rename(p, p+".broken"); err != nil {
		dlog.Error("failed to move aside broken entry", err, "name", name)
		return
	}
	dlog.Msg("moved aside broken entry", "name", name)
}

func (d *Disk) Enqueue(ent *Entry) error {
	d.lck.Lock()
	defer d.lck.Unlock()
	if d.closed {
		return ErrClosed
	}

	fillUID(ent)
	ent.Seq = d.nextSeq

	it := diskItem{seq: ent.Seq, uid: ent.UID}
	path := d.path(it)

	f, err := os.Create(path + ".new")
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := json.NewEncoder(f).Encode(ent); err != nil {
		f.Close()
		d.tryRemove(entryName(it.seq, it.uid) + ".new")
		return fmt.Errorf("queue: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		d.tryRemove(entryName(it.seq, it.uid) + ".new")
		return fmt.Errorf("queue: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := os.Rename(path+".new", path); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	d.nextSeq++
	d.items = append(d.items, it)
	return nil
}

// readItem is called with lck held.
func (d *Disk) readItem(it diskItem) (*Entry, error) {
	f, err := os.Open(d.path(it))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ent := &Entry{}
	if err := json.NewDecoder(f).Decode(ent); err != nil {
		return nil, err
	}
	return ent, nil
}

func (d *Disk) Dequeue() (*Entry, error) {
	d.lck.Lock()
	defer d.lck.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	for len(d.items) > 0 {
		head := d.items[0]
		ent, err := d.readItem(head)
		if err != nil {
			d.moveAside(entryName(head.seq, head.uid))
			d.items = d.items[1:]
			continue
		}
		if err := os.Remove(d.path(head)); err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}
		d.items = d.items[1:]
		return ent, nil
	}
	return nil, nil
}

func (d *Disk) Peek() (*Entry, error) {
	d.lck.Lock()
	defer d.lck.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	for len(d.items) > 0 {
		head := d.items[0]
		ent, err := d.readItem(head)
		if err != nil {
			d.moveAside(entryName(head.seq, head.uid))
			d.items = d.items[1:]
			continue
		}
		return ent, nil
	}
	return nil, nil
}

func (d *Disk) Len() (int, error) {
	d.lck.Lock()
	defer d.lck.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	return len(d.items), nil
}

func (d *Disk) IsEmpty() (bool, error) {
	n, err := d.Len()
	return n == 0, err
}

func (d *Disk) Snapshot() ([]*Entry, error) {
	d.lck.Lock()
	defer d.lck.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	snap := make([]*Entry, 0, len(d.items))
	kept := d.items[:0]
	for _, it := range d.items {
		ent, err := d.readItem(it)
		if err != nil {
			d.moveAside(entryName(it.seq, it.uid))
			continue
		}
		kept = append(kept, it)
		snap = append(snap, ent)
	}
	d.items = kept
	return snap, nil
}

// removeAt is called with lck held.
func (d *Disk) removeAt(i int) error {
	if i < 0 || i >= len(d.items) {
		return ErrNoSuchEntry
	}
	if err := os.Remove(d.path(d.items[i])); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queue: %w", err)
	}
	d.items = append(d.items[:i], d.items[i+1:]...)
	return nil
}

func (d *Disk) RemoveByIndex(i int) error {
	d.lck.Lock()
	defer d.lck.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.removeAt(i)
}

func (d *Disk) RemoveByIndices(indices []int) error {
	d.lck.Lock()
	defer d.lck.Unlock()
	if d.closed {
		return ErrClosed
	}

	for _, i := range sortedUniqueDesc(indices) {
		if err := d.removeAt(i); err != nil {
			return err
		}
	}
	return nil
}

func (d *Disk) RemoveByUID(uid string) error {
	d.lck.Lock()
	defer d.lck.Unlock()
	if d.closed {
		return ErrClosed
	}

	for i, it := range d.items {
		if it.uid == uid {
			return d.removeAt(i)
		}
	}
	return ErrNoSuchEntry
}

func (d *Disk) RemoveByUIDs(uids []string) error {
	d.lck.Lock()
	defer d.lck.Unlock()
	if d.closed {
		return ErrClosed
	}

	drop := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		drop[uid] = struct{}{}
	}

	kept := d.items[:0]
	for _, it := range d.items {
		if _, ok := drop[it.uid]; ok {
			if err := os.Remove(d.path(it)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("queue: %w", err)
			}
			continue
		}
		kept = append(kept, it)
	}
	d.items = kept
	return nil
}

func (d *Disk) Clear() error {
	d.lck.Lock()
	defer d.lck.Unlock()
	if d.closed {
		return ErrClosed
	}

	for _, it := range d.items {
		if err := os.Remove(d.path(it)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("queue: %w", err)
		}
	}
	d.items = nil
	return nil
}

func (d *Disk) Close() error {
	d.lck.Lock()
	defer d.lck.Unlock()
	d.closed = true
	return nil
}
