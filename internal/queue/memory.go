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

import "sync"

// Memory is the in-memory Store used in tests and for throwaway
// configurations. Entries do not survive a restart.
type Memory struct {
	lck     sync.Mutex
	entries []*Entry
	nextSeq uint64
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{nextSeq: 1}
}

func (m *Memory) Enqueue(ent *Entry) error {
	m.lck.Lock()
	defer m.lck.Unlock()
	if m.closed {
		return ErrClosed
	}

	fillUID(ent)
	ent.Seq = m.nextSeq
	m.nextSeq++

	stored := *ent
	stored.Data = append([]byte(nil), ent.Data...)
	m.entries = append(m.entries, &stored)
	return nil
}

func (m *Memory) Dequeue() (*Entry, error) {
	m.lck.Lock()
	defer m.lck.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if len(m.entries) == 0 {
		return nil, nil
	}

	head := m.entries[0]
	m.entries[0] = nil
	m.entries = m.entries[1:]
	return copyEntry(head), nil
}

func (m *Memory) Peek() (*Entry, error) {
	m.lck.Lock()
	defer m.lck.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if len(m.entries) == 0 {
		return nil, nil
	}
	return copyEntry(m.entries[0]), nil
}

func (m *Memory) Len() (int, error) {
	m.lck.Lock()
	defer m.lck.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.entries), nil
}

func (m *Memory) IsEmpty() (bool, error) {
	n, err := m.Len()
	return n == 0, err
}

func (m *Memory) Snapshot() ([]*Entry, error) {
	m.lck.Lock()
	defer m.lck.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	snap := make([]*Entry, len(m.entries))
	for i, ent := range m.entries {
		snap[i] = copyEntry(ent)
	}
	return snap, nil
}

func (m *Memory) RemoveByIndex(i int) error {
	m.lck.Lock()
	defer m.lck.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.removeAt(i)
}

func (m *Memory) RemoveByIndices(indices []int) error {
	m.lck.Lock()
	defer m.lck.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, i := range sortedUniqueDesc(indices) {
		if err := m.removeAt(i); err != nil {
			return err
		}
	}
	return nil
}

// removeAt is called with lck held. Descending removal order keeps the
// remaining indices valid.
func (m *Memory) removeAt(i int) error {
	if i < 0 || i >= len(m.entries) {
		return ErrNoSuchEntry
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return nil
}

func (m *Memory) RemoveByUID(uid string) error {
	m.lck.Lock()
	defer m.lck.Unlock()
	if m.closed {
		return ErrClosed
	}

	for i, ent := range m.entries {
		if ent.UID == uid {
			return m.removeAt(i)
		}
	}
	return ErrNoSuchEntry
}

func (m *Memory) RemoveByUIDs(uids []string) error {
	m.lck.Lock()
	defer m.lck.Unlock()
	if m.closed {
		return ErrClosed
	}

	drop := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		drop[uid] = struct{}{}
	}

	kept := m.entries[:0]
	for _, ent := range m.entries {
		if _, ok := drop[ent.UID]; ok {
			continue
		}
		kept = append(kept, ent)
	}
	for i := len(kept); i < len(m.entries); i++ {
		m.entries[i] = nil
	}
	m.entries = kept
	return nil
}

func (m *Memory) Clear() error {
	m.lck.Lock()
	defer m.lck.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries = nil
	return nil
}

func (m *Memory) Close() error {
	m.lck.Lock()
	defer m.lck.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}

func copyEntry(ent *Entry) *Entry {
	cp := *ent
	cp.Data = append([]byte(nil), ent.Data...)
	return &cp
}
