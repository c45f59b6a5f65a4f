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

package resource

import (
	"sync"
)

// Tracker is a container wrapper that tracks whether resources were used since
// last MarkAllUnused call.
type Tracker[T Resource] struct {
	C Container[T]

	usedLock sync.Mutex
	used     map[string]bool
}

func NewTracker[T Resource](c Container[T]) *Tracker[T] {
	return &Tracker[T]{C: c, used: make(map[string]bool)}
}

func (t *Tracker[T]) Close() error {
	return t.C.Close()
}

func (t *Tracker[T]) MarkAllUnused() {
	t.usedLock.Lock()
	defer t.usedLock.Unlock()

	t.used = make(map[string]bool)
}

func (t *Tracker[T]) GetOpen(key string, open func() (T, error)) (T, error) {
	t.usedLock.Lock()
	t.used[key] = true
	t.usedLock.Unlock()

	return t.C.GetOpen(key, open)
}

func (t *Tracker[T]) CloseUnused(isUsed func(key string) bool) error {
	t.usedLock.Lock()
	defer t.usedLock.Unlock()

	return t.C.CloseUnused(func(key string) bool {
		used := t.used[key]
		used = used && isUsed(key)
		if !used {
			delete(t.used, key)
		}
		return used
	})
}
