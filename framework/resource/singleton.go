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

// Singleton represents a set of resources identified by an unique key.
type Singleton[T Resource] struct {
	lock      sync.RWMutex
	resources map[string]T
}

func NewSingleton[T Resource]() *Singleton[T] {
	return &Singleton[T]{
		resources: make(map[string]T),
	}
}

func (s *Singleton[T]) GetOpen(key string, open func() (T, error)) (T, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	existing, ok := s.resources[key]
	if ok {
		return existing, nil
	}

	res, err := open()
	if err != nil {
		var empty T
		return empty, err
	}

	s.resources[key] = res

	return res, nil
}

func (s *Singleton[T]) CloseUnused(isUsed func(key string) bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for key, res := range s.resources {
		if isUsed(key) {
			continue
		}
		res.Close()
		delete(s.resources, key)
	}

	return nil
}

func (s *Singleton[T]) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for key, res := range s.resources {
		res.Close()
		delete(s.resources, key)
	}

	return nil
}
