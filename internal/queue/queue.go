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

// Package queue implements the durable relay queue and the dequeuer that
// drains it.
//
// The queue itself is a FIFO of opaque byte records (encoded relay
// sessions) behind the Store interface. Several backends implement it:
// an on-disk directory of JSON files (the default), an in-memory store
// for tests, bbolt and SQLite files for single-node deployments that
// prefer one file over many, and Redis for deployments that share the
// queue between nodes. The backend is picked through a process-wide
// factory so tests can substitute the in-memory store.
//
// The Dequeuer is a module ("queue") that periodically pops ready
// entries, resolves MX routes for their recipient domains, splits each
// session per route and hands the clones to a delivery target. Failed
// envelopes are retried with exponential backoff and bounced once the
// retry budget is exhausted.
//
// Implementation summary:
//   - All backends assign a monotone sequence number on enqueue and keep
//     entries ordered by it, so FIFO order survives restarts.
//   - Enqueue and dequeue are atomic; Snapshot is a consistent read that
//     does not consume entries.
//   - A record that cannot be read back is moved aside (renamed, or
//     copied into a side bucket/table/hash) and skipped, it never stops
//     the consumer.
package queue

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/maitred-mta/maitred/framework/log"
)

// Entry is one queued item: an encoded relay session plus the identifiers
// the store management operations work with.
type Entry struct {
	// Seq is assigned by the store on enqueue and increases monotonically
	// for the lifetime of the backing storage, including across restarts.
	Seq uint64 `json:"seq"`

	// UID identifies the entry independently of its queue position. The
	// enqueuer usually sets it to the session ID; if left empty the store
	// fills in a random one.
	UID string `json:"uid"`

	// Data is the encoded relay session. The store does not interpret it.
	Data []byte `json:"data"`
}

// ErrClosed is returned by store operations after Close.
var ErrClosed = errors.New("queue: store is closed")

// Store is a durable FIFO of queue entries.
//
// Implementations are safe for concurrent use. Dequeue is atomic: no two
// callers receive the same entry. Indices refer to the current FIFO
// order, 0 being the next entry to dequeue.
type Store interface {
	// Enqueue appends the entry to the tail, assigning ent.Seq and, if
	// empty, ent.UID.
	Enqueue(ent *Entry) error

	// Dequeue removes and returns the head entry, or nil when the queue
	// is empty.
	Dequeue() (*Entry, error)

	// Peek returns the head entry without removing it, or nil when the
	// queue is empty.
	Peek() (*Entry, error)

	Len() (int, error)
	IsEmpty() (bool, error)

	// Snapshot returns a copy of all entries in FIFO order. It does not
	// consume entries and repeated calls observe the same order.
	Snapshot() ([]*Entry, error)

	// RemoveByIndex removes the entry at the given FIFO position.
	RemoveByIndex(i int) error
	// RemoveByIndices removes the entries at the given FIFO positions,
	// interpreted against the queue state at the time of the call.
	RemoveByIndices(indices []int) error

	// RemoveByUID removes the entry with the given UID, returning
	// ErrNoSuchEntry if it is not queued.
	RemoveByUID(uid string) error
	// RemoveByUIDs removes the entries with the given UIDs, ignoring the
	// ones that are not queued.
	RemoveByUIDs(uids []string) error

	Clear() error
	Close() error
}

// ErrNoSuchEntry is returned by RemoveByUID for UIDs not in the queue.
var ErrNoSuchEntry = errors.New("queue: no such entry")

// dlog reports store repair events (broken entries moved aside). The
// dequeuer carries its own per-instance logger.
var dlog = log.Logger{Name: "queue"}

// Factory opens the queue store for the configured backend. The meaning
// of dsn depends on the backend: a directory for disk, a file path for
// bolt and sqlite, a redis:// URL for redis, ignored for memory.
type Factory func(backend, dsn string) (Store, error)

var (
	factoryLck sync.Mutex
	factory    Factory = defaultFactory
)

func defaultFactory(backend, dsn string) (Store, error) {
	switch backend {
	case "", "disk":
		return OpenDisk(dsn)
	case "memory":
		return NewMemory(), nil
	case "bolt":
		return OpenBolt(dsn)
	case "sqlite":
		return OpenSQLite(dsn)
	case "redis":
		return OpenRedis(dsn)
	default:
		return nil, errors.New("queue: unknown backend: " + backend)
	}
}

// OpenStore opens a queue store using the process-wide factory.
func OpenStore(backend, dsn string) (Store, error) {
	factoryLck.Lock()
	f := factory
	factoryLck.Unlock()
	return f(backend, dsn)
}

// SetFactory replaces the process-wide store factory. Tests use it to
// route all queue opens to an in-memory store.
func SetFactory(f Factory) {
	factoryLck.Lock()
	factory = f
	factoryLck.Unlock()
}

// ResetFactory restores the default backend-name dispatch.
func ResetFactory() {
	factoryLck.Lock()
	factory = defaultFactory
	factoryLck.Unlock()
}

func fillUID(ent *Entry) {
	if ent.UID == "" {
		ent.UID = uuid.New().String()
	}
}

// sortedUniqueDesc prepares index sets for removal: deduplicated and in
// descending order, so removing one position does not invalidate the
// positions still to be removed.
func sortedUniqueDesc(indices []int) []int {
	seen := make(map[int]struct{}, len(indices))
	out := make([]int, 0, len(indices))
	for _, i := range indices {
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}
