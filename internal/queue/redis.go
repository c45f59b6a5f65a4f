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
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "maitred:queue:"

// Redis is the Store for deployments that share one queue between nodes.
//
// A LIST holds the UIDs in FIFO order and a HASH maps each UID to the
// encoded entry, so removal by UID does not have to walk the list values.
// LPOP makes dequeue atomic across processes. Index-based removals are
// computed against a momentary view of the list; on a shared queue they
// can race with concurrent dequeues the same way they race with a
// concurrent dequeuer in-process.
type Redis struct {
	c *redis.Client
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(url string) (*Redis, error) {
	if url == "" {
		return nil, fmt.Errorf("queue: redis backend requires an URL")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	c := redis.NewClient(opts)
	if err := c.Ping(context.Background()).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("queue: %w", err)
	}
	return &Redis{c: c}, nil
}

func rkey(name string) string {
	return redisPrefix + name
}

func (r *Redis) Enqueue(ent *Entry) error {
	ctx := context.Background()

	fillUID(ent)
	seq, err := r.c.Incr(ctx, rkey("seq")).Result()
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	ent.Seq = uint64(seq)

	data, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	pipe := r.c.TxPipeline()
	pipe.HSet(ctx, rkey("entries"), ent.UID, data)
	pipe.RPush(ctx, rkey("fifo"), ent.UID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

// moveBrokenRedis parks the raw value (possibly empty for a dangling list
// element) under the broken hash.
func (r *Redis) moveBrokenRedis(ctx context.Context, uid, data string) {
	pipe := r.c.TxPipeline()
	pipe.HSet(ctx, rkey("broken"), uid, data)
	pipe.HDel(ctx, rkey("entries"), uid)
	if _, err := pipe.Exec(ctx); err != nil {
		dlog.Error("failed to move aside broken entry", err, "uid", uid)
		return
	}
	dlog.Msg("moved aside broken entry", "uid", uid)
}

func (r *Redis) Dequeue() (*Entry, error) {
	ctx := context.Background()

	for {
		uid, err := r.c.LPop(ctx, rkey("fifo")).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}

		pipe := r.c.TxPipeline()
		get := pipe.HGet(ctx, rkey("entries"), uid)
		pipe.HDel(ctx, rkey("entries"), uid)
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("queue: %w", err)
		}

		data, err := get.Result()
		if err == redis.Nil {
			// List element without a hash value. Nothing to park, just
			// drop it.
			dlog.Msg("dropped dangling queue element", "uid", uid)
			continue
		}

		ent := &Entry{}
		if err := json.Unmarshal([]byte(data), ent); err != nil {
			r.moveBrokenRedis(ctx, uid, data)
			continue
		}
		return ent, nil
	}
}

func (r *Redis) Peek() (*Entry, error) {
	ctx := context.Background()

	for {
		uid, err := r.c.LIndex(ctx, rkey("fifo"), 0).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}

		data, err := r.c.HGet(ctx, rkey("entries"), uid).Result()
		if err == redis.Nil {
			r.c.LRem(ctx, rkey("fifo"), 1, uid)
			dlog.Msg("dropped dangling queue element", "uid", uid)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}

		ent := &Entry{}
		if err := json.Unmarshal([]byte(data), ent); err != nil {
			r.c.LRem(ctx, rkey("fifo"), 1, uid)
			r.moveBrokenRedis(ctx, uid, data)
			continue
		}
		return ent, nil
	}
}

func (r *Redis) Len() (int, error) {
	n, err := r.c.LLen(context.Background(), rkey("fifo")).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: %w", err)
	}
	return int(n), nil
}

func (r *Redis) IsEmpty() (bool, error) {
	n, err := r.Len()
	return n == 0, err
}

func (r *Redis) Snapshot() ([]*Entry, error) {
	ctx := context.Background()

	uids, err := r.c.LRange(ctx, rkey("fifo"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	if len(uids) == 0 {
		return []*Entry{}, nil
	}

	values, err := r.c.HMGet(ctx, rkey("entries"), uids...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	snap := make([]*Entry, 0, len(uids))
	for i, uid := range uids {
		data, ok := values[i].(string)
		if !ok {
			r.c.LRem(ctx, rkey("fifo"), 1, uid)
			dlog.Msg("dropped dangling queue element", "uid", uid)
			continue
		}

		ent := &Entry{}
		if err := json.Unmarshal([]byte(data), ent); err != nil {
			r.c.LRem(ctx, rkey("fifo"), 1, uid)
			r.moveBrokenRedis(ctx, uid, data)
			continue
		}
		snap = append(snap, ent)
	}
	return snap, nil
}

// removeUID drops one entry from both the list and the hash and reports
// whether it was queued.
func (r *Redis) removeUID(ctx context.Context, uid string) (bool, error) {
	n, err := r.c.LRem(ctx, rkey("fifo"), 1, uid).Result()
	if err != nil {
		return false, fmt.Errorf("queue: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := r.c.HDel(ctx, rkey("entries"), uid).Err(); err != nil {
		return true, fmt.Errorf("queue: %w", err)
	}
	return true, nil
}

func (r *Redis) RemoveByIndex(i int) error {
	return r.RemoveByIndices([]int{i})
}

func (r *Redis) RemoveByIndices(indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	ctx := context.Background()

	uids, err := r.c.LRange(ctx, rkey("fifo"), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	for _, i := range indices {
		if i < 0 || i >= len(uids) {
			return ErrNoSuchEntry
		}
	}
	for _, i := range sortedUniqueDesc(indices) {
		if _, err := r.removeUID(ctx, uids[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) RemoveByUID(uid string) error {
	found, err := r.removeUID(context.Background(), uid)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoSuchEntry
	}
	return nil
}

func (r *Redis) RemoveByUIDs(uids []string) error {
	ctx := context.Background()
	for _, uid := range uids {
		if _, err := r.removeUID(ctx, uid); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) Clear() error {
	// The seq counter key survives so sequence numbers stay monotone.
	err := r.c.Del(context.Background(), rkey("fifo"), rkey("entries")).Err()
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.c.Close()
}
