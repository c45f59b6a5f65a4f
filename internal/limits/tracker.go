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

package limits

import (
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/exterrors"
)

const (
	trackerShards = 64

	// Entries with no active connections are removed after staleAge of
	// inactivity by a janitor that runs every gcInterval.
	gcInterval = 1 * time.Minute
	staleAge   = 5 * time.Minute

	// Tarpit delay grows linearly with each delayed command up to this
	// multiple of the base delay.
	tarpitGrowthCap = 10
)

// TrackerConfig is the set of abuse-control knobs enforced by Tracker.
//
// Any limit set to zero disables the corresponding check. Enabled set to
// false disables all of them.
type TrackerConfig struct {
	Enabled bool

	// Maximum connections a single IP can hold open at once.
	MaxConnsPerIP int
	// Maximum connections the whole process can hold open at once.
	MaxTotalConns int

	// Maximum new connections a single IP can open within RateLimitWindow.
	MaxConnsPerWindow int
	RateLimitWindow   time.Duration

	// Per-connection command budget. Once exceeded, each following command
	// is delayed by TarpitDelay, growing with every delayed command.
	MaxCommandsPerMinute int
	TarpitDelay          time.Duration

	// Minimum message body transfer rate, bytes per second, enforced after
	// an initial grace period.
	MinDataRate int64
	// Absolute ceiling on the duration of a single body transfer.
	MaxDataTimeout time.Duration
}

// Tracker is the process-wide connection accounting state consulted by the
// SMTP receipt engine.
//
// Entries are sharded by a hash of the remote IP so connections from
// unrelated addresses do not contend on a single lock.
type Tracker struct {
	cfg    TrackerConfig
	total  int64 // atomic
	shards [trackerShards]trackerShard

	stop      chan struct{}
	closeOnce sync.Once
}

type trackerShard struct {
	sync.Mutex
	entries map[string]*ipEntry
}

type ipEntry struct {
	active       int
	lastActivity time.Time

	conns *history
	cmds  *history
	bytes *history
}

// NewTracker constructs the tracker and starts its cleanup janitor. The
// caller should Close it on shutdown.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 1 * time.Minute
	}

	t := &Tracker{
		cfg:  cfg,
		stop: make(chan struct{}),
	}
	for i := range t.shards {
		t.shards[i].entries = map[string]*ipEntry{}
	}

	if cfg.Enabled {
		go t.janitor()
	}
	return t
}

func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
	})
	return nil
}

func (t *Tracker) janitor() {
	tick := time.NewTicker(gcInterval)
	defer tick.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-tick.C:
			t.gc(now)
		}
	}
}

func (t *Tracker) gc(now time.Time) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.Lock()
		for key, e := range sh.entries {
			if e.active == 0 && now.Sub(e.lastActivity) > staleAge {
				delete(sh.entries, key)
			}
		}
		sh.Unlock()
	}
}

func (t *Tracker) shard(key string) *trackerShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &t.shards[h.Sum32()%trackerShards]
}

// entry returns the tracking entry for key, creating it if needed. The
// shard lock must be held.
func (sh *trackerShard) entry(key string, connsWindow time.Duration) *ipEntry {
	e := sh.entries[key]
	if e == nil {
		e = &ipEntry{
			conns: newHistory(connsWindow),
			cmds:  newHistory(1 * time.Minute),
			bytes: newHistory(1 * time.Minute),
		}
		sh.entries[key] = e
	}
	return e
}

// Accept registers an inbound connection from remote and checks it against
// the connection-count limits.
//
// On success it returns a Conn that must be Closed when the connection
// terminates. On breach it returns a 421 SMTP error to be written to the
// peer before hanging up; the attempt is still counted towards the
// connection rate window.
func (t *Tracker) Accept(remote net.IP) (*Conn, error) {
	return t.accept(remote, time.Now())
}

func (t *Tracker) accept(remote net.IP, now time.Time) (*Conn, error) {
	if !t.cfg.Enabled {
		return &Conn{}, nil
	}

	key := remote.String()
	sh := t.shard(key)

	sh.Lock()
	e := sh.entry(key, t.cfg.RateLimitWindow)
	e.conns.add(now, 1)
	e.lastActivity = now
	err := t.checkAccept(e, now, key)
	if err == nil {
		e.active++
	}
	sh.Unlock()

	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&t.total, 1)
	return &Conn{t: t, key: key, cmds: newHistory(1 * time.Minute)}, nil
}

func (t *Tracker) checkAccept(e *ipEntry, now time.Time, key string) error {
	if max := t.cfg.MaxConnsPerIP; max > 0 && e.active >= max {
		return &exterrors.SMTPError{
			Code:         421,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
			Message:      "Too many connections, try again later",
			Reason:       "per-IP connections limit reached",
			Misc:         map[string]interface{}{"src_ip": key},
		}
	}
	if max := t.cfg.MaxConnsPerWindow; max > 0 && e.conns.sum(now, t.cfg.RateLimitWindow) > int64(max) {
		return &exterrors.SMTPError{
			Code:         421,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
			Message:      "Connection rate exceeded, try again later",
			Reason:       "per-IP connection rate limit reached",
			Misc:         map[string]interface{}{"src_ip": key},
		}
	}
	if max := t.cfg.MaxTotalConns; max > 0 && int(atomic.LoadInt64(&t.total)) >= max {
		return &exterrors.SMTPError{
			Code:         421,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 5},
			Message:      "Server too busy, try again later",
			Reason:       "total connections limit reached",
		}
	}
	return nil
}

// RecentConns reports how many connection attempts, accepted or denied, ip
// made within the rate limit window.
func (t *Tracker) RecentConns(ip net.IP) int {
	return t.recentConns(ip, time.Now())
}

func (t *Tracker) recentConns(ip net.IP, now time.Time) int {
	if !t.cfg.Enabled {
		return 0
	}
	key := ip.String()
	sh := t.shard(key)
	sh.Lock()
	defer sh.Unlock()
	e := sh.entries[key]
	if e == nil {
		return 0
	}
	return int(e.conns.sum(now, t.cfg.RateLimitWindow))
}

// ActiveConns reports how many connections from ip are currently open.
func (t *Tracker) ActiveConns(ip net.IP) int {
	if !t.cfg.Enabled {
		return 0
	}
	key := ip.String()
	sh := t.shard(key)
	sh.Lock()
	defer sh.Unlock()
	e := sh.entries[key]
	if e == nil {
		return 0
	}
	return e.active
}

// TotalConns reports how many connections are currently open process-wide.
func (t *Tracker) TotalConns() int {
	return int(atomic.LoadInt64(&t.total))
}

// Tracked reports how many IP entries the tracker currently holds.
func (t *Tracker) Tracked() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.Lock()
		n += len(sh.entries)
		sh.Unlock()
	}
	return n
}

// Conn is the tracker's view of a single accepted connection.
//
// The zero value is a no-op handle handed out when tracking is disabled.
type Conn struct {
	t   *Tracker
	key string

	cmds      *history
	tarpitted int
}

// Command records one received command and returns the tarpit delay the
// server should sleep before replying. Zero means the connection is within
// its command budget.
//
// Commands with a non-zero delay are meant to be counted against the
// connection's error limit by the caller.
func (c *Conn) Command() time.Duration {
	return c.command(time.Now())
}

func (c *Conn) command(now time.Time) time.Duration {
	if c.t == nil {
		return 0
	}

	sh := c.t.shard(c.key)
	sh.Lock()
	e := sh.entry(c.key, c.t.cfg.RateLimitWindow)
	e.cmds.add(now, 1)
	e.lastActivity = now
	sh.Unlock()

	max := c.t.cfg.MaxCommandsPerMinute
	if max <= 0 || c.t.cfg.TarpitDelay <= 0 {
		return 0
	}
	c.cmds.add(now, 1)
	if c.cmds.sum(now, 1*time.Minute) <= int64(max) {
		return 0
	}
	if c.tarpitted < tarpitGrowthCap {
		c.tarpitted++
	}
	return time.Duration(c.tarpitted) * c.t.cfg.TarpitDelay
}

// AddBytes records n bytes transferred on the connection.
func (c *Conn) AddBytes(n int64) {
	c.addBytes(n, time.Now())
}

func (c *Conn) addBytes(n int64, now time.Time) {
	if c.t == nil || n <= 0 {
		return
	}
	sh := c.t.shard(c.key)
	sh.Lock()
	e := sh.entry(c.key, c.t.cfg.RateLimitWindow)
	e.bytes.add(now, n)
	e.lastActivity = now
	sh.Unlock()
}

// Close releases the connection slot. It must be called exactly once for
// each connection Accept admitted.
func (c *Conn) Close() {
	c.close(time.Now())
}

func (c *Conn) close(now time.Time) {
	if c.t == nil {
		return
	}
	sh := c.t.shard(c.key)
	sh.Lock()
	if e := sh.entries[c.key]; e != nil {
		e.active--
		e.lastActivity = now
	}
	sh.Unlock()
	atomic.AddInt64(&c.t.total, -1)
}

// Data starts monitoring a message body transfer on the connection.
func (c *Conn) Data() *DataMonitor {
	return c.data(time.Now())
}

func (c *Conn) data(now time.Time) *DataMonitor {
	m := &DataMonitor{conn: c, started: now}
	if c.t != nil {
		m.minRate = c.t.cfg.MinDataRate
		m.maxWait = c.t.cfg.MaxDataTimeout
	}
	return m
}

// history approximates a sliding event-count window using a ring of
// one-second buckets.
type history struct {
	buckets []histBucket
}

type histBucket struct {
	sec int64
	n   int64
}

func newHistory(window time.Duration) *history {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &history{buckets: make([]histBucket, secs+1)}
}

func (h *history) add(now time.Time, n int64) {
	sec := now.Unix()
	b := &h.buckets[int(sec%int64(len(h.buckets)))]
	if b.sec != sec {
		b.sec = sec
		b.n = 0
	}
	b.n += n
}

func (h *history) sum(now time.Time, window time.Duration) int64 {
	cutoff := now.Unix() - int64(window/time.Second)
	var total int64
	for _, b := range h.buckets {
		if b.sec > cutoff {
			total += b.n
		}
	}
	return total
}

// DoSDirective reads the dos {} configuration block and constructs the
// connection tracker from it. 'dos off' yields a tracker with all checks
// disabled.
func DoSDirective(m *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) > 0 && node.Args[0] == "off" {
		return NewTracker(TrackerConfig{}), nil
	}

	cfg := TrackerConfig{}
	childM := config.NewMap(m.Globals, node)
	childM.Bool("enabled", false, true, &cfg.Enabled)
	childM.Int("max_conns_per_ip", false, false, 50, &cfg.MaxConnsPerIP)
	childM.Int("max_total_conns", false, false, 0, &cfg.MaxTotalConns)
	childM.Int("max_conns_per_window", false, false, 0, &cfg.MaxConnsPerWindow)
	childM.Duration("rate_limit_window", false, false, 1*time.Minute, &cfg.RateLimitWindow)
	childM.Int("max_commands_per_minute", false, false, 0, &cfg.MaxCommandsPerMinute)
	childM.Duration("tarpit_delay", false, false, 500*time.Millisecond, &cfg.TarpitDelay)
	childM.DataSize("min_data_rate", false, false, 0, &cfg.MinDataRate)
	childM.Duration("max_data_timeout", false, false, 10*time.Minute, &cfg.MaxDataTimeout)
	if _, err := childM.Process(); err != nil {
		return nil, err
	}

	return NewTracker(cfg), nil
}
