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

package dns

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

// Defaults used by NewCache for zero duration arguments.
const (
	DefaultMinTTL      = 10 * time.Second
	DefaultMaxTTL      = 30 * time.Minute
	DefaultNegativeTTL = 1 * time.Minute
)

// Entries above this count trigger removal of expired entries on insert.
const cacheHighWater = 32768

// Cache is a Resolver implementation that caches results in memory.
//
// Positive entries live for the response TTL (minimum across the answer
// RRset) clamped to the [minTTL, maxTTL] range. Negative results, both
// NXDOMAIN and empty answers, are kept for negativeTTL. Queries are made
// using raw DNS messages (via ExtResolver transport) since net.Resolver
// does not expose TTLs. Concurrent lookups for the same name and type are
// coalesced into a single query.
//
// It is meant for outbound delivery paths where the same destination
// domains are resolved over and over (route grouping, per-attempt MX and
// address resolution). Errors follow net.Resolver conventions: absent
// names and records are reported via errors matched by IsNotFound.
type Cache struct {
	ext *ExtResolver

	minTTL      time.Duration
	maxTTL      time.Duration
	negativeTTL time.Duration

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	expires time.Time
	value   interface{}
	err     error
}

// NewCache wraps ext into a caching Resolver.
//
// Zero duration arguments are replaced with the package defaults.
func NewCache(ext *ExtResolver, minTTL, maxTTL, negativeTTL time.Duration) *Cache {
	if minTTL == 0 {
		minTTL = DefaultMinTTL
	}
	if maxTTL == 0 {
		maxTTL = DefaultMaxTTL
	}
	if negativeTTL == 0 {
		negativeTTL = DefaultNegativeTTL
	}
	if maxTTL < minTTL {
		maxTTL = minTTL
	}

	return &Cache{
		ext:         ext,
		minTTL:      minTTL,
		maxTTL:      maxTTL,
		negativeTTL: negativeTTL,
		entries:     make(map[string]*cacheEntry),
	}
}

func (c *Cache) get(key string) *cacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ent := c.entries[key]
	if ent == nil || time.Now().After(ent.expires) {
		return nil
	}
	return ent
}

func (c *Cache) put(key string, ent *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= cacheHighWater {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = ent
}

// respTTL picks the cache lifetime for a positive response.
func (c *Cache) respTTL(resp *dns.Msg) time.Duration {
	minTTL := uint32(0)
	set := false
	for _, rr := range resp.Answer {
		hdrTTL := rr.Header().Ttl
		if !set || hdrTTL < minTTL {
			minTTL = hdrTTL
			set = true
		}
	}
	if !set {
		return c.negativeTTL
	}

	ttl := time.Duration(minTTL) * time.Second
	if ttl < c.minTTL {
		ttl = c.minTTL
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	return ttl
}

// cached runs the cache lookup-query-store cycle for a single (name, qtype)
// pair. parse extracts the typed result from the response and reports the
// amount of usable records, zero turning the entry into a negative one.
func (c *Cache) cached(ctx context.Context, qtype uint16, name string, parse func(resp *dns.Msg) (interface{}, int)) (interface{}, error) {
	fqdn := strings.ToLower(dns.Fqdn(name))
	key := dns.Type(qtype).String() + "/" + fqdn

	if ent := c.get(key); ent != nil {
		return ent.value, ent.err
	}

	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A racing lookup may have filled the entry while we were waiting
		// for the flight slot.
		if ent := c.get(key); ent != nil {
			return ent.value, ent.err
		}

		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.SetEdns0(4096, false)

		resp, err := c.ext.exchange(ctx, msg)
		if err != nil {
			if rcodeErr, ok := err.(RCodeError); ok && rcodeErr.Code == dns.RcodeNameError {
				c.put(key, &cacheEntry{
					expires: time.Now().Add(c.negativeTTL),
					err:     err,
				})
			}
			// SERVFAIL, I/O timeouts and such are not cached, the next
			// lookup retries right away.
			return nil, err
		}

		value, count := parse(resp)
		ent := &cacheEntry{value: value}
		if count == 0 {
			ent.err = &net.DNSError{
				Err:        "no such host",
				Name:       strings.TrimSuffix(fqdn, "."),
				IsNotFound: true,
			}
			ent.expires = time.Now().Add(c.negativeTTL)
		} else {
			ent.expires = time.Now().Add(c.respTTL(resp))
		}
		c.put(key, ent)
		return ent.value, ent.err
	})
	return value, err
}

func parseMX(resp *dns.Msg) (interface{}, int) {
	mxs := make([]*net.MX, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		mxRR, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		mxs = append(mxs, &net.MX{
			Host: mxRR.Mx,
			Pref: mxRR.Preference,
		})
	}
	sort.Slice(mxs, func(i, j int) bool {
		return mxs[i].Pref < mxs[j].Pref
	})
	return mxs, len(mxs)
}

func parseTXT(resp *dns.Msg) (interface{}, int) {
	recs := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		txtRR, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		recs = append(recs, strings.Join(txtRR.Txt, ""))
	}
	return recs, len(recs)
}

func parsePTR(resp *dns.Msg) (interface{}, int) {
	names := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		ptrRR, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		names = append(names, ptrRR.Ptr)
	}
	return names, len(names)
}

// parseAddrs handles both A and AAAA responses.
func parseAddrs(resp *dns.Msg) (interface{}, int) {
	addrs := make([]net.IPAddr, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			addrs = append(addrs, net.IPAddr{IP: rr.A})
		case *dns.AAAA:
			addrs = append(addrs, net.IPAddr{IP: rr.AAAA})
		}
	}
	return addrs, len(addrs)
}

func (c *Cache) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	value, err := c.cached(ctx, dns.TypeMX, name, parseMX)
	if err != nil {
		return nil, err
	}

	// Callers sort and reorder the returned slice (connection ladder), hand
	// out copies to keep cached records intact.
	mxs := value.([]*net.MX)
	out := make([]*net.MX, len(mxs))
	for i, mx := range mxs {
		cp := *mx
		out[i] = &cp
	}
	return out, nil
}

func (c *Cache) LookupTXT(ctx context.Context, name string) ([]string, error) {
	value, err := c.cached(ctx, dns.TypeTXT, name, parseTXT)
	if err != nil {
		return nil, err
	}

	recs := value.([]string)
	out := make([]string, len(recs))
	copy(out, recs)
	return out, nil
}

func (c *Cache) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	revAddr, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil, err
	}

	value, err := c.cached(ctx, dns.TypePTR, revAddr, parsePTR)
	if err != nil {
		return nil, err
	}

	names := value.([]string)
	out := make([]string, len(names))
	copy(out, names)
	return out, nil
}

func (c *Cache) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	v6, err6 := c.cached(ctx, dns.TypeAAAA, host, parseAddrs)
	v4, err4 := c.cached(ctx, dns.TypeA, host, parseAddrs)
	if err4 != nil && err6 != nil {
		if IsNotFound(err4) && !IsNotFound(err6) {
			return nil, err6
		}
		return nil, err4
	}

	var addrs []net.IPAddr
	if err6 == nil {
		addrs = append(addrs, v6.([]net.IPAddr)...)
	}
	if err4 == nil {
		addrs = append(addrs, v4.([]net.IPAddr)...)
	}
	return addrs, nil
}

func (c *Cache) LookupHost(ctx context.Context, host string) ([]string, error) {
	addrs, err := c.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	strs := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		strs = append(strs, addr.String())
	}
	return strs, nil
}
