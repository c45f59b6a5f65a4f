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
	"testing"
	"time"

	"github.com/miekg/dns"
)

func mxAnswer(ttl uint32) dns.RR {
	return &dns.MX{
		Hdr:        dns.RR_Header{Name: "example.org.", Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: ttl},
		Preference: 10,
		Mx:         "mx.example.org.",
	}
}

func TestCacheRespTTL(t *testing.T) {
	c := NewCache(nil, 10*time.Second, 30*time.Minute, time.Minute)

	for _, tc := range []struct {
		ttls []uint32
		want time.Duration
	}{
		{[]uint32{300}, 300 * time.Second},
		{[]uint32{300, 60}, 60 * time.Second},      // minimum across the RRset
		{[]uint32{2}, 10 * time.Second},            // clamped up to minTTL
		{[]uint32{86400}, 30 * time.Minute},        // clamped down to maxTTL
		{nil, time.Minute},                         // no answers, negative TTL
	} {
		resp := new(dns.Msg)
		for _, ttl := range tc.ttls {
			resp.Answer = append(resp.Answer, mxAnswer(ttl))
		}
		if got := c.respTTL(resp); got != tc.want {
			t.Errorf("respTTL(%v) = %v, want %v", tc.ttls, got, tc.want)
		}
	}
}

func TestCacheEntryExpiry(t *testing.T) {
	c := NewCache(nil, 0, 0, 0)

	c.put("MX/example.org.", &cacheEntry{
		expires: time.Now().Add(time.Minute),
		value:   "fresh",
	})
	c.put("MX/example.com.", &cacheEntry{
		expires: time.Now().Add(-time.Second),
		value:   "stale",
	})

	if ent := c.get("MX/example.org."); ent == nil || ent.value != "fresh" {
		t.Errorf("fresh entry not returned: %v", ent)
	}
	if ent := c.get("MX/example.com."); ent != nil {
		t.Errorf("expired entry returned: %v", ent)
	}
	if ent := c.get("MX/example.net."); ent != nil {
		t.Errorf("missing entry returned: %v", ent)
	}
}
