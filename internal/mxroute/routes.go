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

package mxroute

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strconv"
	"strings"
)

// MXServer is one server of a route with its resolved addresses.
//
// IPs are best-effort: an empty list means address resolution failed at
// grouping time and the delivery code falls back to resolving the
// hostname when dialing.
type MXServer struct {
	Host string       `json:"host"`
	Pref uint16       `json:"pref"`
	IPs  []net.IPAddr `json:"ips,omitempty"`
}

// Route is a canonical MX server list shared by one or more recipient
// domains.
//
// Servers are ordered by (preference, hostname) and two domains share a
// Route if and only if their canonical forms are byte-equal. Domains keeps
// the order in which domains were first attached; the reverse
// server-to-domain view is derived by scanning, there are no back
// pointers.
type Route struct {
	Servers []MXServer `json:"servers"`
	Domains []string   `json:"domains"`
}

// Canonical returns the route identity string: "pref:host" pairs joined
// by "|" in server order. Servers are kept sorted, so recomputing the
// canonical form of an existing route yields the same string.
func (route *Route) Canonical() string {
	var sb strings.Builder
	for i, srv := range route.Servers {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(strconv.FormatUint(uint64(srv.Pref), 10))
		sb.WriteByte(':')
		sb.WriteString(srv.Host)
	}
	return sb.String()
}

// Hash returns the hex-encoded SHA-256 of the canonical form.
func (route *Route) Hash() string {
	sum := sha256.Sum256([]byte(route.Canonical()))
	return hex.EncodeToString(sum[:])
}

// ResolveRoutes groups domains by their MX sets.
//
// Each returned route carries the servers of one distinct MX set and all
// the domains using it, in the order the first domain of each set
// appeared in the input. Domains without any usable MX are skipped, as
// are domains whose resolution failed, the latter with a logged warning
// so the retry bookkeeping of the caller picks them up again.
func (r *Resolver) ResolveRoutes(ctx context.Context, domains []string) ([]*Route, error) {
	var routes []*Route
	byHash := make(map[string]*Route)

	for _, domain := range domains {
		if err := ctx.Err(); err != nil {
			return routes, err
		}

		records, err := r.lookupMX(ctx, domain)
		if err != nil {
			r.Log.Error("MX resolution failed, skipping the domain in this pass", err, "domain", domain)
			continue
		}
		if len(records) == 0 {
			r.Log.Msg("domain has no usable MX, skipping it", "domain", domain)
			continue
		}

		route := &Route{Servers: make([]MXServer, len(records))}
		for i, rec := range records {
			route.Servers[i] = MXServer{Host: rec.Host, Pref: rec.Pref}
		}

		if existing := byHash[route.Hash()]; existing != nil {
			existing.Domains = append(existing.Domains, domain)
			continue
		}

		for i := range route.Servers {
			addrs, err := r.resolver.LookupIPAddr(ctx, route.Servers[i].Host)
			if err != nil {
				r.Log.DebugMsg("address resolution failed for the route server",
					"mx", route.Servers[i].Host, "reason", err.Error())
				continue
			}
			route.Servers[i].IPs = addrs
		}

		route.Domains = []string{domain}
		byHash[route.Hash()] = route
		routes = append(routes, route)
	}

	return routes, nil
}
