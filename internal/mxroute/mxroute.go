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

// Package mxroute resolves recipient domains into MX server lists
// annotated with the transport security policy each server must satisfy,
// and groups domains sharing an identical MX set into common delivery
// routes.
//
// Policy selection follows RFC 8461, Section 2: DANE (RFC 7672) takes
// precedence over MTA-STS whenever any MX of the domain publishes usable
// TLSA records, and MTA-STS is not consulted at all in that case.
package mxroute

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"

	"github.com/maitred-mta/maitred/framework/dns"
	"github.com/maitred-mta/maitred/framework/exterrors"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/internal/dane"
	"github.com/maitred-mta/maitred/internal/mtasts"
)

// ErrNullMX is returned for domains that announce they do not accept
// email using a null MX record (RFC 7505).
var ErrNullMX = &exterrors.SMTPError{
	Code:         556,
	EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
	Message:      "Domain does not accept email (null MX)",
}

// Policy tags the security source that governs TLS use for an MX host.
type Policy int8

const (
	// Opportunistic makes TLS best-effort: it is attempted when the server
	// offers STARTTLS and negotiation or verification failures downgrade
	// the connection instead of failing delivery.
	Opportunistic Policy = iota

	// STS subjects the host to an MTA-STS policy; mode "enforce" makes
	// verified TLS mandatory, mode "testing" only logs failures.
	STS

	// DANE makes TLS mandatory with certificate validation against the
	// host's TLSA records.
	DANE
)

func (p Policy) String() string {
	switch p {
	case Opportunistic:
		return "opportunistic"
	case STS:
		return "mta-sts"
	case DANE:
		return "dane"
	}
	return "unknown"
}

// SecureMX is a single MX host together with the policy delivery must
// apply when connecting to it.
//
// TLSA is non-empty if and only if Policy is DANE; the set is as returned
// by the authenticated lookup and may include records the verifier will
// skip as unusable. STSMode is meaningful only when Policy is STS.
type SecureMX struct {
	Host string
	Pref uint16

	Policy  Policy
	TLSA    []dns.TLSA
	STSMode mtasts.Mode
}

// TLSMandatory reports whether cleartext fallback is forbidden for this
// host.
func (m *SecureMX) TLSMandatory() bool {
	return m.Policy == DANE || (m.Policy == STS && m.STSMode == mtasts.ModeEnforce)
}

// Resolver composes the DNS cache, the DNSSEC-capable resolver and the
// MTA-STS cache into domain-level resolution operations.
//
// extResolver may be nil when no DNSSEC-validating resolver is available,
// TLSA discovery is skipped then and DANE never activates. sts may be nil
// to disable MTA-STS lookups.
type Resolver struct {
	Log log.Logger

	resolver    *dns.Cache
	extResolver *dns.ExtResolver
	sts         *mtasts.Cache
}

func New(resolver *dns.Cache, extResolver *dns.ExtResolver, sts *mtasts.Cache, l log.Logger) *Resolver {
	return &Resolver{
		Log:         l,
		resolver:    resolver,
		extResolver: extResolver,
		sts:         sts,
	}
}

// lookupMX returns the MX records for domain ordered by (preference,
// hostname), hostnames normalized to lowercase without the trailing dot.
//
// The RFC 5321, Section 5.1 fallback applies: a domain without MX records
// but with an address record yields a single implicit MX pointing at the
// domain itself. A domain with neither yields an empty list and no error,
// a domain with a null MX (RFC 7505) yields ErrNullMX.
func (r *Resolver) lookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	records, err := r.resolver.LookupMX(ctx, domain)
	if err != nil && !dns.IsNotFound(err) {
		return nil, err
	}

	for _, rec := range records {
		rec.Host = strings.ToLower(strings.TrimSuffix(rec.Host, "."))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Pref != records[j].Pref {
			return records[i].Pref < records[j].Pref
		}
		return records[i].Host < records[j].Host
	})

	// The root zone as the only MX is the null MX convention, the
	// trailing dot trim above leaves the hostname empty.
	if len(records) == 1 && records[0].Host == "" {
		return nil, ErrNullMX
	}

	if len(records) == 0 {
		if _, err := r.resolver.LookupIPAddr(ctx, domain); err != nil {
			if dns.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		records = append(records, &net.MX{
			Host: strings.ToLower(strings.TrimSuffix(domain, ".")),
			Pref: 0,
		})
	}

	return records, nil
}

// ResolveSecure resolves domain into its MX hosts annotated with security
// policies, ordered by (preference, hostname).
//
// If any MX publishes usable TLSA records the domain is DANE-dominant:
// TLSA-bearing hosts get the DANE policy, the rest stay opportunistic and
// MTA-STS is never consulted. Otherwise a valid MTA-STS policy restricts
// the list to the hosts it matches; non-matching hosts are dropped with a
// warning. With no DANE and no usable policy every host is opportunistic.
//
// An empty result with a nil error means the domain has no usable MX.
func (r *Resolver) ResolveSecure(ctx context.Context, domain string) ([]SecureMX, error) {
	records, err := r.lookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	list := make([]SecureMX, len(records))
	for i, rec := range records {
		list[i] = SecureMX{Host: rec.Host, Pref: rec.Pref, Policy: Opportunistic}
	}

	daneDominant := false
	if r.extResolver != nil {
		for i := range list {
			recs, err := dane.LookupTLSA(ctx, r.extResolver, r.Log, list[i].Host)
			if err != nil {
				// A dead MX host (no address, NXDOMAIN) stays in the list
				// for the dialer to report; anything else may be a bogus
				// DNSSEC signature and must delay delivery (RFC 7672,
				// Section 2.2).
				if errors.Is(err, dane.ErrNoAddress) || dns.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			if len(dane.Usable(recs)) == 0 {
				continue
			}
			list[i].Policy = DANE
			list[i].TLSA = recs
			daneDominant = true
		}
	}
	if daneDominant {
		return list, nil
	}

	if r.sts == nil {
		return list, nil
	}
	policy, err := r.sts.Get(ctx, domain)
	if err != nil {
		if !errors.Is(err, mtasts.ErrNoPolicy) {
			r.Log.Error("failed to fetch the MTA-STS policy", err, "domain", domain)
		}
		return list, nil
	}
	if policy.Mode == mtasts.ModeNone || len(policy.MX) == 0 {
		return list, nil
	}

	matched := make([]SecureMX, 0, len(list))
	for _, mx := range list {
		if !policy.Match(mx.Host) {
			r.Log.Msg("MX not covered by the MTA-STS policy, ignoring it",
				"domain", domain, "mx", mx.Host, "mode", policy.Mode)
			continue
		}
		mx.Policy = STS
		mx.STSMode = policy.Mode
		matched = append(matched, mx)
	}
	if len(matched) == 0 {
		// A policy matching no MX means either the policy or the MX RRset
		// is misconfigured. Opportunistic delivery is less harmful than
		// refusing to deliver at all.
		r.Log.Msg("MTA-STS policy does not match any MX, ignoring it",
			"domain", domain, "mode", policy.Mode)
		return list, nil
	}
	return matched, nil
}
