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

// Package dane implements TLSA record discovery (RFC 7672) and the
// corresponding certificate verification (RFC 6698) for outbound SMTP
// connections.
package dane

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"

	"github.com/maitred-mta/maitred/framework/dns"
	"github.com/maitred-mta/maitred/framework/exterrors"
	"github.com/maitred-mta/maitred/framework/log"
)

// Overridden in tests to make DANE-TA chain verification deterministic.
var verifyTime time.Time

// ErrNoAddress is returned by LookupTLSA for MX hosts without any A/AAAA
// records. Such hosts cannot be connected to and their DANE status is moot.
var ErrNoAddress = errors.New("dane: no address associated with the host")

// LookupTLSA locates the TLSA records applicable to the MX host, including
// the CNAME following required by RFC 7672, Section 2.2.2.
//
// Records are returned only if the relevant responses were validated by the
// local resolver (AD flag). A "secure" absence of records as well as a
// non-authenticated RRset both result in an empty slice being returned
// without an error, per RFC 7672, Section 2.2.
func LookupTLSA(ctx context.Context, r *dns.ExtResolver, l log.Logger, mx string) ([]dns.TLSA, error) {
	mx = dns.FQDN(mx)

	adA, rname, err := r.CheckCNAMEAD(ctx, mx)
	if err != nil {
		// This may indicate a bogus DNSSEC signature or other lookup issue
		// (including non-existing domain).
		// Per RFC 7672, any I/O errors (including SERVFAIL) should
		// cause delivery to be delayed.
		return nil, err
	}
	if rname == "" {
		// No A/AAAA records, short-circuit discovery instead of doing useless
		// queries.
		return nil, ErrNoAddress
	}
	if !adA {
		// If the A lookup is not DNSSEC-authenticated the server cannot
		// have a usable TLSA record, skip the actual TLSA lookup to avoid
		// hitting weird errors like SERVFAIL, NOTIMP on resolvers that do
		// not know the type.
		if rname == mx {
			l.DebugMsg("skipping TLSA discovery, non-authenticated A records", "mx", mx)
			return nil, nil
		}

		// But if it is CNAME'd then the initial name may still be signed.
		// To confirm the initial name is signed, do a CNAME lookup.
		cnameAD, _, err := r.AuthLookupCNAME(ctx, mx)
		if err != nil {
			return nil, err
		}
		if !cnameAD {
			l.DebugMsg("skipping TLSA discovery, non-authenticated CNAME record", "mx", mx)
			return nil, nil
		}
	}

	// If there was a CNAME - try the final canonical name first.
	if rname != mx {
		ad, recs, err := r.AuthLookupTLSA(ctx, "25", "tcp", rname)
		if err != nil && !dns.IsNotFound(err) {
			return nil, err
		}
		if ad && len(recs) != 0 {
			// recs may contain only unusable records - this is okay per
			// RFC 7672, no fallback to the initial name is done.
			l.DebugMsg("using TLSA records at canonical name", "mx", mx, "rname", rname, "count", len(recs))
			return recs, nil
		}
		// Per RFC 7672, Section 2.2 a non-authenticated RRset is interpreted
		// just like an empty RRset, fall back to the initial name.
		l.DebugMsg("ignoring non-authenticated TLSA records", "rname", rname)
	}

	ad, recs, err := r.AuthLookupTLSA(ctx, "25", "tcp", mx)
	if err != nil && !dns.IsNotFound(err) {
		return nil, err
	}
	if !ad {
		l.DebugMsg("ignoring non-authenticated TLSA records", "mx", mx)
		return nil, nil
	}

	return recs, nil
}

// Usable filters out records with enum values we cannot process.
//
// A host is considered DANE-enabled if at least one record survives this
// filter; broken or future-standard records never downgrade the check.
func Usable(recs []dns.TLSA) []dns.TLSA {
	out := make([]dns.TLSA, 0, len(recs))
	for _, rec := range recs {
		switch rec.Usage {
		case 0, 1, 2, 3:
		default:
			continue
		}
		switch rec.Selector {
		case 0, 1:
		default:
			continue
		}
		switch rec.MatchingType {
		case 0, 1, 2:
		default:
			continue
		}

		out = append(out, rec)
	}
	return out
}

// Verify checks whether TLSA records require TLS use and whether any of them
// matches the certificate used by the server.
//
// The overridePKIX result indicates whether the match alone authenticates the
// server, even if PKIX/X.509 verification failed. That is, if
// InsecureSkipVerify was used and Verify returns overridePKIX=true, the
// server certificate should be trusted.
//
// See https://tools.ietf.org/html/rfc6698#appendix-B.2 for the pseudocode
// this function is based on and https://tools.ietf.org/html/rfc7672#section-2.2
// for the discovery requirements.
func Verify(recs []dns.TLSA, serverName string, connState tls.ConnectionState) (overridePKIX bool, err error) {
	tlsErr := &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
		Message:      "TLS is required but unsupported or failed (enforced by DANE)",
		TargetName:   "remote",
		Misc: map[string]interface{}{
			"remote_server": connState.ServerName,
		},
	}

	// An upstream resolver is expected to generate an error if the DNSSEC
	// signature is bogus, so an empty set means "authenticated denial of
	// existence" and the pre-DANE behavior applies.
	if len(recs) == 0 {
		return false, nil
	}

	// Require TLS even if all records are unusable, per RFC 7672, Section 2.2.
	if !connState.HandshakeComplete {
		return false, tlsErr
	}

	// Authentication is not required if all records are unusable, see
	// RFC 7672, Section 2.1.1.
	usableRecs := Usable(recs)
	if len(usableRecs) == 0 {
		return false, nil
	}

	for _, rec := range usableRecs {
		switch rec.Usage {
		case 0: // CA constraint (PKIX-TA)
			// Requires the standard PKIX verification to have succeeded and
			// additionally constrains the CA set: the asserted certificate
			// must appear in the verified chain above the end-entity cert.
			for _, chain := range connState.VerifiedChains {
				for _, cert := range chain[1:] {
					if rec.Verify(cert) == nil {
						return false, nil
					}
				}
			}
		case 1: // Service certificate constraint (PKIX-EE)
			// Like usage 0, PKIX trust is still required.
			if connState.VerifiedChains != nil && rec.Verify(connState.PeerCertificates[0]) == nil {
				return false, nil
			}
		case 2: // Trust Anchor Assertion (DANE-TA)
			certs := connState.PeerCertificates
			// Find the CA certificate that matches the record - add it as a
			// "root". Add all other certificates as intermediates.
			foundTA := false
			opts := x509.VerifyOptions{
				DNSName:       serverName,
				Intermediates: x509.NewCertPool(),
				Roots:         x509.NewCertPool(),
				CurrentTime:   verifyTime,
			}
			for _, cert := range certs {
				if !foundTA && cert.IsCA && rec.Verify(cert) == nil {
					opts.Roots.AddCert(cert)
					foundTA = true
				}
				opts.Intermediates.AddCert(cert)
			}

			if foundTA {
				// ... then run the standard X.509 verification.
				// This will verify that the server certificate chains to
				// the asserted TA certificate.
				if _, err := certs[0].Verify(opts); err == nil {
					return true, nil
				}
			}
		case 3: // Domain issued certificate (DANE-EE)
			if rec.Verify(connState.PeerCertificates[0]) == nil {
				// https://tools.ietf.org/html/rfc7672#section-3.1.1
				// - SAN/CN are not considered so always override.
				// - Expired certificates are fine too.
				return true, nil
			}
		}
	}

	// There are records, but none matched.
	return false, &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
		Message:      "No matching TLSA records",
		TargetName:   "remote",
		Misc: map[string]interface{}{
			"remote_server": connState.ServerName,
		},
	}
}
